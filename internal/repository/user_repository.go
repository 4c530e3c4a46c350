package repository

import (
	"context"

	"github.com/quanghm/parkcore/internal/models"
)

type UserRepository interface {
	Insert(ctx context.Context, user *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	NextEmployeeID(ctx context.Context, prefix string) (string, error)
}
