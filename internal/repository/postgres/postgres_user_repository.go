package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/quanghm/parkcore/internal/models"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) Insert(ctx context.Context, user *models.User) error {
	var err error
	tracer := otel.Tracer("user-repository")
	ctx, span := tracer.Start(ctx, "InsertUser")
	span.SetAttributes(attribute.String("username", user.Username), attribute.String("employee_id", user.EmployeeID))
	defer finish(span, "InsertUser", time.Now(), &err)

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	query := `INSERT INTO users (id, employee_id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.db.ExecContext(ctx, query, user.ID, user.EmployeeID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			err = pkgerrors.ErrUsernameExists
			return err
		}
		slog.Error("failed to insert user", "method", "Insert", "username", user.Username, "error", err)
		return fmt.Errorf("failed to insert user: %w", err)
	}
	slog.Info("user inserted", "method", "Insert", "employee_id", user.EmployeeID, "role", user.Role)
	return nil
}

func (r *PostgresUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var err error
	tracer := otel.Tracer("user-repository")
	ctx, span := tracer.Start(ctx, "GetUserByUsername")
	defer finish(span, "GetUserByUsername", time.Now(), &err)

	var u models.User
	err = r.db.QueryRowContext(ctx,
		`SELECT id, employee_id, username, password_hash, role, created_at FROM users WHERE username = $1`,
		username).Scan(&u.ID, &u.EmployeeID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrUserNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get user", "method", "GetByUsername", "username", username, "error", err)
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (r *PostgresUserRepository) NextEmployeeID(ctx context.Context, prefix string) (string, error) {
	var err error
	tracer := otel.Tracer("user-repository")
	ctx, span := tracer.Start(ctx, "NextEmployeeID")
	defer finish(span, "NextEmployeeID", time.Now(), &err)

	query := `SELECT COALESCE(MAX(CAST(SUBSTRING(employee_id FROM $1) AS INTEGER)), 0)
		FROM users WHERE employee_id LIKE $2`
	var last int
	err = r.db.QueryRowContext(ctx, query, len(prefix)+1, prefix+"%").Scan(&last)
	if err != nil {
		slog.Error("failed to generate employee id", "method", "NextEmployeeID", "prefix", prefix, "error", err)
		return "", fmt.Errorf("failed to generate employee id: %w", err)
	}
	return fmt.Sprintf("%s%03d", prefix, last+1), nil
}
