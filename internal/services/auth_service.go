package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/quanghm/parkcore/internal/infrastructure/redis"
	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 8 * time.Hour

type AuthService interface {
	Register(ctx context.Context, username, password string, role models.UserRole) (*models.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	Logout(ctx context.Context, employeeID string) error
}

type authService struct {
	userRepo    repository.UserRepository
	redisClient redis.RedisClient
	jwtSecret   string
}

func NewAuthService(userRepo repository.UserRepository, redisClient redis.RedisClient, jwtSecret string) *authService {
	return &authService{
		userRepo:    userRepo,
		redisClient: redisClient,
		jwtSecret:   jwtSecret,
	}
}

func employeePrefix(role models.UserRole) string {
	if role == models.RoleAdmin {
		return "ADM"
	}
	return "EMP"
}

func (s *authService) Register(ctx context.Context, username, password string, role models.UserRole) (*models.User, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	if username == "" || password == "" {
		span.SetStatus(codes.Error, "empty username or password")
		return nil, pkgerrors.ErrInvalidInput
	}
	if role != models.RoleAdmin && role != models.RoleStaff {
		return nil, pkgerrors.ErrInvalidInput
	}

	existing, err := s.userRepo.GetByUsername(ctx, username)
	if existing != nil {
		span.SetStatus(codes.Error, "username already exists")
		slog.Warn("username already exists", "username", username)
		return nil, pkgerrors.ErrUsernameExists
	}
	if err != nil && !stderrors.Is(err, pkgerrors.ErrUserNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user check failed")
		return nil, fmt.Errorf("%w: failed to check user existence", pkgerrors.ErrInternal)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "password hashing failed")
		return nil, fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
	}

	employeeID, err := s.userRepo.NextEmployeeID(ctx, employeePrefix(role))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "employee id generation failed")
		return nil, err
	}

	user := &models.User{
		EmployeeID:   employeeID,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.userRepo.Insert(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user creation failed")
		return nil, err
	}

	slog.Info("staff account registered", "employee_id", employeeID, "username", username, "role", role)
	return user, nil
}

func (s *authService) Login(ctx context.Context, username, password string) (string, error) {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		slog.Warn("login failed, user lookup", "username", username, "error", err)
		return "", pkgerrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		slog.Warn("login failed, invalid password", "username", username)
		return "", pkgerrors.ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"employee_id": user.EmployeeID,
		"role":        string(user.Role),
		"exp":         time.Now().Add(tokenTTL).Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to generate JWT", "error", err)
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	if err := s.redisClient.Set(ctx, fmt.Sprintf("staff:%s:token", user.EmployeeID), tokenString, tokenTTL); err != nil {
		span.RecordError(err)
		slog.Error("failed to cache JWT", "employee_id", user.EmployeeID, "error", err)
		return "", fmt.Errorf("%w: failed to store session", pkgerrors.ErrInternal)
	}

	slog.Info("staff logged in", "username", username, "employee_id", user.EmployeeID)
	return tokenString, nil
}

func (s *authService) Logout(ctx context.Context, employeeID string) error {
	tracer := otel.Tracer("auth-service")
	ctx, span := tracer.Start(ctx, "Logout")
	defer span.End()

	if err := s.redisClient.Del(ctx, fmt.Sprintf("staff:%s:token", employeeID)); err != nil {
		span.RecordError(err)
		return err
	}
	slog.Info("staff logged out", "employee_id", employeeID)
	return nil
}
