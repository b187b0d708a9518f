package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"billingSyncAPI/internal/types/user"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUserNotFound = errors.New("user not found")

// UserService reads the externally owned users table. It never writes to it.
type UserService struct {
	db *pgxpool.Pool
}

func NewUserService(db *pgxpool.Pool) *UserService {
	return &UserService{db: db}
}

func (s *UserService) GetUserByID(ctx context.Context, id string) (*user.User, error) {
	query := `
	SELECT id::text, email, username, created_at, updated_at
	FROM users
	WHERE id = $1
	`

	return s.scanUser(ctx, query, id)
}

// GetUserByEmail matches the address exactly, ignoring case.
func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrUserNotFound
	}

	query := `
	SELECT id::text, email, username, created_at, updated_at
	FROM users
	WHERE LOWER(email) = LOWER($1)
	ORDER BY created_at
	LIMIT 1
	`

	return s.scanUser(ctx, query, email)
}

func (s *UserService) scanUser(ctx context.Context, query string, arg string) (*user.User, error) {
	u := &user.User{}
	err := s.db.QueryRow(ctx, query, arg).Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return u, nil
}
