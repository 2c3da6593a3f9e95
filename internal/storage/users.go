package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/neptis/internal/domain"
)

const userColumns = `
	user_name, first_name, last_name, create_date,
	is_admin, max_data_bytes, max_snapshot_bytes
`

// GetUser loads a user by name
func (s *Storage) GetUser(ctx context.Context, userName string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE user_name = $1`

	var user domain.User
	if err := s.db.GetContext(ctx, &user, query, userName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// ListUsers returns every user ordered by name
func (s *Storage) ListUsers(ctx context.Context) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY user_name`

	users := []domain.User{}
	if err := s.db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// CreateUser inserts a user
func (s *Storage) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (` + userColumns + `) VALUES (
			:user_name, :first_name, :last_name, :create_date,
			:is_admin, :max_data_bytes, :max_snapshot_bytes
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, user); err != nil {
		if isUniqueViolation(err) {
			return domain.BadRequest(fmt.Sprintf("User %s already exists", user.UserName))
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("User created",
		slog.String("user", user.UserName),
		slog.Bool("is_admin", user.IsAdmin),
	)
	return nil
}

// UpdateUser applies the non-nil fields of upd and returns the stored row
func (s *Storage) UpdateUser(ctx context.Context, userName string, upd domain.UserUpdate) (*domain.User, error) {
	query := `
		UPDATE users
		SET first_name = COALESCE($1, first_name),
		    last_name = COALESCE($2, last_name),
		    is_admin = COALESCE($3, is_admin),
		    max_data_bytes = COALESCE($4, max_data_bytes),
		    max_snapshot_bytes = COALESCE($5, max_snapshot_bytes)
		WHERE user_name = $6
		RETURNING ` + userColumns

	var user domain.User
	err := s.db.GetContext(ctx, &user, query,
		upd.FirstName, upd.LastName, upd.IsAdmin, upd.MaxDataBytes, upd.MaxSnapshotBytes, userName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return &user, nil
}

// DeleteUser removes a user
func (s *Storage) DeleteUser(ctx context.Context, userName string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_name = $1`, userName)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrUserNotFound
	}

	s.logger.Info("User deleted", slog.String("user", userName))
	return nil
}
