package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/neptis/internal/domain"
)

const volumeColumns = `
	owned_by, mount_name, data_img_path, data_mnt_path, repo_img_path,
	repo_mnt_path, repo_password, data_max_bytes, repo_max_bytes,
	date_created, data_accessed, repo_accessed, locked
`

// GetVolume loads one volume by its (owner, name) key
func (s *Storage) GetVolume(ctx context.Context, owner, name string) (*domain.Volume, error) {
	query := `SELECT ` + volumeColumns + ` FROM mounts WHERE owned_by = $1 AND mount_name = $2`

	var v domain.Volume
	if err := s.db.GetContext(ctx, &v, query, owner, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrVolumeNotFound
		}
		return nil, fmt.Errorf("failed to get volume: %w", err)
	}
	return &v, nil
}

// ListVolumes returns every volume of owner ordered by name
func (s *Storage) ListVolumes(ctx context.Context, owner string) ([]domain.Volume, error) {
	query := `SELECT ` + volumeColumns + ` FROM mounts WHERE owned_by = $1 ORDER BY mount_name`

	volumes := []domain.Volume{}
	if err := s.db.SelectContext(ctx, &volumes, query, owner); err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	return volumes, nil
}

// CreateVolume inserts a provisioned volume
func (s *Storage) CreateVolume(ctx context.Context, v *domain.Volume) error {
	query := `
		INSERT INTO mounts (` + volumeColumns + `) VALUES (
			:owned_by, :mount_name, :data_img_path, :data_mnt_path, :repo_img_path,
			:repo_mnt_path, :repo_password, :data_max_bytes, :repo_max_bytes,
			:date_created, :data_accessed, :repo_accessed, :locked
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, v); err != nil {
		if isUniqueViolation(err) {
			return domain.BadRequest(fmt.Sprintf("Volume %s already exists", v.Name))
		}
		return fmt.Errorf("failed to create volume: %w", err)
	}

	s.logger.Info("Volume created",
		slog.String("owner", v.OwnedBy),
		slog.String("volume", v.Name),
	)
	return nil
}

// UpdateVolumeSize stores new byte ceilings and access timestamps
func (s *Storage) UpdateVolumeSize(ctx context.Context, v *domain.Volume) error {
	query := `
		UPDATE mounts
		SET data_max_bytes = $1,
		    repo_max_bytes = $2,
		    data_accessed = $3,
		    repo_accessed = $4
		WHERE owned_by = $5 AND mount_name = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		v.DataMaxBytes, v.RepoMaxBytes, v.DataAccessed, v.RepoAccessed, v.OwnedBy, v.Name)
	if err != nil {
		return fmt.Errorf("failed to update volume: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrVolumeNotFound
	}
	return nil
}

// DeleteVolume removes the row and reports how many rows were deleted
func (s *Storage) DeleteVolume(ctx context.Context, owner, name string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM mounts WHERE owned_by = $1 AND mount_name = $2`, owner, name)
	if err != nil {
		return 0, fmt.Errorf("failed to delete volume: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}
