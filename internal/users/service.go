// Package users administers the user records that carry identity and quota
// ceilings. Reads are open to any caller; writes are admin-only.
package users

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cuongbtq/neptis/internal/domain"
)

var userNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Store is the user persistence the service needs
type Store interface {
	GetUser(ctx context.Context, userName string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error
	UpdateUser(ctx context.Context, userName string, upd domain.UserUpdate) (*domain.User, error)
	DeleteUser(ctx context.Context, userName string) error
	ListVolumes(ctx context.Context, owner string) ([]domain.Volume, error)
}

// Service manages users
type Service struct {
	store  Store
	logger *slog.Logger

	now func() time.Time
}

// NewService creates a user service
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// List returns every user
func (s *Service) List(ctx context.Context, _ *domain.User) ([]domain.User, error) {
	return s.store.ListUsers(ctx)
}

// Get returns one user
func (s *Service) Get(ctx context.Context, _ *domain.User, userName string) (*domain.User, error) {
	return s.store.GetUser(ctx, userName)
}

// Create inserts a new user. Missing quotas default to zero.
func (s *Service) Create(ctx context.Context, caller *domain.User, user domain.User) (*domain.User, error) {
	if !caller.IsAdmin {
		return nil, domain.Unauthorized("Only administrators can create users")
	}

	user.UserName = strings.TrimSpace(user.UserName)
	user.FirstName = strings.TrimSpace(user.FirstName)
	user.LastName = strings.TrimSpace(user.LastName)
	switch {
	case user.UserName == "":
		return nil, domain.BadRequest("Username is empty")
	case !userNamePattern.MatchString(user.UserName):
		return nil, domain.BadRequest("Username may only contain letters, digits, '_', '.' and '-'")
	case user.FirstName == "":
		return nil, domain.BadRequest("First name is empty")
	case user.LastName == "":
		return nil, domain.BadRequest("Last name is empty")
	}
	if err := checkQuotas(&user.MaxDataBytes, &user.MaxSnapshotBytes); err != nil {
		return nil, err
	}
	user.CreateDate = s.now().UTC()

	if err := s.store.CreateUser(ctx, &user); err != nil {
		return nil, err
	}

	s.logger.Info("User created by admin",
		slog.String("admin", caller.UserName),
		slog.String("user", user.UserName),
	)
	return &user, nil
}

// Update applies a partial update to a user
func (s *Service) Update(ctx context.Context, caller *domain.User, userName string, upd domain.UserUpdate) (*domain.User, error) {
	if !caller.IsAdmin {
		return nil, domain.Unauthorized("Only administrators can update users")
	}

	for _, field := range []struct {
		value *string
		msg   string
	}{
		{upd.FirstName, "First name is empty"},
		{upd.LastName, "Last name is empty"},
	} {
		if field.value == nil {
			continue
		}
		*field.value = strings.TrimSpace(*field.value)
		if *field.value == "" {
			return nil, domain.BadRequest(field.msg)
		}
	}
	if err := checkQuotas(upd.MaxDataBytes, upd.MaxSnapshotBytes); err != nil {
		return nil, err
	}
	if upd.IsAdmin != nil && !*upd.IsAdmin && userName == caller.UserName {
		return nil, domain.BadRequest("You cannot revoke your own admin rights")
	}

	user, err := s.store.UpdateUser(ctx, userName, upd)
	if err != nil {
		return nil, err
	}

	s.logger.Info("User updated by admin",
		slog.String("admin", caller.UserName),
		slog.String("user", userName),
	)
	return user, nil
}

// Delete removes a user that owns no volumes
func (s *Service) Delete(ctx context.Context, caller *domain.User, userName string) error {
	if !caller.IsAdmin {
		return domain.Unauthorized("Only administrators can delete users")
	}
	if userName == caller.UserName {
		return domain.BadRequest("You cannot delete yourself")
	}

	volumes, err := s.store.ListVolumes(ctx, userName)
	if err != nil {
		return err
	}
	if len(volumes) > 0 {
		return domain.BadRequest(fmt.Sprintf("User %s still owns %d volumes", userName, len(volumes)))
	}

	if err := s.store.DeleteUser(ctx, userName); err != nil {
		return err
	}

	s.logger.Info("User deleted by admin",
		slog.String("admin", caller.UserName),
		slog.String("user", userName),
	)
	return nil
}

func checkQuotas(dataBytes, snapshotBytes *int64) error {
	if (dataBytes != nil && *dataBytes < 0) || (snapshotBytes != nil && *snapshotBytes < 0) {
		return domain.BadRequest("Quotas cannot be negative")
	}
	return nil
}
