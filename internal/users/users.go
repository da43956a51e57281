// Package users holds account identities: the user ID every other package
// keys on, and the email address codes and alerts are sent to.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/mbd888/trustbank/internal/idgen"
)

var (
	ErrUserNotFound = errors.New("users: user not found")
	ErrEmailTaken   = errors.New("users: email already registered")
	ErrInvalidEmail = errors.New("users: invalid email address")
	ErrInvalidName  = errors.New("users: name is required")
)

const maxNameLen = 100

// User is an account holder.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists users. Emails are unique, compared lowercased.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Delete(ctx context.Context, id string) error
}

// Service registers and looks up users.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a user service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Register creates a user with a fresh ID.
func (s *Service) Register(ctx context.Context, email, name string) (*User, error) {
	addr, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLen {
		return nil, ErrInvalidName
	}

	u := &User{
		ID:        idgen.WithPrefix("usr_"),
		Email:     addr,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// Delete removes a user and returns the deleted record, so the caller can
// still address a farewell notice.
func (s *Service) Delete(ctx context.Context, id string) (*User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info("user deleted", "user_id", id)
	return u, nil
}

// Email returns the address codes and alerts for id are sent to.
func (s *Service) Email(ctx context.Context, id string) (string, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("lookup email: %w", err)
	}
	return u.Email, nil
}

// NormalizeEmail validates a bare address and lowercases it.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}
