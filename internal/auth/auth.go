// Package auth verifies and registers chat accounts against a credential
// Store. Passwords are hashed with bcrypt and never logged.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnknownUser is returned when no account exists for a username.
	ErrUnknownUser = errors.New("auth: unknown user")
	// ErrInvalidPassword is returned when the password does not match.
	ErrInvalidPassword = errors.New("auth: invalid password")
	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("auth: user already exists")
	// ErrUnavailable wraps any failure of the backing store.
	ErrUnavailable = errors.New("auth: credential store unavailable")
	// ErrMissingCredentials is returned when username or password is empty.
	ErrMissingCredentials = errors.New("auth: username and password required")
)

// PolicyError explains why a password was refused at registration.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// Store persists username → bcrypt hash pairs.
type Store interface {
	// Lookup returns the stored hash, ErrUnknownUser, or an error wrapping
	// ErrUnavailable.
	Lookup(ctx context.Context, username string) (string, error)
	// Create stores a new account, returning ErrUserExists if it is taken.
	Create(ctx context.Context, username, hash string) error
}

// Service implements login and registration on top of a Store.
type Service struct {
	store Store
	cost  int
}

// NewService returns a Service hashing with the given bcrypt cost. Values
// outside bcrypt's range are clamped.
func NewService(store Store, cost int) *Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Service{store: store, cost: cost}
}

// Login verifies username and password.
func (s *Service) Login(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}

	hash, err := s.store.Lookup(ctx, username)
	if err != nil {
		return err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrInvalidPassword
	default:
		return fmt.Errorf("%w: stored hash for %q: %v", ErrUnavailable, username, err)
	}
}

// Register validates the password policy and creates the account.
func (s *Service) Register(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("%w: hash password: %v", ErrUnavailable, err)
	}
	return s.store.Create(ctx, username, string(hash))
}

const specialChars = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?"

// ValidatePassword enforces the registration password policy.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return &PolicyError{Reason: "Password must be at least 8 characters long."}
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(specialChars, r):
			special = true
		}
	}

	switch {
	case !upper:
		return &PolicyError{Reason: "Password must contain at least one uppercase letter."}
	case !lower:
		return &PolicyError{Reason: "Password must contain at least one lowercase letter."}
	case !digit:
		return &PolicyError{Reason: "Password must contain at least one number."}
	case !special:
		return &PolicyError{Reason: "Password must contain at least one special character."}
	}
	return nil
}
