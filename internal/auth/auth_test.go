package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

const goodPassword = "Secr3t!pass"

type failingStore struct{}

func (failingStore) Lookup(context.Context, string) (string, error) {
	return "", errors.Join(ErrUnavailable, errors.New("connection refused"))
}

func (failingStore) Create(context.Context, string, string) error {
	return errors.Join(ErrUnavailable, errors.New("connection refused"))
}

func newTestService() *Service {
	return NewService(NewMemoryStore(), bcrypt.MinCost)
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	if err := svc.Register(ctx, "alice", goodPassword); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Login(ctx, "alice", goodPassword); err != nil {
		t.Errorf("Login with correct password: %v", err)
	}
	if err := svc.Login(ctx, " alice ", goodPassword); err != nil {
		t.Errorf("Login should trim the username: %v", err)
	}
	if err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}
	if err := svc.Login(ctx, "bob", goodPassword); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
	if err := svc.Register(ctx, "alice", goodPassword); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	if err := svc.Login(ctx, "", "x"); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
	if err := svc.Register(ctx, "alice", ""); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	svc := NewService(failingStore{}, bcrypt.MinCost)

	if err := svc.Login(ctx, "alice", goodPassword); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from Login, got %v", err)
	}
	if err := svc.Register(ctx, "alice", goodPassword); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from Register, got %v", err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		reason   string
	}{
		{"Sh0rt!", "Password must be at least 8 characters long."},
		{"lowercase1!", "Password must contain at least one uppercase letter."},
		{"UPPERCASE1!", "Password must contain at least one lowercase letter."},
		{"NoDigits!!", "Password must contain at least one number."},
		{"NoSpecial12", "Password must contain at least one special character."},
		{goodPassword, ""},
	}

	for _, tt := range tests {
		err := ValidatePassword(tt.password)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidatePassword(%q): unexpected error %v", tt.password, err)
			}
			continue
		}
		var perr *PolicyError
		if !errors.As(err, &perr) {
			t.Errorf("ValidatePassword(%q): expected PolicyError, got %v", tt.password, err)
			continue
		}
		if perr.Reason != tt.reason {
			t.Errorf("ValidatePassword(%q): expected %q, got %q", tt.password, tt.reason, perr.Reason)
		}
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	svc := newTestService()
	err := svc.Register(context.Background(), "alice", "weak")

	var perr *PolicyError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if _, lookupErr := svc.store.Lookup(context.Background(), "alice"); !errors.Is(lookupErr, ErrUnknownUser) {
		t.Error("weak password must not create the account")
	}
}

func TestNewServiceClampsCost(t *testing.T) {
	if got := NewService(NewMemoryStore(), 1).cost; got != bcrypt.MinCost {
		t.Errorf("expected cost clamped to %d, got %d", bcrypt.MinCost, got)
	}
	if got := NewService(NewMemoryStore(), 99).cost; got != bcrypt.MaxCost {
		t.Errorf("expected cost clamped to %d, got %d", bcrypt.MaxCost, got)
	}
	if got := NewService(NewMemoryStore(), 0).cost; got != bcrypt.DefaultCost {
		t.Errorf("expected default cost, got %d", got)
	}
}
