package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirinaja/retailpos/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {Username: "admin", DisplayName: "Store Admin", Password: "admin123", Role: domain.RoleAdmin, Active: true},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store, nil)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Name != "Store Admin" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}

	users, _ := store.ListUsers(context.Background())
	if users[0].Password == "admin123" || !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates != 1 {
		t.Fatalf("expected exactly one password upgrade, got %d", store.updates)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"gone": {Username: "gone", Password: "secret99", Role: domain.RoleCashier, Active: false},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", store, nil)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "secret99"})
	if !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "wrong"})
	if !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestTokenRoundTripCarriesActor(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {Username: "cashier", DisplayName: "Front Cashier", Password: "cashier123", Role: domain.RoleCashier, Active: true},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", store, nil)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Cashier ", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	want := domain.Actor{ID: "cashier", Name: "Front Cashier", Role: domain.RoleCashier}
	if actor != want {
		t.Fatalf("expected %+v, got %+v", want, actor)
	}

	other := NewAuthManager("other-secret", time.Hour, "123456", store, nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsExpiredAndForeignIssuer(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil, nil)

	expired, err := manager.sign("admin", credential{role: domain.RoleAdmin}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	foreign := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, posClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: domain.RoleAdmin,
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign foreign: %v", err)
	}
	if _, err := manager.ParseToken(signed); err == nil {
		t.Fatalf("expected foreign issuer to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{users: map[string]domain.UserAccount{}}, nil)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
