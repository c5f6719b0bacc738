package main

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/retailpos/internal/config"
	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{AuthSecret: "short", ManagerPIN: "739154"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "123456"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "987654"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "7777777"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "7391"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("expected weak security config %+v to be rejected", cfg)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestSeedAccountsCreatesHashedUsersOnce(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "s3cret-admin")
	t.Setenv("SEED_CASHIER_PASSWORD", "")

	repo := memory.New(nil, domain.Settings{TaxRate: decimal.NewNullDecimal(decimal.NewFromInt(12))})
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	if err := seedAccounts(context.Background(), repo, log); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}
	users, err := repo.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Username != "admin" || users[0].Role != domain.RoleAdmin {
		t.Fatalf("expected only the admin account, got %+v", users)
	}
	if bcrypt.CompareHashAndPassword([]byte(users[0].Password), []byte("s3cret-admin")) != nil {
		t.Fatalf("expected stored password to be a bcrypt hash of the seed")
	}

	t.Setenv("SEED_CASHIER_PASSWORD", "s3cret-cashier")
	if err := seedAccounts(context.Background(), repo, log); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	users, _ = repo.ListUsers(context.Background())
	if len(users) != 1 {
		t.Fatalf("expected seeding to skip a non-empty user table, got %d users", len(users))
	}
}
