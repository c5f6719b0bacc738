package store

import (
	"context"
	"time"

	"kasirinaja/retailpos/internal/domain"
)

type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.Settings, error)
}

// StockStore mutates product stock counters. DecrementStock must check and
// decrement in one step; it fails with a *domain.StockError.
type StockStore interface {
	DecrementStock(ctx context.Context, productID string, qty int) (int, error)
	IncrementStock(ctx context.Context, productID string, qty int) (int, error)
	RecordStockMovement(ctx context.Context, movement domain.StockMovement) error
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
}

// TransactionStore persists sale records. CreateTransaction returns
// domain.ErrDuplicate when the transaction number is already taken.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByNumber(ctx context.Context, number string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	MarkRefunded(ctx context.Context, id string, note string, at time.Time) (*domain.Transaction, error)
	MaxDailySequence(ctx context.Context, prefix string) (int, error)
}

// UserStore holds login accounts. CreateUser returns domain.ErrDuplicate
// for a taken username.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	SettingsStore
	StockStore
	TransactionStore
	UserStore
}
