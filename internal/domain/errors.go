package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrInvalidState       = errors.New("invalid state")
	ErrPersistence        = errors.New("persistence failure")
	ErrDuplicate          = errors.New("duplicate")
)

// StockError describes a per-product reservation failure. It unwraps to
// ErrInsufficientStock, ErrProductUnavailable or ErrNotFound.
type StockError struct {
	ProductID   string
	ProductName string
	Available   int
	Err         error
}

func (e *StockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	switch {
	case errors.Is(e.Err, ErrInsufficientStock):
		return fmt.Sprintf("insufficient stock for %s, available: %d", name, e.Available)
	case errors.Is(e.Err, ErrProductUnavailable):
		return fmt.Sprintf("product %s is unavailable", name)
	case errors.Is(e.Err, ErrNotFound):
		return fmt.Sprintf("product %s not found", name)
	default:
		return fmt.Sprintf("stock error for %s: %v", name, e.Err)
	}
}

func (e *StockError) Unwrap() error {
	return e.Err
}
