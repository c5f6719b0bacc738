// Package stock reserves and restores product inventory on top of the
// store's atomic counters and keeps the movement journal.
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/metrics"
	"kasirinaja/retailpos/internal/store"
	"kasirinaja/retailpos/internal/xid"
)

type Backend interface {
	store.Catalog
	store.StockStore
}

// Line is one requested product quantity.
type Line struct {
	ProductID string
	Quantity  int
}

// Reservation is a line that was decremented, with the catalog entry it was
// resolved against.
type Reservation struct {
	Product  domain.Product
	Quantity int
}

type Ledger struct {
	backend Backend
	log     *logrus.Entry
	now     func() time.Time
}

func NewLedger(backend Backend, log *logrus.Entry) *Ledger {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ledger{
		backend: backend,
		log:     log.WithField("component", "stock"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve decrements one product's stock atomically.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int, ref string) (int, error) {
	if qty < 1 {
		return 0, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}
	left, err := l.backend.DecrementStock(ctx, productID, qty)
	if err != nil {
		metrics.StockFailures.WithLabelValues(failureReason(err)).Inc()
		return left, err
	}
	l.journal(ctx, productID, domain.MovementSale, -qty, left, ref)
	return left, nil
}

// Restore adds qty back to a product. It has no upper bound.
func (l *Ledger) Restore(ctx context.Context, productID string, qty int, kind string, ref string) (int, error) {
	if qty < 1 {
		return 0, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}
	left, err := l.backend.IncrementStock(ctx, productID, qty)
	if err != nil {
		return 0, err
	}
	l.journal(ctx, productID, kind, qty, left, ref)
	return left, nil
}

// ReserveCart reserves every line or none. Duplicate products are merged,
// all products are checked before the first decrement, and reservations made
// before a late failure are compensated.
func (l *Ledger) ReserveCart(ctx context.Context, lines []Line, ref string) ([]Reservation, error) {
	merged := mergeLines(lines)
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", domain.ErrValidation)
	}

	planned := make([]Reservation, 0, len(merged))
	for _, line := range merged {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", domain.ErrValidation, line.ProductID)
		}
		product, err := l.backend.GetProduct(ctx, line.ProductID)
		if errors.Is(err, domain.ErrNotFound) {
			metrics.StockFailures.WithLabelValues("not_found").Inc()
			return nil, &domain.StockError{ProductID: line.ProductID, Err: domain.ErrNotFound}
		}
		if err != nil {
			return nil, err
		}
		if !product.Available() {
			metrics.StockFailures.WithLabelValues("unavailable").Inc()
			return nil, &domain.StockError{ProductID: product.ID, ProductName: product.Name, Err: domain.ErrProductUnavailable}
		}
		if product.Stock < line.Quantity {
			metrics.StockFailures.WithLabelValues("insufficient").Inc()
			return nil, &domain.StockError{
				ProductID:   product.ID,
				ProductName: product.Name,
				Available:   product.Stock,
				Err:         domain.ErrInsufficientStock,
			}
		}
		planned = append(planned, Reservation{Product: *product, Quantity: line.Quantity})
	}

	reserved := make([]Reservation, 0, len(planned))
	for _, r := range planned {
		if _, err := l.Reserve(ctx, r.Product.ID, r.Quantity, ref); err != nil {
			l.Compensate(ctx, reserved, ref)
			return nil, err
		}
		reserved = append(reserved, r)
	}
	return reserved, nil
}

// Compensate restores reservations that will not be committed. Failures are
// logged; there is nothing left to roll back to.
func (l *Ledger) Compensate(ctx context.Context, reservations []Reservation, ref string) {
	for _, r := range reservations {
		if _, err := l.Restore(ctx, r.Product.ID, r.Quantity, domain.MovementCompensation, ref); err != nil {
			l.log.WithFields(logrus.Fields{
				"product_id": r.Product.ID,
				"quantity":   r.Quantity,
				"reference":  ref,
			}).WithError(err).Error("stock compensation failed")
		}
	}
}

func (l *Ledger) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if _, err := l.backend.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return l.backend.ListStockMovements(ctx, productID, limit)
}

func (l *Ledger) journal(ctx context.Context, productID string, kind string, qty int, after int, ref string) {
	err := l.backend.RecordStockMovement(ctx, domain.StockMovement{
		ID:         xid.New("mv"),
		ProductID:  productID,
		Kind:       kind,
		Quantity:   qty,
		StockAfter: after,
		Reference:  ref,
		CreatedAt:  l.now(),
	})
	if err != nil {
		l.log.WithFields(logrus.Fields{"product_id": productID, "kind": kind}).WithError(err).Warn("stock movement not recorded")
	}
}

func mergeLines(lines []Line) []Line {
	index := make(map[string]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, domain.ErrProductUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
