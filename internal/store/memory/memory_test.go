package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/retailpos/internal/domain"
)

func newTestStore(stock int) *Store {
	return New([]domain.Product{
		{ID: "P1", Name: "Widget", Category: "misc", Price: decimal.NewFromInt(10), Stock: stock, Status: domain.ProductStatusActive},
		{ID: "P2", Name: "Retired", Category: "misc", Price: decimal.NewFromInt(5), Stock: 10, Status: domain.ProductStatusInactive},
	}, domain.Settings{TaxRate: decimal.NewNullDecimal(decimal.NewFromInt(12))})
}

func TestDecrementStockConcurrentNeverNegative(t *testing.T) {
	s := newTestStore(50)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DecrementStock(ctx, "P1", 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	product, _ := s.GetProduct(ctx, "P1")
	if product.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", product.Stock)
	}
	if succeeded != 50 {
		t.Fatalf("expected 50 successful reservations, got %d", succeeded)
	}
}

func TestDecrementStockErrors(t *testing.T) {
	s := newTestStore(3)
	ctx := context.Background()

	_, err := s.DecrementStock(ctx, "P1", 4)
	var stockErr *domain.StockError
	if !errors.As(err, &stockErr) || !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if stockErr.Available != 3 {
		t.Fatalf("expected available 3, got %d", stockErr.Available)
	}
	if err.Error() != "insufficient stock for Widget, available: 3" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	if _, err := s.DecrementStock(ctx, "P2", 1); !errors.Is(err, domain.ErrProductUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := s.DecrementStock(ctx, "missing", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIncrementStockIsUnbounded(t *testing.T) {
	s := newTestStore(3)
	left, err := s.IncrementStock(context.Background(), "P1", 1000)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if left != 1003 {
		t.Fatalf("expected 1003, got %d", left)
	}
}

func TestCreateTransactionRejectsDuplicateNumber(t *testing.T) {
	s := newTestStore(3)
	ctx := context.Background()
	tx := domain.Transaction{
		ID:                "tx-1",
		TransactionNumber: "TXN20250101000001",
		Items:             []domain.LineItem{{ProductID: "P1", Quantity: 1}},
		Status:            domain.TxStatusCompleted,
	}
	if _, err := s.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	tx.ID = "tx-2"
	if _, err := s.CreateTransaction(ctx, tx); !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestMaxDailySequenceIgnoresFallbackNumbers(t *testing.T) {
	s := newTestStore(3)
	ctx := context.Background()
	for i, number := range []string{"TXN20250101000007", "TXN20250101000002", "TXN20250101-k2j3h4", "TXN20250102000099"} {
		_, err := s.CreateTransaction(ctx, domain.Transaction{
			ID:                string(rune('a' + i)),
			TransactionNumber: number,
			Items:             []domain.LineItem{{ProductID: "P1", Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("create %s: %v", number, err)
		}
	}

	seq, err := s.MaxDailySequence(ctx, "TXN20250101")
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if seq != 7 {
		t.Fatalf("expected 7, got %d", seq)
	}
}

func TestMarkRefundedTransitionsOnce(t *testing.T) {
	s := newTestStore(3)
	ctx := context.Background()
	_, err := s.CreateTransaction(ctx, domain.Transaction{
		ID:                "tx-1",
		TransactionNumber: "TXN20250101000001",
		Items:             []domain.LineItem{{ProductID: "P1", Quantity: 1}},
		Status:            domain.TxStatusCompleted,
		Notes:             "gift wrap",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	refunded, err := s.MarkRefunded(ctx, "tx-1", "[REFUND] damaged", at)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	if refunded.Notes != "gift wrap\n[REFUND] damaged" {
		t.Fatalf("expected appended notes, got %q", refunded.Notes)
	}
	if refunded.RefundedAt == nil || !refunded.RefundedAt.Equal(at) {
		t.Fatalf("expected refunded_at %v, got %v", at, refunded.RefundedAt)
	}

	if _, err := s.MarkRefunded(ctx, "tx-1", "again", at); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := s.MarkRefunded(ctx, "nope", "x", at); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListTransactionsFilters(t *testing.T) {
	s := newTestStore(3)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, cashier := range []string{"c1", "c2", "c1"} {
		_, err := s.CreateTransaction(ctx, domain.Transaction{
			ID:                string(rune('a' + i)),
			TransactionNumber: "TXN2025030100000" + string(rune('1'+i)),
			Items:             []domain.LineItem{{ProductID: "P1", Quantity: 1}},
			CashierID:         cashier,
			Status:            domain.TxStatusCompleted,
			CreatedAt:         base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	txs, err := s.ListTransactions(ctx, domain.TransactionFilter{CashierID: "c1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 2 || txs[0].ID != "c" {
		t.Fatalf("expected newest c1 transaction first, got %+v", txs)
	}

	txs, _ = s.ListTransactions(ctx, domain.TransactionFilter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	if len(txs) != 1 || txs[0].ID != "b" {
		t.Fatalf("expected only b in window, got %+v", txs)
	}
}
