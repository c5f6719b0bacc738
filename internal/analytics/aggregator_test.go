package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/retailpos/internal/domain"
)

var now = time.Date(2025, 6, 30, 15, 0, 0, 0, time.UTC)

func tx(cashier string, total string, at time.Time, status domain.TransactionStatus, items ...domain.LineItem) domain.Transaction {
	return domain.Transaction{
		CashierID:   cashier,
		CashierName: "Cashier " + cashier,
		Total:       decimal.RequireFromString(total),
		CreatedAt:   at,
		Status:      status,
		Items:       items,
	}
}

func line(productID string, qty int, final string) domain.LineItem {
	return domain.LineItem{ProductID: productID, Quantity: qty, FinalPrice: decimal.RequireFromString(final)}
}

func TestGrowthBoundaries(t *testing.T) {
	assert.Equal(t, 100.0, Growth(5, 0))
	assert.Equal(t, 0.0, Growth(0, 0))
	assert.Equal(t, 50.0, Growth(150, 100))
	assert.Equal(t, -33.33, Growth(2, 3))
}

func TestComputeSplitsWindowsAndCountsCompletedOnly(t *testing.T) {
	snap := Compute(Input{
		Now:        now,
		PeriodDays: 7,
		Transactions: []domain.Transaction{
			tx("c1", "100.00", now.Add(-time.Hour), domain.TxStatusCompleted),
			tx("c1", "50.00", now.Add(-2*24*time.Hour), domain.TxStatusCompleted),
			tx("c2", "30.00", now.Add(-3*time.Hour), domain.TxStatusRefunded),
			tx("c2", "75.00", now.Add(-10*24*time.Hour), domain.TxStatusCompleted),
			tx("c2", "999.00", now.Add(-20*24*time.Hour), domain.TxStatusCompleted),
		},
	})

	assert.Equal(t, domain.ScopeStore, snap.Scope)
	assert.Equal(t, 2, snap.Current.TotalTransactions)
	assert.True(t, snap.Current.TotalSales.Equal(decimal.RequireFromString("150")))
	assert.True(t, snap.Current.AverageTransactionValue.Equal(decimal.RequireFromString("75")))
	assert.Equal(t, 1, snap.Current.RefundedCount)
	assert.True(t, snap.Current.RefundedAmount.Equal(decimal.RequireFromString("30")))

	assert.Equal(t, 1, snap.Previous.TotalTransactions)
	assert.True(t, snap.Previous.TotalSales.Equal(decimal.RequireFromString("75")))
	assert.Equal(t, 100.0, snap.Growth.TotalSales)
	assert.Equal(t, 100.0, snap.Growth.TotalTransactions)
	assert.Equal(t, 0.0, snap.Growth.AverageTransactionValue)
	assert.Equal(t, 100.0, snap.Growth.RefundedCount)
}

func TestComputeEmptyHistory(t *testing.T) {
	snap := Compute(Input{Now: now, PeriodDays: 30})
	assert.Equal(t, 0, snap.Current.TotalTransactions)
	assert.True(t, snap.Current.AverageTransactionValue.IsZero())
	assert.Equal(t, 0.0, snap.Growth.TotalSales)
	assert.Nil(t, snap.TopCashier)
	assert.Len(t, snap.SalesByHour, 24)
	require.Len(t, snap.DailyTrend, TrendDays)
	assert.Equal(t, "2025-06-24", snap.DailyTrend[0].Date)
	assert.Equal(t, "2025-06-30", snap.DailyTrend[6].Date)
}

func TestComputeBreakdowns(t *testing.T) {
	snap := Compute(Input{
		Now:        now,
		PeriodDays: 30,
		Categories: map[string]string{"MILK": "dairy", "SOAP": "household"},
		Transactions: []domain.Transaction{
			tx("c1", "120.00", time.Date(2025, 6, 30, 9, 15, 0, 0, time.UTC), domain.TxStatusCompleted,
				line("MILK", 1, "98.00"), line("GUM", 2, "22.00")),
			tx("c2", "38.00", time.Date(2025, 6, 29, 9, 45, 0, 0, time.UTC), domain.TxStatusCompleted,
				line("SOAP", 1, "38.00")),
			tx("c2", "500.00", time.Date(2025, 6, 29, 11, 0, 0, 0, time.UTC), domain.TxStatusRefunded,
				line("SOAP", 10, "500.00")),
		},
	})

	require.Len(t, snap.SalesByCategory, 3)
	assert.Equal(t, "dairy", snap.SalesByCategory[0].Category)
	assert.Equal(t, "household", snap.SalesByCategory[1].Category)
	assert.Equal(t, 1, snap.SalesByCategory[1].Quantity)
	assert.Equal(t, UncategorizedLabel, snap.SalesByCategory[2].Category)

	assert.Equal(t, 2, snap.SalesByHour[9].Transactions)
	assert.Equal(t, 0, snap.SalesByHour[11].Transactions)

	require.NotNil(t, snap.TopCashier)
	assert.Equal(t, "c1", snap.TopCashier.CashierID)

	assert.Equal(t, 1, snap.DailyTrend[5].Transactions)
	assert.Equal(t, 1, snap.DailyTrend[6].Transactions)
}

func TestComputeHourBucketsUseStoreTimezone(t *testing.T) {
	manila := time.FixedZone("PHT", 8*3600)
	snap := Compute(Input{
		Now:        now,
		PeriodDays: 1,
		Location:   manila,
		Transactions: []domain.Transaction{
			tx("c1", "10.00", time.Date(2025, 6, 30, 1, 0, 0, 0, time.UTC), domain.TxStatusCompleted),
		},
	})
	assert.Equal(t, 1, snap.SalesByHour[9].Transactions)
}

func TestComputeCashierScope(t *testing.T) {
	snap := Compute(Input{
		Now:        now,
		PeriodDays: 30,
		CashierID:  "c2",
		Transactions: []domain.Transaction{
			tx("c1", "100.00", now.Add(-time.Hour), domain.TxStatusCompleted),
			tx("c2", "40.00", now.Add(-time.Hour), domain.TxStatusCompleted),
		},
	})
	assert.Equal(t, domain.ReportCashier, snap.ReportKind)
	assert.Equal(t, domain.CashierScope("c2"), snap.Scope)
	assert.Equal(t, 1, snap.Current.TotalTransactions)
	assert.True(t, snap.Current.TotalSales.Equal(decimal.RequireFromString("40")))
	require.NotNil(t, snap.TopCashier)
	assert.Equal(t, "c2", snap.TopCashier.CashierID)
	assert.Equal(t, 1, snap.DailyTrend[6].Transactions)
}

func TestHistoryStartCoversTrendForShortPeriods(t *testing.T) {
	start := HistoryStart(now, 1, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 24, 0, 0, 0, 0, time.UTC), start)

	start = HistoryStart(now, 30, time.UTC)
	assert.Equal(t, now.Add(-60*24*time.Hour), start)
}
