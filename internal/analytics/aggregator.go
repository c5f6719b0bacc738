// Package analytics derives dashboard snapshots from transaction history.
// Compute is pure; loading and caching live in the dashboard package.
package analytics

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/retailpos/internal/domain"
)

const (
	TrendDays          = 7
	UncategorizedLabel = "uncategorized"
	DefaultPeriodDays  = 30
	MaxPeriodDays      = 366
)

var hundred = decimal.NewFromInt(100)

type Input struct {
	Now        time.Time
	PeriodDays int
	Location   *time.Location
	// CashierID restricts every figure to one cashier when set.
	CashierID    string
	Transactions []domain.Transaction
	// Categories maps product id to catalog category.
	Categories map[string]string
}

// HistoryStart is the earliest creation time Compute looks at for the given
// period, so callers can bound the transactions they load.
func HistoryStart(now time.Time, periodDays int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	previous := now.Add(-2 * days(periodDays))
	local := now.In(loc)
	trend := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -(TrendDays - 1))
	if trend.Before(previous) {
		return trend
	}
	return previous
}

func Compute(in Input) domain.AnalyticsSnapshot {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	period := in.PeriodDays
	if period < 1 {
		period = DefaultPeriodDays
	}

	now := in.Now
	currentStart := now.Add(-days(period))
	previousStart := now.Add(-2 * days(period))

	snapshot := domain.AnalyticsSnapshot{
		ReportKind:  domain.ReportDashboard,
		Scope:       domain.ScopeStore,
		PeriodDays:  period,
		WindowStart: currentStart,
		WindowEnd:   now,
		ComputedAt:  now,
	}
	if in.CashierID != "" {
		snapshot.ReportKind = domain.ReportCashier
		snapshot.Scope = domain.CashierScope(in.CashierID)
		snapshot.CashierID = in.CashierID
	}

	var current, previous []domain.Transaction
	for _, tx := range in.Transactions {
		if in.CashierID != "" && tx.CashierID != in.CashierID {
			continue
		}
		switch {
		case !tx.CreatedAt.Before(currentStart) && !tx.CreatedAt.After(now):
			current = append(current, tx)
		case !tx.CreatedAt.Before(previousStart) && tx.CreatedAt.Before(currentStart):
			previous = append(previous, tx)
		}
	}

	snapshot.Current = periodMetrics(current)
	snapshot.Previous = periodMetrics(previous)
	snapshot.Growth = domain.GrowthMetrics{
		TotalSales:              growthDecimal(snapshot.Current.TotalSales, snapshot.Previous.TotalSales),
		TotalTransactions:       Growth(float64(snapshot.Current.TotalTransactions), float64(snapshot.Previous.TotalTransactions)),
		AverageTransactionValue: growthDecimal(snapshot.Current.AverageTransactionValue, snapshot.Previous.AverageTransactionValue),
		RefundedCount:           Growth(float64(snapshot.Current.RefundedCount), float64(snapshot.Previous.RefundedCount)),
		RefundedAmount:          growthDecimal(snapshot.Current.RefundedAmount, snapshot.Previous.RefundedAmount),
	}

	completed := completedOnly(current)
	snapshot.SalesByCategory = salesByCategory(completed, in.Categories)
	snapshot.SalesByHour = salesByHour(completed, loc)
	snapshot.TopCashier = topCashier(completed)

	scoped := in.Transactions
	if in.CashierID != "" {
		scoped = make([]domain.Transaction, 0, len(in.Transactions))
		for _, tx := range in.Transactions {
			if tx.CashierID == in.CashierID {
				scoped = append(scoped, tx)
			}
		}
	}
	snapshot.DailyTrend = dailyTrend(completedOnly(scoped), now, loc)
	return snapshot
}

// Growth is the percent change from prev to cur, rounded to 2 decimals. A
// zero baseline yields 100 when cur is positive and 0 otherwise.
func Growth(cur, prev float64) float64 {
	if prev == 0 {
		if cur > 0 {
			return 100
		}
		return 0
	}
	return math.Round((cur-prev)/prev*100*100) / 100
}

func growthDecimal(cur, prev decimal.Decimal) float64 {
	if prev.IsZero() {
		if cur.IsPositive() {
			return 100
		}
		return 0
	}
	return cur.Sub(prev).Div(prev).Mul(hundred).Round(2).InexactFloat64()
}

func periodMetrics(txs []domain.Transaction) domain.PeriodMetrics {
	m := domain.PeriodMetrics{
		TotalSales:              decimal.Zero,
		AverageTransactionValue: decimal.Zero,
		RefundedAmount:          decimal.Zero,
	}
	for _, tx := range txs {
		switch tx.Status {
		case domain.TxStatusCompleted:
			m.TotalSales = m.TotalSales.Add(tx.Total)
			m.TotalTransactions++
		case domain.TxStatusRefunded:
			m.RefundedAmount = m.RefundedAmount.Add(tx.Total)
			m.RefundedCount++
		}
	}
	if m.TotalTransactions > 0 {
		m.AverageTransactionValue = m.TotalSales.Div(decimal.NewFromInt(int64(m.TotalTransactions))).Round(2)
	}
	return m
}

func completedOnly(txs []domain.Transaction) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Status == domain.TxStatusCompleted {
			out = append(out, tx)
		}
	}
	return out
}

func salesByCategory(txs []domain.Transaction, categories map[string]string) []domain.CategorySales {
	byName := map[string]*domain.CategorySales{}
	for _, tx := range txs {
		for _, item := range tx.Items {
			category := strings.TrimSpace(categories[item.ProductID])
			if category == "" {
				category = UncategorizedLabel
			}
			entry, ok := byName[category]
			if !ok {
				entry = &domain.CategorySales{Category: category, Sales: decimal.Zero}
				byName[category] = entry
			}
			entry.Sales = entry.Sales.Add(item.FinalPrice)
			entry.Quantity += item.Quantity
		}
	}

	out := make([]domain.CategorySales, 0, len(byName))
	for _, entry := range byName {
		out = append(out, *entry)
	}
	slices.SortFunc(out, func(a, b domain.CategorySales) int {
		if c := b.Sales.Cmp(a.Sales); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	return out
}

func salesByHour(txs []domain.Transaction, loc *time.Location) []domain.HourlySales {
	out := make([]domain.HourlySales, 24)
	for h := range out {
		out[h] = domain.HourlySales{Hour: h, Sales: decimal.Zero}
	}
	for _, tx := range txs {
		h := tx.CreatedAt.In(loc).Hour()
		out[h].Sales = out[h].Sales.Add(tx.Total)
		out[h].Transactions++
	}
	return out
}

func topCashier(txs []domain.Transaction) *domain.CashierSales {
	byID := map[string]*domain.CashierSales{}
	for _, tx := range txs {
		entry, ok := byID[tx.CashierID]
		if !ok {
			entry = &domain.CashierSales{CashierID: tx.CashierID, CashierName: tx.CashierName, Sales: decimal.Zero}
			byID[tx.CashierID] = entry
		}
		entry.Sales = entry.Sales.Add(tx.Total)
		entry.Transactions++
	}

	var best *domain.CashierSales
	for _, entry := range byID {
		if best == nil {
			best = entry
			continue
		}
		c := entry.Sales.Cmp(best.Sales)
		if c > 0 || (c == 0 && entry.CashierID < best.CashierID) {
			best = entry
		}
	}
	return best
}

func dailyTrend(txs []domain.Transaction, now time.Time, loc *time.Location) []domain.DailySales {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	out := make([]domain.DailySales, TrendDays)
	index := make(map[string]int, TrendDays)
	for i := 0; i < TrendDays; i++ {
		day := today.AddDate(0, 0, i-(TrendDays-1)).Format("2006-01-02")
		out[i] = domain.DailySales{Date: day, Sales: decimal.Zero}
		index[day] = i
	}
	for _, tx := range txs {
		if tx.CreatedAt.After(now) {
			continue
		}
		i, ok := index[tx.CreatedAt.In(loc).Format("2006-01-02")]
		if !ok {
			continue
		}
		out[i].Sales = out[i].Sales.Add(tx.Total)
		out[i].Transactions++
	}
	return out
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
