package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ReportDashboard = "dashboard"
	ReportCashier   = "cashier"

	ScopeStore = "store"
)

// CashierScope is the cache and push scope of one cashier's analytics.
func CashierScope(cashierID string) string {
	return "cashier:" + cashierID
}

type PeriodMetrics struct {
	TotalSales              decimal.Decimal `json:"total_sales"`
	TotalTransactions       int             `json:"total_transactions"`
	AverageTransactionValue decimal.Decimal `json:"average_transaction_value"`
	RefundedCount           int             `json:"refunded_count"`
	RefundedAmount          decimal.Decimal `json:"refunded_amount"`
}

// GrowthMetrics holds period-over-period deltas in percent.
type GrowthMetrics struct {
	TotalSales              float64 `json:"total_sales"`
	TotalTransactions       float64 `json:"total_transactions"`
	AverageTransactionValue float64 `json:"average_transaction_value"`
	RefundedCount           float64 `json:"refunded_count"`
	RefundedAmount          float64 `json:"refunded_amount"`
}

type CategorySales struct {
	Category string          `json:"category"`
	Sales    decimal.Decimal `json:"sales"`
	Quantity int             `json:"quantity"`
}

type HourlySales struct {
	Hour         int             `json:"hour"`
	Sales        decimal.Decimal `json:"sales"`
	Transactions int             `json:"transactions"`
}

type CashierSales struct {
	CashierID    string          `json:"cashier_id"`
	CashierName  string          `json:"cashier_name"`
	Sales        decimal.Decimal `json:"sales"`
	Transactions int             `json:"transactions"`
}

type DailySales struct {
	Date         string          `json:"date"`
	Sales        decimal.Decimal `json:"sales"`
	Transactions int             `json:"transactions"`
}

type AnalyticsSnapshot struct {
	ReportKind      string          `json:"report_kind"`
	Scope           string          `json:"scope"`
	CashierID       string          `json:"cashier_id,omitempty"`
	PeriodDays      int             `json:"period_days"`
	WindowStart     time.Time       `json:"window_start"`
	WindowEnd       time.Time       `json:"window_end"`
	Current         PeriodMetrics   `json:"current"`
	Previous        PeriodMetrics   `json:"previous"`
	Growth          GrowthMetrics   `json:"growth"`
	SalesByCategory []CategorySales `json:"sales_by_category"`
	SalesByHour     []HourlySales   `json:"sales_by_hour"`
	TopCashier      *CashierSales   `json:"top_cashier,omitempty"`
	DailyTrend      []DailySales    `json:"daily_trend"`
	ComputedAt      time.Time       `json:"computed_at"`
}
