package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CustomerType string

const (
	CustomerRegular CustomerType = "regular"
	CustomerSenior  CustomerType = "senior"
	CustomerPWD     CustomerType = "pwd"
)

// QualifiesForStatutoryDiscount reports whether the customer classification
// gets VAT exemption and the statutory discount on eligible items.
func (c CustomerType) QualifiesForStatutoryDiscount() bool {
	return c == CustomerSenior || c == CustomerPWD
}

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentCard    PaymentMethod = "card"
	PaymentDigital PaymentMethod = "digital"
)

type TransactionStatus string

const (
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusRefunded  TransactionStatus = "refunded"
)

const (
	ProductStatusActive   = "active"
	ProductStatusInactive = "inactive"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	MovementSale         = "sale"
	MovementRefund       = "refund"
	MovementCancel       = "cancel"
	MovementCompensation = "compensation"
)

type Product struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Category        string          `json:"category"`
	Price           decimal.Decimal `json:"price"`
	Stock           int             `json:"stock"`
	Status          string          `json:"status"`
	IsDiscountable  bool            `json:"is_discountable"`
	IsVatExemptable bool            `json:"is_vat_exemptable"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (p Product) Available() bool {
	return p.Status == ProductStatusActive
}

// Settings holds store-wide pricing configuration. An invalid (unset) rate
// means the pricing default applies; a valid zero is a real 0%.
type Settings struct {
	StoreName             string              `json:"store_name"`
	TaxRate               decimal.NullDecimal `json:"tax_rate"`
	StatutoryDiscountRate decimal.NullDecimal `json:"statutory_discount_rate"`
}

type LineItem struct {
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	Discount        decimal.Decimal `json:"discount"`
	VatExempt       decimal.Decimal `json:"vat_exempt"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	FinalPrice      decimal.Decimal `json:"final_price"`
	DiscountApplied bool            `json:"discount_applied"`
}

type Transaction struct {
	ID                string            `json:"id"`
	TransactionNumber string            `json:"transaction_number"`
	StoreID           string            `json:"store_id"`
	Items             []LineItem        `json:"items"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	Tax               decimal.Decimal   `json:"tax"`
	Discount          decimal.Decimal   `json:"discount"`
	Total             decimal.Decimal   `json:"total"`
	VatAmount         decimal.Decimal   `json:"vat_amount"`
	NetSales          decimal.Decimal   `json:"net_sales"`
	VatRate           decimal.Decimal   `json:"vat_rate"`
	TotalVatExempt    decimal.Decimal   `json:"total_vat_exempt"`
	AmountTendered    decimal.Decimal   `json:"amount_tendered"`
	Change            decimal.Decimal   `json:"change"`
	CustomerType      CustomerType      `json:"customer_type"`
	PaymentMethod     PaymentMethod     `json:"payment_method"`
	CashierID         string            `json:"cashier_id"`
	CashierName       string            `json:"cashier_name"`
	Status            TransactionStatus `json:"status"`
	Notes             string            `json:"notes,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	RefundedAt        *time.Time        `json:"refunded_at,omitempty"`
}

type StockMovement struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	Kind       string    `json:"kind"`
	Quantity   int       `json:"quantity"`
	StockAfter int       `json:"stock_after"`
	Reference  string    `json:"reference"`
	CreatedAt  time.Time `json:"created_at"`
}

type TransactionFilter struct {
	From      time.Time
	To        time.Time
	CashierID string
	Status    TransactionStatus
	Limit     int
}

type CartItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

type CreateTransactionRequest struct {
	Items          []CartItem       `json:"items" validate:"required,min=1,dive"`
	PaymentMethod  PaymentMethod    `json:"payment_method" validate:"required,oneof=cash card digital"`
	CustomerType   CustomerType     `json:"customer_type" validate:"omitempty,oneof=regular senior pwd"`
	CashierID      string           `json:"cashier_id" validate:"required"`
	CashierName    string           `json:"cashier_name"`
	AmountTendered *decimal.Decimal `json:"amount_tendered,omitempty"`
	Notes          string           `json:"notes" validate:"max=500"`
}

type TransactionActionRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type UserAccount struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Password    string    `json:"-"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	Name        string `json:"name"`
	ExpiresAt   string `json:"expires_at"`
}
