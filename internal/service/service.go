package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/metrics"
	"kasirinaja/retailpos/internal/pricing"
	"kasirinaja/retailpos/internal/stock"
	"kasirinaja/retailpos/internal/store"
	"kasirinaja/retailpos/internal/txnumber"
	"kasirinaja/retailpos/internal/xid"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	maxExportRows    = 10000

	notePrefixRefund = "[REFUND]"
	notePrefixCancel = "[CANCELLED]"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ChangeNotifier is told about every committed mutation so derived analytics
// can be refreshed. It must not block.
type ChangeNotifier interface {
	TransactionChanged(cashierID string)
}

type Service struct {
	repo           store.Repository
	ledger         *stock.Ledger
	numbers        *txnumber.Generator
	notifier       ChangeNotifier
	validate       *validator.Validate
	defaultStoreID string
	log            *logrus.Entry
	now            func() time.Time
	exportLimit    int
}

func New(repo store.Repository, ledger *stock.Ledger, numbers *txnumber.Generator, notifier ChangeNotifier, defaultStoreID string, log *logrus.Entry) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		repo:           repo,
		ledger:         ledger,
		numbers:        numbers,
		notifier:       notifier,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		defaultStoreID: defaultStoreID,
		log:            log.WithField("component", "service"),
		now:            func() time.Time { return time.Now().UTC() },
		exportLimit:    maxExportRows,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ProductMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}
	return s.ledger.Movements(ctx, productID, clampLimit(limit))
}

// CreateTransaction reserves stock, prices the cart and persists a completed
// sale. Any failure after stock was reserved gives the stock back.
func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (domain.Transaction, error) {
	if actor, ok := ActorFromContext(ctx); ok && actor.ID != "" {
		req.CashierID = actor.ID
		req.CashierName = actor.Name
	}
	req.CashierID = strings.TrimSpace(req.CashierID)
	req.Notes = strings.TrimSpace(req.Notes)
	if req.CustomerType == "" {
		req.CustomerType = domain.CustomerRegular
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.Transaction{}, validationError(err)
	}
	if req.AmountTendered != nil && req.AmountTendered.IsNegative() {
		return domain.Transaction{}, fmt.Errorf("%w: amount tendered cannot be negative", domain.ErrValidation)
	}

	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: load settings: %w", domain.ErrPersistence, err)
	}

	// Past this point a client disconnect must not leave stock reserved
	// without either a sale or a compensation.
	ctx = context.WithoutCancel(ctx)
	txID := xid.New("")

	lines := make([]stock.Line, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, stock.Line{ProductID: strings.TrimSpace(item.ProductID), Quantity: item.Quantity})
	}
	reserved, err := s.ledger.ReserveCart(ctx, lines, txID)
	if err != nil {
		metrics.Transactions.WithLabelValues("failed").Inc()
		return domain.Transaction{}, err
	}

	priceItems := make([]pricing.Item, 0, len(reserved))
	for _, r := range reserved {
		priceItems = append(priceItems, pricing.Item{
			ProductID:       r.Product.ID,
			ProductName:     r.Product.Name,
			UnitPrice:       r.Product.Price,
			Quantity:        r.Quantity,
			IsDiscountable:  r.Product.IsDiscountable,
			IsVatExemptable: r.Product.IsVatExemptable,
		})
	}
	priced, err := pricing.Compute(priceItems, req.CustomerType, pricing.Options{
		VATRate:      settings.TaxRate,
		DiscountRate: settings.StatutoryDiscountRate,
	})
	if err != nil {
		s.ledger.Compensate(ctx, reserved, txID)
		return domain.Transaction{}, err
	}

	tendered, change, err := settle(req.PaymentMethod, req.AmountTendered, priced.AmountDue)
	if err != nil {
		s.ledger.Compensate(ctx, reserved, txID)
		return domain.Transaction{}, err
	}

	now := s.now()
	tx := domain.Transaction{
		ID:             txID,
		StoreID:        s.defaultStoreID,
		Items:          priced.Lines,
		Subtotal:       priced.Subtotal,
		Tax:            decimal.Zero,
		Discount:       priced.Subtotal.Sub(priced.AmountDue),
		Total:          priced.AmountDue,
		VatAmount:      priced.VATAmount,
		NetSales:       priced.NetSales,
		VatRate:        priced.VATRate,
		TotalVatExempt: priced.TotalVatExempt,
		AmountTendered: tendered,
		Change:         change,
		CustomerType:   req.CustomerType,
		PaymentMethod:  req.PaymentMethod,
		CashierID:      req.CashierID,
		CashierName:    req.CashierName,
		Status:         domain.TxStatusCompleted,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var created *domain.Transaction
	_, err = s.numbers.Assign(ctx, func(number string) error {
		tx.TransactionNumber = number
		saved, err := s.repo.CreateTransaction(ctx, tx)
		if err != nil {
			return err
		}
		created = saved
		return nil
	})
	if err != nil {
		s.ledger.Compensate(ctx, reserved, txID)
		metrics.Transactions.WithLabelValues("failed").Inc()
		s.log.WithFields(logrus.Fields{"transaction_id": txID, "cashier_id": req.CashierID}).WithError(err).Error("transaction not persisted, stock restored")
		if errors.Is(err, domain.ErrPersistence) {
			return domain.Transaction{}, err
		}
		return domain.Transaction{}, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	metrics.Transactions.WithLabelValues("created").Inc()
	metrics.TransactionAmount.Observe(created.Total.InexactFloat64())
	s.audit("transaction_create", created).WithFields(logrus.Fields{
		"subtotal":      created.Subtotal.StringFixed(2),
		"discount":      created.Discount.StringFixed(2),
		"total":         created.Total.StringFixed(2),
		"customer_type": created.CustomerType,
		"items":         len(created.Items),
	}).Info("transaction created")

	s.changed(created.CashierID)
	return *created, nil
}

func (s *Service) RefundTransaction(ctx context.Context, id string, reason string) (domain.Transaction, error) {
	return s.reverse(ctx, id, reason, notePrefixRefund, domain.MovementRefund, "refunded")
}

// CancelTransaction reverses a sale like a refund; only the note prefix and
// the stock movement kind differ.
func (s *Service) CancelTransaction(ctx context.Context, id string, reason string) (domain.Transaction, error) {
	return s.reverse(ctx, id, reason, notePrefixCancel, domain.MovementCancel, "cancelled")
}

func (s *Service) reverse(ctx context.Context, id string, reason string, prefix string, kind string, event string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, fmt.Errorf("%w: transaction id is required", domain.ErrValidation)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	existing, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if existing.Status != domain.TxStatusCompleted {
		return domain.Transaction{}, fmt.Errorf("%w: transaction %s is already %s", domain.ErrInvalidState, existing.TransactionNumber, existing.Status)
	}

	ctx = context.WithoutCancel(ctx)
	updated, err := s.repo.MarkRefunded(ctx, id, prefix+" "+reason, s.now())
	if err != nil {
		return domain.Transaction{}, err
	}

	for _, item := range updated.Items {
		if _, err := s.ledger.Restore(ctx, item.ProductID, item.Quantity, kind, updated.ID); err != nil {
			s.log.WithFields(logrus.Fields{
				"transaction_number": updated.TransactionNumber,
				"product_id":         item.ProductID,
				"quantity":           item.Quantity,
			}).WithError(err).Error("stock restore failed")
		}
	}

	metrics.Transactions.WithLabelValues(event).Inc()
	s.audit("transaction_"+event, updated).WithField("reason", reason).Info("transaction " + event)

	s.changed(updated.CashierID)
	return *updated, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := s.authorizeView(ctx, tx); err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) FindByNumber(ctx context.Context, number string) (domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := s.authorizeView(ctx, tx); err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

// ListTransactions returns newest first. Cashiers only see their own sales.
func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, fmt.Errorf("%w: from must be before to", domain.ErrValidation)
	}
	if filter.Status != "" && filter.Status != domain.TxStatusCompleted && filter.Status != domain.TxStatusRefunded {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleCashier {
		filter.CashierID = actor.ID
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListTransactions(ctx, filter)
}

// ExportTransactions returns every transaction matching filter, up to
// maxExportRows. A larger result is a validation error rather than a partial
// file; callers narrow the date range instead.
func (s *Service) ExportTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleCashier {
		filter.CashierID = actor.ID
	}
	filter.Limit = s.exportLimit + 1
	txs, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(txs) > s.exportLimit {
		return nil, fmt.Errorf("%w: export exceeds %d transactions, narrow the date range", domain.ErrValidation, s.exportLimit)
	}
	return txs, nil
}

func (s *Service) authorizeView(ctx context.Context, tx *domain.Transaction) error {
	actor, ok := ActorFromContext(ctx)
	if ok && actor.Role == domain.RoleCashier && tx.CashierID != actor.ID {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Service) changed(cashierID string) {
	if s.notifier != nil {
		s.notifier.TransactionChanged(cashierID)
	}
}

func (s *Service) audit(action string, tx *domain.Transaction) *logrus.Entry {
	return s.log.WithFields(logrus.Fields{
		"action":             action,
		"transaction_id":     tx.ID,
		"transaction_number": tx.TransactionNumber,
		"cashier_id":         tx.CashierID,
		"status":             tx.Status,
	})
}

// settle derives tendered and change. Only cash may carry a tendered amount
// above the total.
func settle(method domain.PaymentMethod, tendered *decimal.Decimal, due decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if tendered == nil || method != domain.PaymentCash {
		return due, decimal.Zero, nil
	}
	amount := tendered.Round(2)
	if amount.LessThan(due) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: amount tendered %s is less than total %s", domain.ErrValidation, amount.StringFixed(2), due.StringFixed(2))
	}
	return amount, amount.Sub(due), nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(parts, "; "))
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
