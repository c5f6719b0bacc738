package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/store"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	settings         domain.Settings
	transactionsByID map[string]*domain.Transaction
	idByNumber       map[string]string
	movements        []domain.StockMovement
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
	}{
		{"admin", "Store Admin", adminPwd, domain.RoleAdmin},
		{"cashier", "Front Cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("username", u.username).WithError(err).Fatal("hashing seed password failed")
		}
		users[u.username] = domain.UserAccount{
			Username:    u.username,
			DisplayName: u.name,
			Password:    string(hash),
			Role:        u.role,
			Active:      true,
			CreatedAt:   now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New builds an empty store holding the given catalog. Users are not seeded.
func New(products []domain.Product, settings domain.Settings) *Store {
	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	return &Store{
		products:         productMap,
		settings:         settings,
		transactionsByID: make(map[string]*domain.Transaction),
		idByNumber:       make(map[string]string),
		movements:        make([]domain.StockMovement, 0, 256),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

func NewSeeded() *Store {
	price := decimal.RequireFromString
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "SKU-RICE-5KG", Name: "Rice 5kg", Category: "grocery", Price: price("285.00"), IsDiscountable: true, IsVatExemptable: true},
		{ID: "SKU-NOODLE-01", Name: "Instant Noodles", Category: "grocery", Price: price("14.50")},
		{ID: "SKU-MILK-1L", Name: "Fresh Milk 1L", Category: "dairy", Price: price("98.00"), IsDiscountable: true, IsVatExemptable: true},
		{ID: "SKU-BREAD-01", Name: "Loaf Bread", Category: "bakery", Price: price("72.00"), IsDiscountable: true, IsVatExemptable: true},
		{ID: "SKU-COFFEE-01", Name: "Coffee Sachet", Category: "beverage", Price: price("9.75")},
		{ID: "SKU-WATER-500", Name: "Mineral Water 500ml", Category: "beverage", Price: price("20.00")},
		{ID: "SKU-PARA-500", Name: "Paracetamol 500mg", Category: "pharmacy", Price: price("5.60"), IsDiscountable: true, IsVatExemptable: true},
		{ID: "SKU-VITC-01", Name: "Vitamin C 500mg", Category: "pharmacy", Price: price("8.40"), IsDiscountable: true, IsVatExemptable: true},
		{ID: "SKU-CHIPS-01", Name: "Potato Chips", Category: "snack", Price: price("45.00")},
		{ID: "SKU-SOAP-01", Name: "Bath Soap", Category: "household", Price: price("38.00")},
	}
	for i := range products {
		products[i].Stock = 120
		products[i].Status = domain.ProductStatusActive
		products[i].UpdatedAt = now
	}

	s := New(products, domain.Settings{
		StoreName:             "Main Store",
		TaxRate:               decimal.NewNullDecimal(decimal.NewFromInt(12)),
		StatutoryDiscountRate: decimal.NewNullDecimal(decimal.NewFromInt(20)),
	})
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

// PutProduct inserts or replaces a catalog entry.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product
}

func (s *Store) SetStock(_ context.Context, productID string, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: stock cannot be negative", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return domain.ErrNotFound
	}
	product.Stock = qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return nil
}

func (s *Store) GetSettings(_ context.Context) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *Store) DecrementStock(_ context.Context, productID string, qty int) (int, error) {
	if qty < 1 {
		return 0, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, &domain.StockError{ProductID: productID, Err: domain.ErrNotFound}
	}
	if !product.Available() {
		return 0, &domain.StockError{ProductID: productID, ProductName: product.Name, Err: domain.ErrProductUnavailable}
	}
	if product.Stock < qty {
		return product.Stock, &domain.StockError{
			ProductID:   productID,
			ProductName: product.Name,
			Available:   product.Stock,
			Err:         domain.ErrInsufficientStock,
		}
	}

	product.Stock -= qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return product.Stock, nil
}

func (s *Store) IncrementStock(_ context.Context, productID string, qty int) (int, error) {
	if qty < 1 {
		return 0, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	product.Stock += qty
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return product.Stock, nil
}

func (s *Store) RecordStockMovement(_ context.Context, movement domain.StockMovement) error {
	if movement.ProductID == "" || movement.Quantity == 0 {
		return fmt.Errorf("%w: incomplete stock movement", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, movement)
	return nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		if productID != "" && s.movements[i].ProductID != productID {
			continue
		}
		result = append(result, s.movements[i])
	}
	return result, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.TransactionNumber == "" || len(tx.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction id, number and items are required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.idByNumber[tx.TransactionNumber]; exists {
		return nil, domain.ErrDuplicate
	}
	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, domain.ErrDuplicate
	}

	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	s.idByNumber[tx.TransactionNumber] = tx.ID
	return cloneTransaction(stored), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByNumber(_ context.Context, number string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idByNumber[number]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTransaction(s.transactionsByID[id]), nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactionsByID))
	for _, tx := range s.transactionsByID {
		if !filter.From.IsZero() && tx.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !tx.CreatedAt.Before(filter.To) {
			continue
		}
		if filter.CashierID != "" && tx.CashierID != filter.CashierID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		result = append(result, *cloneTransaction(tx))
	}

	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpString(b.TransactionNumber, a.TransactionNumber)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) MarkRefunded(_ context.Context, id string, note string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if tx.Status != domain.TxStatusCompleted {
		return nil, fmt.Errorf("%w: transaction %s is %s", domain.ErrInvalidState, tx.TransactionNumber, tx.Status)
	}

	tx.Status = domain.TxStatusRefunded
	tx.Notes = appendNote(tx.Notes, note)
	tx.UpdatedAt = at
	refundedAt := at
	tx.RefundedAt = &refundedAt
	return cloneTransaction(tx), nil
}

func (s *Store) MaxDailySequence(_ context.Context, prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	highest := 0
	for number := range s.idByNumber {
		if !strings.HasPrefix(number, prefix) || len(number) != len(prefix)+6 {
			continue
		}
		seq, err := strconv.Atoi(number[len(prefix):])
		if err != nil {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}
	return highest, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if strings.TrimSpace(user.Username) == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return domain.ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return domain.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// PutUser stores an account as-is; the password must already be hashed.
func (s *Store) PutUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usersByUsername[user.Username] = user
}

func appendNote(existing string, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + "\n" + note
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dupItems := make([]domain.LineItem, len(src.Items))
	copy(dupItems, src.Items)
	dup.Items = dupItems
	if src.RefundedAt != nil {
		at := *src.RefundedAt
		dup.RefundedAt = &at
	}
	return &dup
}
