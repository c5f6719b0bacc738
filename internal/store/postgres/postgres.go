package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/store"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const productColumns = `id, name, category, price, stock, status, is_discountable, is_vat_exemptable, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.Status, &p.IsDiscountable, &p.IsVatExemptable, &p.UpdatedAt)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// UpsertProduct writes a catalog row. Used by seeding and tests.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("%w: product id and name are required", domain.ErrValidation)
	}
	if p.Status == "" {
		p.Status = domain.ProductStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, stock, status, is_discountable, is_vat_exemptable, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock,
			status = EXCLUDED.status,
			is_discountable = EXCLUDED.is_discountable,
			is_vat_exemptable = EXCLUDED.is_vat_exemptable,
			updated_at = now()
	`, p.ID, p.Name, p.Category, p.Price, p.Stock, p.Status, p.IsDiscountable, p.IsVatExemptable)
	return err
}

func (s *Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	var settings domain.Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT store_name, tax_rate, statutory_discount_rate
		FROM store_settings
		WHERE id = 1
	`).Scan(&settings.StoreName, &settings.TaxRate, &settings.StatutoryDiscountRate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Settings{}, domain.ErrNotFound
		}
		return domain.Settings{}, err
	}
	return settings, nil
}

// DecrementStock removes qty in a single conditional UPDATE so concurrent
// sales can never take stock below zero.
func (s *Store) DecrementStock(ctx context.Context, productID string, qty int) (int, error) {
	if qty < 1 {
		return 0, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}

	var remaining int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND status = 'active' AND stock >= $2
		RETURNING stock
	`, productID, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var name, status string
	var stock int
	err = s.db.QueryRowContext(ctx, `SELECT name, stock, status FROM products WHERE id = $1`, productID).Scan(&name, &stock, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &domain.StockError{ProductID: productID, Err: domain.ErrNotFound}
		}
		return 0, err
	}
	if status != domain.ProductStatusActive {
		return 0, &domain.StockError{ProductID: productID, ProductName: name, Err: domain.ErrProductUnavailable}
	}
	return stock, &domain.StockError{ProductID: productID, ProductName: name, Available: stock, Err: domain.ErrInsufficientStock}
}

func (s *Store) IncrementStock(ctx context.Context, productID string, qty int) (int, error) {
	if qty < 1 {
		return 0, fmt.Errorf("%w: quantity must be at least 1", domain.ErrValidation)
	}

	var stock int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1
		RETURNING stock
	`, productID, qty).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return stock, nil
}

func (s *Store) RecordStockMovement(ctx context.Context, m domain.StockMovement) error {
	if m.ID == "" || m.ProductID == "" || m.Quantity == 0 {
		return fmt.Errorf("%w: incomplete stock movement", domain.ErrValidation)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, kind, quantity, stock_after, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.ProductID, m.Kind, m.Quantity, m.StockAfter, m.Reference, m.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, quantity, stock_after, reference, created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Kind, &m.Quantity, &m.StockAfter, &m.Reference, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// CreateTransaction writes the header and its line items atomically. A taken
// id or transaction number maps to domain.ErrDuplicate so the caller can
// retry with a new number.
func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.TransactionNumber == "" || len(tx.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction id, number and items are required", domain.ErrValidation)
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, transaction_number, store_id, subtotal, tax, discount, total,
			vat_amount, net_sales, vat_rate, total_vat_exempt, amount_tendered, change_amount,
			customer_type, payment_method, cashier_id, cashier_name, status, notes,
			created_at, updated_at, refunded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		tx.ID, tx.TransactionNumber, tx.StoreID, tx.Subtotal, tx.Tax, tx.Discount, tx.Total,
		tx.VatAmount, tx.NetSales, tx.VatRate, tx.TotalVatExempt, tx.AmountTendered, tx.Change,
		string(tx.CustomerType), string(tx.PaymentMethod), tx.CashierID, tx.CashierName, string(tx.Status), tx.Notes,
		tx.CreatedAt, tx.UpdatedAt, nullTime(tx.RefundedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicate
		}
		return nil, err
	}

	for i, item := range tx.Items {
		_, err := dbTx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				transaction_id, position, product_id, product_name, quantity, unit_price, total_price,
				discount, vat_exempt, discount_amount, final_price, discount_applied
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`,
			tx.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.TotalPrice,
			item.Discount, item.VatExempt, item.DiscountAmount, item.FinalPrice, item.DiscountApplied,
		)
		if err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicate
		}
		return nil, err
	}

	stored := tx
	stored.Items = append([]domain.LineItem(nil), tx.Items...)
	return &stored, nil
}

const transactionColumns = `
	id, transaction_number, store_id, subtotal, tax, discount, total,
	vat_amount, net_sales, vat_rate, total_vat_exempt, amount_tendered, change_amount,
	customer_type, payment_method, cashier_id, cashier_name, status, notes,
	created_at, updated_at, refunded_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		t            domain.Transaction
		customerType string
		payment      string
		status       string
		refundedAt   sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.TransactionNumber, &t.StoreID, &t.Subtotal, &t.Tax, &t.Discount, &t.Total,
		&t.VatAmount, &t.NetSales, &t.VatRate, &t.TotalVatExempt, &t.AmountTendered, &t.Change,
		&customerType, &payment, &t.CashierID, &t.CashierName, &status, &t.Notes,
		&t.CreatedAt, &t.UpdatedAt, &refundedAt,
	)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.CustomerType = domain.CustomerType(customerType)
	t.PaymentMethod = domain.PaymentMethod(payment)
	t.Status = domain.TransactionStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if refundedAt.Valid {
		at := refundedAt.Time.UTC()
		t.RefundedAt = &at
	}
	return t, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, `id = $1`, id)
}

func (s *Store) FindTransactionByNumber(ctx context.Context, number string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, `transaction_number = $1`, number)
}

func (s *Store) findTransaction(ctx context.Context, where string, arg string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	txs := []domain.Transaction{t}
	if err := s.attachItems(ctx, txs); err != nil {
		return nil, err
	}
	return &txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	if filter.CashierID != "" {
		add("cashier_id = $%d", filter.CashierID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, transaction_number DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *Store) attachItems(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, len(txs))
	index := make(map[string]int, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
		index[txs[i].ID] = i
		txs[i].Items = []domain.LineItem{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, product_id, product_name, quantity, unit_price, total_price,
			discount, vat_exempt, discount_amount, final_price, discount_applied
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, position
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var txID string
		var item domain.LineItem
		if err := rows.Scan(
			&txID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.TotalPrice,
			&item.Discount, &item.VatExempt, &item.DiscountAmount, &item.FinalPrice, &item.DiscountApplied,
		); err != nil {
			return err
		}
		if i, ok := index[txID]; ok {
			txs[i].Items = append(txs[i].Items, item)
		}
	}
	return rows.Err()
}

// MarkRefunded flips a completed transaction to refunded exactly once. The
// row lock makes a concurrent second attempt observe the new status.
func (s *Store) MarkRefunded(ctx context.Context, id string, note string, at time.Time) (*domain.Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	var number, status string
	err = dbTx.QueryRowContext(ctx, `
		SELECT transaction_number, status
		FROM transactions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&number, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if status != string(domain.TxStatusCompleted) {
		return nil, fmt.Errorf("%w: transaction %s is %s", domain.ErrInvalidState, number, status)
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'refunded',
			notes = CASE
				WHEN $2 = '' THEN notes
				WHEN btrim(notes) = '' THEN $2
				ELSE notes || E'\n' || $2
			END,
			updated_at = $3,
			refunded_at = $3
		WHERE id = $1
	`, id, strings.TrimSpace(note), at)
	if err != nil {
		return nil, err
	}
	if err := dbTx.Commit(); err != nil {
		return nil, err
	}
	return s.FindTransactionByID(ctx, id)
}

// MaxDailySequence returns the highest six digit suffix issued under prefix.
// Fallback numbers never match the pattern and are ignored.
func (s *Store) MaxDailySequence(ctx context.Context, prefix string) (int, error) {
	var highest int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(RIGHT(transaction_number, 6) AS INTEGER)), 0)
		FROM transactions
		WHERE transaction_number ~ ('^' || $1 || '[0-9]{6}$')
	`, prefix).Scan(&highest)
	return highest, err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, display_name, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.DisplayName, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, display_name, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.DisplayName, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
