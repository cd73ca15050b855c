package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
	"github.com/billexhk/POSONLINE-sub002/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

const (
	productColumns = `id, sku, name, cost, price, stock, track_stock, low_stock_threshold, created_at, updated_at`

	orderColumns = `id, branch_id, customer_id, subtotal, total_discount, tax_rate, tax_amount, total,
		paid_amount, payments, status, to_char(business_date, 'YYYY-MM-DD') AS business_date,
		cashier_name, created_at, updated_at`

	orderLineColumns = `order_id, line_no, product_id, sku, name, quantity, price, discount,
		source_branch_id, cost, is_return`

	settlementColumns = `id, branch_id, to_char(start_date, 'YYYY-MM-DD') AS start_date,
		to_char(end_date, 'YYYY-MM-DD') AS end_date, total_revenue, total_orders, cash_in_drawer,
		total_cogs, total_expenses, gross_profit, net_profit, status, created_by, submitted_at,
		unlocked_by, unlocked_at, created_at, updated_at`

	stockInColumns = `id, product_id, branch_id, quantity, unit_cost, total_cost, status, supplier_id,
		supplier_name, supplier_doc_no, batch_id, performed_by, to_char(date, 'YYYY-MM-DD') AS date,
		created_at, updated_at`

	layerColumns = `id, product_id, branch_id, total_qty, remaining_qty, unit_cost, source_type, source_id, created_at`

	cogsColumns = `id, product_id, branch_id, quantity, total_cost, unit_cost, source_type, source_id, created_at`

	movementColumns = `id, product_id, branch_id, delta, quantity_before, quantity_after, reference_type,
		reference_id, created_by, created_at`

	auditColumns = `id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at`
)

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
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

// EnsureSchema creates missing tables and indexes. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn at READ COMMITTED. Consistency comes from row locks taken by
// the ForUpdate reads and the per-branch advisory lock, not from isolation.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	if err := s.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM products ORDER BY name`); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.ID) == "" || strings.TrimSpace(product.SKU) == "" {
		return nil, store.ErrInvalidTransaction
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if product.Stock == nil {
		product.Stock = domain.StockMap{}
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (id, sku, name, cost, price, stock, track_stock, low_stock_threshold, created_at, updated_at)
		VALUES (:id, :sku, :name, :cost, :price, :stock, :track_stock, :low_stock_threshold, :created_at, :updated_at)
	`, product)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, id, false)
}

func (s *Store) ListOrdersByBusinessDate(ctx context.Context, branchID string, startDate string, endDate string) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, 32)
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE branch_id = $1
			AND business_date >= $2::date
			AND business_date <= $3::date
		ORDER BY business_date, created_at, id
	`, branchID, startDate, endDate)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, 0, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids = append(ids, order.ID)
		index[order.ID] = i
	}
	lines := make([]domain.OrderLine, 0, len(orders)*2)
	err = s.db.SelectContext(ctx, &lines, `
		SELECT `+orderLineColumns+`
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		i := index[line.OrderID]
		orders[i].Items = append(orders[i].Items, line)
	}
	return orders, nil
}

func (s *Store) GetStockIn(ctx context.Context, id string) (*domain.StockIn, error) {
	var record domain.StockIn
	if err := s.db.GetContext(ctx, &record, `SELECT `+stockInColumns+` FROM stock_ins WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

func (s *Store) ListSettlements(ctx context.Context, branchID string) ([]domain.DailySettlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM daily_settlements`
	args := []any{}
	if branchID != "" {
		query += ` WHERE branch_id = $1`
		args = append(args, branchID)
	}
	query += ` ORDER BY branch_id, start_date DESC`

	rows := make([]domain.DailySettlement, 0, 16)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) FindSubmittedSettlement(ctx context.Context, branchID string, startDate string, endDate string) (*domain.DailySettlement, error) {
	var row domain.DailySettlement
	err := s.db.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM daily_settlements
		WHERE branch_id = $1
			AND status = 'SUBMITTED'
			AND start_date <= $2::date
			AND end_date >= $3::date
		ORDER BY start_date DESC
		LIMIT 1
	`, branchID, startDate, endDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) ListCostLayers(ctx context.Context, productID string, branchID string) ([]domain.CostLayer, error) {
	query := `SELECT ` + layerColumns + ` FROM cost_layers WHERE product_id = $1`
	args := []any{productID}
	if branchID != "" {
		query += ` AND branch_id = $2`
		args = append(args, branchID)
	}
	query += ` ORDER BY created_at, id`

	layers := make([]domain.CostLayer, 0, 8)
	if err := s.db.SelectContext(ctx, &layers, query, args...); err != nil {
		return nil, err
	}
	return layers, nil
}

func (s *Store) ListCOGSEntries(ctx context.Context, productID string, branchID string) ([]domain.COGSLogEntry, error) {
	where, args := filters(map[string]string{"product_id": productID, "branch_id": branchID})
	entries := make([]domain.COGSLogEntry, 0, 16)
	if err := s.db.SelectContext(ctx, &entries, `SELECT `+cogsColumns+` FROM cogs_log`+where+` ORDER BY created_at, id`, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// SummarizeCOGS groups SALE entries by branch. Bounds apply to the UTC date
// of created_at.
func (s *Store) SummarizeCOGS(ctx context.Context, startDate string, endDate string, branchID string) ([]domain.COGSSummaryRow, error) {
	conds := []string{`source_type = $1`}
	args := []any{domain.COGSSourceSale}
	if branchID != "" {
		args = append(args, branchID)
		conds = append(conds, fmt.Sprintf(`branch_id = $%d`, len(args)))
	}
	if startDate != "" {
		args = append(args, startDate)
		conds = append(conds, fmt.Sprintf(`(created_at AT TIME ZONE 'UTC')::date >= $%d::date`, len(args)))
	}
	if endDate != "" {
		args = append(args, endDate)
		conds = append(conds, fmt.Sprintf(`(created_at AT TIME ZONE 'UTC')::date <= $%d::date`, len(args)))
	}

	rows := make([]domain.COGSSummaryRow, 0, 8)
	err := s.db.SelectContext(ctx, &rows, `
		SELECT branch_id, COALESCE(SUM(total_cost), 0) AS total_cogs, COALESCE(SUM(quantity), 0) AS total_qty
		FROM cogs_log
		WHERE `+strings.Join(conds, " AND ")+`
		GROUP BY branch_id
		ORDER BY branch_id
	`, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) SumCOGSBySource(ctx context.Context, sourceType string, sourceIDs []string) (decimal.Decimal, error) {
	if len(sourceIDs) == 0 {
		return decimal.Zero, nil
	}
	query, args, err := sqlx.In(`
		SELECT COALESCE(SUM(total_cost), 0)
		FROM cogs_log
		WHERE source_type = ? AND source_id IN (?)
	`, sourceType, sourceIDs)
	if err != nil {
		return decimal.Zero, err
	}

	var total decimal.Decimal
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(query), args...); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, branchID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	where, args := filters(map[string]string{"product_id": productID, "branch_id": branchID})
	args = append(args, limit)

	movements := make([]domain.StockMovement, 0, limit)
	err := s.db.SelectContext(ctx, &movements, fmt.Sprintf(`
		SELECT %s
		FROM stock_movements%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, movementColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :branch_id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)
	`, entry)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	where, args := filters(map[string]string{"branch_id": branchID})
	args = append(args, limit)

	logs := make([]domain.AuditLog, 0, limit)
	err := s.db.SelectContext(ctx, &logs, fmt.Sprintf(`
		SELECT %s
		FROM audit_logs%s
		ORDER BY created_at DESC
		LIMIT $%d
	`, auditColumns, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	for i := range logs {
		logs[i].CreatedAt = logs[i].CreatedAt.UTC()
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO app_users (username, password_hash, role, branch_id, active, created_at, updated_at)
		VALUES (:username, :password_hash, :role, :branch_id, :active, :created_at, now())
	`, user)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	err := s.db.SelectContext(ctx, &users, `
		SELECT username, password_hash, role, branch_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].CreatedAt = users[i].CreatedAt.UTC()
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password_hash = $2, updated_at = now()
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
		return store.ErrNotFound
	}
	return nil
}

func loadOrder(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var order domain.Order
	if err := sqlx.GetContext(ctx, q, &order, query, id); err != nil {
		return nil, notFound(err)
	}
	order.Items = make([]domain.OrderLine, 0, 4)
	if err := sqlx.SelectContext(ctx, q, &order.Items, `
		SELECT `+orderLineColumns+`
		FROM order_lines
		WHERE order_id = $1
		ORDER BY line_no
	`, id); err != nil {
		return nil, err
	}
	return &order, nil
}

// filters builds an AND-ed equality clause over the non-empty values, with
// placeholders starting at $1. Column order is fixed for stable SQL text.
func filters(values map[string]string) (string, []any) {
	conds := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for _, column := range []string{"product_id", "branch_id"} {
		value, ok := values[column]
		if !ok || value == "" {
			continue
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ store.Repository = (*Store)(nil)
