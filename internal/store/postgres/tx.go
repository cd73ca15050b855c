package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
)

type pgTx struct {
	tx *sqlx.Tx
}

var _ store.Tx = (*pgTx)(nil)

// LockBranch takes a transaction-scoped advisory lock keyed by branch. Order
// writers share it; settlement submit and unlock hold it exclusively, so a
// close waits for in-flight orders and blocks new ones until it commits.
func (t *pgTx) LockBranch(ctx context.Context, branchID string, exclusive bool) error {
	fn := "pg_advisory_xact_lock_shared"
	if exclusive {
		fn = "pg_advisory_xact_lock"
	}
	_, err := t.tx.ExecContext(ctx, `SELECT `+fn+`(hashtext('branch:' || $1))`, branchID)
	return err
}

func (t *pgTx) GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := t.tx.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (t *pgTx) SaveProductStock(ctx context.Context, productID string, stock domain.StockMap) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $2, updated_at = now()
		WHERE id = $1
	`, productID, stock)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (t *pgTx) AppendMovement(ctx context.Context, movement domain.StockMovement) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_movements (
			id, product_id, branch_id, delta, quantity_before, quantity_after,
			reference_type, reference_id, created_by, created_at
		)
		VALUES (
			:id, :product_id, :branch_id, :delta, :quantity_before, :quantity_after,
			:reference_type, :reference_id, :created_by, :created_at
		)
	`, movement)
	return err
}

func (t *pgTx) InsertCostLayer(ctx context.Context, layer domain.CostLayer) (int64, error) {
	var id int64
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO cost_layers (product_id, branch_id, total_qty, remaining_qty, unit_cost, source_type, source_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, layer.ProductID, layer.BranchID, layer.TotalQty, layer.RemainingQty, layer.UnitCost,
		layer.SourceType, layer.SourceID, layer.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (t *pgTx) LockEligibleLayers(ctx context.Context, productID string, branchID string, method domain.CostingMethod) ([]domain.CostLayer, error) {
	order := `created_at ASC, id ASC`
	if method == domain.CostingLIFO {
		order = `created_at DESC, id DESC`
	}
	layers := make([]domain.CostLayer, 0, 4)
	err := t.tx.SelectContext(ctx, &layers, `
		SELECT `+layerColumns+`
		FROM cost_layers
		WHERE product_id = $1
			AND branch_id = $2
			AND remaining_qty > 0
		ORDER BY `+order+`
		FOR UPDATE
	`, productID, branchID)
	if err != nil {
		return nil, err
	}
	return layers, nil
}

func (t *pgTx) UpdateLayerRemaining(ctx context.Context, layerID int64, remaining int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cost_layers
		SET remaining_qty = $2
		WHERE id = $1 AND $2 >= 0 AND $2 <= total_qty
	`, layerID, remaining)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (t *pgTx) InsertCOGSEntry(ctx context.Context, entry domain.COGSLogEntry) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO cogs_log (product_id, branch_id, quantity, total_cost, unit_cost, source_type, source_id, created_at)
		VALUES (:product_id, :branch_id, :quantity, :total_cost, :unit_cost, :source_type, :source_id, :created_at)
	`, entry)
	return err
}

func (t *pgTx) FindLockedSettlement(ctx context.Context, branchID string, date string) (*domain.DailySettlement, error) {
	var row domain.DailySettlement
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM daily_settlements
		WHERE branch_id = $1
			AND status = 'SUBMITTED'
			AND start_date <= $2::date
			AND end_date >= $2::date
		LIMIT 1
	`, branchID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (t *pgTx) LatestLockedEnd(ctx context.Context, branchID string) (string, bool, error) {
	var latest sql.NullString
	err := t.tx.GetContext(ctx, &latest, `
		SELECT to_char(MAX(end_date), 'YYYY-MM-DD')
		FROM daily_settlements
		WHERE branch_id = $1 AND status = 'SUBMITTED'
	`, branchID)
	if err != nil {
		return "", false, err
	}
	return latest.String, latest.Valid, nil
}

func (t *pgTx) ListOverlappingSubmitted(ctx context.Context, branchID string, startDate string, endDate string) ([]domain.DailySettlement, error) {
	rows := make([]domain.DailySettlement, 0, 1)
	err := t.tx.SelectContext(ctx, &rows, `
		SELECT `+settlementColumns+`
		FROM daily_settlements
		WHERE branch_id = $1
			AND status = 'SUBMITTED'
			AND start_date <= $3::date
			AND end_date >= $2::date
		ORDER BY start_date
	`, branchID, startDate, endDate)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *pgTx) GetSettlementForUpdate(ctx context.Context, branchID string, startDate string, endDate string) (*domain.DailySettlement, error) {
	var row domain.DailySettlement
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM daily_settlements
		WHERE branch_id = $1 AND start_date = $2::date AND end_date = $3::date
		FOR UPDATE
	`, branchID, startDate, endDate)
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// SaveSettlement upserts by (branch, start, end). The stored id and
// created_at survive an update.
func (t *pgTx) SaveSettlement(ctx context.Context, settlement domain.DailySettlement) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO daily_settlements (
			id, branch_id, start_date, end_date, total_revenue, total_orders, cash_in_drawer,
			total_cogs, total_expenses, gross_profit, net_profit, status, created_by,
			submitted_at, unlocked_by, unlocked_at, created_at, updated_at
		)
		VALUES (
			:id, :branch_id, :start_date, :end_date, :total_revenue, :total_orders, :cash_in_drawer,
			:total_cogs, :total_expenses, :gross_profit, :net_profit, :status, :created_by,
			:submitted_at, :unlocked_by, :unlocked_at, :created_at, :updated_at
		)
		ON CONFLICT (branch_id, start_date, end_date)
		DO UPDATE SET
			total_revenue = EXCLUDED.total_revenue,
			total_orders = EXCLUDED.total_orders,
			cash_in_drawer = EXCLUDED.cash_in_drawer,
			total_cogs = EXCLUDED.total_cogs,
			total_expenses = EXCLUDED.total_expenses,
			gross_profit = EXCLUDED.gross_profit,
			net_profit = EXCLUDED.net_profit,
			status = EXCLUDED.status,
			created_by = EXCLUDED.created_by,
			submitted_at = EXCLUDED.submitted_at,
			unlocked_by = EXCLUDED.unlocked_by,
			unlocked_at = EXCLUDED.unlocked_at,
			updated_at = EXCLUDED.updated_at
	`, settlement)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO orders (
			id, branch_id, customer_id, subtotal, total_discount, tax_rate, tax_amount, total,
			paid_amount, payments, status, business_date, cashier_name, created_at, updated_at
		)
		VALUES (
			:id, :branch_id, :customer_id, :subtotal, :total_discount, :tax_rate, :tax_amount, :total,
			:paid_amount, :payments, :status, :business_date, :cashier_name, :created_at, :updated_at
		)
	`, order)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}

	for _, line := range order.Items {
		line.OrderID = order.ID
		if _, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO order_lines (
				order_id, line_no, product_id, sku, name, quantity, price, discount,
				source_branch_id, cost, is_return
			)
			VALUES (
				:order_id, :line_no, :product_id, :sku, :name, :quantity, :price, :discount,
				:source_branch_id, :cost, :is_return
			)
		`, line); err != nil {
			return fmt.Errorf("insert order line %d: %w", line.LineNo, err)
		}
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateOrderHeader(ctx context.Context, order domain.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, business_date = $3::date, payments = $4, paid_amount = $5, updated_at = $6
		WHERE id = $1
	`, order.ID, order.Status, order.BusinessDate, order.Payments, order.PaidAmount, order.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (t *pgTx) GetStockInForUpdate(ctx context.Context, id string) (*domain.StockIn, error) {
	var record domain.StockIn
	err := t.tx.GetContext(ctx, &record, `SELECT `+stockInColumns+` FROM stock_ins WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

func (t *pgTx) InsertStockIn(ctx context.Context, record domain.StockIn) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_ins (
			id, product_id, branch_id, quantity, unit_cost, total_cost, status, supplier_id,
			supplier_name, supplier_doc_no, batch_id, performed_by, date, created_at, updated_at
		)
		VALUES (
			:id, :product_id, :branch_id, :quantity, :unit_cost, :total_cost, :status, :supplier_id,
			:supplier_name, :supplier_doc_no, :batch_id, :performed_by, :date, :created_at, :updated_at
		)
	`, record)
	if err != nil && isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateStockIn(ctx context.Context, record domain.StockIn) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE stock_ins
		SET status = :status,
			supplier_id = :supplier_id,
			supplier_name = :supplier_name,
			supplier_doc_no = :supplier_doc_no,
			batch_id = :batch_id,
			performed_by = :performed_by,
			date = :date,
			updated_at = :updated_at
		WHERE id = :id
	`, record)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (t *pgTx) InsertTransfer(ctx context.Context, transfer domain.Transfer) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO transfers (id, product_id, from_branch_id, to_branch_id, quantity, unit_cost, performed_by, created_at)
		VALUES (:id, :product_id, :from_branch_id, :to_branch_id, :quantity, :unit_cost, :performed_by, :created_at)
	`, transfer)
	if err != nil && isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
