package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CostingMethod string

const (
	CostingFIFO CostingMethod = "FIFO"
	CostingLIFO CostingMethod = "LIFO"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderVoid      OrderStatus = "VOID"
)

type SettlementStatus string

const (
	SettlementDraft     SettlementStatus = "DRAFT"
	SettlementSubmitted SettlementStatus = "SUBMITTED"
	SettlementUnlocked  SettlementStatus = "UNLOCKED"
)

type StockInStatus string

const (
	StockInPending   StockInStatus = "PENDING"
	StockInCompleted StockInStatus = "COMPLETED"
	StockInVoid      StockInStatus = "VOID"
)

// Cost layer origins.
const (
	LayerSourceStockIn  = "STOCK_IN"
	LayerSourceTransfer = "TRANSFER"
)

// COGSSourceSale marks COGS entries produced by sales.
const COGSSourceSale = "SALE"

// Stock movement reference types.
const (
	MovementSale        = "SALE"
	MovementVoid        = "VOID"
	MovementReturn      = "RETURN"
	MovementReturnVoid  = "RETURN_VOID"
	MovementStockIn     = "STOCK_IN"
	MovementStockInVoid = "STOCK_IN_VOID"
	MovementTransferOut = "TRANSFER_OUT"
	MovementTransferIn  = "TRANSFER_IN"
)

// Result warning codes.
const (
	WarningPartiallyCosted  = "PARTIALLY_COSTED"
	WarningCogsNotReversed  = "COGS_NOT_REVERSED"
	WarningLayerNotReversed = "LAYER_NOT_REVERSED"
)

type Product struct {
	ID                string          `json:"id" db:"id"`
	SKU               string          `json:"sku" db:"sku"`
	Name              string          `json:"name" db:"name"`
	Cost              decimal.Decimal `json:"cost" db:"cost"`
	Price             decimal.Decimal `json:"price" db:"price"`
	Stock             StockMap        `json:"stock" db:"stock"`
	TrackStock        bool            `json:"track_stock" db:"track_stock"`
	LowStockThreshold int             `json:"low_stock_threshold" db:"low_stock_threshold"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

func (p Product) StockAt(branchID string) int {
	return p.Stock[branchID]
}

type ProductCreateRequest struct {
	ID                string          `json:"id" validate:"required,max=64"`
	SKU               string          `json:"sku" validate:"required,max=64"`
	Name              string          `json:"name" validate:"required,max=160"`
	Cost              decimal.Decimal `json:"cost"`
	Price             decimal.Decimal `json:"price"`
	TrackStock        *bool           `json:"track_stock,omitempty"`
	LowStockThreshold int             `json:"low_stock_threshold" validate:"gte=0"`
}

type CostLayer struct {
	ID           int64           `json:"id" db:"id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	BranchID     string          `json:"branch_id" db:"branch_id"`
	TotalQty     int             `json:"total_qty" db:"total_qty"`
	RemainingQty int             `json:"remaining_qty" db:"remaining_qty"`
	UnitCost     decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	SourceType   string          `json:"source_type" db:"source_type"`
	SourceID     string          `json:"source_id" db:"source_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

type COGSLogEntry struct {
	ID         int64           `json:"id" db:"id"`
	ProductID  string          `json:"product_id" db:"product_id"`
	BranchID   string          `json:"branch_id" db:"branch_id"`
	Quantity   int             `json:"quantity" db:"quantity"`
	TotalCost  decimal.Decimal `json:"total_cost" db:"total_cost"`
	UnitCost   decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	SourceType string          `json:"source_type" db:"source_type"`
	SourceID   string          `json:"source_id" db:"source_id"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

type COGSSummaryRow struct {
	BranchID  string          `json:"branch_id" db:"branch_id"`
	TotalCOGS decimal.Decimal `json:"total_cogs" db:"total_cogs"`
	TotalQty  int             `json:"total_qty" db:"total_qty"`
}

type StockMovement struct {
	ID             string    `json:"id" db:"id"`
	ProductID      string    `json:"product_id" db:"product_id"`
	BranchID       string    `json:"branch_id" db:"branch_id"`
	Delta          int       `json:"delta" db:"delta"`
	QuantityBefore int       `json:"quantity_before" db:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after" db:"quantity_after"`
	ReferenceType  string    `json:"reference_type" db:"reference_type"`
	ReferenceID    string    `json:"reference_id" db:"reference_id"`
	CreatedBy      string    `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type Payment struct {
	Method string          `json:"method" validate:"required,max=32"`
	Amount decimal.Decimal `json:"amount"`
}

type Order struct {
	ID            string          `json:"id" db:"id"`
	BranchID      string          `json:"branch_id" db:"branch_id"`
	CustomerID    string          `json:"customer_id,omitempty" db:"customer_id"`
	Items         []OrderLine     `json:"items" db:"-"`
	Subtotal      decimal.Decimal `json:"subtotal" db:"subtotal"`
	TotalDiscount decimal.Decimal `json:"total_discount" db:"total_discount"`
	TaxRate       decimal.Decimal `json:"tax_rate" db:"tax_rate"`
	TaxAmount     decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	Total         decimal.Decimal `json:"total" db:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount" db:"paid_amount"`
	Payments      Payments        `json:"payments" db:"payments"`
	Status        OrderStatus     `json:"status" db:"status"`
	BusinessDate  string          `json:"business_date" db:"business_date"`
	CashierName   string          `json:"cashier_name" db:"cashier_name"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

type OrderLine struct {
	OrderID        string          `json:"-" db:"order_id"`
	LineNo         int             `json:"line_no" db:"line_no"`
	ProductID      string          `json:"product_id" db:"product_id"`
	SKU            string          `json:"sku" db:"sku"`
	Name           string          `json:"name" db:"name"`
	Quantity       int             `json:"quantity" db:"quantity"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Discount       decimal.Decimal `json:"discount" db:"discount"`
	SourceBranchID string          `json:"source_branch_id" db:"source_branch_id"`
	Cost           decimal.Decimal `json:"cost" db:"cost"`
	IsReturn       bool            `json:"is_return" db:"is_return"`
}

// Sign is -1 for refund lines and 1 otherwise.
func (l OrderLine) Sign() decimal.Decimal {
	if l.IsReturn {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OrderLineInput struct {
	ProductID      string           `json:"product_id" validate:"required"`
	SKU            string           `json:"sku"`
	Name           string           `json:"name"`
	Quantity       int              `json:"quantity" validate:"gt=0"`
	Price          decimal.Decimal  `json:"price"`
	Discount       decimal.Decimal  `json:"discount"`
	SourceBranchID string           `json:"source_branch_id,omitempty"`
	Cost           *decimal.Decimal `json:"cost,omitempty"`
	IsReturn       bool             `json:"is_return"`
}

type OrderSubmitRequest struct {
	ID            string           `json:"id" validate:"required,max=64"`
	BranchID      string           `json:"branch_id" validate:"required,max=64"`
	CustomerID    string           `json:"customer_id,omitempty"`
	Items         []OrderLineInput `json:"items" validate:"required,min=1,dive"`
	Subtotal      decimal.Decimal  `json:"subtotal"`
	TotalDiscount decimal.Decimal  `json:"total_discount"`
	TaxRate       decimal.Decimal  `json:"tax_rate"`
	TaxAmount     decimal.Decimal  `json:"tax_amount"`
	Total         decimal.Decimal  `json:"total"`
	Payments      []Payment        `json:"payments" validate:"dive"`
	Status        OrderStatus      `json:"status" validate:"omitempty,oneof=PENDING PARTIAL COMPLETED"`
	CreatedAt     *time.Time       `json:"created_at,omitempty"`
	CashierName   string           `json:"cashier_name"`
	BusinessDate  string           `json:"business_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	CostingMethod CostingMethod    `json:"costing_method,omitempty" validate:"omitempty,oneof=FIFO LIFO"`
}

type OrderUpdateRequest struct {
	Status       OrderStatus `json:"status,omitempty" validate:"omitempty,oneof=PARTIAL COMPLETED VOID"`
	BusinessDate string      `json:"business_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Payments     *[]Payment  `json:"payments,omitempty" validate:"omitempty,dive"`
}

type Warning struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
}

type OrderResult struct {
	Order    Order     `json:"order"`
	Warnings []Warning `json:"warnings,omitempty"`
}

type SettlementTotals struct {
	TotalRevenue  decimal.Decimal `json:"total_revenue" db:"total_revenue"`
	TotalOrders   int             `json:"total_orders" db:"total_orders"`
	CashInDrawer  decimal.Decimal `json:"cash_in_drawer" db:"cash_in_drawer"`
	TotalCOGS     decimal.Decimal `json:"total_cogs" db:"total_cogs"`
	TotalExpenses decimal.Decimal `json:"total_expenses" db:"total_expenses"`
	GrossProfit   decimal.Decimal `json:"gross_profit" db:"gross_profit"`
	NetProfit     decimal.Decimal `json:"net_profit" db:"net_profit"`
}

type DailySettlement struct {
	ID        string `json:"id" db:"id"`
	BranchID  string `json:"branch_id" db:"branch_id"`
	StartDate string `json:"start_date" db:"start_date"`
	EndDate   string `json:"end_date" db:"end_date"`
	SettlementTotals
	Status      SettlementStatus `json:"status" db:"status"`
	CreatedBy   string           `json:"created_by" db:"created_by"`
	SubmittedAt *time.Time       `json:"submitted_at,omitempty" db:"submitted_at"`
	UnlockedBy  string           `json:"unlocked_by,omitempty" db:"unlocked_by"`
	UnlockedAt  *time.Time       `json:"unlocked_at,omitempty" db:"unlocked_at"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// Covers reports whether date (YYYY-MM-DD) lies inside the period.
func (s DailySettlement) Covers(date string) bool {
	return s.StartDate <= date && date <= s.EndDate
}

// Overlaps reports whether [start, end] intersects the period.
func (s DailySettlement) Overlaps(start string, end string) bool {
	return s.StartDate <= end && start <= s.EndDate
}

type SettlementSubmitRequest struct {
	BranchID  string `json:"branch_id" validate:"required,max=64"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	SettlementTotals
	CreatedBy string `json:"created_by"`
}

type SettlementRange struct {
	BranchID  string `json:"branch_id" validate:"required,max=64"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

type StockIn struct {
	ID            string          `json:"id" db:"id"`
	ProductID     string          `json:"product_id" db:"product_id"`
	BranchID      string          `json:"branch_id" db:"branch_id"`
	Quantity      int             `json:"quantity" db:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	Status        StockInStatus   `json:"status" db:"status"`
	SupplierID    string          `json:"supplier_id" db:"supplier_id"`
	SupplierName  string          `json:"supplier_name" db:"supplier_name"`
	SupplierDocNo string          `json:"supplier_doc_no,omitempty" db:"supplier_doc_no"`
	BatchID       string          `json:"batch_id,omitempty" db:"batch_id"`
	PerformedBy   string          `json:"performed_by" db:"performed_by"`
	Date          string          `json:"date" db:"date"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

type StockInSubmitRequest struct {
	ID            string          `json:"id" validate:"required,max=64"`
	ProductID     string          `json:"product_id" validate:"required"`
	BranchID      string          `json:"branch_id" validate:"required,max=64"`
	Quantity      int             `json:"quantity" validate:"gt=0"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Status        StockInStatus   `json:"status" validate:"required,oneof=PENDING COMPLETED VOID"`
	SupplierID    string          `json:"supplier_id"`
	SupplierName  string          `json:"supplier_name"`
	SupplierDocNo string          `json:"supplier_doc_no,omitempty"`
	BatchID       string          `json:"batch_id,omitempty"`
	PerformedBy   string          `json:"performed_by"`
	Date          string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type StockInResult struct {
	StockIn  StockIn   `json:"stock_in"`
	Warnings []Warning `json:"warnings,omitempty"`
}

type Transfer struct {
	ID           string          `json:"id" db:"id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	FromBranchID string          `json:"from_branch_id" db:"from_branch_id"`
	ToBranchID   string          `json:"to_branch_id" db:"to_branch_id"`
	Quantity     int             `json:"quantity" db:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	PerformedBy  string          `json:"performed_by" db:"performed_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

type TransferRequest struct {
	ID            string        `json:"id" validate:"required,max=64"`
	ProductID     string        `json:"product_id" validate:"required"`
	FromBranchID  string        `json:"from_branch_id" validate:"required,max=64"`
	ToBranchID    string        `json:"to_branch_id" validate:"required,max=64,nefield=FromBranchID"`
	Quantity      int           `json:"quantity" validate:"gt=0"`
	CostingMethod CostingMethod `json:"costing_method,omitempty" validate:"omitempty,oneof=FIFO LIFO"`
}

type TransferResult struct {
	Transfer Transfer  `json:"transfer"`
	Warnings []Warning `json:"warnings,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id"`
}

type UserView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor is the authenticated caller a workflow acts on behalf of.
type Actor struct {
	Username string
	Role     string
	BranchID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password_hash"`
	Role      string    `db:"role"`
	BranchID  string    `db:"branch_id"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id" db:"id"`
	BranchID      string    `json:"branch_id" db:"branch_id"`
	ActorUsername string    `json:"actor_username" db:"actor_username"`
	ActorRole     string    `json:"actor_role" db:"actor_role"`
	Action        string    `json:"action" db:"action"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	Detail        string    `json:"detail" db:"detail"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
