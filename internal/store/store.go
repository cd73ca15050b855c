package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate record")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// Repository is the persistence boundary of the service. Reads run outside any
// workflow transaction; every mutation of stock, layers, COGS, orders,
// settlements, stock-ins and transfers goes through InTx.
type Repository interface {
	// InTx runs fn in one transaction. Any error returned by fn rolls back all
	// writes made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrdersByBusinessDate(ctx context.Context, branchID string, startDate string, endDate string) ([]domain.Order, error)
	GetStockIn(ctx context.Context, id string) (*domain.StockIn, error)
	ListSettlements(ctx context.Context, branchID string) ([]domain.DailySettlement, error)
	FindSubmittedSettlement(ctx context.Context, branchID string, startDate string, endDate string) (*domain.DailySettlement, error)

	ListCostLayers(ctx context.Context, productID string, branchID string) ([]domain.CostLayer, error)
	ListCOGSEntries(ctx context.Context, productID string, branchID string) ([]domain.COGSLogEntry, error)
	SummarizeCOGS(ctx context.Context, startDate string, endDate string, branchID string) ([]domain.COGSSummaryRow, error)
	// SumCOGSBySource totals the COGS rows of sourceType written for sourceIDs.
	SumCOGSBySource(ctx context.Context, sourceType string, sourceIDs []string) (decimal.Decimal, error)
	ListMovements(ctx context.Context, productID string, branchID string, limit int) ([]domain.StockMovement, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx exposes the locked read-modify-write primitives workflows compose.
// Rows returned by the ForUpdate methods stay locked until the transaction ends.
type Tx interface {
	// LockBranch serializes order writes (shared) against settlement close
	// and unlock (exclusive) for one branch.
	LockBranch(ctx context.Context, branchID string, exclusive bool) error

	GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error)
	SaveProductStock(ctx context.Context, productID string, stock domain.StockMap) error
	AppendMovement(ctx context.Context, movement domain.StockMovement) error

	InsertCostLayer(ctx context.Context, layer domain.CostLayer) (int64, error)
	// LockEligibleLayers returns layers with remaining quantity, in consumption
	// order for method.
	LockEligibleLayers(ctx context.Context, productID string, branchID string, method domain.CostingMethod) ([]domain.CostLayer, error)
	UpdateLayerRemaining(ctx context.Context, layerID int64, remaining int) error
	InsertCOGSEntry(ctx context.Context, entry domain.COGSLogEntry) error

	// FindLockedSettlement returns the SUBMITTED period covering date, or nil.
	FindLockedSettlement(ctx context.Context, branchID string, date string) (*domain.DailySettlement, error)
	// LatestLockedEnd returns the greatest end date of SUBMITTED periods for branch.
	LatestLockedEnd(ctx context.Context, branchID string) (string, bool, error)
	ListOverlappingSubmitted(ctx context.Context, branchID string, startDate string, endDate string) ([]domain.DailySettlement, error)
	GetSettlementForUpdate(ctx context.Context, branchID string, startDate string, endDate string) (*domain.DailySettlement, error)
	SaveSettlement(ctx context.Context, settlement domain.DailySettlement) error

	InsertOrder(ctx context.Context, order domain.Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error)
	UpdateOrderHeader(ctx context.Context, order domain.Order) error

	GetStockInForUpdate(ctx context.Context, id string) (*domain.StockIn, error)
	InsertStockIn(ctx context.Context, record domain.StockIn) error
	UpdateStockIn(ctx context.Context, record domain.StockIn) error

	InsertTransfer(ctx context.Context, transfer domain.Transfer) error
}
