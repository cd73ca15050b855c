// Package ledger holds the inventory valuation primitives shared by every
// workflow: cost layers, the COGS log and the per-branch stock map. All
// functions run inside a caller-owned store.Tx and never commit on their own.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
	"github.com/billexhk/POSONLINE-sub002/internal/xid"
)

type Engine struct {
	logger *zap.Logger
	now    func() time.Time
}

func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type LayerInput struct {
	ProductID  string
	BranchID   string
	Qty        int
	UnitCost   decimal.Decimal
	SourceType string
	SourceID   string
}

// AddLayer records one inbound lot. Non-positive quantities and negative costs
// are ignored and yield a nil layer.
func (e *Engine) AddLayer(ctx context.Context, tx store.Tx, in LayerInput) (*domain.CostLayer, error) {
	if in.Qty <= 0 || in.UnitCost.IsNegative() {
		e.logger.Debug("cost layer skipped",
			zap.String("product_id", in.ProductID),
			zap.String("branch_id", in.BranchID),
			zap.Int("qty", in.Qty),
			zap.String("unit_cost", in.UnitCost.String()),
		)
		return nil, nil
	}
	layer := domain.CostLayer{
		ProductID:    in.ProductID,
		BranchID:     in.BranchID,
		TotalQty:     in.Qty,
		RemainingQty: in.Qty,
		UnitCost:     in.UnitCost,
		SourceType:   in.SourceType,
		SourceID:     in.SourceID,
		CreatedAt:    e.now(),
	}
	id, err := tx.InsertCostLayer(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("insert cost layer: %w", err)
	}
	layer.ID = id
	return &layer, nil
}

// LayerDraw is the part of one layer taken by a consumption.
type LayerDraw struct {
	LayerID  int64           `json:"layer_id"`
	Qty      int             `json:"qty"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type ConsumeResult struct {
	RequestedQty int
	ConsumedQty  int
	Shortfall    int
	TotalCost    decimal.Decimal
	// PartiallyCosted is set when the layers could not cover RequestedQty; the
	// shortfall carries no cost.
	PartiallyCosted bool
	Draws           []LayerDraw
}

// UnitCost is the average cost of the consumed units, zero when nothing was consumed.
func (r ConsumeResult) UnitCost() decimal.Decimal {
	if r.ConsumedQty == 0 {
		return decimal.Zero
	}
	return r.TotalCost.Div(decimal.NewFromInt(int64(r.ConsumedQty)))
}

// ConsumeLayers takes qty units from the eligible layers of (product, branch)
// in method order and persists each touched layer's remaining quantity. The
// layers are row-locked by the store until tx ends.
func (e *Engine) ConsumeLayers(ctx context.Context, tx store.Tx, productID string, branchID string, qty int, method domain.CostingMethod) (ConsumeResult, error) {
	result := ConsumeResult{RequestedQty: qty, TotalCost: decimal.Zero}
	if qty <= 0 {
		result.RequestedQty = 0
		return result, nil
	}
	if method == "" {
		method = domain.CostingFIFO
	}

	layers, err := tx.LockEligibleLayers(ctx, productID, branchID, method)
	if err != nil {
		return result, fmt.Errorf("lock cost layers: %w", err)
	}

	remaining := qty
	for _, layer := range layers {
		if remaining == 0 {
			break
		}
		taken := min(remaining, layer.RemainingQty)
		if taken <= 0 {
			continue
		}
		if err := tx.UpdateLayerRemaining(ctx, layer.ID, layer.RemainingQty-taken); err != nil {
			return result, fmt.Errorf("update cost layer %d: %w", layer.ID, err)
		}
		result.TotalCost = result.TotalCost.Add(layer.UnitCost.Mul(decimal.NewFromInt(int64(taken))))
		result.ConsumedQty += taken
		result.Draws = append(result.Draws, LayerDraw{LayerID: layer.ID, Qty: taken, UnitCost: layer.UnitCost})
		remaining -= taken
	}

	if remaining > 0 {
		result.Shortfall = remaining
		result.PartiallyCosted = true
		e.logger.Warn("cost layers exhausted",
			zap.String("product_id", productID),
			zap.String("branch_id", branchID),
			zap.Int("requested", qty),
			zap.Int("shortfall", remaining),
		)
	}
	return result, nil
}

type ConsumptionEvent struct {
	ProductID  string
	BranchID   string
	Qty        int
	TotalCost  decimal.Decimal
	SourceType string
	SourceID   string
}

// LogConsumption appends one COGS entry for an economic event. It never
// touches stock or layers.
func (e *Engine) LogConsumption(ctx context.Context, tx store.Tx, ev ConsumptionEvent) error {
	if ev.Qty == 0 {
		return nil
	}
	entry := domain.COGSLogEntry{
		ProductID:  ev.ProductID,
		BranchID:   ev.BranchID,
		Quantity:   ev.Qty,
		TotalCost:  ev.TotalCost,
		UnitCost:   ev.TotalCost.Div(decimal.NewFromInt(int64(ev.Qty))),
		SourceType: ev.SourceType,
		SourceID:   ev.SourceID,
		CreatedAt:  e.now(),
	}
	if err := tx.InsertCOGSEntry(ctx, entry); err != nil {
		return fmt.Errorf("insert cogs entry: %w", err)
	}
	return nil
}

type StockChange struct {
	ProductID     string
	BranchID      string
	Delta         int
	ReferenceType string
	ReferenceID   string
	Actor         string
}

// AdjustStock is the only write path for Product.Stock. It locks the product
// row, applies the signed delta to one branch and appends the matching
// movement record. Untracked products and zero deltas return a nil movement.
func (e *Engine) AdjustStock(ctx context.Context, tx store.Tx, change StockChange) (*domain.StockMovement, error) {
	product, err := tx.GetProductForUpdate(ctx, change.ProductID)
	if err != nil {
		return nil, fmt.Errorf("lock product %s: %w", change.ProductID, err)
	}
	if !product.TrackStock || change.Delta == 0 {
		return nil, nil
	}

	stock := product.Stock.Clone()
	before := stock[change.BranchID]
	after := before + change.Delta
	stock[change.BranchID] = after
	if err := tx.SaveProductStock(ctx, product.ID, stock); err != nil {
		return nil, fmt.Errorf("save stock for %s: %w", product.ID, err)
	}

	movement := domain.StockMovement{
		ID:             xid.New("mov"),
		ProductID:      product.ID,
		BranchID:       change.BranchID,
		Delta:          change.Delta,
		QuantityBefore: before,
		QuantityAfter:  after,
		ReferenceType:  change.ReferenceType,
		ReferenceID:    change.ReferenceID,
		CreatedBy:      change.Actor,
		CreatedAt:      e.now(),
	}
	if err := tx.AppendMovement(ctx, movement); err != nil {
		return nil, fmt.Errorf("append stock movement: %w", err)
	}

	if after < 0 {
		e.logger.Warn("stock below zero",
			zap.String("product_id", product.ID),
			zap.String("branch_id", change.BranchID),
			zap.Int("quantity", after),
			zap.String("reference", change.ReferenceType+":"+change.ReferenceID),
		)
	}
	return &movement, nil
}
