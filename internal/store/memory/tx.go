package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
)

// memTx mutates a private snapshot; the owning Store holds its write lock for
// the whole transaction, so every row is effectively locked for update.
type memTx struct {
	st *state
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Tx         = (*memTx)(nil)
)

func (t *memTx) LockBranch(ctx context.Context, _ string, _ bool) error {
	return ctx.Err()
}

func (t *memTx) GetProductForUpdate(_ context.Context, productID string) (*domain.Product, error) {
	p, ok := t.st.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneProduct(p)
	return &out, nil
}

func (t *memTx) SaveProductStock(_ context.Context, productID string, stock domain.StockMap) error {
	p, ok := t.st.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	p.Stock = stock.Clone()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) AppendMovement(_ context.Context, movement domain.StockMovement) error {
	t.st.movements = append(t.st.movements, movement)
	return nil
}

func (t *memTx) InsertCostLayer(_ context.Context, layer domain.CostLayer) (int64, error) {
	t.st.nextLayerID++
	layer.ID = t.st.nextLayerID
	t.st.layers = append(t.st.layers, layer)
	return layer.ID, nil
}

func (t *memTx) LockEligibleLayers(_ context.Context, productID string, branchID string, method domain.CostingMethod) ([]domain.CostLayer, error) {
	result := make([]domain.CostLayer, 0, 4)
	for _, layer := range t.st.layers {
		if layer.ProductID == productID && layer.BranchID == branchID && layer.RemainingQty > 0 {
			result = append(result, layer)
		}
	}
	slices.SortFunc(result, func(a, b domain.CostLayer) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if method == domain.CostingLIFO {
			return -c
		}
		return c
	})
	return result, nil
}

func (t *memTx) UpdateLayerRemaining(_ context.Context, layerID int64, remaining int) error {
	for i := range t.st.layers {
		if t.st.layers[i].ID == layerID {
			if remaining < 0 || remaining > t.st.layers[i].TotalQty {
				return store.ErrInvalidTransaction
			}
			t.st.layers[i].RemainingQty = remaining
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *memTx) InsertCOGSEntry(_ context.Context, entry domain.COGSLogEntry) error {
	t.st.nextCOGSID++
	entry.ID = t.st.nextCOGSID
	t.st.cogs = append(t.st.cogs, entry)
	return nil
}

func (t *memTx) FindLockedSettlement(_ context.Context, branchID string, date string) (*domain.DailySettlement, error) {
	for _, row := range t.st.settlements {
		if row.BranchID == branchID && row.Status == domain.SettlementSubmitted && row.Covers(date) {
			out := row
			return &out, nil
		}
	}
	return nil, nil
}

func (t *memTx) LatestLockedEnd(_ context.Context, branchID string) (string, bool, error) {
	latest := ""
	for _, row := range t.st.settlements {
		if row.BranchID == branchID && row.Status == domain.SettlementSubmitted && row.EndDate > latest {
			latest = row.EndDate
		}
	}
	return latest, latest != "", nil
}

func (t *memTx) ListOverlappingSubmitted(_ context.Context, branchID string, startDate string, endDate string) ([]domain.DailySettlement, error) {
	result := make([]domain.DailySettlement, 0, 1)
	for _, row := range t.st.settlements {
		if row.BranchID == branchID && row.Status == domain.SettlementSubmitted && row.Overlaps(startDate, endDate) {
			result = append(result, row)
		}
	}
	return result, nil
}

func (t *memTx) GetSettlementForUpdate(_ context.Context, branchID string, startDate string, endDate string) (*domain.DailySettlement, error) {
	row, ok := t.st.settlements[settlementKey(branchID, startDate, endDate)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (t *memTx) SaveSettlement(_ context.Context, settlement domain.DailySettlement) error {
	key := settlementKey(settlement.BranchID, settlement.StartDate, settlement.EndDate)
	if existing, ok := t.st.settlements[key]; ok {
		settlement.ID = existing.ID
		settlement.CreatedAt = existing.CreatedAt
	}
	t.st.settlements[key] = settlement
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, order domain.Order) error {
	if _, exists := t.st.orders[order.ID]; exists {
		return store.ErrDuplicate
	}
	t.st.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*domain.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(o)
	return &out, nil
}

func (t *memTx) UpdateOrderHeader(_ context.Context, order domain.Order) error {
	existing, ok := t.st.orders[order.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Status = order.Status
	existing.BusinessDate = order.BusinessDate
	existing.Payments = order.Payments
	existing.PaidAmount = order.PaidAmount
	existing.UpdatedAt = order.UpdatedAt
	t.st.orders[order.ID] = cloneOrder(existing)
	return nil
}

func (t *memTx) GetStockInForUpdate(_ context.Context, id string) (*domain.StockIn, error) {
	r, ok := t.st.stockIns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (t *memTx) InsertStockIn(_ context.Context, record domain.StockIn) error {
	if _, exists := t.st.stockIns[record.ID]; exists {
		return store.ErrDuplicate
	}
	t.st.stockIns[record.ID] = record
	return nil
}

func (t *memTx) UpdateStockIn(_ context.Context, record domain.StockIn) error {
	if _, exists := t.st.stockIns[record.ID]; !exists {
		return store.ErrNotFound
	}
	t.st.stockIns[record.ID] = record
	return nil
}

func (t *memTx) InsertTransfer(_ context.Context, transfer domain.Transfer) error {
	if _, exists := t.st.transfers[transfer.ID]; exists {
		return store.ErrDuplicate
	}
	t.st.transfers[transfer.ID] = transfer
	return nil
}
