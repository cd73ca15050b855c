package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
	"github.com/billexhk/POSONLINE-sub002/internal/store/memory"
)

const (
	testProduct = "prd-test"
	testBranch  = "branch-a"
)

func newTestLedger(t *testing.T, trackStock bool) (*Engine, *memory.Store) {
	t.Helper()
	repo := memory.New()
	_, err := repo.CreateProduct(context.Background(), domain.Product{
		ID:         testProduct,
		SKU:        "SKU-TEST",
		Name:       "Test Product",
		Cost:       decimal.NewFromInt(10),
		Price:      decimal.NewFromInt(25),
		Stock:      domain.StockMap{},
		TrackStock: trackStock,
	})
	require.NoError(t, err)
	return New(nil), repo
}

func addLayers(t *testing.T, eng *Engine, repo *memory.Store, lots ...[2]int64) {
	t.Helper()
	err := repo.InTx(context.Background(), func(tx store.Tx) error {
		for i, lot := range lots {
			_, err := eng.AddLayer(context.Background(), tx, LayerInput{
				ProductID:  testProduct,
				BranchID:   testBranch,
				Qty:        int(lot[0]),
				UnitCost:   decimal.NewFromInt(lot[1]),
				SourceType: domain.LayerSourceStockIn,
				SourceID:   "si-" + string(rune('a'+i)),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func consume(t *testing.T, eng *Engine, repo *memory.Store, qty int, method domain.CostingMethod) ConsumeResult {
	t.Helper()
	var result ConsumeResult
	err := repo.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		result, err = eng.ConsumeLayers(context.Background(), tx, testProduct, testBranch, qty, method)
		return err
	})
	require.NoError(t, err)
	return result
}

func TestConsumeLayersFIFO(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	addLayers(t, eng, repo, [2]int64{5, 10}, [2]int64{5, 20})

	result := consume(t, eng, repo, 7, domain.CostingFIFO)

	assert.True(t, result.TotalCost.Equal(decimal.NewFromInt(90)), "total cost %s", result.TotalCost)
	assert.Equal(t, 7, result.ConsumedQty)
	assert.False(t, result.PartiallyCosted)

	layers, err := repo.ListCostLayers(context.Background(), testProduct, testBranch)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, 0, layers[0].RemainingQty)
	assert.Equal(t, 3, layers[1].RemainingQty)
}

func TestConsumeLayersLIFO(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	addLayers(t, eng, repo, [2]int64{5, 10}, [2]int64{5, 20})

	result := consume(t, eng, repo, 7, domain.CostingLIFO)

	// 5 x 20 from the newest lot, then 2 x 10.
	assert.True(t, result.TotalCost.Equal(decimal.NewFromInt(120)), "total cost %s", result.TotalCost)

	layers, err := repo.ListCostLayers(context.Background(), testProduct, testBranch)
	require.NoError(t, err)
	assert.Equal(t, 3, layers[0].RemainingQty)
	assert.Equal(t, 0, layers[1].RemainingQty)
}

func TestConsumeLayersShortfallIsPartiallyCosted(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	addLayers(t, eng, repo, [2]int64{4, 10})

	result := consume(t, eng, repo, 6, domain.CostingFIFO)

	assert.True(t, result.PartiallyCosted)
	assert.Equal(t, 4, result.ConsumedQty)
	assert.Equal(t, 2, result.Shortfall)
	assert.True(t, result.TotalCost.Equal(decimal.NewFromInt(40)))
	assert.True(t, result.UnitCost().Equal(decimal.NewFromInt(10)))
}

func TestConsumeLayersIgnoresNonPositiveQuantity(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	addLayers(t, eng, repo, [2]int64{4, 10})

	result := consume(t, eng, repo, 0, domain.CostingFIFO)
	assert.True(t, result.TotalCost.IsZero())
	assert.Empty(t, result.Draws)

	layers, err := repo.ListCostLayers(context.Background(), testProduct, testBranch)
	require.NoError(t, err)
	assert.Equal(t, 4, layers[0].RemainingQty)
}

func TestAddLayerSkipsInvalidInput(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	err := repo.InTx(context.Background(), func(tx store.Tx) error {
		layer, err := eng.AddLayer(context.Background(), tx, LayerInput{ProductID: testProduct, BranchID: testBranch, Qty: 0, UnitCost: decimal.NewFromInt(5)})
		assert.Nil(t, layer)
		if err != nil {
			return err
		}
		layer, err = eng.AddLayer(context.Background(), tx, LayerInput{ProductID: testProduct, BranchID: testBranch, Qty: 3, UnitCost: decimal.NewFromInt(-1)})
		assert.Nil(t, layer)
		return err
	})
	require.NoError(t, err)

	layers, err := repo.ListCostLayers(context.Background(), testProduct, testBranch)
	require.NoError(t, err)
	assert.Empty(t, layers)
}

func TestLayerConservationAcrossSequence(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	addLayers(t, eng, repo, [2]int64{3, 7}, [2]int64{2, 9})
	consume(t, eng, repo, 4, domain.CostingFIFO)
	addLayers(t, eng, repo, [2]int64{6, 8})
	consume(t, eng, repo, 5, domain.CostingLIFO)
	consume(t, eng, repo, 20, domain.CostingFIFO)

	layers, err := repo.ListCostLayers(context.Background(), testProduct, testBranch)
	require.NoError(t, err)
	totalQty, remaining := 0, 0
	for _, layer := range layers {
		assert.GreaterOrEqual(t, layer.RemainingQty, 0)
		assert.LessOrEqual(t, layer.RemainingQty, layer.TotalQty)
		totalQty += layer.TotalQty
		remaining += layer.RemainingQty
	}
	assert.LessOrEqual(t, remaining, totalQty)
	assert.Equal(t, 0, remaining)
}

func TestConcurrentConsumptionNeverDoubleCounts(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	addLayers(t, eng, repo, [2]int64{5, 10})

	var wg sync.WaitGroup
	results := make([]ConsumeResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = repo.InTx(context.Background(), func(tx store.Tx) error {
				var err error
				results[i], err = eng.ConsumeLayers(context.Background(), tx, testProduct, testBranch, 5, domain.CostingFIFO)
				return err
			})
		}(i)
	}
	wg.Wait()

	full, empty := 0, 0
	for _, r := range results {
		switch r.ConsumedQty {
		case 5:
			full++
			assert.True(t, r.TotalCost.Equal(decimal.NewFromInt(50)))
		case 0:
			empty++
			assert.True(t, r.TotalCost.IsZero())
		}
	}
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, empty)
}

func TestRolledBackConsumptionLeavesLayersIntact(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	addLayers(t, eng, repo, [2]int64{5, 10})

	boom := errors.New("boom")
	err := repo.InTx(context.Background(), func(tx store.Tx) error {
		if _, err := eng.ConsumeLayers(context.Background(), tx, testProduct, testBranch, 5, domain.CostingFIFO); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	layers, err := repo.ListCostLayers(context.Background(), testProduct, testBranch)
	require.NoError(t, err)
	assert.Equal(t, 5, layers[0].RemainingQty)
}

func TestLogConsumptionWritesOneEntry(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	err := repo.InTx(context.Background(), func(tx store.Tx) error {
		if err := eng.LogConsumption(context.Background(), tx, ConsumptionEvent{ProductID: testProduct, BranchID: testBranch, Qty: 0, TotalCost: decimal.NewFromInt(9), SourceType: domain.COGSSourceSale, SourceID: "ord-0"}); err != nil {
			return err
		}
		return eng.LogConsumption(context.Background(), tx, ConsumptionEvent{ProductID: testProduct, BranchID: testBranch, Qty: 4, TotalCost: decimal.NewFromInt(50), SourceType: domain.COGSSourceSale, SourceID: "ord-1"})
	})
	require.NoError(t, err)

	entries, err := repo.ListCOGSEntries(context.Background(), testProduct, testBranch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ord-1", entries[0].SourceID)
	assert.True(t, entries[0].UnitCost.Equal(decimal.RequireFromString("12.5")))
}

func TestAdjustStockAppendsMovement(t *testing.T) {
	eng, repo := newTestLedger(t, true)
	err := repo.InTx(context.Background(), func(tx store.Tx) error {
		if _, err := eng.AdjustStock(context.Background(), tx, StockChange{ProductID: testProduct, BranchID: testBranch, Delta: 8, ReferenceType: domain.MovementStockIn, ReferenceID: "si-1", Actor: "manager"}); err != nil {
			return err
		}
		_, err := eng.AdjustStock(context.Background(), tx, StockChange{ProductID: testProduct, BranchID: testBranch, Delta: -3, ReferenceType: domain.MovementSale, ReferenceID: "ord-1", Actor: "cashier"})
		return err
	})
	require.NoError(t, err)

	product, err := repo.GetProduct(context.Background(), testProduct)
	require.NoError(t, err)
	assert.Equal(t, 5, product.StockAt(testBranch))

	movements, err := repo.ListMovements(context.Background(), testProduct, testBranch, 10)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	// newest first
	assert.Equal(t, -3, movements[0].Delta)
	assert.Equal(t, 8, movements[0].QuantityBefore)
	assert.Equal(t, 5, movements[0].QuantityAfter)
}

func TestAdjustStockIgnoresUntrackedProducts(t *testing.T) {
	eng, repo := newTestLedger(t, false)
	err := repo.InTx(context.Background(), func(tx store.Tx) error {
		movement, err := eng.AdjustStock(context.Background(), tx, StockChange{ProductID: testProduct, BranchID: testBranch, Delta: -100, ReferenceType: domain.MovementSale, ReferenceID: "ord-1"})
		assert.Nil(t, movement)
		return err
	})
	require.NoError(t, err)

	product, err := repo.GetProduct(context.Background(), testProduct)
	require.NoError(t, err)
	assert.Empty(t, product.Stock)
}
