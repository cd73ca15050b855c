package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/store/memory"
)

const mainBranch = "main-branch"

var (
	adminActor   = domain.Actor{Username: "admin", Role: domain.RoleAdmin, BranchID: mainBranch}
	managerActor = domain.Actor{Username: "manager", Role: domain.RoleManager, BranchID: mainBranch}
	cashierActor = domain.Actor{Username: "cashier", Role: domain.RoleCashier, BranchID: mainBranch}
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, Options{}), repo
}

func orderRequest(id string, businessDate string, lines ...domain.OrderLineInput) domain.OrderSubmitRequest {
	return domain.OrderSubmitRequest{
		ID:           id,
		BranchID:     mainBranch,
		Items:        lines,
		BusinessDate: businessDate,
		Payments:     []domain.Payment{{Method: "cash", Amount: decimal.NewFromInt(10_000_000)}},
	}
}

func line(productID string, qty int) domain.OrderLineInput {
	return domain.OrderLineInput{ProductID: productID, Quantity: qty, Price: decimal.NewFromInt(45000)}
}

func stockOf(t *testing.T, repo *memory.Store, productID string, branchID string) int {
	t.Helper()
	product, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return product.StockAt(branchID)
}

func submitJanuary(t *testing.T, svc *Service) domain.DailySettlement {
	t.Helper()
	row, err := svc.SubmitSettlement(context.Background(), managerActor, domain.SettlementSubmitRequest{
		BranchID:  mainBranch,
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		SettlementTotals: domain.SettlementTotals{
			TotalRevenue: decimal.NewFromInt(1000),
			TotalOrders:  3,
		},
	})
	require.NoError(t, err)
	return row
}

func TestSubmitOrderConsumesLayersInFIFOOrder(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	_, err := svc.SubmitStockIn(ctx, adminActor, domain.StockInSubmitRequest{
		ID:        "si-1",
		ProductID: "prd-kopi-250",
		BranchID:  mainBranch,
		Quantity:  10,
		UnitCost:  decimal.NewFromInt(40000),
		Status:    domain.StockInCompleted,
	})
	require.NoError(t, err)
	require.Equal(t, 110, stockOf(t, repo, "prd-kopi-250", mainBranch))

	res, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-fifo", "2024-03-01", line("prd-kopi-250", 105)))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 5, stockOf(t, repo, "prd-kopi-250", mainBranch))

	entries, err := repo.ListCOGSEntries(ctx, "prd-kopi-250", mainBranch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].TotalCost.Equal(decimal.NewFromInt(3_400_000)), "total cost %s", entries[0].TotalCost)
	assert.Equal(t, 105, entries[0].Quantity)
	assert.Equal(t, "ord-fifo", entries[0].SourceID)

	expectedUnit := decimal.NewFromInt(3_400_000).Div(decimal.NewFromInt(105)).Round(4)
	assert.True(t, res.Order.Items[0].Cost.Equal(expectedUnit), "line cost %s", res.Order.Items[0].Cost)

	layers, err := repo.ListCostLayers(ctx, "prd-kopi-250", mainBranch)
	require.NoError(t, err)
	remaining := 0
	for _, layer := range layers {
		remaining += layer.RemainingQty
	}
	assert.Equal(t, 5, remaining)
}

func TestSubmitOrderLIFOConsumesNewestLayerFirst(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	_, err := svc.SubmitStockIn(ctx, adminActor, domain.StockInSubmitRequest{
		ID: "si-lifo", ProductID: "prd-gula-1kg", BranchID: mainBranch, Quantity: 10,
		UnitCost: decimal.NewFromInt(16000), Status: domain.StockInCompleted,
	})
	require.NoError(t, err)

	req := orderRequest("ord-lifo", "2024-03-01", line("prd-gula-1kg", 4))
	req.CostingMethod = domain.CostingLIFO
	_, err = svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)

	entries, err := repo.ListCOGSEntries(ctx, "prd-gula-1kg", mainBranch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].TotalCost.Equal(decimal.NewFromInt(64000)))
}

func TestSubmitOrderDuplicateLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-dup", "2024-03-01", line("prd-susu-1l", 3)))
	require.NoError(t, err)
	before := stockOf(t, repo, "prd-susu-1l", mainBranch)
	entries, err := repo.ListCOGSEntries(ctx, "prd-susu-1l", mainBranch)
	require.NoError(t, err)

	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-dup", "2024-03-01", line("prd-susu-1l", 3)))
	require.ErrorIs(t, err, ErrDuplicateOrderID)

	assert.Equal(t, before, stockOf(t, repo, "prd-susu-1l", mainBranch))
	after, err := repo.ListCOGSEntries(ctx, "prd-susu-1l", mainBranch)
	require.NoError(t, err)
	assert.Len(t, after, len(entries))
}

func TestSubmitOrderRollsBackWhenALaterLineFails(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-rollback", "2024-03-01",
		line("prd-teh-25", 5),
		line("prd-missing", 1),
	))
	require.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, 100, stockOf(t, repo, "prd-teh-25", mainBranch))
	entries, err := repo.ListCOGSEntries(ctx, "prd-teh-25", mainBranch)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = svc.GetOrder(ctx, "ord-rollback")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSubmitOrderRejectsLockedBusinessDate(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()
	submitJanuary(t, svc)

	_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-locked", "2024-01-15", line("prd-kopi-250", 1)))
	require.ErrorIs(t, err, ErrPeriodLocked)
	var locked *PeriodLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "2024-01-15", locked.BusinessDate)
	assert.Equal(t, "2024-01-31", locked.Settlement.EndDate)
	assert.Equal(t, 100, stockOf(t, repo, "prd-kopi-250", mainBranch))

	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-open", "2024-02-01", line("prd-kopi-250", 1)))
	require.NoError(t, err)
	assert.Equal(t, 99, stockOf(t, repo, "prd-kopi-250", mainBranch))
}

func TestSubmitOrderLockIsPerBranch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	submitJanuary(t, svc)

	req := orderRequest("ord-other-branch", "2024-01-15", line("svc-servis", 1))
	req.BranchID = "north-branch"
	_, err := svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)
}

func TestSubmitOrderDefaultsBusinessDatePastLockedPeriod(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	submitJanuary(t, svc)

	createdAt := time.Date(2024, 1, 20, 9, 30, 0, 0, time.UTC)
	req := orderRequest("ord-default-date", "", line("prd-kopi-250", 1))
	req.CreatedAt = &createdAt

	res, err := svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01", res.Order.BusinessDate)

	createdAt = time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)
	req = orderRequest("ord-default-date-2", "", line("prd-kopi-250", 1))
	req.CreatedAt = &createdAt
	res, err = svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", res.Order.BusinessDate)
}

func TestSubmitOrderUntrackedProductKeepsStock(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	_, err := repo.CreateProduct(ctx, domain.Product{
		ID:         "svc-cuci",
		SKU:        "JASA-CUCI",
		Name:       "Jasa Cuci",
		Price:      decimal.NewFromInt(20000),
		Stock:      domain.StockMap{mainBranch: 100},
		TrackStock: false,
	})
	require.NoError(t, err)

	res, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-service", "2024-03-01", line("svc-cuci", 5)))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 100, stockOf(t, repo, "svc-cuci", mainBranch))

	entries, err := repo.ListCOGSEntries(ctx, "svc-cuci", "")
	require.NoError(t, err)
	assert.Empty(t, entries)
	movements, err := repo.ListMovements(ctx, "svc-cuci", "", 0)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestSubmitOrderWithoutLayersIsPartiallyCosted(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	req := orderRequest("ord-uncosted", "2024-03-01", domain.OrderLineInput{
		ProductID:      "prd-kopi-250",
		Quantity:       2,
		Price:          decimal.NewFromInt(45000),
		SourceBranchID: "north-branch",
	})
	res, err := svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, domain.WarningPartiallyCosted, res.Warnings[0].Code)
	assert.Equal(t, -2, stockOf(t, repo, "prd-kopi-250", "north-branch"))
	assert.Equal(t, 100, stockOf(t, repo, "prd-kopi-250", mainBranch))
	assert.True(t, res.Order.Items[0].Cost.Equal(decimal.NewFromInt(32000)))

	entries, err := repo.ListCOGSEntries(ctx, "prd-kopi-250", "north-branch")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].TotalCost.IsZero())
}

func TestSubmitOrderDerivesTotalsAndStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	req := orderRequest("ord-partial", "2024-03-01", line("prd-teh-25", 2))
	req.Payments = []domain.Payment{{Method: "CASH", Amount: decimal.NewFromInt(50000)}}
	res, err := svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)

	assert.True(t, res.Order.Total.Equal(decimal.NewFromInt(90000)))
	assert.Equal(t, domain.OrderPartial, res.Order.Status)
	assert.Equal(t, "cash", res.Order.Payments[0].Method)
	assert.Equal(t, "cashier", res.Order.CashierName)
}

func TestSubmitOrderReturnLineRestocksWithoutCOGS(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	res, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-return", "2024-03-01", domain.OrderLineInput{
		ProductID: "prd-susu-1l",
		Quantity:  2,
		Price:     decimal.NewFromInt(18900),
		IsReturn:  true,
	}))
	require.NoError(t, err)
	assert.True(t, res.Order.Total.Equal(decimal.NewFromInt(-37800)))
	assert.Equal(t, 102, stockOf(t, repo, "prd-susu-1l", mainBranch))

	entries, err := repo.ListCOGSEntries(ctx, "prd-susu-1l", mainBranch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitOrderValidation(t *testing.T) {
	svc, _ := newTestService()

	cases := []domain.OrderSubmitRequest{
		{ID: "", BranchID: mainBranch, Items: []domain.OrderLineInput{line("prd-kopi-250", 1)}},
		{ID: "ord-no-items", BranchID: mainBranch},
		{ID: "ord-zero-qty", BranchID: mainBranch, Items: []domain.OrderLineInput{line("prd-kopi-250", 0)}},
		{ID: "ord-bad-date", BranchID: mainBranch, BusinessDate: "15/01/2024", Items: []domain.OrderLineInput{line("prd-kopi-250", 1)}},
		{ID: "ord-bad-method", BranchID: mainBranch, CostingMethod: "AVG", Items: []domain.OrderLineInput{line("prd-kopi-250", 1)}},
	}
	for _, req := range cases {
		t.Run(req.ID, func(t *testing.T) {
			_, err := svc.SubmitOrder(context.Background(), cashierActor, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestConcurrentOrdersConserveStock(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest(fmt.Sprintf("ord-conc-%02d", i), "2024-03-01", line("prd-kopi-250", 1)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 80, stockOf(t, repo, "prd-kopi-250", mainBranch))
	entries, err := repo.ListCOGSEntries(ctx, "prd-kopi-250", mainBranch)
	require.NoError(t, err)
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.TotalCost)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(20*32000)), "total cogs %s", total)
}

func TestVoidOrderRestoresStockAndKeepsCOGS(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-void", "2024-03-01", line("prd-kopi-250", 4)))
	require.NoError(t, err)
	require.Equal(t, 96, stockOf(t, repo, "prd-kopi-250", mainBranch))

	res, err := svc.UpdateOrder(ctx, managerActor, "ord-void", domain.OrderUpdateRequest{Status: domain.OrderVoid})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderVoid, res.Order.Status)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, domain.WarningCogsNotReversed, res.Warnings[0].Code)
	assert.Equal(t, 100, stockOf(t, repo, "prd-kopi-250", mainBranch))

	entries, err := repo.ListCOGSEntries(ctx, "prd-kopi-250", mainBranch)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = svc.UpdateOrder(ctx, managerActor, "ord-void", domain.OrderUpdateRequest{Status: domain.OrderCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	logs, err := svc.ListAuditLogs(ctx, mainBranch, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "order.void", logs[0].Action)
}

func TestUpdateOrderCompletesPartialOrder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	req := orderRequest("ord-settle-later", "2024-03-01", line("prd-teh-25", 1))
	req.Payments = nil
	res, err := svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPartial, res.Order.Status)

	_, err = svc.UpdateOrder(ctx, cashierActor, "ord-settle-later", domain.OrderUpdateRequest{Status: domain.OrderCompleted})
	require.ErrorIs(t, err, ErrValidation)

	payments := []domain.Payment{{Method: "qris", Amount: decimal.NewFromInt(45000)}}
	res, err = svc.UpdateOrder(ctx, cashierActor, "ord-settle-later", domain.OrderUpdateRequest{
		Status:   domain.OrderCompleted,
		Payments: &payments,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, res.Order.Status)
	assert.True(t, res.Order.PaidAmount.Equal(decimal.NewFromInt(45000)))
}

func TestUpdateOrderRespectsLock(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-jan", "2024-01-10", line("prd-kopi-250", 1)))
	require.NoError(t, err)
	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-mar", "2024-03-10", line("prd-kopi-250", 1)))
	require.NoError(t, err)
	submitJanuary(t, svc)

	_, err = svc.UpdateOrder(ctx, managerActor, "ord-jan", domain.OrderUpdateRequest{Status: domain.OrderVoid})
	assert.ErrorIs(t, err, ErrPeriodLocked)

	_, err = svc.UpdateOrder(ctx, managerActor, "ord-mar", domain.OrderUpdateRequest{BusinessDate: "2024-01-31"})
	assert.ErrorIs(t, err, ErrPeriodLocked)

	_, err = svc.UpdateOrder(ctx, managerActor, "ord-missing", domain.OrderUpdateRequest{Status: domain.OrderVoid})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSubmitSettlementTwiceReturnsExisting(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	first := submitJanuary(t, svc)

	_, err := svc.SubmitSettlement(ctx, managerActor, domain.SettlementSubmitRequest{
		BranchID:         mainBranch,
		StartDate:        "2024-01-01",
		EndDate:          "2024-01-31",
		SettlementTotals: domain.SettlementTotals{TotalRevenue: decimal.NewFromInt(999999)},
	})
	require.ErrorIs(t, err, ErrAlreadySubmitted)
	var already *AlreadySubmittedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, first.ID, already.Existing.ID)
	assert.True(t, already.Existing.TotalRevenue.Equal(decimal.NewFromInt(1000)))

	stored, err := svc.GetSettlement(ctx, mainBranch, "2024-01-01", "2024-01-31")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.TotalRevenue.Equal(decimal.NewFromInt(1000)))
}

func TestSubmitSettlementRejectsOverlapAndBadRange(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	submitJanuary(t, svc)

	_, err := svc.SubmitSettlement(ctx, managerActor, domain.SettlementSubmitRequest{
		BranchID: mainBranch, StartDate: "2024-01-31", EndDate: "2024-02-05",
	})
	assert.ErrorIs(t, err, ErrPeriodLocked)

	_, err = svc.SubmitSettlement(ctx, managerActor, domain.SettlementSubmitRequest{
		BranchID: mainBranch, StartDate: "2024-03-05", EndDate: "2024-03-01",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUnlockSettlementRequiresManager(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	submitJanuary(t, svc)
	rng := domain.SettlementRange{BranchID: mainBranch, StartDate: "2024-01-01", EndDate: "2024-01-31"}

	_, err := svc.UnlockSettlement(ctx, cashierActor, rng)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-after-unlock", "2024-01-15", line("prd-kopi-250", 1)))
	require.ErrorIs(t, err, ErrPeriodLocked)

	unlocked, err := svc.UnlockSettlement(ctx, managerActor, rng)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementUnlocked, unlocked.Status)
	assert.Equal(t, "manager", unlocked.UnlockedBy)
	require.NotNil(t, unlocked.UnlockedAt)

	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-after-unlock", "2024-01-15", line("prd-kopi-250", 1)))
	require.NoError(t, err)

	stored, err := svc.GetSettlement(ctx, mainBranch, "2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestUnlockSettlementErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	rng := domain.SettlementRange{BranchID: mainBranch, StartDate: "2024-01-01", EndDate: "2024-01-31"}

	_, err := svc.UnlockSettlement(ctx, adminActor, rng)
	require.ErrorIs(t, err, ErrNotFound)

	submitJanuary(t, svc)
	_, err = svc.UnlockSettlement(ctx, adminActor, rng)
	require.NoError(t, err)
	_, err = svc.UnlockSettlement(ctx, adminActor, rng)
	require.ErrorIs(t, err, ErrNotLocked)

	resubmitted := submitJanuary(t, svc)
	assert.Equal(t, domain.SettlementSubmitted, resubmitted.Status)
	assert.Empty(t, resubmitted.UnlockedBy)
}

func TestPreviewSettlementTotals(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	today := domain.FormatDate(time.Now().UTC())

	req := orderRequest("ord-preview-1", "", line("prd-kopi-250", 2))
	req.Payments = []domain.Payment{{Method: "cash", Amount: decimal.NewFromInt(90000)}}
	_, err := svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)

	req = orderRequest("ord-preview-2", "", line("prd-teh-25", 1))
	req.Payments = []domain.Payment{{Method: "card", Amount: decimal.NewFromInt(45000)}}
	_, err = svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)

	totals, err := svc.PreviewSettlement(ctx, domain.SettlementRange{BranchID: mainBranch, StartDate: today, EndDate: today}, decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.Equal(t, 2, totals.TotalOrders)
	assert.True(t, totals.TotalRevenue.Equal(decimal.NewFromInt(135000)))
	assert.True(t, totals.CashInDrawer.Equal(decimal.NewFromInt(90000)))
	assert.True(t, totals.TotalCOGS.Equal(decimal.NewFromInt(2*32000+7200)), "cogs %s", totals.TotalCOGS)
	assert.True(t, totals.GrossProfit.Equal(totals.TotalRevenue.Sub(totals.TotalCOGS)))
	assert.True(t, totals.NetProfit.Equal(totals.GrossProfit.Sub(decimal.NewFromInt(5000))))
}

func TestPreviewSettlementCountsCOGSByBusinessDate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-backdated", "2024-03-01", line("prd-kopi-250", 2)))
	require.NoError(t, err)
	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-next-day", "2024-03-02", line("prd-gula-1kg", 1)))
	require.NoError(t, err)
	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-voided", "2024-03-01", line("prd-teh-25", 1)))
	require.NoError(t, err)
	_, err = svc.UpdateOrder(ctx, managerActor, "ord-voided", domain.OrderUpdateRequest{Status: domain.OrderVoid})
	require.NoError(t, err)

	totals, err := svc.PreviewSettlement(ctx, domain.SettlementRange{BranchID: mainBranch, StartDate: "2024-03-01", EndDate: "2024-03-01"}, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.TotalOrders)
	assert.True(t, totals.TotalRevenue.Equal(decimal.NewFromInt(90000)), "revenue %s", totals.TotalRevenue)
	assert.True(t, totals.TotalCOGS.Equal(decimal.NewFromInt(2*32000)), "cogs %s", totals.TotalCOGS)
	assert.True(t, totals.GrossProfit.Equal(decimal.NewFromInt(90000-64000)), "gross %s", totals.GrossProfit)
}

func TestNegativePaymentsAreRejected(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	req := orderRequest("ord-neg-pay", "2024-03-01", line("prd-kopi-250", 1))
	req.Payments = []domain.Payment{{Method: "cash", Amount: decimal.NewFromInt(-45000)}}
	_, err := svc.SubmitOrder(ctx, cashierActor, req)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 100, stockOf(t, repo, "prd-kopi-250", mainBranch))

	req = orderRequest("ord-pay-later", "2024-03-01", line("prd-kopi-250", 1))
	req.Payments = nil
	_, err = svc.SubmitOrder(ctx, cashierActor, req)
	require.NoError(t, err)

	negative := []domain.Payment{{Method: "cash", Amount: decimal.NewFromInt(-1)}}
	_, err = svc.UpdateOrder(ctx, cashierActor, "ord-pay-later", domain.OrderUpdateRequest{Payments: &negative})
	require.ErrorIs(t, err, ErrValidation)

	order, err := svc.GetOrder(ctx, "ord-pay-later")
	require.NoError(t, err)
	assert.True(t, order.PaidAmount.IsZero())
}

func TestCrossOrderedLinesSettleConcurrently(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest(fmt.Sprintf("ord-ab-%d", i), "2024-03-01", line("prd-kopi-250", 1), line("prd-gula-1kg", 1)))
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest(fmt.Sprintf("ord-ba-%d", i), "2024-03-01", line("prd-gula-1kg", 1), line("prd-kopi-250", 1)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 80, stockOf(t, repo, "prd-kopi-250", mainBranch))
	assert.Equal(t, 80, stockOf(t, repo, "prd-gula-1kg", mainBranch))
}

func TestStockInStatusTransitions(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()
	req := domain.StockInSubmitRequest{
		ID:        "si-flow",
		ProductID: "prd-susu-1l",
		BranchID:  mainBranch,
		Quantity:  12,
		TotalCost: decimal.NewFromInt(192000),
		Status:    domain.StockInPending,
	}

	res, err := svc.SubmitStockIn(ctx, adminActor, req)
	require.NoError(t, err)
	assert.True(t, res.StockIn.UnitCost.Equal(decimal.NewFromInt(16000)))
	assert.Equal(t, 100, stockOf(t, repo, "prd-susu-1l", mainBranch))

	req.Status = domain.StockInCompleted
	_, err = svc.SubmitStockIn(ctx, adminActor, req)
	require.NoError(t, err)
	assert.Equal(t, 112, stockOf(t, repo, "prd-susu-1l", mainBranch))
	layers, err := repo.ListCostLayers(ctx, "prd-susu-1l", mainBranch)
	require.NoError(t, err)
	require.Len(t, layers, 2)

	_, err = svc.SubmitStockIn(ctx, adminActor, req)
	require.NoError(t, err)
	assert.Equal(t, 112, stockOf(t, repo, "prd-susu-1l", mainBranch))

	req.Status = domain.StockInVoid
	res, err = svc.SubmitStockIn(ctx, adminActor, req)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, domain.WarningLayerNotReversed, res.Warnings[0].Code)
	assert.Equal(t, 100, stockOf(t, repo, "prd-susu-1l", mainBranch))
	layers, err = repo.ListCostLayers(ctx, "prd-susu-1l", mainBranch)
	require.NoError(t, err)
	assert.Len(t, layers, 2)

	stored, err := svc.GetStockIn(ctx, "si-flow")
	require.NoError(t, err)
	assert.Equal(t, domain.StockInVoid, stored.Status)
}

func TestStockInResubmissionKeepsQuantity(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	req := domain.StockInSubmitRequest{
		ID: "si-fixed", ProductID: "prd-teh-25", BranchID: mainBranch, Quantity: 5,
		UnitCost: decimal.NewFromInt(7000), Status: domain.StockInPending,
	}
	_, err := svc.SubmitStockIn(ctx, adminActor, req)
	require.NoError(t, err)

	req.Quantity = 50
	req.Status = domain.StockInCompleted
	res, err := svc.SubmitStockIn(ctx, adminActor, req)
	require.NoError(t, err)
	assert.Equal(t, 5, res.StockIn.Quantity)
	assert.Equal(t, 105, stockOf(t, repo, "prd-teh-25", mainBranch))
}

func TestSubmitTransferMovesStockAndCost(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	res, err := svc.SubmitTransfer(ctx, managerActor, domain.TransferRequest{
		ID:           "trf-1",
		ProductID:    "prd-kopi-250",
		FromBranchID: mainBranch,
		ToBranchID:   "north-branch",
		Quantity:     10,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.True(t, res.Transfer.UnitCost.Equal(decimal.NewFromInt(32000)))
	assert.Equal(t, 90, stockOf(t, repo, "prd-kopi-250", mainBranch))
	assert.Equal(t, 10, stockOf(t, repo, "prd-kopi-250", "north-branch"))

	layers, err := repo.ListCostLayers(ctx, "prd-kopi-250", "north-branch")
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, 10, layers[0].RemainingQty)
	assert.Equal(t, domain.LayerSourceTransfer, layers[0].SourceType)

	entries, err := repo.ListCOGSEntries(ctx, "prd-kopi-250", "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = svc.SubmitTransfer(ctx, managerActor, domain.TransferRequest{
		ID: "trf-1", ProductID: "prd-kopi-250", FromBranchID: mainBranch, ToBranchID: "north-branch", Quantity: 1,
	})
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 90, stockOf(t, repo, "prd-kopi-250", mainBranch))
}

func TestSubmitTransferRejectsUntrackedAndSameBranch(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.SubmitTransfer(ctx, managerActor, domain.TransferRequest{
		ID: "trf-svc", ProductID: "svc-servis", FromBranchID: mainBranch, ToBranchID: "north-branch", Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.SubmitTransfer(ctx, managerActor, domain.TransferRequest{
		ID: "trf-same", ProductID: "prd-kopi-250", FromBranchID: mainBranch, ToBranchID: mainBranch, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

type recordingCache struct {
	mu          sync.Mutex
	rows        map[string][]domain.COGSSummaryRow
	invalidated []string
}

func (c *recordingCache) Get(_ context.Context, key string) ([]domain.COGSSummaryRow, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, ok := c.rows[key]
	return rows, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, rows []domain.COGSSummaryRow, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		c.rows = make(map[string][]domain.COGSSummaryRow)
	}
	c.rows[key] = rows
	return nil
}

func (c *recordingCache) InvalidateBranch(_ context.Context, branchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, branchID)
	c.rows = nil
	return nil
}

func TestCOGSSummaryUsesCacheAndInvalidatesOnOrder(t *testing.T) {
	ctx := context.Background()
	summaries := &recordingCache{}
	svc := New(memory.NewSeeded(), Options{SummaryCache: summaries})

	_, err := svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-cache-1", "", line("prd-kopi-250", 1)))
	require.NoError(t, err)
	assert.Equal(t, []string{mainBranch}, summaries.invalidated)

	rows, err := svc.COGSSummary(ctx, "", "", mainBranch)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalCOGS.Equal(decimal.NewFromInt(32000)))
	assert.Len(t, summaries.rows, 1)

	_, err = svc.SubmitOrder(ctx, cashierActor, orderRequest("ord-cache-2", "", line("prd-kopi-250", 1)))
	require.NoError(t, err)
	rows, err = svc.COGSSummary(ctx, "", "", mainBranch)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].TotalCOGS.Equal(decimal.NewFromInt(64000)))

	_, err = svc.COGSSummary(ctx, "2024-02-01", "2024-01-01", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	req := domain.ProductCreateRequest{ID: "prd-roti", SKU: "roti-01", Name: "Roti Tawar", Price: decimal.NewFromInt(15000)}

	_, err := svc.CreateProduct(ctx, cashierActor, req)
	require.ErrorIs(t, err, ErrForbidden)

	created, err := svc.CreateProduct(ctx, adminActor, req)
	require.NoError(t, err)
	assert.Equal(t, "ROTI-01", created.SKU)
	assert.True(t, created.TrackStock)

	_, err = svc.CreateProduct(ctx, adminActor, req)
	assert.ErrorIs(t, err, ErrDuplicate)
}
