package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/ledger"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
)

// SubmitOrder settles a new order: lock check, uniqueness, stock decrement,
// layer consumption and COGS logging commit together or not at all.
func (s *Service) SubmitOrder(ctx context.Context, actor domain.Actor, req domain.OrderSubmitRequest) (domain.OrderResult, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	if err := s.validate.Struct(req); err != nil {
		return domain.OrderResult{}, describeValidation(err)
	}
	method, err := s.costingMethod(req.CostingMethod)
	if err != nil {
		return domain.OrderResult{}, err
	}

	order, err := s.buildOrder(actor, req)
	if err != nil {
		return domain.OrderResult{}, err
	}

	var warnings []domain.Warning
	touched := make([]string, 0, len(order.Items))
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockBranch(ctx, order.BranchID, false); err != nil {
			return fmt.Errorf("lock branch: %w", err)
		}
		if order.BusinessDate == "" {
			date, err := s.defaultBusinessDate(ctx, tx, order)
			if err != nil {
				return err
			}
			order.BusinessDate = date
		}
		if err := s.ensureUnlocked(ctx, tx, order.BranchID, order.BusinessDate); err != nil {
			return err
		}

		if _, err := tx.GetOrderForUpdate(ctx, order.ID); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateOrderID, order.ID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check order id: %w", err)
		}

		if err := lockProducts(ctx, tx, order.Items); err != nil {
			return err
		}
		for i := range order.Items {
			lineWarnings, err := s.settleLine(ctx, tx, actor, order.ID, &order.Items[i], method)
			if err != nil {
				return err
			}
			warnings = append(warnings, lineWarnings...)
			touched = append(touched, order.Items[i].SourceBranchID)
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: %s", ErrDuplicateOrderID, order.ID)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		// A settlement may have been submitted while this transaction ran on a
		// store without branch locks; re-read before commit.
		return s.ensureUnlocked(ctx, tx, order.BranchID, order.BusinessDate)
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	s.invalidateSummaries(ctx, touched...)
	s.logger.Info("order submitted",
		zap.String("order_id", order.ID),
		zap.String("branch_id", order.BranchID),
		zap.String("business_date", order.BusinessDate),
		zap.String("status", string(order.Status)),
		zap.String("total", order.Total.String()),
		zap.Int("warnings", len(warnings)),
	)
	return domain.OrderResult{Order: order, Warnings: warnings}, nil
}

func (s *Service) buildOrder(actor domain.Actor, req domain.OrderSubmitRequest) (domain.Order, error) {
	createdAt := s.now()
	if req.CreatedAt != nil && !req.CreatedAt.IsZero() {
		createdAt = req.CreatedAt.UTC()
	}

	lines := make([]domain.OrderLine, 0, len(req.Items))
	for i, item := range req.Items {
		if item.Price.IsNegative() || item.Discount.IsNegative() {
			return domain.Order{}, validationError("items[%d]: price and discount must not be negative", i)
		}
		if item.Cost != nil && item.Cost.IsNegative() {
			return domain.Order{}, validationError("items[%d]: cost must not be negative", i)
		}
		line := domain.OrderLine{
			OrderID:        req.ID,
			LineNo:         i + 1,
			ProductID:      strings.TrimSpace(item.ProductID),
			SKU:            strings.TrimSpace(item.SKU),
			Name:           strings.TrimSpace(item.Name),
			Quantity:       item.Quantity,
			Price:          item.Price,
			Discount:       item.Discount,
			SourceBranchID: defaultString(item.SourceBranchID, req.BranchID),
			IsReturn:       item.IsReturn,
		}
		if item.Cost != nil {
			line.Cost = *item.Cost
		}
		lines = append(lines, line)
	}

	if err := checkPayments(req.Payments); err != nil {
		return domain.Order{}, err
	}
	payments := normalizePayments(req.Payments)
	order := domain.Order{
		ID:            req.ID,
		BranchID:      req.BranchID,
		CustomerID:    strings.TrimSpace(req.CustomerID),
		Items:         lines,
		Subtotal:      req.Subtotal,
		TotalDiscount: req.TotalDiscount,
		TaxRate:       req.TaxRate,
		TaxAmount:     req.TaxAmount,
		Total:         req.Total,
		Payments:      payments,
		PaidAmount:    sumPayments(payments),
		Status:        req.Status,
		BusinessDate:  req.BusinessDate,
		CashierName:   defaultString(req.CashierName, actor.Username),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	fillTotals(&order)

	if order.Status == "" || order.Status == domain.OrderPending {
		order.Status = domain.OrderCompleted
		if order.PaidAmount.LessThan(order.Total) {
			order.Status = domain.OrderPartial
		}
	}
	return order, nil
}

// fillTotals derives totals the caller left at zero. Refund lines count
// negatively.
func fillTotals(order *domain.Order) {
	subtotal := decimal.Zero
	discount := decimal.Zero
	for _, line := range order.Items {
		qty := decimal.NewFromInt(int64(line.Quantity)).Mul(line.Sign())
		subtotal = subtotal.Add(line.Price.Mul(qty))
		discount = discount.Add(line.Discount.Mul(qty))
	}
	if order.Subtotal.IsZero() {
		order.Subtotal = subtotal
	}
	if order.TotalDiscount.IsZero() {
		order.TotalDiscount = discount
	}
	if order.TaxAmount.IsZero() && order.TaxRate.IsPositive() {
		order.TaxAmount = order.Subtotal.Sub(order.TotalDiscount).Mul(order.TaxRate).Div(decimal.NewFromInt(100)).Round(2)
	}
	if order.Total.IsZero() {
		order.Total = order.Subtotal.Sub(order.TotalDiscount).Add(order.TaxAmount)
	}
}

// defaultBusinessDate is the creation date, pushed past the latest submitted
// period of the branch when that period already covers it.
func (s *Service) defaultBusinessDate(ctx context.Context, tx store.Tx, order domain.Order) (string, error) {
	date := domain.FormatDate(order.CreatedAt)
	latestEnd, ok, err := tx.LatestLockedEnd(ctx, order.BranchID)
	if err != nil {
		return "", fmt.Errorf("read latest settlement: %w", err)
	}
	if ok && date <= latestEnd {
		date = domain.NextDate(latestEnd)
	}
	return date, nil
}

// settleLine applies the stock, layer and COGS effects of one line and fixes
// its historical unit cost.
func (s *Service) settleLine(ctx context.Context, tx store.Tx, actor domain.Actor, orderID string, line *domain.OrderLine, method domain.CostingMethod) ([]domain.Warning, error) {
	product, err := tx.GetProductForUpdate(ctx, line.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validationError("items[%d]: unknown product %s", line.LineNo-1, line.ProductID)
	}
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", line.ProductID, err)
	}
	if line.SKU == "" {
		line.SKU = product.SKU
	}
	if line.Name == "" {
		line.Name = product.Name
	}
	if line.Cost.IsZero() {
		line.Cost = product.Cost
	}
	if !product.TrackStock {
		return nil, nil
	}

	if line.IsReturn {
		_, err := s.ledger.AdjustStock(ctx, tx, ledger.StockChange{
			ProductID:     product.ID,
			BranchID:      line.SourceBranchID,
			Delta:         line.Quantity,
			ReferenceType: domain.MovementReturn,
			ReferenceID:   orderID,
			Actor:         actor.Username,
		})
		return nil, err
	}

	if _, err := s.ledger.AdjustStock(ctx, tx, ledger.StockChange{
		ProductID:     product.ID,
		BranchID:      line.SourceBranchID,
		Delta:         -line.Quantity,
		ReferenceType: domain.MovementSale,
		ReferenceID:   orderID,
		Actor:         actor.Username,
	}); err != nil {
		return nil, err
	}

	consumed, err := s.ledger.ConsumeLayers(ctx, tx, product.ID, line.SourceBranchID, line.Quantity, method)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.LogConsumption(ctx, tx, ledger.ConsumptionEvent{
		ProductID:  product.ID,
		BranchID:   line.SourceBranchID,
		Qty:        line.Quantity,
		TotalCost:  consumed.TotalCost,
		SourceType: domain.COGSSourceSale,
		SourceID:   orderID,
	}); err != nil {
		return nil, err
	}

	if consumed.ConsumedQty > 0 {
		line.Cost = consumed.UnitCost().Round(4)
	}
	if consumed.PartiallyCosted {
		return []domain.Warning{{
			Code:      domain.WarningPartiallyCosted,
			Message:   fmt.Sprintf("%d of %d units had no cost layer at branch %s", consumed.Shortfall, line.Quantity, line.SourceBranchID),
			ProductID: product.ID,
		}}, nil
	}
	return nil, nil
}

// UpdateOrder changes status, business date and/or payments of an existing
// order. Both the current and the new business date must be unlocked.
func (s *Service) UpdateOrder(ctx context.Context, actor domain.Actor, id string, req domain.OrderUpdateRequest) (domain.OrderResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.OrderResult{}, validationError("order id is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.OrderResult{}, describeValidation(err)
	}

	var (
		order    domain.Order
		warnings []domain.Warning
		voided   bool
	)
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetOrderForUpdate(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		order = *current

		if err := tx.LockBranch(ctx, order.BranchID, false); err != nil {
			return fmt.Errorf("lock branch: %w", err)
		}
		if err := s.ensureUnlocked(ctx, tx, order.BranchID, order.BusinessDate); err != nil {
			return err
		}
		if req.BusinessDate != "" && req.BusinessDate != order.BusinessDate {
			if err := s.ensureUnlocked(ctx, tx, order.BranchID, req.BusinessDate); err != nil {
				return err
			}
			order.BusinessDate = req.BusinessDate
		}
		if order.Status == domain.OrderVoid {
			return fmt.Errorf("%w: order %s is void", ErrInvalidTransition, order.ID)
		}

		if req.Payments != nil {
			if err := checkPayments(*req.Payments); err != nil {
				return err
			}
			order.Payments = normalizePayments(*req.Payments)
			order.PaidAmount = sumPayments(order.Payments)
		}

		switch {
		case req.Status == "" || req.Status == order.Status:
		case req.Status == domain.OrderVoid:
			if err := lockProducts(ctx, tx, order.Items); err != nil {
				return err
			}
			warnings, err = s.restoreOrderStock(ctx, tx, actor, order)
			if err != nil {
				return err
			}
			order.Status = domain.OrderVoid
			voided = true
		case req.Status == domain.OrderCompleted && order.Status == domain.OrderPartial:
			if order.PaidAmount.LessThan(order.Total) {
				return validationError("paid amount %s is below total %s", order.PaidAmount, order.Total)
			}
			order.Status = domain.OrderCompleted
		default:
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, req.Status)
		}

		order.UpdatedAt = s.now()
		if err := tx.UpdateOrderHeader(ctx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return s.ensureUnlocked(ctx, tx, order.BranchID, order.BusinessDate)
	})
	if err != nil {
		return domain.OrderResult{}, err
	}

	if voided {
		s.logAudit(ctx, actor, order.BranchID, "order.void", "order", order.ID, fmt.Sprintf("business_date=%s total=%s", order.BusinessDate, order.Total))
		s.logger.Info("order voided", zap.String("order_id", order.ID), zap.Int("cogs_not_reversed", len(warnings)))
	}
	return domain.OrderResult{Order: order, Warnings: warnings}, nil
}

// lockProducts takes the row locks for every product on the order in ID order,
// so concurrent orders listing the same products in different orders queue
// instead of deadlocking. Unknown products are left for the line to report.
func lockProducts(ctx context.Context, tx store.Tx, lines []domain.OrderLine) error {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		if _, err := tx.GetProductForUpdate(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lock product %s: %w", id, err)
		}
	}
	return nil
}

func checkPayments(payments []domain.Payment) error {
	for i, p := range payments {
		if p.Amount.IsNegative() {
			return validationError("payments[%d]: amount must not be negative", i)
		}
	}
	return nil
}

// restoreOrderStock undoes the stock effect of every tracked line. Logged COGS
// stays in place; each affected sale line yields a COGS_NOT_REVERSED warning.
func (s *Service) restoreOrderStock(ctx context.Context, tx store.Tx, actor domain.Actor, order domain.Order) ([]domain.Warning, error) {
	var warnings []domain.Warning
	for _, line := range order.Items {
		if line.Quantity <= 0 {
			continue
		}
		change := ledger.StockChange{
			ProductID:     line.ProductID,
			BranchID:      defaultString(line.SourceBranchID, order.BranchID),
			Delta:         line.Quantity,
			ReferenceType: domain.MovementVoid,
			ReferenceID:   order.ID,
			Actor:         actor.Username,
		}
		if line.IsReturn {
			change.Delta = -line.Quantity
			change.ReferenceType = domain.MovementReturnVoid
		}
		movement, err := s.ledger.AdjustStock(ctx, tx, change)
		if errors.Is(err, store.ErrNotFound) {
			// The product was removed from the catalog after the sale.
			s.logger.Warn("void skipped missing product", zap.String("order_id", order.ID), zap.String("product_id", line.ProductID))
			continue
		}
		if err != nil {
			return nil, err
		}
		if movement != nil && !line.IsReturn {
			warnings = append(warnings, domain.Warning{
				Code:      domain.WarningCogsNotReversed,
				Message:   fmt.Sprintf("stock restored for %d units; the sale COGS entry was kept", line.Quantity),
				ProductID: line.ProductID,
			})
		}
	}
	return warnings, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}
