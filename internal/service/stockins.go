package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/ledger"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
)

// SubmitStockIn creates or resubmits a receipt. Only the status transition
// between the stored and submitted record moves stock and layers; product,
// branch, quantity and cost of an existing record never change.
func (s *Service) SubmitStockIn(ctx context.Context, actor domain.Actor, req domain.StockInSubmitRequest) (domain.StockInResult, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	if err := s.validate.Struct(req); err != nil {
		return domain.StockInResult{}, describeValidation(err)
	}
	if req.UnitCost.IsNegative() || req.TotalCost.IsNegative() {
		return domain.StockInResult{}, validationError("unit_cost and total_cost must not be negative")
	}
	qty := decimal.NewFromInt(int64(req.Quantity))
	if req.UnitCost.IsZero() && req.TotalCost.IsPositive() {
		req.UnitCost = req.TotalCost.Div(qty)
	}
	if req.TotalCost.IsZero() {
		req.TotalCost = req.UnitCost.Mul(qty)
	}
	if req.Date == "" {
		req.Date = domain.FormatDate(s.now())
	}

	var (
		record   domain.StockIn
		warnings []domain.Warning
		previous domain.StockInStatus
		created  bool
	)
	err := s.repo.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetStockInForUpdate(ctx, req.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load stock-in: %w", err)
		}

		productID := req.ProductID
		if existing != nil {
			productID = existing.ProductID
		}
		product, err := tx.GetProductForUpdate(ctx, productID)
		if errors.Is(err, store.ErrNotFound) {
			return validationError("unknown product %s", productID)
		}
		if err != nil {
			return fmt.Errorf("load product: %w", err)
		}

		now := s.now()
		if existing == nil {
			created = true
			record = domain.StockIn{
				ID:            req.ID,
				ProductID:     req.ProductID,
				BranchID:      req.BranchID,
				Quantity:      req.Quantity,
				UnitCost:      req.UnitCost,
				TotalCost:     req.TotalCost,
				Status:        req.Status,
				SupplierID:    strings.TrimSpace(req.SupplierID),
				SupplierName:  strings.TrimSpace(req.SupplierName),
				SupplierDocNo: strings.TrimSpace(req.SupplierDocNo),
				BatchID:       strings.TrimSpace(req.BatchID),
				PerformedBy:   defaultString(req.PerformedBy, actor.Username),
				Date:          req.Date,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.InsertStockIn(ctx, record); err != nil {
				return fmt.Errorf("insert stock-in: %w", err)
			}
			if record.Status == domain.StockInCompleted && product.TrackStock {
				return s.receiveStock(ctx, tx, actor, record)
			}
			return nil
		}

		record = *existing
		previous = existing.Status
		if req.ProductID != existing.ProductID || req.BranchID != existing.BranchID || req.Quantity != existing.Quantity {
			s.logger.Warn("stock-in resubmission changed immutable fields; keeping stored values",
				zap.String("stock_in_id", existing.ID))
		}
		record.Status = req.Status
		record.SupplierID = strings.TrimSpace(req.SupplierID)
		record.SupplierName = strings.TrimSpace(req.SupplierName)
		record.SupplierDocNo = strings.TrimSpace(req.SupplierDocNo)
		record.BatchID = strings.TrimSpace(req.BatchID)
		record.PerformedBy = defaultString(req.PerformedBy, existing.PerformedBy)
		record.Date = req.Date
		record.UpdatedAt = now
		if err := tx.UpdateStockIn(ctx, record); err != nil {
			return fmt.Errorf("update stock-in: %w", err)
		}
		if !product.TrackStock {
			return nil
		}

		switch {
		case previous != domain.StockInCompleted && record.Status == domain.StockInCompleted:
			return s.receiveStock(ctx, tx, actor, record)
		case previous == domain.StockInCompleted && record.Status != domain.StockInCompleted:
			if _, err := s.ledger.AdjustStock(ctx, tx, ledger.StockChange{
				ProductID:     record.ProductID,
				BranchID:      record.BranchID,
				Delta:         -record.Quantity,
				ReferenceType: domain.MovementStockInVoid,
				ReferenceID:   record.ID,
				Actor:         actor.Username,
			}); err != nil {
				return err
			}
			warnings = append(warnings, domain.Warning{
				Code:      domain.WarningLayerNotReversed,
				Message:   fmt.Sprintf("stock reduced by %d; the receipt's cost layer was kept", record.Quantity),
				ProductID: record.ProductID,
			})
		}
		return nil
	})
	if err != nil {
		return domain.StockInResult{}, err
	}

	if !created && previous != record.Status {
		s.logAudit(ctx, actor, record.BranchID, "stock_in.status", "stock_in", record.ID, fmt.Sprintf("%s->%s", previous, record.Status))
	}
	s.logger.Info("stock-in submitted",
		zap.String("stock_in_id", record.ID),
		zap.String("product_id", record.ProductID),
		zap.String("branch_id", record.BranchID),
		zap.String("status", string(record.Status)),
		zap.Bool("created", created),
	)
	return domain.StockInResult{StockIn: record, Warnings: warnings}, nil
}

// receiveStock books a completed receipt: stock up and one fresh cost layer.
func (s *Service) receiveStock(ctx context.Context, tx store.Tx, actor domain.Actor, record domain.StockIn) error {
	if _, err := s.ledger.AdjustStock(ctx, tx, ledger.StockChange{
		ProductID:     record.ProductID,
		BranchID:      record.BranchID,
		Delta:         record.Quantity,
		ReferenceType: domain.MovementStockIn,
		ReferenceID:   record.ID,
		Actor:         actor.Username,
	}); err != nil {
		return err
	}
	_, err := s.ledger.AddLayer(ctx, tx, ledger.LayerInput{
		ProductID:  record.ProductID,
		BranchID:   record.BranchID,
		Qty:        record.Quantity,
		UnitCost:   record.UnitCost,
		SourceType: domain.LayerSourceStockIn,
		SourceID:   record.ID,
	})
	return err
}

func (s *Service) GetStockIn(ctx context.Context, id string) (domain.StockIn, error) {
	record, err := s.repo.GetStockIn(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) {
		return domain.StockIn{}, fmt.Errorf("%w: stock-in %s", ErrNotFound, id)
	}
	if err != nil {
		return domain.StockIn{}, err
	}
	return *record, nil
}
