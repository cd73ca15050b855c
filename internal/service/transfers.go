package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/ledger"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
)

// SubmitTransfer moves stock between branches. Source layers are consumed and
// the destination receives one TRANSFER layer at the consumed average cost;
// no COGS is logged.
func (s *Service) SubmitTransfer(ctx context.Context, actor domain.Actor, req domain.TransferRequest) (domain.TransferResult, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.FromBranchID = strings.TrimSpace(req.FromBranchID)
	req.ToBranchID = strings.TrimSpace(req.ToBranchID)
	if err := s.validate.Struct(req); err != nil {
		return domain.TransferResult{}, describeValidation(err)
	}
	method, err := s.costingMethod(req.CostingMethod)
	if err != nil {
		return domain.TransferResult{}, err
	}

	var (
		transfer domain.Transfer
		warnings []domain.Warning
	)
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		product, err := tx.GetProductForUpdate(ctx, req.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return validationError("unknown product %s", req.ProductID)
		}
		if err != nil {
			return fmt.Errorf("load product: %w", err)
		}
		if !product.TrackStock {
			return validationError("product %s does not track stock", product.ID)
		}

		if _, err := s.ledger.AdjustStock(ctx, tx, ledger.StockChange{
			ProductID:     product.ID,
			BranchID:      req.FromBranchID,
			Delta:         -req.Quantity,
			ReferenceType: domain.MovementTransferOut,
			ReferenceID:   req.ID,
			Actor:         actor.Username,
		}); err != nil {
			return err
		}
		consumed, err := s.ledger.ConsumeLayers(ctx, tx, product.ID, req.FromBranchID, req.Quantity, method)
		if err != nil {
			return err
		}
		if _, err := s.ledger.AddLayer(ctx, tx, ledger.LayerInput{
			ProductID:  product.ID,
			BranchID:   req.ToBranchID,
			Qty:        consumed.ConsumedQty,
			UnitCost:   consumed.UnitCost(),
			SourceType: domain.LayerSourceTransfer,
			SourceID:   req.ID,
		}); err != nil {
			return err
		}
		if _, err := s.ledger.AdjustStock(ctx, tx, ledger.StockChange{
			ProductID:     product.ID,
			BranchID:      req.ToBranchID,
			Delta:         req.Quantity,
			ReferenceType: domain.MovementTransferIn,
			ReferenceID:   req.ID,
			Actor:         actor.Username,
		}); err != nil {
			return err
		}
		if consumed.PartiallyCosted {
			warnings = append(warnings, domain.Warning{
				Code:      domain.WarningPartiallyCosted,
				Message:   fmt.Sprintf("%d of %d units left %s without a cost layer", consumed.Shortfall, req.Quantity, req.FromBranchID),
				ProductID: product.ID,
			})
		}

		transfer = domain.Transfer{
			ID:           req.ID,
			ProductID:    product.ID,
			FromBranchID: req.FromBranchID,
			ToBranchID:   req.ToBranchID,
			Quantity:     req.Quantity,
			UnitCost:     consumed.UnitCost().Round(4),
			PerformedBy:  actor.Username,
			CreatedAt:    s.now(),
		}
		if err := tx.InsertTransfer(ctx, transfer); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: transfer %s", ErrDuplicate, req.ID)
			}
			return fmt.Errorf("insert transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.TransferResult{}, err
	}

	s.logAudit(ctx, actor, transfer.FromBranchID, "transfer.create", "transfer", transfer.ID,
		fmt.Sprintf("%s x%d %s->%s", transfer.ProductID, transfer.Quantity, transfer.FromBranchID, transfer.ToBranchID))
	s.logger.Info("transfer submitted",
		zap.String("transfer_id", transfer.ID),
		zap.String("product_id", transfer.ProductID),
		zap.Int("quantity", transfer.Quantity),
	)
	return domain.TransferResult{Transfer: transfer, Warnings: warnings}, nil
}
