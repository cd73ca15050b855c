package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/lock"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
	"github.com/billexhk/POSONLINE-sub002/internal/xid"
)

// SubmitSettlement locks a branch period. A period that is already submitted
// fails with *AlreadySubmittedError carrying the stored row unchanged.
func (s *Service) SubmitSettlement(ctx context.Context, actor domain.Actor, req domain.SettlementSubmitRequest) (domain.DailySettlement, error) {
	req.BranchID = strings.TrimSpace(req.BranchID)
	if err := s.validate.Struct(req); err != nil {
		return domain.DailySettlement{}, describeValidation(err)
	}
	if req.StartDate > req.EndDate {
		return domain.DailySettlement{}, validationError("start_date %s is after end_date %s", req.StartDate, req.EndDate)
	}

	release, err := s.acquireBranch(ctx, req.BranchID)
	if err != nil {
		return domain.DailySettlement{}, err
	}
	defer release()

	var saved domain.DailySettlement
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockBranch(ctx, req.BranchID, true); err != nil {
			return fmt.Errorf("lock branch: %w", err)
		}

		existing, err := tx.GetSettlementForUpdate(ctx, req.BranchID, req.StartDate, req.EndDate)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load settlement: %w", err)
		}
		if existing != nil && existing.Status == domain.SettlementSubmitted {
			return &AlreadySubmittedError{Existing: *existing}
		}

		overlapping, err := tx.ListOverlappingSubmitted(ctx, req.BranchID, req.StartDate, req.EndDate)
		if err != nil {
			return fmt.Errorf("check overlapping settlements: %w", err)
		}
		if len(overlapping) > 0 {
			other := overlapping[0]
			return &PeriodLockedError{BranchID: req.BranchID, BusinessDate: max(req.StartDate, other.StartDate), Settlement: other}
		}

		now := s.now()
		saved = domain.DailySettlement{
			ID:               xid.New("stl"),
			BranchID:         req.BranchID,
			StartDate:        req.StartDate,
			EndDate:          req.EndDate,
			SettlementTotals: req.SettlementTotals,
			Status:           domain.SettlementSubmitted,
			CreatedBy:        defaultString(req.CreatedBy, actor.Username),
			SubmittedAt:      &now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if existing != nil {
			saved.ID = existing.ID
			saved.CreatedAt = existing.CreatedAt
		}
		return tx.SaveSettlement(ctx, saved)
	})
	if err != nil {
		return domain.DailySettlement{}, err
	}

	s.logAudit(ctx, actor, saved.BranchID, "settlement.submit", "settlement", saved.ID, saved.StartDate+".."+saved.EndDate)
	s.logger.Info("settlement submitted",
		zap.String("branch_id", saved.BranchID),
		zap.String("start_date", saved.StartDate),
		zap.String("end_date", saved.EndDate),
		zap.String("by", saved.CreatedBy),
	)
	return saved, nil
}

// UnlockSettlement reopens a submitted period. Only managers and admins may
// unlock; the role is checked before anything is read.
func (s *Service) UnlockSettlement(ctx context.Context, actor domain.Actor, req domain.SettlementRange) (domain.DailySettlement, error) {
	if !actor.HasRole(domain.RoleManager, domain.RoleAdmin) {
		return domain.DailySettlement{}, fmt.Errorf("%w: role %q cannot unlock settlements", ErrForbidden, actor.Role)
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if err := s.validate.Struct(req); err != nil {
		return domain.DailySettlement{}, describeValidation(err)
	}

	release, err := s.acquireBranch(ctx, req.BranchID)
	if err != nil {
		return domain.DailySettlement{}, err
	}
	defer release()

	var unlocked domain.DailySettlement
	err = s.repo.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockBranch(ctx, req.BranchID, true); err != nil {
			return fmt.Errorf("lock branch: %w", err)
		}
		row, err := tx.GetSettlementForUpdate(ctx, req.BranchID, req.StartDate, req.EndDate)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: settlement %s %s to %s", ErrNotFound, req.BranchID, req.StartDate, req.EndDate)
		}
		if err != nil {
			return fmt.Errorf("load settlement: %w", err)
		}
		if row.Status != domain.SettlementSubmitted {
			return fmt.Errorf("%w: status is %s", ErrNotLocked, row.Status)
		}

		now := s.now()
		row.Status = domain.SettlementUnlocked
		row.UnlockedBy = actor.Username
		row.UnlockedAt = &now
		row.UpdatedAt = now
		unlocked = *row
		return tx.SaveSettlement(ctx, unlocked)
	})
	if err != nil {
		return domain.DailySettlement{}, err
	}

	s.logAudit(ctx, actor, unlocked.BranchID, "settlement.unlock", "settlement", unlocked.ID, unlocked.StartDate+".."+unlocked.EndDate)
	s.logger.Info("settlement unlocked",
		zap.String("branch_id", unlocked.BranchID),
		zap.String("start_date", unlocked.StartDate),
		zap.String("end_date", unlocked.EndDate),
		zap.String("by", actor.Username),
	)
	return unlocked, nil
}

// GetSettlement returns the submitted row covering the whole range, or nil.
func (s *Service) GetSettlement(ctx context.Context, branchID string, startDate string, endDate string) (*domain.DailySettlement, error) {
	if err := s.validate.Struct(domain.SettlementRange{BranchID: branchID, StartDate: startDate, EndDate: endDate}); err != nil {
		return nil, describeValidation(err)
	}
	return s.repo.FindSubmittedSettlement(ctx, branchID, startDate, endDate)
}

func (s *Service) ListSettlements(ctx context.Context, branchID string) ([]domain.DailySettlement, error) {
	return s.repo.ListSettlements(ctx, strings.TrimSpace(branchID))
}

// PreviewSettlement computes period totals from the orders whose business
// date falls in the range and the COGS rows those orders wrote.
func (s *Service) PreviewSettlement(ctx context.Context, rng domain.SettlementRange, expenses decimal.Decimal) (domain.SettlementTotals, error) {
	if err := s.validate.Struct(rng); err != nil {
		return domain.SettlementTotals{}, describeValidation(err)
	}
	if rng.StartDate > rng.EndDate {
		return domain.SettlementTotals{}, validationError("start_date %s is after end_date %s", rng.StartDate, rng.EndDate)
	}

	orders, err := s.repo.ListOrdersByBusinessDate(ctx, rng.BranchID, rng.StartDate, rng.EndDate)
	if err != nil {
		return domain.SettlementTotals{}, err
	}
	totals := domain.SettlementTotals{
		TotalRevenue:  decimal.Zero,
		CashInDrawer:  decimal.Zero,
		TotalCOGS:     decimal.Zero,
		TotalExpenses: expenses,
	}
	orderIDs := make([]string, 0, len(orders))
	for _, order := range orders {
		if order.Status == domain.OrderVoid {
			continue
		}
		orderIDs = append(orderIDs, order.ID)
		totals.TotalOrders++
		totals.TotalRevenue = totals.TotalRevenue.Add(order.Total)
		for _, p := range order.Payments {
			if p.Method == "cash" {
				totals.CashInDrawer = totals.CashInDrawer.Add(p.Amount)
			}
		}
	}

	// COGS follows the orders' business dates, not the day the log rows were written.
	cogs, err := s.repo.SumCOGSBySource(ctx, domain.COGSSourceSale, orderIDs)
	if err != nil {
		return domain.SettlementTotals{}, fmt.Errorf("sum order cogs: %w", err)
	}
	totals.TotalCOGS = cogs
	totals.GrossProfit = totals.TotalRevenue.Sub(totals.TotalCOGS)
	totals.NetProfit = totals.GrossProfit.Sub(totals.TotalExpenses)
	return totals, nil
}

func (s *Service) acquireBranch(ctx context.Context, branchID string) (func(), error) {
	release, err := s.locker.Acquire(ctx, branchID)
	if errors.Is(err, lock.ErrBusy) {
		return nil, fmt.Errorf("%w: %s", ErrBranchBusy, branchID)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}
