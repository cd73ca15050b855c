package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/cache"
	"github.com/billexhk/POSONLINE-sub002/internal/domain"
)

// COGSSummary aggregates SALE entries per branch over [startDate, endDate].
// Empty bounds are open; an empty branch means every branch.
func (s *Service) COGSSummary(ctx context.Context, startDate string, endDate string, branchID string) ([]domain.COGSSummaryRow, error) {
	startDate = strings.TrimSpace(startDate)
	endDate = strings.TrimSpace(endDate)
	branchID = strings.TrimSpace(branchID)
	for _, raw := range []string{startDate, endDate} {
		if raw == "" {
			continue
		}
		if _, err := domain.ParseDate(raw); err != nil {
			return nil, validationError("invalid date %q", raw)
		}
	}
	if startDate != "" && endDate != "" && startDate > endDate {
		return nil, validationError("start date %s is after end date %s", startDate, endDate)
	}

	key := cache.SummaryKey(startDate, endDate, branchID)
	if rows, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("read cogs summary cache", zap.String("key", key), zap.Error(err))
	} else if ok {
		return rows, nil
	}

	rows, err := s.repo.SummarizeCOGS(ctx, startDate, endDate, branchID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, rows, s.summaryTTL); err != nil {
		s.logger.Warn("write cogs summary cache", zap.String("key", key), zap.Error(err))
	}
	return rows, nil
}

func (s *Service) ListCostLayers(ctx context.Context, productID string, branchID string) ([]domain.CostLayer, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, validationError("product_id is required")
	}
	return s.repo.ListCostLayers(ctx, productID, strings.TrimSpace(branchID))
}

func (s *Service) ListMovements(ctx context.Context, productID string, branchID string, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListMovements(ctx, strings.TrimSpace(productID), strings.TrimSpace(branchID), limit)
}

func (s *Service) ListCOGSEntries(ctx context.Context, productID string, branchID string) ([]domain.COGSLogEntry, error) {
	return s.repo.ListCOGSEntries(ctx, strings.TrimSpace(productID), strings.TrimSpace(branchID))
}
