package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
)

// SummaryCache stores COGS summary reads. Writers invalidate by branch.
type SummaryCache interface {
	Get(ctx context.Context, key string) ([]domain.COGSSummaryRow, bool, error)
	Set(ctx context.Context, key string, rows []domain.COGSSummaryRow, ttl time.Duration) error
	InvalidateBranch(ctx context.Context, branchID string) error
}

// SummaryKey builds the cache key of one summary query. An empty branch
// means all branches.
func SummaryKey(startDate string, endDate string, branchID string) string {
	if branchID == "" {
		branchID = "_all"
	}
	return fmt.Sprintf("cogs-summary:%s:%s:%s", branchID, startDate, endDate)
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) ([]domain.COGSSummaryRow, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ []domain.COGSSummaryRow, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) InvalidateBranch(_ context.Context, _ string) error {
	return nil
}
