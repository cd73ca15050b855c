package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/cache"
	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/ledger"
	"github.com/billexhk/POSONLINE-sub002/internal/lock"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
	"github.com/billexhk/POSONLINE-sub002/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Logger         *zap.Logger
	SummaryCache   cache.SummaryCache
	SummaryTTL     time.Duration
	Locker         lock.BranchLocker
	DefaultCosting domain.CostingMethod
}

type Service struct {
	repo           store.Repository
	ledger         *ledger.Engine
	cache          cache.SummaryCache
	summaryTTL     time.Duration
	locker         lock.BranchLocker
	defaultCosting domain.CostingMethod
	validate       *validator.Validate
	logger         *zap.Logger
	now            func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SummaryCache == nil {
		opts.SummaryCache = cache.NoopSummaryCache{}
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.DefaultCosting == "" {
		opts.DefaultCosting = domain.CostingFIFO
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		repo:           repo,
		ledger:         ledger.New(opts.Logger),
		cache:          opts.SummaryCache,
		summaryTTL:     opts.SummaryTTL,
		locker:         opts.Locker,
		defaultCosting: opts.DefaultCosting,
		validate:       validate,
		logger:         opts.Logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, req domain.ProductCreateRequest) (domain.Product, error) {
	if !actor.HasRole(domain.RoleAdmin) {
		return domain.Product{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	req.ID = strings.TrimSpace(req.ID)
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return domain.Product{}, describeValidation(err)
	}
	if req.Cost.IsNegative() || req.Price.IsNegative() {
		return domain.Product{}, validationError("cost and price must not be negative")
	}

	trackStock := true
	if req.TrackStock != nil {
		trackStock = *req.TrackStock
	}
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:                req.ID,
		SKU:               req.SKU,
		Name:              req.Name,
		Cost:              req.Cost,
		Price:             req.Price,
		Stock:             domain.StockMap{},
		TrackStock:        trackStock,
		LowStockThreshold: req.LowStockThreshold,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return domain.Product{}, fmt.Errorf("%w: product %s or sku %s", ErrDuplicate, req.ID, req.SKU)
	}
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, actor, "", "product.create", "product", created.ID, created.SKU)
	return *created, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, branchID, limit)
}

func (s *Service) costingMethod(requested domain.CostingMethod) (domain.CostingMethod, error) {
	if requested == "" {
		return s.defaultCosting, nil
	}
	method, err := domain.ParseCostingMethod(string(requested))
	if err != nil {
		return "", validationError("%v", err)
	}
	return method, nil
}

// ensureUnlocked fails with *PeriodLockedError when date sits inside a
// submitted settlement of branch.
func (s *Service) ensureUnlocked(ctx context.Context, tx store.Tx, branchID string, date string) error {
	locked, err := tx.FindLockedSettlement(ctx, branchID, date)
	if err != nil {
		return fmt.Errorf("check settlement lock: %w", err)
	}
	if locked != nil {
		return &PeriodLockedError{BranchID: branchID, BusinessDate: date, Settlement: *locked}
	}
	return nil
}

func (s *Service) invalidateSummaries(ctx context.Context, branchIDs ...string) {
	seen := make(map[string]struct{}, len(branchIDs))
	for _, branchID := range branchIDs {
		if _, dup := seen[branchID]; dup {
			continue
		}
		seen[branchID] = struct{}{}
		if err := s.cache.InvalidateBranch(ctx, branchID); err != nil {
			s.logger.Warn("invalidate cogs summary cache", zap.String("branch_id", branchID), zap.Error(err))
		}
	}
}

func (s *Service) logAudit(ctx context.Context, actor domain.Actor, branchID string, action string, entityType string, entityID string, detail string) {
	if actor.Username == "" {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	if branchID == "" {
		branchID = actor.BranchID
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func sumPayments(payments []domain.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

func normalizePayments(payments []domain.Payment) domain.Payments {
	out := make(domain.Payments, 0, len(payments))
	for _, p := range payments {
		out = append(out, domain.Payment{
			Method: strings.ToLower(strings.TrimSpace(p.Method)),
			Amount: p.Amount,
		})
	}
	return out
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
