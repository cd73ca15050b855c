package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
	"github.com/billexhk/POSONLINE-sub002/internal/xid"
)

// Store keeps everything in process memory. Transactions are serialized on mu
// and work on a cloned snapshot that replaces the live state only when the
// transaction function succeeds.
//
// Every transaction copies the whole state, so write cost grows with history.
// The store backs local development and tests only; deployments set
// DATABASE_URL and run on the postgres store.
type Store struct {
	mu              sync.RWMutex
	state           *state
	usersByUsername map[string]domain.UserAccount
}

type state struct {
	products    map[string]domain.Product
	layers      []domain.CostLayer
	nextLayerID int64
	cogs        []domain.COGSLogEntry
	nextCOGSID  int64
	movements   []domain.StockMovement
	orders      map[string]domain.Order
	settlements map[string]domain.DailySettlement
	stockIns    map[string]domain.StockIn
	transfers   map[string]domain.Transfer
	auditLogs   []domain.AuditLog
}

func newState() *state {
	return &state{
		products:    make(map[string]domain.Product),
		orders:      make(map[string]domain.Order),
		settlements: make(map[string]domain.DailySettlement),
		stockIns:    make(map[string]domain.StockIn),
		transfers:   make(map[string]domain.Transfer),
	}
}

func (st *state) clone() *state {
	out := &state{
		products:    make(map[string]domain.Product, len(st.products)),
		layers:      slices.Clone(st.layers),
		nextLayerID: st.nextLayerID,
		cogs:        slices.Clone(st.cogs),
		nextCOGSID:  st.nextCOGSID,
		movements:   slices.Clone(st.movements),
		orders:      make(map[string]domain.Order, len(st.orders)),
		settlements: make(map[string]domain.DailySettlement, len(st.settlements)),
		stockIns:    make(map[string]domain.StockIn, len(st.stockIns)),
		transfers:   make(map[string]domain.Transfer, len(st.transfers)),
		auditLogs:   slices.Clone(st.auditLogs),
	}
	for id, p := range st.products {
		out.products[id] = cloneProduct(p)
	}
	for id, o := range st.orders {
		out.orders[id] = cloneOrder(o)
	}
	for key, s := range st.settlements {
		out.settlements[key] = s
	}
	for id, r := range st.stockIns {
		out.stockIns[id] = r
	}
	for id, t := range st.transfers {
		out.transfers[id] = t
	}
	return out
}

// New returns an empty store.
func New() *Store {
	return &Store{
		state:           newState(),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a demo catalog, opening stock backed by cost
// layers, and dev user accounts.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	catalog := []domain.Product{
		{ID: "prd-kopi-250", SKU: "KOPI-250", Name: "Kopi Bubuk 250g", Cost: decimal.NewFromInt(32000), Price: decimal.NewFromInt(45000), TrackStock: true, LowStockThreshold: 10},
		{ID: "prd-gula-1kg", SKU: "GULA-1KG", Name: "Gula Pasir 1kg", Cost: decimal.NewFromInt(14500), Price: decimal.NewFromInt(17400), TrackStock: true, LowStockThreshold: 20},
		{ID: "prd-susu-1l", SKU: "SUSU-1L", Name: "Susu UHT 1L", Cost: decimal.NewFromInt(15000), Price: decimal.NewFromInt(18900), TrackStock: true, LowStockThreshold: 12},
		{ID: "prd-teh-25", SKU: "TEH-25", Name: "Teh Celup 25s", Cost: decimal.NewFromInt(7200), Price: decimal.NewFromInt(9800), TrackStock: true, LowStockThreshold: 15},
		{ID: "svc-servis", SKU: "JASA-SERVIS", Name: "Jasa Servis", Cost: decimal.Zero, Price: decimal.NewFromInt(50000), TrackStock: false},
	}
	for _, p := range catalog {
		p.Stock = domain.StockMap{}
		p.CreatedAt = now
		p.UpdatedAt = now
		if p.TrackStock {
			p.Stock["main-branch"] = 100
			s.state.nextLayerID++
			s.state.layers = append(s.state.layers, domain.CostLayer{
				ID:           s.state.nextLayerID,
				ProductID:    p.ID,
				BranchID:     "main-branch",
				TotalQty:     100,
				RemainingQty: 100,
				UnitCost:     p.Cost,
				SourceType:   domain.LayerSourceStockIn,
				SourceID:     "seed",
				CreatedAt:    now,
			})
			s.state.movements = append(s.state.movements, domain.StockMovement{
				ID:            xid.New("mov"),
				ProductID:     p.ID,
				BranchID:      "main-branch",
				Delta:         100,
				QuantityAfter: 100,
				ReferenceType: domain.MovementStockIn,
				ReferenceID:   "seed",
				CreatedBy:     "system",
				CreatedAt:     now,
			})
		}
		s.state.products[p.ID] = p
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD; dev defaults are used when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  "main-branch",
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.state.products))
	for _, p := range s.state.products {
		result = append(result, cloneProduct(p))
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.SKU, b.SKU)
	})
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneProduct(p)
	return &out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(product.ID) == "" || strings.TrimSpace(product.SKU) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.state.products[product.ID]; exists {
		return nil, store.ErrDuplicate
	}
	for _, existing := range s.state.products {
		if strings.EqualFold(existing.SKU, product.SKU) {
			return nil, store.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Stock = product.Stock.Clone()
	s.state.products[product.ID] = product
	out := cloneProduct(product)
	return &out, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.state.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneOrder(o)
	return &out, nil
}

func (s *Store) ListOrdersByBusinessDate(_ context.Context, branchID string, startDate string, endDate string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 32)
	for _, o := range s.state.orders {
		if o.BranchID != branchID || o.BusinessDate < startDate || o.BusinessDate > endDate {
			continue
		}
		result = append(result, cloneOrder(o))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetStockIn(_ context.Context, id string) (*domain.StockIn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.state.stockIns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListSettlements(_ context.Context, branchID string) ([]domain.DailySettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailySettlement, 0, 16)
	for _, row := range s.state.settlements {
		if branchID != "" && row.BranchID != branchID {
			continue
		}
		result = append(result, row)
	}
	slices.SortFunc(result, func(a, b domain.DailySettlement) int {
		if c := strings.Compare(b.StartDate, a.StartDate); c != 0 {
			return c
		}
		return strings.Compare(a.BranchID, b.BranchID)
	})
	return result, nil
}

func (s *Store) FindSubmittedSettlement(_ context.Context, branchID string, startDate string, endDate string) (*domain.DailySettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.state.settlements {
		if row.BranchID == branchID && row.Status == domain.SettlementSubmitted && row.StartDate <= startDate && endDate <= row.EndDate {
			out := row
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListCostLayers(_ context.Context, productID string, branchID string) ([]domain.CostLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CostLayer, 0, 8)
	for _, layer := range s.state.layers {
		if layer.ProductID != productID {
			continue
		}
		if branchID != "" && layer.BranchID != branchID {
			continue
		}
		result = append(result, layer)
	}
	return result, nil
}

func (s *Store) SumCOGSBySource(_ context.Context, sourceType string, sourceIDs []string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = struct{}{}
	}
	total := decimal.Zero
	for _, entry := range s.state.cogs {
		if entry.SourceType != sourceType {
			continue
		}
		if _, ok := wanted[entry.SourceID]; ok {
			total = total.Add(entry.TotalCost)
		}
	}
	return total, nil
}

func (s *Store) ListCOGSEntries(_ context.Context, productID string, branchID string) ([]domain.COGSLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.COGSLogEntry, 0, 8)
	for _, entry := range s.state.cogs {
		if productID != "" && entry.ProductID != productID {
			continue
		}
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) SummarizeCOGS(_ context.Context, startDate string, endDate string, branchID string) ([]domain.COGSSummaryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byBranch := make(map[string]*domain.COGSSummaryRow)
	for _, entry := range s.state.cogs {
		if entry.SourceType != domain.COGSSourceSale {
			continue
		}
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		day := domain.FormatDate(entry.CreatedAt)
		if (startDate != "" && day < startDate) || (endDate != "" && day > endDate) {
			continue
		}
		row, ok := byBranch[entry.BranchID]
		if !ok {
			row = &domain.COGSSummaryRow{BranchID: entry.BranchID, TotalCOGS: decimal.Zero}
			byBranch[entry.BranchID] = row
		}
		row.TotalCOGS = row.TotalCOGS.Add(entry.TotalCost)
		row.TotalQty += entry.Quantity
	}

	result := make([]domain.COGSSummaryRow, 0, len(byBranch))
	for _, row := range byBranch {
		result = append(result, *row)
	}
	slices.SortFunc(result, func(a, b domain.COGSSummaryRow) int {
		return strings.Compare(a.BranchID, b.BranchID)
	})
	return result, nil
}

func (s *Store) ListMovements(_ context.Context, productID string, branchID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.StockMovement, 0, limit)
	for i := len(s.state.movements) - 1; i >= 0 && len(result) < limit; i-- {
		m := s.state.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		if branchID != "" && m.BranchID != branchID {
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.state.auditLogs = append(s.state.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.state.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.state.auditLogs[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func settlementKey(branchID string, startDate string, endDate string) string {
	return branchID + "|" + startDate + "|" + endDate
}

func cloneProduct(p domain.Product) domain.Product {
	p.Stock = p.Stock.Clone()
	return p
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	o.Payments = slices.Clone(o.Payments)
	return o
}
