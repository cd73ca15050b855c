package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/service"
)

type Config struct {
	AllowedOrigin string
	// LoginRateLimit uses the limiter format, e.g. "5-M".
	LoginRateLimit string
	Logger         *zap.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *limiter.Limiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, cfg Config) (*API, error) {
	if cfg.LoginRateLimit == "" {
		cfg.LoginRateLimit = "5-M"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	rate, err := limiter.NewRateFromFormatted(cfg.LoginRateLimit)
	if err != nil {
		return nil, fmt.Errorf("login rate limit %q: %w", cfg.LoginRateLimit, err)
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: cfg.AllowedOrigin,
		loginLimiter:  limiter.New(memory.NewStore(), rate),
		logger:        cfg.Logger,
	}, nil
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts))

	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders, domain.RoleCashier, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions, domain.RoleCashier, domain.RoleManager, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/stock-ins", a.requireAuth(a.handleStockIns, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/stock-ins/", a.requireAuth(a.handleStockInActions, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/transfers", a.requireAuth(a.handleTransfers, domain.RoleManager, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/settlements", a.requireAuth(a.handleSettlements, domain.RoleCashier, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/settlements/preview", a.requireAuth(a.handleSettlementPreview, domain.RoleCashier, domain.RoleManager, domain.RoleAdmin))
	// Any authenticated caller may attempt an unlock; the workflow decides.
	mux.HandleFunc("/api/v1/settlements/unlock", a.requireAuth(a.handleSettlementUnlock))

	mux.HandleFunc("/api/v1/reports/cogs", a.requireAuth(a.handleCOGSReport, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/layers", a.requireAuth(a.handleInventoryLayers, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/movements", a.requireAuth(a.handleInventoryMovements, domain.RoleManager, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/cogs", a.requireAuth(a.handleInventoryCOGS, domain.RoleManager, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err)
			return
		}

		if len(roles) > 0 && !actor.HasRole(roles...) {
			a.writeError(w, http.StatusForbidden, "FORBIDDEN", errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	limit, err := a.loginLimiter.Get(r.Context(), "login:"+clientKey(r))
	if err != nil {
		a.logger.Warn("login rate limiter", zap.Error(err))
	} else {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(limit.Remaining, 10))
		if limit.Reached {
			a.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", errors.New("too many login attempts"))
			return
		}
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
			return
		}

		product, err := a.service.CreateProduct(r.Context(), actorFrom(r), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "product": product})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.OrderSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}

	result, err := a.service.SubmitOrder(r.Context(), actorFrom(r), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "order": result.Order, "warnings": result.Warnings})
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "/api/v1/orders/")
	if !ok {
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("order id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": order})
	case http.MethodPatch:
		var req domain.OrderUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
			return
		}
		result, err := a.service.UpdateOrder(r.Context(), actorFrom(r), orderID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": result.Order, "warnings": result.Warnings})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleStockIns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.StockInSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}

	result, err := a.service.SubmitStockIn(r.Context(), actorFrom(r), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stock_in": result.StockIn, "warnings": result.Warnings})
}

func (a *API) handleStockInActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	stockInID, ok := pathID(r, "/api/v1/stock-ins/")
	if !ok {
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("stock-in id required"))
		return
	}

	record, err := a.service.GetStockIn(r.Context(), stockInID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stock_in": record})
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}

	result, err := a.service.SubmitTransfer(r.Context(), actorFrom(r), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "transfer": result.Transfer, "warnings": result.Warnings})
}

func (a *API) handleSettlements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !actorFrom(r).HasRole(domain.RoleManager, domain.RoleAdmin) {
			a.writeError(w, http.StatusForbidden, "FORBIDDEN", errors.New("forbidden role"))
			return
		}
		query := r.URL.Query()
		branchID := strings.TrimSpace(query.Get("branch_id"))
		startDate := strings.TrimSpace(query.Get("start_date"))
		endDate := strings.TrimSpace(query.Get("end_date"))

		if startDate == "" && endDate == "" {
			rows, err := a.service.ListSettlements(r.Context(), branchID)
			if err != nil {
				a.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "settlements": rows})
			return
		}

		row, err := a.service.GetSettlement(r.Context(), branchID, startDate, endDate)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "settlement": row})
	case http.MethodPost:
		var req domain.SettlementSubmitRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
			return
		}

		row, err := a.service.SubmitSettlement(r.Context(), actorFrom(r), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "settlement": row})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleSettlementPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	expenses := decimal.Zero
	if raw := strings.TrimSpace(query.Get("expenses")); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.IsNegative() {
			a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", errors.New("expenses must be a non-negative number"))
			return
		}
		expenses = parsed
	}

	totals, err := a.service.PreviewSettlement(r.Context(), domain.SettlementRange{
		BranchID:  strings.TrimSpace(query.Get("branch_id")),
		StartDate: strings.TrimSpace(query.Get("start_date")),
		EndDate:   strings.TrimSpace(query.Get("end_date")),
	}, expenses)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "totals": totals})
}

func (a *API) handleSettlementUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.SettlementRange
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
		return
	}

	row, err := a.service.UnlockSettlement(r.Context(), actorFrom(r), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settlement": row})
}

func (a *API) handleCOGSReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	startDate := strings.TrimSpace(query.Get("start_date"))
	endDate := strings.TrimSpace(query.Get("end_date"))
	branchID := strings.TrimSpace(query.Get("branch_id"))
	format := strings.ToLower(strings.TrimSpace(query.Get("format")))

	rows, err := a.service.COGSSummary(r.Context(), startDate, endDate, branchID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	switch format {
	case "xlsx":
		book, err := cogsSummaryWorkbook(rows, startDate, endDate)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
			return
		}
		defer func() { _ = book.Close() }()
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", cogsReportFilename(startDate, endDate)))
		if err := book.Write(w); err != nil {
			a.logger.Error("write cogs workbook", zap.Error(err))
		}
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "rows": rows})
	default:
		a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Errorf("unsupported format %q", format))
	}
}

func (a *API) handleInventoryLayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	layers, err := a.service.ListCostLayers(r.Context(), query.Get("product_id"), query.Get("branch_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "layers": layers})
}

func (a *API) handleInventoryMovements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	movements, err := a.service.ListMovements(r.Context(), query.Get("product_id"), query.Get("branch_id"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "movements": movements})
}

func (a *API) handleInventoryCOGS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	entries, err := a.service.ListCOGSEntries(r.Context(), query.Get("product_id"), query.Get("branch_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), branchID, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": logs})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": a.auth.ListUsers(r.Context())})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
			return
		}

		user, err := a.auth.CreateUser(r.Context(), req)
		if errors.Is(err, errUserExists) {
			a.writeError(w, http.StatusConflict, "DUPLICATE", err)
			return
		}
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": user})
	default:
		a.writeMethodNotAllowed(w)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

func pathID(r *http.Request, prefix string) (string, bool) {
	if !strings.HasPrefix(r.URL.Path, prefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
