package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

type Options struct {
	Logger         *slog.Logger
	MetricsEnabled bool
}

type API struct {
	service        *service.Service
	auth           *AuthManager
	logger         *slog.Logger
	metricsEnabled bool
	pinLimiter     *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &API{
		service:        svc,
		auth:           auth,
		logger:         opts.Logger,
		metricsEnabled: opts.MetricsEnabled,
		pinLimiter:     newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

// clientKey is the socket peer address. Forwarded-for headers are set by the
// client and never used here.
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
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.securityHeaders)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	if a.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Post("/checkout", a.handleCheckout)
		r.Get("/checkout/idempotency/{key}", a.handleCheckoutLookup)
		r.Get("/sales/{saleID}", a.handleGetSale)
		r.Post("/sales/{saleID}/returns", a.handleReturn)
		r.Post("/sales/{saleID}/void", a.handleVoid)

		r.Get("/stock-ledger", a.handleStockLedger)
		r.Post("/stock/adjustments", a.handleStockAdjustment)
		r.Post("/stock/receipts", a.handleStockReceipt)

		r.Get("/customers/{customerID}/loyalty", a.handleCustomerLoyalty)
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !isKnownRole(actor.Role) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cache-Control", "no-store")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(startedAt)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if sale.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"sale": sale})
}

func (a *API) handleCheckoutLookup(w http.ResponseWriter, r *http.Request) {
	lookup, err := a.service.LookupCheckoutByIdempotency(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OriginalSaleID = chi.URLParam(r, "saleID")

	result, err := a.service.ProcessReturn(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleVoid lets a cashier void someone else's sale when a manager confirms
// with the PIN at the till.
func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.SaleID = chi.URLParam(r, "saleID")

	if strings.TrimSpace(req.ManagerPIN) != "" {
		if !a.pinLimiter.Allow("pin:void:" + clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
		req.Elevated = true
	}

	sale, err := a.service.VoidSale(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleStockLedger(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 200, 1000)

	// scope=product drops variant rows so the deltas sum to the product's own on-hand.
	entries, err := a.service.ListStockLedger(r.Context(), domain.StockLedgerQuery{
		ProductID:        query.Get("product_id"),
		VariantID:        query.Get("variant_id"),
		ProductLevelOnly: query.Get("scope") == "product",
		Limit:            limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleStockAdjustment(w http.ResponseWriter, r *http.Request) {
	var req domain.StockMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (a *API) handleStockReceipt(w http.ResponseWriter, r *http.Request) {
	var req domain.StockMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.ReceiveStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (a *API) handleCustomerLoyalty(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)

	resp, err := a.service.GetCustomerLoyalty(r.Context(), chi.URLParam(r, "customerID"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
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

// statusForKind maps store error kinds onto HTTP statuses.
var statusForKind = map[string]int{
	"not_found":                http.StatusNotFound,
	"insufficient_stock":       http.StatusConflict,
	"invalid_payment_split":    http.StatusUnprocessableEntity,
	"return_window_expired":    http.StatusUnprocessableEntity,
	"return_quantity_exceeded": http.StatusConflict,
	"already_voided":           http.StatusConflict,
	"unauthorized":             http.StatusForbidden,
	"invalid_transaction":      http.StatusBadRequest,
	"insufficient_points":      http.StatusUnprocessableEntity,
	"conflict":                 http.StatusConflict,
}

func writeServiceError(w http.ResponseWriter, err error) {
	kind := store.Kind(err)
	status, ok := statusForKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeErrorKind(w, status, kind, err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorKind(w, status, "", err)
}

func writeErrorKind(w http.ResponseWriter, status int, kind string, err error) {
	// 5xx bodies stay generic so driver errors and SQL never reach the client.
	msg := err.Error()
	if status >= 500 {
		slog.Error("internal error", slog.Int("status", status), slog.Any("error", err))
		msg = "internal server error"
	}
	body := map[string]any{"error": msg}
	if kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
