package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/retailpos/internal/analytics"
	"kasirinaja/retailpos/internal/broadcast"
	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/export"
	"kasirinaja/retailpos/internal/metrics"
	"kasirinaja/retailpos/internal/service"
)

const streamHeartbeat = 25 * time.Second

// Analytics serves cached dashboard snapshots.
type Analytics interface {
	Dashboard(ctx context.Context, periodDays int) (domain.AnalyticsSnapshot, error)
	Cashier(ctx context.Context, cashierID string, periodDays int) (domain.AnalyticsSnapshot, error)
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	AllowedOrigin string
	Location      *time.Location
	Health        map[string]HealthCheck
	Log           *logrus.Entry
}

type API struct {
	service       *service.Service
	analytics     Analytics
	hub           *broadcast.Hub
	auth          *AuthManager
	allowedOrigin string
	location      *time.Location
	health        map[string]HealthCheck
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
	log           *logrus.Entry
}

func New(svc *service.Service, dashboards Analytics, hub *broadcast.Hub, auth *AuthManager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &API{
		service:       svc,
		analytics:     dashboards,
		hub:           hub,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		location:      opts.Location,
		health:        opts.Health,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
		log:           opts.Log,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (Unix time truncated to the hour).
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("GET /api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleProducts, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/products/{id}/movements", a.requireAuth(a.handleProductMovements, domain.RoleAdmin))

	mux.HandleFunc("POST /api/v1/transactions", a.requireAuth(a.handleCreateTransaction, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/transactions", a.requireAuth(a.handleListTransactions, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/transactions/export", a.requireAuth(a.handleExportTransactions, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/transactions/{id}/refund", a.requireAuth(a.handleRefund, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/transactions/{id}/cancel", a.requireAuth(a.handleCancel, domain.RoleCashier, domain.RoleAdmin))

	mux.HandleFunc("GET /api/v1/analytics/dashboard", a.requireAuth(a.handleDashboard, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/analytics/cashier/{id}", a.requireAuth(a.handleCashierAnalytics, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("GET /api/v1/analytics/stream", a.requireAuth(a.handleStream, domain.RoleCashier, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(a.health))
	healthy := true
	for name, check := range a.health {
		if err := check(ctx); err != nil {
			a.log.WithField("dependency", name).WithError(err).Warn("health check failed")
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "up"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":     healthy,
		"checks": checks,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token for the X-CSRF-Token header.
func (a *API) handleCSRFToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
		a.writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleProductMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	movements, err := a.service.ProductMovements(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := a.service.CreateTransaction(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx})
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if number := strings.TrimSpace(query.Get("number")); number != "" {
		tx, err := a.service.FindByNumber(r.Context(), number)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": []domain.Transaction{tx}})
		return
	}

	filter, err := a.parseFilter(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	filter.Limit = parsePositiveLimit(query.Get("limit"), 100, 500)

	txs, err := a.service.ListTransactions(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// handleExportTransactions streams the filtered list as a file. Results above
// the service export cap are refused with 400 instead of being truncated.
func (a *API) handleExportTransactions(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = export.FormatCSV
	}
	if format != export.FormatCSV && format != export.FormatXLSX {
		a.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported export format %q", format))
		return
	}

	filter, err := a.parseFilter(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	txs, err := a.service.ExportTransactions(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(format, time.Now().In(a.location))))
	if format == export.FormatXLSX {
		err = export.WriteXLSX(w, txs)
	} else {
		err = export.WriteCSV(w, txs)
	}
	if err != nil {
		a.log.WithField("format", format).WithError(err).Error("export write failed")
	}
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	a.handleReversal(w, r, "refund", a.service.RefundTransaction)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.handleReversal(w, r, "cancel", a.service.CancelTransaction)
}

// handleReversal lets admins reverse directly; cashiers need a manager PIN.
func (a *API) handleReversal(w http.ResponseWriter, r *http.Request, action string, reverse func(context.Context, string, string) (domain.Transaction, error)) {
	// reason and pin are both optional, so an empty body is a bare request
	var req domain.TransactionActionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	if actor.Role != domain.RoleAdmin {
		if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(r)) {
			a.writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			a.writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
	}

	tx, err := reverse(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	snapshot, err := a.analytics.Dashboard(r.Context(), period)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleCashierAnalytics(w http.ResponseWriter, r *http.Request) {
	cashierID := strings.TrimSpace(r.PathValue("id"))
	actor, _ := service.ActorFromContext(r.Context())
	if actor.Role != domain.RoleAdmin && actor.ID != cashierID {
		a.writeError(w, http.StatusForbidden, errors.New("cashiers may only view their own analytics"))
		return
	}

	period, err := parsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	snapshot, err := a.analytics.Cashier(r.Context(), cashierID, period)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleStream relays analytics pushes as Server-Sent Events until the
// client goes away. Admins get the store dashboard and their own scope.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	scopes := []string{broadcast.UserScope(actor.ID)}
	if actor.Role == domain.RoleAdmin {
		scopes = append(scopes, broadcast.RoleScope(domain.RoleAdmin))
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub, cancel := a.hub.Subscribe(scopes...)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		a.log.WithError(err).Warn("event stream not flushable")
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				a.log.WithField("event", event.Name).WithError(err).Error("encode stream event failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !a.checkCSRF(w, r) {
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())
		a.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Info("request")
	})
}

// parseFilter reads from/to as RFC 3339 timestamps or store-local dates. A
// bare to date includes that whole day.
func (a *API) parseFilter(r *http.Request) (domain.TransactionFilter, error) {
	query := r.URL.Query()
	var filter domain.TransactionFilter

	from, _, err := a.parseInstant(query.Get("from"))
	if err != nil {
		return filter, fmt.Errorf("invalid from: %w", err)
	}
	to, dateOnly, err := a.parseInstant(query.Get("to"))
	if err != nil {
		return filter, fmt.Errorf("invalid to: %w", err)
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1)
	}

	filter.From = from
	filter.To = to
	filter.CashierID = strings.TrimSpace(query.Get("cashier_id"))
	filter.Status = domain.TransactionStatus(strings.ToLower(strings.TrimSpace(query.Get("status"))))
	return filter, nil
}

func (a *API) parseInstant(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, a.location)
	if err != nil {
		return time.Time{}, false, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	return t.UTC(), true, nil
}

func parsePeriod(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return analytics.DefaultPeriodDays, nil
	}
	period, err := strconv.Atoi(raw)
	if err != nil || period < 1 || period > analytics.MaxPeriodDays {
		return 0, fmt.Errorf("period must be a whole number of days between 1 and %d", analytics.MaxPeriodDays)
	}
	return period, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrProductUnavailable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

// writeError hides the detail of 5xx failures from clients; it is logged
// instead.
func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		a.log.WithField("status", status).WithError(err).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
