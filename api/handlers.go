/*
handlers.go - HTTP API handlers for the referral engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP request/response,
  JSON serialization, authentication context, and delegates to the engine.

ENDPOINTS:
  Users:
    POST   /api/users/register          Register (optionally with referralCode)
    POST   /api/users/login             Email + password login
    GET    /api/users/profile           Referral tree of the caller
    GET    /api/users/earnings          Earnings report of the caller

  Transactions:
    POST   /api/transactions/purchase   Record a purchase (Idempotency-Key)
    GET    /api/transactions/history    Caller's ledger (?type=&limit=&offset=)
    GET    /api/transactions/{id}       One of the caller's entries

  Notifications:
    GET    /api/events                  Server-Sent Events stream

  Admin (X-Admin-Token):
    GET    /api/admin/users/{id}/audit  Accumulators vs ledger
    POST   /api/admin/reconcile         Run the reconciler now
    GET    /api/admin/scenarios         List demo scenarios
    POST   /api/admin/scenarios/load    Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the engine
  4. Serialize response
  5. Map errors through statusFor

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid referral code, referrer full
  - 401: Missing or invalid credentials
  - 404: Resource not found
  - 409: Duplicate user, idempotency key reused
  - 202: Purchase recorded, commission pending (not an error body)
  - 503: Referral code space exhausted
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Tokens and middleware
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/referral-engine/referral"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine     *referral.Engine
	Tokens     *TokenManager
	Hub        *Hub
	Reconciler *Reconciler
	AdminToken string

	log *zap.Logger
}

// NewHandler creates a new handler. Hub, Reconciler and AdminToken are
// optional and set on the returned value.
func NewHandler(engine *referral.Engine, tokens *TokenManager, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, Tokens: tokens, log: log}
}

func (h *Handler) scale() int32 { return h.Engine.Config().CurrencyScale }

// =============================================================================
// USER ENDPOINTS
// =============================================================================

// Register handles POST /api/users/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateRegistration(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid registration", err)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		h.internalError(w, r, "hash password", err)
		return
	}

	user, err := h.Engine.RegisterUser(r.Context(), referral.Registration{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		h.fail(w, r, "Registration failed", err)
		return
	}

	h.respondWithToken(w, r, http.StatusCreated, "User registered successfully", user)
}

// Login handles POST /api/users/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	user, err := h.Engine.Store().GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, referral.ErrUserNotFound) {
		writeError(w, http.StatusUnauthorized, "Invalid login credentials", nil)
		return
	}
	if err != nil {
		h.internalError(w, r, "load user by email", err)
		return
	}
	if err := VerifyPassword(req.Password, user.PasswordHash); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid login credentials", nil)
		return
	}

	h.respondWithToken(w, r, http.StatusOK, "Login successful", user)
}

func (h *Handler) respondWithToken(w http.ResponseWriter, r *http.Request, status int, msg string, u referral.User) {
	token, exp, err := h.Tokens.Issue(u.ID)
	if err != nil {
		h.internalError(w, r, "issue token", err)
		return
	}
	writeJSON(w, status, AuthResponse{
		Message:   msg,
		Token:     token,
		ExpiresAt: exp,
		User:      toUserDTO(u, h.scale()),
	})
}

// Profile handles GET /api/users/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, _ := UserID(r.Context())

	tree, err := h.Engine.ReferralTree(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to load profile", err)
		return
	}
	writeJSON(w, http.StatusOK, toTreeDTO(tree, h.Engine.Config().MaxDirectReferrals, h.scale()))
}

// Earnings handles GET /api/users/earnings
func (h *Handler) Earnings(w http.ResponseWriter, r *http.Request) {
	id, _ := UserID(r.Context())

	report, err := h.Engine.EarningsReport(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to load earnings", err)
		return
	}
	writeJSON(w, http.StatusOK, toEarningsDTO(report, h.scale()))
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// Purchase handles POST /api/transactions/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	id, _ := UserID(r.Context())

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		writeError(w, http.StatusBadRequest, "Description is required", nil)
		return
	}

	entry, err := h.Engine.ProcessPurchase(r.Context(), referral.PurchaseRequest{
		UserID:         id,
		Amount:         req.Amount,
		Description:    desc,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})

	var cerr *referral.CommissionError
	switch {
	case errors.As(err, &cerr):
		// Recorded; commission left to the reconciler.
		levels := make([]int, len(cerr.Outstanding))
		for i, l := range cerr.Outstanding {
			levels[i] = int(l)
		}
		writeJSON(w, http.StatusAccepted, PurchaseResponse{
			Message:     "Purchase recorded, commission pending",
			Transaction: toTransactionDTO(entry, nil, h.scale()),
			Outstanding: levels,
		})
	case err != nil:
		h.fail(w, r, "Purchase failed", err)
	default:
		writeJSON(w, http.StatusCreated, PurchaseResponse{
			Message:     "Purchase processed successfully",
			Transaction: toTransactionDTO(entry, nil, h.scale()),
		})
	}
}

// History handles GET /api/transactions/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, _ := UserID(r.Context())

	filter, err := parseEntryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	entries, err := h.Engine.ListTransactions(r.Context(), id, filter)
	if err != nil {
		h.fail(w, r, "Failed to load history", err)
		return
	}
	sources, err := h.sources(r.Context(), entries)
	if err != nil {
		h.internalError(w, r, "load source users", err)
		return
	}

	resp := HistoryResponse{
		Transactions: make([]TransactionDTO, 0, len(entries)),
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	}
	for _, e := range entries {
		resp.Transactions = append(resp.Transactions, toTransactionDTO(e, sources[e.SourceUserID], h.scale()))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Transaction handles GET /api/transactions/{id}
func (h *Handler) Transaction(w http.ResponseWriter, r *http.Request) {
	id, _ := UserID(r.Context())
	entryID := referral.EntryID(chi.URLParam(r, "id"))

	entry, err := h.Engine.GetTransaction(r.Context(), id, entryID)
	if err != nil {
		h.fail(w, r, "Transaction not available", err)
		return
	}
	sources, err := h.sources(r.Context(), []referral.Entry{entry})
	if err != nil {
		h.internalError(w, r, "load source user", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(entry, sources[entry.SourceUserID], h.scale()))
}

func (h *Handler) sources(ctx context.Context, entries []referral.Entry) (map[referral.UserID]*referral.PublicProfile, error) {
	var ids []referral.UserID
	seen := make(map[referral.UserID]bool)
	for _, e := range entries {
		if e.SourceUserID != "" && !seen[e.SourceUserID] {
			seen[e.SourceUserID] = true
			ids = append(ids, e.SourceUserID)
		}
	}
	out := make(map[referral.UserID]*referral.PublicProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	users, err := h.Engine.Store().GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		p := u.Public()
		out[u.ID] = &p
	}
	return out, nil
}

func parseEntryFilter(r *http.Request) (referral.EntryFilter, error) {
	q := r.URL.Query()
	f := referral.EntryFilter{Limit: defaultHistoryLimit}

	switch kind := referral.EntryKind(strings.ToUpper(q.Get("type"))); kind {
	case "":
	case referral.KindPurchase, referral.KindEarning:
		f.Kind = kind
	default:
		return f, fmt.Errorf("type must be PURCHASE or EARNING, got %q", q.Get("type"))
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, fmt.Errorf("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// Events handles GET /api/events as a Server-Sent Events stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusNotFound, "Notifications disabled", nil)
		return
	}
	id, _ := UserID(r.Context())
	rc := http.NewResponseController(w)

	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch, cancel := h.Hub.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Warn("sse flush unsupported", zap.Error(err))
		return
	}

	tick := time.NewTicker(heartbeat)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(n.Data)
			if err != nil {
				h.log.Error("encode notification", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// Audit handles GET /api/admin/users/{id}/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	id := referral.UserID(chi.URLParam(r, "id"))

	report, err := h.Engine.Audit(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report, h.scale()))
}

// Reconcile handles POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeError(w, http.StatusNotFound, "Reconciler not configured", nil)
		return
	}
	rep := h.Reconciler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, ReconcileDTO{
		Scanned:   rep.Scanned,
		Resumed:   rep.Resumed,
		Abandoned: rep.Abandoned,
		Failed:    rep.Failed,
	})
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store().(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// bcrypt rejects inputs longer than 72 bytes.
const (
	minPasswordLen = 6
	maxPasswordLen = 72
)

func validateRegistration(req RegisterRequest) error {
	name := strings.TrimSpace(req.Username)
	if len(name) < 3 || len(name) > 30 {
		return errors.New("username must be between 3 and 30 characters")
	}
	email := strings.TrimSpace(req.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return errors.New("email is invalid")
	}
	if len(req.Password) < minPasswordLen || len(req.Password) > maxPasswordLen {
		return fmt.Errorf("password must be between %d and %d bytes", minPasswordLen, maxPasswordLen)
	}
	return nil
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, referral.ErrDuplicateUser),
		errors.Is(err, referral.ErrIdempotencyMismatch):
		return http.StatusConflict
	case referral.IsClientError(err):
		return http.StatusBadRequest
	case referral.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, referral.ErrAllocationExhausted):
		return http.StatusServiceUnavailable
	case referral.IsRetryable(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.internalError(w, r, msg, err)
		return
	}
	writeError(w, status, msg, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.log.Error(op,
		zap.Error(err),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())))
	writeError(w, http.StatusInternalServerError, "Internal server error", nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
