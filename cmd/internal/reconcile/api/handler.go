// Package reconcileapi exposes the Reconciler and principal registry over HTTP.
package reconcileapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"offpay/cmd/internal/auth/access"
	"offpay/cmd/internal/reconcile"
	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

// Handler wires HTTP endpoints to a reconcile.Service.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	svc    *reconcile.Service
	tokens access.Manager
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAccessTokens requires a valid bearer token on every route. The token
// subject must be a party to each submitted payment and must match {id} on
// principal routes.
func WithAccessTokens(m access.Manager) HandlerOption {
	return func(h *Handler) {
		if h == nil || m == nil {
			return
		}
		h.tokens = m
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *reconcile.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("reconcileapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if strings.TrimSpace(cfg.AdminSubject) == "" {
		cfg.AdminSubject = DefaultAdminSubject
	}
	h := &Handler{log: log, cfg: cfg, svc: svc}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires the v1 routes onto r.
func (h *Handler) Register(r *mux.Router) {
	if h == nil || r == nil {
		return
	}
	r.Handle("/v1/reconcile", h.guard(h.handleReconcile)).Methods(http.MethodPost)
	r.Handle("/v1/principals", h.guard(h.handleRegister)).Methods(http.MethodPost)
	r.Handle("/v1/principals/{id}", h.guard(h.handleGetPrincipal)).Methods(http.MethodGet)
	r.Handle("/v1/principals/{id}/load", h.guard(h.handleLoad)).Methods(http.MethodPost)
}

// guard wraps fn with bearer-token auth when access tokens are configured.
// Routes stay flat so a method mismatch surfaces as 405, not 404.
func (h *Handler) guard(fn http.HandlerFunc) http.Handler {
	if h.tokens == nil {
		return fn
	}
	return access.Require(h.tokens, h.log)(fn)
}

// ---- handlers ----

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req offv1.ReconcileRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	batch := reconcile.Batch{Transactions: req.Transactions}
	if claims, ok := access.FromContext(r.Context()); ok {
		batch.Caller = claims.Subject
	}

	resp, err := h.svc.Reconcile(r.Context(), batch)
	if err != nil {
		if errors.Is(err, reconcile.ErrBatchTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
			return
		}
		h.log.Error("reconcile.batch.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "please retry later")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req offv1.RegisterPrincipalRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if !h.authorizeRegister(w, r, strings.TrimSpace(req.ID), req.MainBalance) {
		return
	}

	p, err := h.svc.RegisterPrincipal(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "reconcile.principal.register.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrincipalResponse(p))
}

func (h *Handler) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.authorize(w, r, id) {
		return
	}
	p, err := h.svc.GetPrincipal(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "reconcile.principal.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrincipalResponse(p))
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req offv1.LoadOfflineRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if !h.authorize(w, r, id) {
		return
	}

	p, err := h.svc.LoadOffline(r.Context(), id, req.Amount)
	if err != nil {
		h.writeServiceError(w, "reconcile.load.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toPrincipalResponse(p))
}

// authorize enforces subject == id when access tokens are required.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, id string) bool {
	if h.tokens == nil {
		return true
	}
	claims, ok := access.FromContext(r.Context())
	if !ok || claims.Subject != id {
		writeError(w, http.StatusForbidden, "forbidden", "token subject does not match principal")
		return false
	}
	return true
}

// authorizeRegister lets a principal self-register with a zero balance. An
// opening main balance is minted money, so only the admin subject may set it.
func (h *Handler) authorizeRegister(w http.ResponseWriter, r *http.Request, id string, mainBalance int64) bool {
	if h.tokens == nil {
		return true
	}
	claims, ok := access.FromContext(r.Context())
	switch {
	case !ok:
		writeError(w, http.StatusForbidden, "forbidden", "missing token claims")
		return false
	case claims.Subject == h.cfg.AdminSubject:
		return true
	case claims.Subject != id:
		writeError(w, http.StatusForbidden, "forbidden", "token subject does not match principal")
		return false
	case mainBalance != 0:
		writeError(w, http.StatusForbidden, "forbidden", "opening balance requires the admin subject")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	var lim payment.LoadLimitError
	switch {
	case errors.As(err, &lim):
		writeError(w, http.StatusConflict, string(payment.ReasonOfflineCapExceeded), err.Error())
	case errors.Is(err, reconcile.ErrPrincipalNotFound):
		writeError(w, http.StatusNotFound, "not_found", "principal not found")
	case errors.Is(err, reconcile.ErrPrincipalExists):
		writeError(w, http.StatusConflict, "already_exists", "principal already exists")
	case errors.Is(err, reconcile.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, payment.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, string(payment.ReasonInvalidAmount), "amount must be positive")
	case errors.Is(err, payment.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, string(payment.ReasonInsufficientFunds), "main balance too low")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "please retry later")
	}
}

func toPrincipalResponse(p reconcile.Principal) offv1.PrincipalResponse {
	return offv1.PrincipalResponse{
		ID:             p.ID,
		PublicKey:      payment.EncodePublicKey(p.PublicKey),
		MainBalance:    p.MainBalance,
		OfflineBalance: p.OfflineBalance,
		LastCounter:    p.LastCounter,
	}
}
