// Package httpapi binds the identity service to HTTP routes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"caseflow.io/internal/identity"
	"caseflow.io/internal/obs"
	"caseflow.io/internal/tenant"
)

// ReadyProbe reports whether downstream dependencies answer.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	router     *mux.Router
	svc        *identity.Service
	readyProbe ReadyProbe
	version    string
}

func New(svc *identity.Service, rp ReadyProbe, version string) *API {
	a := &API{
		router:     mux.NewRouter(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)

	// Prometheus metrics
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	// credential endpoints (no bearer token yet)
	a.router.HandleFunc("/v1/auth/register", a.handleRegister).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/auth/login", a.handleLogin).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/auth/logout", a.handleLogout).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/auth/password-reset/request", a.handlePasswordResetRequest).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/auth/password-reset/confirm", a.handlePasswordResetConfirm).Methods(http.MethodPost)

	// authenticated session control
	a.router.HandleFunc("/v1/auth/me", a.handleMe).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/auth/logout-all", a.handleLogoutAll).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/auth/sessions", a.handleListSessions).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/auth/sessions/{id}", a.handleRevokeSession).Methods(http.MethodDelete)
	a.router.HandleFunc("/v1/accounts/{id}/switch", a.handleSwitchAccount).Methods(http.MethodPost)

	// impersonation (super-admin only; enforced by the service)
	a.router.HandleFunc("/v1/auth/impersonate", a.handleImpersonateStart).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/auth/impersonate/stop", a.handleImpersonateStop).Methods(http.MethodPost)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return a
}

// Handler assembles the middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- service-independent handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "caseflow-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "caseflow-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleIdentityError maps the domain error taxonomy onto HTTP statuses.
// Messages stay generic on 401 so the response never distinguishes an
// unknown account from a bad password, a stolen token from a stale one,
// or a suspended account from a nonexistent one.
func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrTokenMalformed),
		errors.Is(err, identity.ErrTokenExpired),
		errors.Is(err, identity.ErrTokenRevoked),
		errors.Is(err, identity.ErrRefreshInvalid),
		errors.Is(err, identity.ErrRefreshExpired),
		errors.Is(err, identity.ErrReuseDetected),
		errors.Is(err, identity.ErrAccountInactive):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, identity.ErrForbidden),
		errors.Is(err, identity.ErrInsufficientRole),
		errors.Is(err, identity.ErrNoAccountContext),
		errors.Is(err, identity.ErrAccountMismatch):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrInvalidRequest),
		errors.Is(err, identity.ErrAlreadyImpersonating),
		errors.Is(err, identity.ErrNotImpersonating):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, tenant.ErrDepthExceeded):
		obs.Logger().WithField("account_stack", tenant.Stack(r.Context())).
			Error("account scope depth exceeded")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	default:
		obs.Logger().WithField("error", err.Error()).Error("unhandled identity error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pathVar(r *http.Request, name string) string {
	return strings.TrimSpace(mux.Vars(r)[name])
}
