// Package httpapi serves the webhook intake and the read-only admin API.
//
// Routes:
//
//	POST /webhook/alerts     bearer secret in Authorization
//	POST /webhook/{secret}   secret in the path
//	GET  /api/history?limit= bearer secret
//	GET  /api/modules        bearer secret
//	GET  /api/stats          bearer secret
//	GET  /metrics            optional, unauthenticated
//	GET  /healthz
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"alertrelay/internal/admission"
	"alertrelay/internal/alert"
	"alertrelay/internal/queue"
	"alertrelay/internal/report"
	logx "alertrelay/pkg/logx"
)

const maxBodyBytes = 1 << 20

type Submitter interface {
	Submit(ctx context.Context, ev alert.Event) (admission.Decision, error)
}

type Reports interface {
	History(ctx context.Context, limit int) []alert.Event
	Modules(ctx context.Context) report.ModulesSnapshot
	Statistics(ctx context.Context) report.Stats
}

type HandlerConfig struct {
	Secret string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type api struct {
	secret  []byte
	submit  Submitter
	reports Reports
	log     logx.Logger
}

// SubmitResponse is the 200 body for both accepted and rejected alerts.
type SubmitResponse struct {
	Status            string `json:"status"`
	AlertID           string `json:"alert_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler builds the router. An empty secret rejects every
// authenticated request.
func NewHandler(cfg HandlerConfig, sub Submitter, rep Reports, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{secret: []byte(strings.TrimSpace(cfg.Secret)), submit: sub, reports: rep, log: log}

	r := mux.NewRouter()
	r.Use(a.recoverMiddleware, a.logMiddleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	hooks := r.PathPrefix("/webhook").Subrouter()
	hooks.HandleFunc("/alerts", a.withBearer(a.submitAlert)).Methods(http.MethodPost)
	hooks.HandleFunc("/{secret}", a.withPathSecret(a.submitAlert)).Methods(http.MethodPost)

	admin := r.PathPrefix("/api").Subrouter()
	admin.HandleFunc("/history", a.withBearer(a.history)).Methods(http.MethodGet)
	admin.HandleFunc("/modules", a.withBearer(a.modules)).Methods(http.MethodGet)
	admin.HandleFunc("/stats", a.withBearer(a.stats)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *api) submitAlert(w http.ResponseWriter, r *http.Request) {
	var p alertPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&p); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev, err := p.toEvent()
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	a.log.Info("alert received", logx.String("kind", ev.Kind), logx.String("module", ev.Module))
	d, err := a.submit.Submit(r.Context(), ev)
	switch {
	case err == nil:
	case admission.IsRejection(err):
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrClosed):
		jsonErr(w, http.StatusServiceUnavailable, "shutting down")
		return
	default:
		a.log.Error("alert submit failed", logx.String("module", ev.Module), logx.Err(err))
		jsonErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	if d.Accepted {
		jsonResp(w, http.StatusOK, SubmitResponse{Status: "accepted", AlertID: d.AlertID})
		return
	}
	resp := SubmitResponse{Status: "rejected", Reason: string(d.Reason)}
	if d.RetryAfter > 0 {
		resp.RetryAfterSeconds = int((d.RetryAfter + time.Second - 1) / time.Second)
	}
	jsonResp(w, http.StatusOK, resp)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jsonResp(w, http.StatusOK, a.reports.History(r.Context(), limit))
}

func (a *api) modules(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, a.reports.Modules(r.Context()))
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, a.reports.Statistics(r.Context()))
}

func (a *api) authorized(got string) bool {
	if len(a.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), a.secret) == 1
}

func (a *api) withBearer(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if !strings.HasPrefix(ah, p) || !a.authorized(strings.TrimSpace(strings.TrimPrefix(ah, p))) {
			unauthorized(w)
			return
		}
		h(w, r)
	}
}

func (a *api) withPathSecret(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authorized(mux.Vars(r)["secret"]) {
			unauthorized(w)
			return
		}
		h(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	jsonErr(w, http.StatusUnauthorized, "unauthorized")
}

func jsonResp(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, status int, msg string) {
	jsonResp(w, status, errorResponse{Error: msg})
}
