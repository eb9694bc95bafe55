package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/digitalbillionaire/payrollops/internal/models"
	"github.com/digitalbillionaire/payrollops/internal/service"
	"github.com/digitalbillionaire/payrollops/internal/store"
	"github.com/digitalbillionaire/payrollops/internal/upstream"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payroll_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})

	validate = validator.New()
)

// AuditReader is the slice of the store the audit endpoints read from.
type AuditReader interface {
	ListRuns(ctx context.Context, limit int) ([]models.AuditRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*store.RunDetail, error)
}

type Handler struct {
	svc   *service.Service
	audit AuditReader
}

func NewHandler(svc *service.Service, audit AuditReader) *Handler {
	return &Handler{svc: svc, audit: audit}
}

// Register mounts all payout routes on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/flows/{kind}", h.OpenFlowHandler).Methods("POST")
	v1.HandleFunc("/flows/{kind}", h.FlowStatusHandler).Methods("GET")
	v1.HandleFunc("/flows/{kind}/preview", h.PreviewHandler).Methods("POST")
	v1.HandleFunc("/flows/{kind}/confirm", h.ConfirmHandler).Methods("POST")
	v1.HandleFunc("/flows/rollout/verify-otp", h.VerifyOTPHandler).Methods("POST")
	v1.HandleFunc("/flows/{kind}/cancel", h.CancelHandler).Methods("POST")
	v1.HandleFunc("/flows/{kind}/ledger", h.LedgerHandler).Methods("GET")
	v1.HandleFunc("/audit/runs", h.ListRunsHandler).Methods("GET")
	v1.HandleFunc("/audit/runs/{id}", h.GetRunHandler).Methods("GET")
}

// flowResponse is the envelope for every flow mutation: the dashboard
// always receives the post-operation snapshot, with the rejection
// message when the operation did not advance the flow.
type flowResponse struct {
	Flow  models.FlowSnapshot `json:"flow"`
	Error string              `json:"error,omitempty"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func flowKind(r *http.Request) (models.FlowKind, bool) {
	kind := models.FlowKind(mux.Vars(r)["kind"])
	return kind, kind.Valid()
}

func (h *Handler) OpenFlowHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/flows/{kind}"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	kind, ok := flowKind(r)
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown flow kind", "POST", endpoint)
		return
	}
	snap, err := h.svc.OpenFlow(r.Context(), kind)
	h.respondFlow(w, snap, err, "POST", endpoint)
}

func (h *Handler) FlowStatusHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/flows/{kind}"
	kind, ok := flowKind(r)
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown flow kind", "GET", endpoint)
		return
	}
	snap, err := h.svc.FlowStatus(kind)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error(), "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, flowResponse{Flow: snap}, "GET", endpoint)
}

func (h *Handler) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/flows/{kind}/preview"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	kind, ok := flowKind(r)
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown flow kind", "POST", endpoint)
		return
	}
	snap, err := h.svc.Preview(r.Context(), kind)
	h.respondFlow(w, snap, err, "POST", endpoint)
}

func (h *Handler) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/flows/{kind}/confirm"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	kind, ok := flowKind(r)
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown flow kind", "POST", endpoint)
		return
	}
	snap, err := h.svc.Confirm(r.Context(), kind)
	h.respondFlow(w, snap, err, "POST", endpoint)
}

type verifyOTPRequest struct {
	OTP string `json:"otp" validate:"required,min=4,max=8,numeric"`
}

func (h *Handler) VerifyOTPHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/flows/rollout/verify-otp"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondWithError(w, http.StatusBadRequest, "A valid OTP code is required", "POST", endpoint)
		return
	}

	snap, err := h.svc.VerifyOTP(r.Context(), req.OTP)
	h.respondFlow(w, snap, err, "POST", endpoint)
}

func (h *Handler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/flows/{kind}/cancel"
	kind, ok := flowKind(r)
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown flow kind", "POST", endpoint)
		return
	}
	snap, err := h.svc.CancelFlow(r.Context(), kind)
	h.respondFlow(w, snap, err, "POST", endpoint)
}

func (h *Handler) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/flows/{kind}/ledger"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	kind, ok := flowKind(r)
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown flow kind", "GET", endpoint)
		return
	}
	q := ledgerQuery(r)

	if kind == models.FlowEnroll {
		page, err := h.svc.EnrollLedger(r.Context(), q)
		if err != nil {
			respondWithError(w, statusFor(err), err.Error(), "GET", endpoint)
			return
		}
		respondWithJSON(w, http.StatusOK, page, "GET", endpoint)
		return
	}

	snap, err := h.svc.RolloutLedger(r.Context(), q)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error(), "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, snap, "GET", endpoint)
}

func (h *Handler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/audit/runs"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.audit.ListRuns(r.Context(), limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to list runs", "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"runs": runs}, "GET", endpoint)
}

func (h *Handler) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/audit/runs/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid run id", "GET", endpoint)
		return
	}
	detail, err := h.audit.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			respondWithError(w, http.StatusNotFound, "Run not found", "GET", endpoint)
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to load run", "GET", endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, detail, "GET", endpoint)
}

func (h *Handler) respondFlow(w http.ResponseWriter, snap models.FlowSnapshot, err error, method, endpoint string) {
	if err != nil {
		respondWithJSON(w, statusFor(err), flowResponse{Flow: snap, Error: err.Error()}, method, endpoint)
		return
	}
	respondWithJSON(w, http.StatusOK, flowResponse{Flow: snap}, method, endpoint)
}

// statusFor maps service errors to HTTP status codes: designed blocking
// states and in-flight guards are conflicts, operator-correctable
// rejections are unprocessable, anything that went wrong upstream is a
// bad gateway, and an unrecognized error is our own fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrFlowBlocked),
		errors.Is(err, service.ErrCommitInFlight),
		errors.Is(err, service.ErrVerifyInFlight),
		errors.Is(err, service.ErrRequestInFlight):
		return http.StatusConflict
	case errors.Is(err, service.ErrNothingToProcess),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrNoChallenge),
		errors.Is(err, service.ErrChallengeExpired),
		errors.Is(err, service.ErrOTPRejected),
		errors.Is(err, service.ErrOTPSendRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrCommitRejected),
		errors.Is(err, service.ErrInconsistentTotals):
		return http.StatusBadGateway
	}

	var statusErr *upstream.StatusError
	var urlErr *url.Error
	if errors.As(err, &statusErr) || errors.As(err, &urlErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func ledgerQuery(r *http.Request) models.LedgerQuery {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return models.LedgerQuery{
		Page:   page,
		Limit:  limit,
		Search: r.URL.Query().Get("search"),
	}.Normalize()
}
