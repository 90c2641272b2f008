package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
	"github.com/atvirokodosprendimai/storesync/internal/core/usecase"
	"github.com/atvirokodosprendimai/storesync/internal/platform/metrics"
)

const (
	timeFormat      = "2006-01-02T15:04:05.999999Z07:00"
	maxJSONBodySize = 1 << 20

	webhookSignatureHeader = "X-Platform-Hmac-Sha256"
	webhookIDHeader        = "X-Platform-Webhook-Id"
)

type Handler struct {
	reconciler *usecase.Reconciler
	sessions   *usecase.SessionValidator
	webhooks   *usecase.WebhookVerifier
	payloads   *usecase.PayloadValidator
	audit      *usecase.AuditService
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	timeout    time.Duration
	ping       func(context.Context) error
}

// Deps holds the collaborators the HTTP surface delegates to. Logger,
// Metrics and Gatherer may be nil.
type Deps struct {
	Reconciler     *usecase.Reconciler
	Sessions       *usecase.SessionValidator
	Webhooks       *usecase.WebhookVerifier
	Payloads       *usecase.PayloadValidator
	Audit          *usecase.AuditService
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
	RequestTimeout time.Duration
	// Ping backs /healthz when set.
	Ping func(context.Context) error
}

func NewHandler(deps Deps) *Handler {
	h := &Handler{
		reconciler: deps.Reconciler,
		sessions:   deps.Sessions,
		webhooks:   deps.Webhooks,
		payloads:   deps.Payloads,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		logger:     deps.Logger,
		timeout:    deps.RequestTimeout,
		ping:       deps.Ping,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.timeout <= 0 {
		h.timeout = 15 * time.Second
	}
	return h
}

// Router mounts the store API under basePath. Health and metrics stay at
// the root.
func (h *Handler) Router(basePath string) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recovery(h.logger))
	r.Use(Logger(h.logger))

	r.Get("/healthz", h.healthz)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	api := chi.NewRouter()
	api.Use(Timeout(h.timeout))
	api.Post("/webhooks/uninstall", h.uninstallWebhook)
	api.Group(func(pr chi.Router) {
		pr.Use(h.requireSession)
		pr.Post("/stores/upsert", h.upsertStore)
		pr.Post("/stores/sync", h.syncStore)
		pr.Post("/stores/deactivate", h.deactivateStore)
		pr.Get("/stores/active", h.listActive)
		pr.Get("/stores/current", h.currentStore)
		pr.Get("/stores/events", h.listEvents)
		pr.Get("/stores/stale", h.listStale)
	})

	basePath = "/" + strings.Trim(basePath, "/")
	if basePath == "/" {
		r.Mount("/", api)
	} else {
		r.Mount(basePath, api)
	}
	return r
}

type upsertRequest struct {
	Domain       string     `json:"domain"`
	ExternalID   flexibleID `json:"externalId"`
	DisplayName  string     `json:"displayName"`
	ContactEmail string     `json:"contactEmail"`
	Plan         string     `json:"plan"`
}

// flexibleID accepts the platform store id as a JSON string or number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type storeRefRequest struct {
	Domain string `json:"domain"`
}

type uninstallWebhookRequest struct {
	Domain string `json:"domain"`
}

type storeResponse struct {
	Domain       string `json:"domain"`
	ExternalID   string `json:"externalId"`
	DisplayName  string `json:"displayName"`
	ContactEmail string `json:"contactEmail,omitempty"`
	Plan         string `json:"plan"`
	Active       bool   `json:"active"`
	LastSyncedAt string `json:"lastSyncedAt"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type envelope struct {
	Status  int    `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
}

type errorPayload struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (h *Handler) upsertStore(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if !h.decodeBody(w, r, usecase.PayloadStoreUpsert, &req) {
		return
	}
	session, _ := SessionFromContext(r.Context())
	if err := sameDomain(session, req.Domain); err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	tenant, created, err := h.reconciler.Install(r.Context(), domain.UpsertInput{
		Domain:       req.Domain,
		ExternalID:   string(req.ExternalID),
		DisplayName:  req.DisplayName,
		ContactEmail: req.ContactEmail,
		Plan:         req.Plan,
	}, h.mutationMeta(r, domain.SourceAPI))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	if created {
		writeSuccess(w, http.StatusCreated, toStoreResponse(tenant), "Store added successfully.")
		return
	}
	writeSuccess(w, http.StatusOK, toStoreResponse(tenant), "Store updated successfully.")
}

func (h *Handler) syncStore(w http.ResponseWriter, r *http.Request) {
	target, ok := h.storeRef(w, r)
	if !ok {
		return
	}
	tenant, err := h.reconciler.Sync(r.Context(), target, h.mutationMeta(r, domain.SourceAPI))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toStoreResponse(tenant), "Store synced successfully.")
}

func (h *Handler) deactivateStore(w http.ResponseWriter, r *http.Request) {
	target, ok := h.storeRef(w, r)
	if !ok {
		return
	}
	tenant, err := h.reconciler.Deactivate(r.Context(), target, h.mutationMeta(r, domain.SourceAPI))
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toStoreResponse(tenant), "Store deactivated.")
}

// storeRef resolves the target of sync and deactivate. An omitted domain
// means the session's own store.
func (h *Handler) storeRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req storeRefRequest
	if !h.decodeBody(w, r, usecase.PayloadStoreRef, &req) {
		return "", false
	}
	session, _ := SessionFromContext(r.Context())
	if strings.TrimSpace(req.Domain) == "" {
		return session.Domain, true
	}
	if err := sameDomain(session, req.Domain); err != nil {
		h.handleDomainError(w, r, err)
		return "", false
	}
	return req.Domain, true
}

func (h *Handler) uninstallWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}
	if err := h.webhooks.Verify(body, r.Header.Get(webhookSignatureHeader)); err != nil {
		h.metrics.IncrementUninstall("rejected")
		h.handleDomainError(w, r, err)
		return
	}
	if err := h.payloads.Validate(usecase.PayloadUninstallWebhook, body); err != nil {
		h.handleDomainError(w, r, err)
		return
	}

	var req uninstallWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook data")
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		writeError(w, http.StatusBadRequest, "invalid webhook data: domain is required")
		return
	}

	meta := h.mutationMeta(r, domain.SourceWebhook)
	meta.IdempotencyKey = strings.TrimSpace(r.Header.Get(webhookIDHeader))
	outcome, err := h.reconciler.HandleUninstallEvent(r.Context(), req.Domain, meta)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"outcome": string(outcome)}, "App uninstalled. Store deactivated.")
}

func (h *Handler) listActive(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.reconciler.ListActive(r.Context())
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"stores": toStoreResponses(tenants)}, "Active stores fetched.")
}

func (h *Handler) currentStore(w http.ResponseWriter, r *http.Request) {
	session, _ := SessionFromContext(r.Context())
	tenant, err := h.reconciler.Get(r.Context(), session.Domain)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toStoreResponse(tenant), "Store fetched.")
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseIntParam(w, r, "limit", 100)
	if !ok {
		return
	}
	after, ok := parseIntParam(w, r, "after", 0)
	if !ok {
		return
	}

	session, _ := SessionFromContext(r.Context())
	events, err := h.audit.List(r.Context(), domain.AuditFilter{
		Domain:  session.Domain,
		Action:  strings.TrimSpace(r.URL.Query().Get("action")),
		AfterID: int64(after),
		Limit:   limit,
	})
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.AuditTrailEvent{}
	}
	writeSuccess(w, http.StatusOK, map[string]any{"events": events}, "Store events fetched.")
}

func (h *Handler) listStale(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("older_than"))
	if raw == "" {
		raw = "24h"
	}
	olderThan, err := time.ParseDuration(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "older_than must be a duration")
		return
	}
	tenants, err := h.reconciler.ListStale(r.Context(), olderThan)
	if err != nil {
		h.handleDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"stores": toStoreResponses(tenants)}, "Stale stores fetched.")
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.logger.ErrorContext(r.Context(), "health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeBody validates the raw body against the named schema before
// decoding it into dst.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.payloads.Validate(schema, body); err != nil {
		h.handleDomainError(w, r, err)
		return false
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (h *Handler) mutationMeta(r *http.Request, source string) domain.MutationMetadata {
	requestID := GetRequestID(r.Context())
	meta := domain.MutationMetadata{
		Source:        source,
		RequestID:     requestID,
		CorrelationID: requestID,
	}
	if session, ok := SessionFromContext(r.Context()); ok {
		meta.Actor = session.Subject
		meta.CausationID = session.SessionID
	}
	return meta
}

// sameDomain rejects a body that names a store other than the session's.
func sameDomain(session domain.Session, bodyDomain string) error {
	if domain.NormalizeDomain(bodyDomain) == "" {
		return nil
	}
	if domain.NormalizeDomain(bodyDomain) != session.Domain {
		return domain.Unauthorized("session does not belong to this store")
	}
	return nil
}

func toStoreResponse(t domain.Tenant) storeResponse {
	return storeResponse{
		Domain:       t.Domain,
		ExternalID:   t.ExternalID,
		DisplayName:  t.DisplayName,
		ContactEmail: t.ContactEmail,
		Plan:         t.Plan,
		Active:       t.Active,
		LastSyncedAt: formatTime(t.LastSyncedAt),
		CreatedAt:    formatTime(t.CreatedAt),
		UpdatedAt:    formatTime(t.UpdatedAt),
	}
}

func toStoreResponses(tenants []domain.Tenant) []storeResponse {
	out := make([]storeResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, toStoreResponse(t))
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseIntParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be integer")
		return 0, false
	}
	return parsed, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("encode json response", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.Error("write response", slog.String("error", err.Error()))
	}
}

func writeSuccess(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, envelope{Status: status, Data: data, Message: message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorPayload{Status: status, Message: message})
}

// handleDomainError is the single place errors become HTTP responses.
// Internal detail only reaches the log.
func (h *Handler) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var coded *domain.Error
	message := "internal server error"
	if errors.As(err, &coded) && coded.Code != domain.CodeInternal {
		message = coded.Message
	}

	switch domain.CodeOf(err) {
	case domain.CodeUnauthorized:
		writeError(w, http.StatusUnauthorized, message)
	case domain.CodeValidation:
		writeError(w, http.StatusBadRequest, message)
	case domain.CodeNotFound:
		writeError(w, http.StatusNotFound, message)
	case domain.CodeConflict:
		writeError(w, http.StatusConflict, message)
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		if errors.As(err, &coded) && coded.Message != "" {
			message = coded.Message
		}
		writeError(w, http.StatusInternalServerError, message)
	}
}
