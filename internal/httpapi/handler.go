// Package httpapi exposes the queue engine over HTTP. Request schemas are
// strict (unknown fields rejected) and every error is mapped onto the
// shared taxonomy before it reaches the wire.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/astronien/smart-queue-system/internal/backup"
	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/queue"
	"github.com/astronien/smart-queue-system/internal/stats"
	"github.com/astronien/smart-queue-system/internal/store"
)

// QueueService is the engine surface the handlers call. Declared here so
// tests can substitute a fake.
type QueueService interface {
	AddCustomer(ctx context.Context, input queue.AddCustomerInput) (models.Customer, error)
	Get(ctx context.Context, branchID string, id int64) (models.Customer, error)
	List(ctx context.Context, filter store.ListFilter) ([]models.Customer, error)
	Update(ctx context.Context, branchID string, id int64, input queue.UpdateCustomerInput) (models.Customer, error)
	Move(ctx context.Context, branchID string, id int64, direction queue.Direction) (models.Customer, error)
	SetStatus(ctx context.Context, branchID string, id int64, status models.Status) (models.Customer, error)
	Complete(ctx context.Context, branchID string, id int64) (models.CompletedEntry, error)
	Remove(ctx context.Context, branchID string, id int64) error
	Settings(ctx context.Context, branchID string) (models.RegistrationSettings, error)
	UpdateSettings(ctx context.Context, settings models.RegistrationSettings) (models.RegistrationSettings, error)
	Statistics(ctx context.Context, branchID string) (stats.Statistics, error)
	Completed(ctx context.Context, branchID string, limit int) ([]models.CompletedEntry, error)
	ClearData(ctx context.Context, branchID string) error
}

type Handler struct {
	svc   QueueService
	store store.Store
	log   zerolog.Logger
}

type Options struct {
	// CORSOrigin is the allowed browser origin; "*" during development.
	CORSOrigin string
	// RequestLimit caps requests per client IP per minute; zero disables
	// rate limiting.
	RequestLimit int
}

func NewHandler(svc QueueService, st store.Store, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, store: st, log: log}
}

func (h *Handler) Routes(options Options) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(h.log))
	if options.CORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{options.CORSOrigin},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if options.RequestLimit > 0 {
		r.Use(httprate.LimitByIP(options.RequestLimit, time.Minute))
	}

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", expvar.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.handleListCustomers)
			r.Post("/", h.handleCreateCustomer)
			r.Get("/export", h.handleExportCustomers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetCustomer)
				r.Put("/", h.handleUpdateCustomer)
				r.Delete("/", h.handleDeleteCustomer)
				r.Patch("/move", h.handleMoveCustomer)
				r.Patch("/status", h.handleSetStatus)
				r.Patch("/complete", h.handleCompleteCustomer)
			})
		})
		r.Get("/settings/{branchId}", h.handleGetSettings)
		r.Put("/settings/{branchId}", h.handlePutSettings)
		r.Get("/stats/{branchId}", h.handleStats)
		r.Get("/stats/{branchId}/completed", h.handleCompleted)
		r.Get("/backup/{branchId}", h.handleExportBackup)
		r.Post("/backup/{branchId}", h.handleImportBackup)
		r.Delete("/data/{branchId}", h.handleClearData)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type createCustomerRequest struct {
	BranchID        string         `json:"branchId"`
	FirstName       string         `json:"firstName"`
	LastName        string         `json:"lastName"`
	Phone           string         `json:"phone"`
	CustomFieldData map[string]any `json:"customFieldData"`
}

func (h *Handler) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.BranchID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "branchId is required")
		return
	}

	customer, err := h.svc.AddCustomer(r.Context(), queue.AddCustomerInput{
		BranchID:        req.BranchID,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Phone:           req.Phone,
		CustomFieldData: req.CustomFieldData,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, customer)
}

func (h *Handler) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	branchID := strings.TrimSpace(r.URL.Query().Get("branchId"))
	if branchID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "branchId is required")
		return
	}
	filter := store.ListFilter{
		BranchID: branchID,
		Station:  strings.TrimSpace(r.URL.Query().Get("station")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := models.Status(raw)
		if !models.ValidStatus(status) {
			writeError(w, http.StatusBadRequest, "invalid_request", "status must be WAITING or IN_PROGRESS")
			return
		}
		filter.Status = status
	}

	customers, err := h.svc.List(r.Context(), filter)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if customers == nil {
		customers = []models.Customer{}
	}
	writeJSON(w, http.StatusOK, customers)
}

func (h *Handler) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	branchID, id, ok := customerRef(w, r)
	if !ok {
		return
	}
	customer, err := h.svc.Get(r.Context(), branchID, id)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

type updateCustomerRequest struct {
	FirstName       string         `json:"firstName"`
	LastName        string         `json:"lastName"`
	Phone           string         `json:"phone"`
	CustomFieldData map[string]any `json:"customFieldData"`
}

func (h *Handler) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	branchID, id, ok := customerRef(w, r)
	if !ok {
		return
	}
	var req updateCustomerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	customer, err := h.svc.Update(r.Context(), branchID, id, queue.UpdateCustomerInput{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Phone:           req.Phone,
		CustomFieldData: req.CustomFieldData,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (h *Handler) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	branchID, id, ok := customerRef(w, r)
	if !ok {
		return
	}
	if err := h.svc.Remove(r.Context(), branchID, id); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveCustomerRequest struct {
	Direction string `json:"direction"`
}

func (h *Handler) handleMoveCustomer(w http.ResponseWriter, r *http.Request) {
	branchID, id, ok := customerRef(w, r)
	if !ok {
		return
	}
	var req moveCustomerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	customer, err := h.svc.Move(r.Context(), branchID, id, queue.Direction(strings.TrimSpace(req.Direction)))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	branchID, id, ok := customerRef(w, r)
	if !ok {
		return
	}
	var req setStatusRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	customer, err := h.svc.SetStatus(r.Context(), branchID, id, models.Status(strings.TrimSpace(req.Status)))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (h *Handler) handleCompleteCustomer(w http.ResponseWriter, r *http.Request) {
	branchID, id, ok := customerRef(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.Complete(r.Context(), branchID, id)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleExportCustomers(w http.ResponseWriter, r *http.Request) {
	branchID := strings.TrimSpace(r.URL.Query().Get("branchId"))
	if branchID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "branchId is required")
		return
	}
	format := strings.TrimSpace(r.URL.Query().Get("format"))
	if format == "" {
		format = "csv"
	}

	customers, err := h.svc.List(r.Context(), store.ListFilter{BranchID: branchID})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	stamp := time.Now().UTC().Format("2006-01-02")
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=queue-%s.csv", stamp))
		if err := backup.WriteCSV(w, customers, time.Now()); err != nil {
			h.log.Error().Err(err).Msg("write csv export")
		}
	case "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=queue-%s.json", stamp))
		writeJSON(w, http.StatusOK, customers)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "format must be csv or json")
	}
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.svc.Settings(r.Context(), chi.URLParam(r, "branchId"))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.RegistrationSettings
	if !decodeRequest(w, r, &settings) {
		return
	}
	// The path owns the branch; a mismatching body value is ignored.
	settings.BranchID = chi.URLParam(r, "branchId")

	updated, err := h.svc.UpdateSettings(r.Context(), settings)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	statistics, err := h.svc.Statistics(r.Context(), chi.URLParam(r, "branchId"))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, statistics)
}

func (h *Handler) handleCompleted(w http.ResponseWriter, r *http.Request) {
	limit := store.CompletedHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.svc.Completed(r.Context(), chi.URLParam(r, "branchId"), limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if entries == nil {
		entries = []models.CompletedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleExportBackup(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchId")
	dump, err := backup.Export(r.Context(), h.store, branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=backup-%s-%s.json", branchID, time.Now().UTC().Format("2006-01-02")))
	writeJSON(w, http.StatusOK, dump)
}

func (h *Handler) handleImportBackup(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchId")
	if err := backup.Import(r.Context(), h.store, branchID, r.Body); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClearData(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearData(r.Context(), chi.URLParam(r, "branchId")); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// customerRef pulls the branch (query) and customer id (path) shared by
// every single-customer route.
func customerRef(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	branchID := strings.TrimSpace(r.URL.Query().Get("branchId"))
	if branchID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "branchId is required")
		return "", 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must be a positive integer")
		return "", 0, false
	}
	return branchID, id, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mapError(err error) (int, string, string) {
	var validation *queue.ValidationError
	var persistence *store.PersistenceError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.Is(err, store.ErrCustomerNotFound):
		return http.StatusNotFound, "customer_not_found", "customer not found"
	case errors.Is(err, store.ErrBranchNotFound):
		return http.StatusNotFound, "branch_not_found", "branch not found"
	case errors.As(err, &persistence):
		return http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
