package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/api/middleware"
	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
	"github.com/drfirst/go-medlabel/internal/resolver"
)

// Resolver is the resolution pipeline as the API uses it.
type Resolver interface {
	Resolve(ctx context.Context, bohcode string, opts resolver.Options) (resolver.Result, error)
	Retry(ctx context.Context, bohcode string) resolver.Outcome
	Reassign(ctx context.Context, bohcode, code string) resolver.Outcome
	Search(ctx context.Context, name string) ([]medicine.Candidate, bool)
}

// Store is the read and maintenance side of the relational store.
type Store interface {
	GetPrescription(ctx context.Context, id int64) (prescription.Prescription, error)
	ListPrescriptionLabels(ctx context.Context, id int64) ([]medicine.Label, error)
	ListPrescriptionsByDate(ctx context.Context, day time.Time) ([]prescription.Prescription, error)
	ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]prescription.Prescription, error)
	ListParsedOn(ctx context.Context, day time.Time) ([]prescription.Prescription, error)
	ListUnresolved(ctx context.Context) ([]medicine.Medicine, error)
	ListMedicines(ctx context.Context, limit, offset int) ([]medicine.Medicine, error)
	UpdateUserFields(ctx context.Context, id medicine.Identity, u medicine.UserFields) (medicine.Medicine, error)
	DeletePrescription(ctx context.Context, id int64) error
}

// Ingester records parsed prescriptions.
type Ingester interface {
	Ingest(ctx context.Context, p prescription.Parsed) (prescription.IngestResult, error)
}

// Handler serves the /api/v1 routes.
type Handler struct {
	resolver Resolver
	store    Store
	ingester Ingester
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a handler. ingester may be nil, which disables POST /prescriptions.
func New(res Resolver, store Store, ingester Ingester, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		resolver: res,
		store:    store,
		ingester: ingester,
		logger:   logger,
		tracer:   otel.Tracer("api-handlers"),
	}
}

// Routes returns the handler routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/labels/{bohcode}", h.GetLabel)

	r.Route("/prescriptions", func(r chi.Router) {
		r.Get("/", h.ListPrescriptions)
		r.Post("/", h.IngestPrescription)
		r.Get("/{id}", h.GetPrescription)
		r.Get("/{id}/labels", h.PrescriptionLabels)
		r.Delete("/{id}", h.DeletePrescription)
	})

	r.Route("/medicines", func(r chi.Router) {
		r.Get("/", h.ListMedicines)
		r.Get("/unresolved", h.ListUnresolved)
		r.Post("/{bohcode}/retry", h.Retry)
		r.Post("/{bohcode}/reassign", h.Reassign)
		r.Patch("/{code}", h.UpdateUserFields)
	})

	r.Get("/directory/search", h.Search)
	return r
}

func (h *Handler) bohcodeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	bohcode := chi.URLParam(r, "bohcode")
	if !prescription.ValidBohcode(bohcode) {
		jsonError(w, "bohcode must be 9 digits", http.StatusBadRequest)
		return "", false
	}
	return bohcode, true
}

// GetLabel handles GET /labels/{bohcode}. Unseen bohcodes are resolved, so
// the response always carries a printable record.
func (h *Handler) GetLabel(w http.ResponseWriter, r *http.Request) {
	bohcode, ok := h.bohcodeParam(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "get_label", trace.WithAttributes(attribute.String("bohcode", bohcode)))
	defer span.End()

	res, err := h.resolver.Resolve(ctx, bohcode, resolver.Options{})
	if err != nil {
		span.RecordError(err)
		h.logger.Error("label lookup failed",
			zap.String("bohcode", bohcode),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "label lookup failed", http.StatusInternalServerError)
		return
	}
	res.Medicine.Bohcode = bohcode
	writeJSON(w, http.StatusOK, LabelResponse{
		MedicineResponse: medicineResponse(res.Medicine),
		Status:           string(res.Status),
	})
}

// ListUnresolved handles GET /medicines/unresolved.
func (h *Handler) ListUnresolved(w http.ResponseWriter, r *http.Request) {
	ms, err := h.store.ListUnresolved(r.Context())
	if err != nil {
		h.internal(w, r, "list unresolved", err)
		return
	}
	out := make([]MedicineResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, medicineResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// Paging bounds for GET /medicines.
const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// ListMedicines handles GET /medicines?limit=&offset=, one row per mapped bohcode.
func (h *Handler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultPageSize)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	if limit == 0 || limit > maxPageSize {
		jsonError(w, fmt.Sprintf("limit must be between 1 and %d", maxPageSize), http.StatusBadRequest)
		return
	}

	ms, err := h.store.ListMedicines(r.Context(), limit, offset)
	if err != nil {
		h.internal(w, r, "list medicines", err)
		return
	}
	out := make([]MedicineResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, medicineResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// queryInt reads a non-negative integer query parameter, writing a 400 when
// it is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		jsonError(w, name+" must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// Retry handles POST /medicines/{bohcode}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	bohcode, ok := h.bohcodeParam(w, r)
	if !ok {
		return
	}
	h.outcome(w, r, h.resolver.Retry(r.Context(), bohcode))
}

// ReassignRequest names the canonical code chosen for a bohcode.
type ReassignRequest struct {
	Code string `json:"code"`
}

// Reassign handles POST /medicines/{bohcode}/reassign.
func (h *Handler) Reassign(w http.ResponseWriter, r *http.Request) {
	bohcode, ok := h.bohcodeParam(w, r)
	if !ok {
		return
	}
	var req ReassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" || strings.HasPrefix(req.Code, medicine.PlaceholderPrefix) {
		jsonError(w, "code must be a directory code", http.StatusBadRequest)
		return
	}
	h.outcome(w, r, h.resolver.Reassign(r.Context(), bohcode, req.Code))
}

func (h *Handler) outcome(w http.ResponseWriter, r *http.Request, o resolver.Outcome) {
	h.logger.Info("medicine action",
		zap.String("path", r.URL.Path),
		zap.Bool("ok", o.OK),
		zap.String("message", o.Message),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	code := http.StatusOK
	if !o.OK {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, o)
}

// UpdateUserFields handles PATCH /medicines/{code}.
func (h *Handler) UpdateUserFields(w http.ResponseWriter, r *http.Request) {
	id, err := medicine.ParseIdentity(chi.URLParam(r, "code"))
	if err != nil {
		jsonError(w, "invalid medicine code", http.StatusBadRequest)
		return
	}
	var u medicine.UserFields
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if u.Empty() {
		jsonError(w, "no fields to update", http.StatusBadRequest)
		return
	}
	m, err := h.store.UpdateUserFields(r.Context(), id, u)
	if errors.Is(err, postgres.ErrNotFound) {
		jsonError(w, "medicine not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, r, "update medicine", err)
		return
	}
	writeJSON(w, http.StatusOK, medicineResponse(m))
}

// Search handles GET /directory/search?name=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	candidates, ok := h.resolver.Search(r.Context(), name)
	if !ok {
		jsonError(w, "drug directory unavailable", http.StatusBadGateway)
		return
	}
	if candidates == nil {
		candidates = []medicine.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err))
	jsonError(w, op+" failed", http.StatusInternalServerError)
}
