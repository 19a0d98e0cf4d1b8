package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/api/middleware"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
)

// maxIngestBody bounds POST /prescriptions.
const maxIngestBody = 1 << 20

func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	return time.ParseInLocation(prescription.ReceiptDateLayout, s, time.Local)
}

func prescriptionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, "invalid prescription id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// ListPrescriptions handles GET /prescriptions with exactly one of
// ?date= (receipt date), ?parsed= (ingestion date) or ?patient=.
func (h *Handler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []prescription.Prescription
		err  error
	)
	switch {
	case q.Get("patient") != "":
		list, err = h.store.ListPrescriptionsByPatient(r.Context(), q.Get("patient"))
	case q.Get("date") != "":
		day, perr := parseDay(q.Get("date"))
		if perr != nil {
			jsonError(w, "date must be YYYY-MM-DD or YYYYMMDD", http.StatusBadRequest)
			return
		}
		list, err = h.store.ListPrescriptionsByDate(r.Context(), day)
	case q.Get("parsed") != "":
		day, perr := parseDay(q.Get("parsed"))
		if perr != nil {
			jsonError(w, "parsed must be YYYY-MM-DD or YYYYMMDD", http.StatusBadRequest)
			return
		}
		list, err = h.store.ListParsedOn(r.Context(), day)
	default:
		jsonError(w, "one of date, parsed or patient is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.internal(w, r, "list prescriptions", err)
		return
	}

	out := make([]PrescriptionResponse, 0, len(list))
	for _, p := range list {
		out = append(out, prescriptionResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPrescription handles GET /prescriptions/{id}.
func (h *Handler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	id, ok := prescriptionID(w, r)
	if !ok {
		return
	}
	p, err := h.store.GetPrescription(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, r, "get prescription", err)
		return
	}
	writeJSON(w, http.StatusOK, prescriptionResponse(p))
}

// PrescriptionLabels handles GET /prescriptions/{id}/labels, one label per
// prescribed line in prescription order.
func (h *Handler) PrescriptionLabels(w http.ResponseWriter, r *http.Request) {
	id, ok := prescriptionID(w, r)
	if !ok {
		return
	}
	labels, err := h.store.ListPrescriptionLabels(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, r, "list labels", err)
		return
	}
	out := make([]LabelResponse, 0, len(labels))
	for _, l := range labels {
		out = append(out, LabelResponse{
			MedicineResponse: medicineResponse(l.Medicine),
			PrescriptionDays: l.PrescriptionDays,
			DailyDose:        l.DailyDose,
			SingleDose:       l.SingleDose,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DeletePrescription handles DELETE /prescriptions/{id}.
func (h *Handler) DeletePrescription(w http.ResponseWriter, r *http.Request) {
	id, ok := prescriptionID(w, r)
	if !ok {
		return
	}
	err := h.store.DeletePrescription(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, r, "delete prescription", err)
		return
	}
	h.logger.Info("prescription deleted",
		zap.Int64("prescription_id", id),
		zap.String("client", middleware.GetClient(r.Context())),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// IngestPrescription handles POST /prescriptions for parsers that push over
// HTTP instead of the feed topic.
func (h *Handler) IngestPrescription(w http.ResponseWriter, r *http.Request) {
	if h.ingester == nil {
		jsonError(w, "ingestion disabled", http.StatusNotImplemented)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "ingest_prescription_http")
	defer span.End()

	var p prescription.Parsed
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&p); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("patient_id", p.PatientID))

	res, err := h.ingester.Ingest(ctx, p)
	if errors.Is(err, prescription.ErrInvalid) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		span.RecordError(err)
		h.internal(w, r, "ingest prescription", err)
		return
	}

	placeholders := res.Placeholders
	if placeholders == nil {
		placeholders = []string{}
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	span.AddEvent("ingested", trace.WithAttributes(attribute.Bool("duplicate", res.Duplicate)))
	writeJSON(w, code, IngestResponse{
		PrescriptionID: res.PrescriptionID,
		Duplicate:      res.Duplicate,
		Placeholders:   placeholders,
	})
}
