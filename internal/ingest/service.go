// Package ingest records parsed prescriptions. Ingestion never touches the
// drug directory: unseen bohcodes get placeholder medicines, and the
// resolver upgrades them later.
package ingest

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/domain/prescription"
)

// Store persists prescriptions.
type Store interface {
	IngestPrescription(ctx context.Context, p prescription.Parsed, alloc *medicine.Allocator) (prescription.IngestResult, error)
}

// Recorder receives ingestion outcomes.
type Recorder interface {
	ObserveIngestion(duplicate bool, placeholders int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveIngestion(bool, int) {}

// Service ingests prescriptions.
type Service struct {
	store     Store
	allocator *medicine.Allocator
	recorder  Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a Service. recorder may be nil.
func New(store Store, recorder Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Service{
		store:     store,
		allocator: medicine.NewAllocator(),
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("ingest"),
	}
}

// Ingest validates and stores p. Records failing validation wrap
// prescription.ErrInvalid.
func (s *Service) Ingest(ctx context.Context, p prescription.Parsed) (prescription.IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.prescription",
		trace.WithAttributes(
			attribute.String("patient_id", p.PatientID),
			attribute.String("receipt", p.ReceiptDateRaw+"/"+p.ReceiptNum),
			attribute.Int("medicines", len(p.Medicines)),
		))
	defer span.End()

	if err := p.Validate(); err != nil {
		span.RecordError(err)
		return prescription.IngestResult{}, err
	}

	res, err := s.store.IngestPrescription(ctx, p, s.allocator)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("ingest prescription", zap.Stringer("key", p.Key()), zap.Error(err))
		return prescription.IngestResult{}, fmt.Errorf("ingest %s: %w", p.Key(), err)
	}

	s.recorder.ObserveIngestion(res.Duplicate, len(res.Placeholders))
	span.SetAttributes(attribute.Bool("duplicate", res.Duplicate), attribute.Int64("prescription_id", res.PrescriptionID))
	s.logger.Info("prescription ingested",
		zap.Stringer("key", p.Key()),
		zap.Int64("prescription_id", res.PrescriptionID),
		zap.Bool("duplicate", res.Duplicate),
		zap.Strings("placeholders", res.Placeholders))
	return res, nil
}
