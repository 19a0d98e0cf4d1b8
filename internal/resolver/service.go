// Package resolver turns bohcodes into stored medicine identities. A cache hit
// is served from the store; otherwise the drug directory is consulted and the
// result normalized and persisted, with a placeholder identity whenever the
// directory has no answer.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/directory"
	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/infrastructure/postgres"
	"github.com/drfirst/go-medlabel/internal/normalize"
)

// Store is the part of the relational store the resolver needs.
type Store interface {
	GetMedicineByBohcode(ctx context.Context, bohcode string) (medicine.Medicine, error)
	GetMedicine(ctx context.Context, id medicine.Identity) (medicine.Medicine, error)
	MedicineExists(ctx context.Context, key string) (bool, error)
	InsertMedicineWithMapping(ctx context.Context, m medicine.Medicine, bohcode string) error
	ReplaceCode(ctx context.Context, old medicine.Identity, fresh medicine.Medicine) (postgres.ReplaceResult, error)
	RemapBohcode(ctx context.Context, bohcode string, fresh medicine.Medicine) (postgres.ReplaceResult, error)
	UpdateEnrichment(ctx context.Context, m medicine.Medicine) error
	AddMappings(ctx context.Context, id medicine.Identity, bohcodes []string) ([]string, error)
	ListUnresolved(ctx context.Context) ([]medicine.Medicine, error)
}

// Directory is the drug directory.
type Directory interface {
	ResolveCanonicalCode(ctx context.Context, bohcode string) (string, bool)
	FetchDetail(ctx context.Context, code string) (directory.Detail, bool)
	FetchCoveredBohCodes(ctx context.Context, code string) ([]string, bool)
	SearchByName(ctx context.Context, name string) ([]medicine.Candidate, bool)
}

// Status says which branch produced a Result.
type Status string

const (
	// StatusCached means the mapping already existed.
	StatusCached Status = "cached"
	// StatusResolved means a canonical medicine was fetched and stored.
	StatusResolved Status = "resolved"
	// StatusPlaceholder means the directory had no answer and a placeholder was stored.
	StatusPlaceholder Status = "placeholder"
	// StatusRefreshed means a forced lookup refreshed the existing identity in place.
	StatusRefreshed Status = "refreshed"
	// StatusReplaced means a forced lookup re-keyed the existing identity.
	StatusReplaced Status = "replaced"
	// StatusUnchanged means a forced lookup failed and the stored row was kept.
	StatusUnchanged Status = "unchanged"
)

// Failed reports whether the directory gave no usable answer.
func (s Status) Failed() bool {
	return s == StatusPlaceholder || s == StatusUnchanged
}

// Result is the outcome of resolving one bohcode.
type Result struct {
	Bohcode  string
	Medicine medicine.Medicine
	Status   Status
}

// Options tune a resolution.
type Options struct {
	// Force bypasses the cache hit and asks the directory again.
	Force bool
}

// Outcome is what user-facing actions report.
type Outcome struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Recorder receives resolution outcomes.
type Recorder interface {
	ObserveResolution(status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveResolution(string) {}

// Service resolves bohcodes.
type Service struct {
	store     Store
	dir       Directory
	allocator *medicine.Allocator
	recorder  Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithAllocator overrides the placeholder allocator.
func WithAllocator(a *medicine.Allocator) Option {
	return func(s *Service) { s.allocator = a }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// New creates a Service.
func New(store Store, dir Directory, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		dir:       dir,
		allocator: medicine.NewAllocator(),
		recorder:  nopRecorder{},
		logger:    logger,
		tracer:    otel.Tracer("resolver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the medicine for bohcode, resolving and storing it first
// when the bohcode is unseen. An unseen bohcode always ends up mapped, to a
// placeholder if nothing better is available; the returned error is reserved
// for store failures.
func (s *Service) Resolve(ctx context.Context, bohcode string, opts Options) (Result, error) {
	return s.resolve(ctx, bohcode, opts, nil)
}

// resolve runs the state machine. pace, when set, is called before each
// directory call.
func (s *Service) resolve(ctx context.Context, bohcode string, opts Options, pace func(context.Context) error) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "resolver.resolve",
		trace.WithAttributes(attribute.String("bohcode", bohcode), attribute.Bool("force", opts.Force)))
	defer span.End()

	res, err := s.resolveUntraced(ctx, bohcode, opts, pace)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	s.recorder.ObserveResolution(string(res.Status))
	return res, nil
}

func (s *Service) resolveUntraced(ctx context.Context, bohcode string, opts Options, pace func(context.Context) error) (Result, error) {
	existing, err := s.store.GetMedicineByBohcode(ctx, bohcode)
	switch {
	case err == nil:
		if !opts.Force {
			return Result{Bohcode: bohcode, Medicine: existing, Status: StatusCached}, nil
		}
	case errors.Is(err, postgres.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("look up %s: %w", bohcode, err)
	}
	found := err == nil

	fresh, ok, err := s.lookup(ctx, bohcode, pace)
	if err != nil {
		return Result{}, err
	}

	if found {
		if !ok {
			s.logger.Info("forced lookup found nothing, keeping stored row",
				zap.String("bohcode", bohcode), zap.String("identity", existing.ID.Key()))
			return Result{Bohcode: bohcode, Medicine: existing, Status: StatusUnchanged}, nil
		}
		return s.upgrade(ctx, bohcode, existing, fresh)
	}

	if ok {
		err := s.safely(bohcode, func() error { return s.store.InsertMedicineWithMapping(ctx, fresh, bohcode) })
		switch {
		case err == nil:
			fresh.Bohcode = bohcode
			s.logger.Info("bohcode resolved", zap.String("bohcode", bohcode), zap.String("code", fresh.ID.Key()))
			return Result{Bohcode: bohcode, Medicine: fresh, Status: StatusResolved}, nil
		case errors.Is(err, postgres.ErrAlreadyMapped):
			return s.reread(ctx, bohcode)
		default:
			s.logger.Error("persisting resolved medicine failed, storing placeholder",
				zap.String("bohcode", bohcode), zap.Error(err))
		}
	}
	return s.placeholder(ctx, bohcode, "")
}

// lookup runs the directory steps, calling pace before each one. A panic in
// any step counts as no result; the error is pace's.
func (s *Service) lookup(ctx context.Context, bohcode string, pace func(context.Context) error) (m medicine.Medicine, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("resolution step panicked", zap.String("bohcode", bohcode), zap.Any("panic", r))
			m, ok, err = medicine.Medicine{}, false, nil
		}
	}()

	if err := wait(ctx, pace); err != nil {
		return medicine.Medicine{}, false, err
	}
	code, ok := s.dir.ResolveCanonicalCode(ctx, bohcode)
	if !ok || code == "" {
		return medicine.Medicine{}, false, nil
	}
	if err := wait(ctx, pace); err != nil {
		return medicine.Medicine{}, false, err
	}
	detail, ok := s.dir.FetchDetail(ctx, code)
	if !ok {
		return medicine.Medicine{}, false, nil
	}
	return FromDetail(code, detail), true, nil
}

func wait(ctx context.Context, pace func(context.Context) error) error {
	if pace == nil {
		return nil
	}
	return pace(ctx)
}

// FromDetail builds a resolved medicine from a directory record, deriving
// the normalized fields.
func FromDetail(code string, d directory.Detail) medicine.Medicine {
	storage := normalize.ParseStorage(d.StorageRaw)
	return medicine.Medicine{
		ID:               medicine.Resolved(code),
		Name:             d.Name,
		Form:             d.Form,
		DosageRoute:      d.DosageRoute,
		ClassCode:        d.ClassCode,
		Manufacturer:     medicine.ManufacturerName(d.Manufacturer),
		StorageRaw:       d.StorageRaw,
		StorageContainer: storage.Container,
		Temperature:      storage.Temperature,
		Unit:             normalize.UnitForForm(d.Form),
		Effects:          normalize.ParseEffects(d.EffectsMarkup),
		AutoPrint:        true,
		Resolved:         true,
	}
}

func (s *Service) placeholder(ctx context.Context, bohcode, name string) (Result, error) {
	id, err := s.allocator.Allocate(ctx, s.store.MedicineExists)
	if err != nil {
		return Result{}, fmt.Errorf("allocate placeholder for %s: %w", bohcode, err)
	}
	m := medicine.NewPlaceholder(id, name)

	err = s.safely(bohcode, func() error { return s.store.InsertMedicineWithMapping(ctx, m, bohcode) })
	switch {
	case err == nil:
		m.Bohcode = bohcode
		s.logger.Warn("bohcode unresolved, placeholder stored",
			zap.String("bohcode", bohcode), zap.String("identity", id.Key()))
		return Result{Bohcode: bohcode, Medicine: m, Status: StatusPlaceholder}, nil
	case errors.Is(err, postgres.ErrAlreadyMapped):
		return s.reread(ctx, bohcode)
	default:
		return Result{}, fmt.Errorf("store placeholder for %s: %w", bohcode, err)
	}
}

// upgrade replaces the stored identity of bohcode with a fresh lookup. A
// placeholder is re-keyed together with every bohcode sharing it. A resolved
// medicine that now resolves elsewhere moves only this bohcode, since its
// siblings were resolved on their own account.
func (s *Service) upgrade(ctx context.Context, bohcode string, existing, fresh medicine.Medicine) (Result, error) {
	var (
		rr  postgres.ReplaceResult
		err error
	)
	if existing.Resolved {
		rr, err = s.store.RemapBohcode(ctx, bohcode, fresh)
	} else {
		rr, err = s.store.ReplaceCode(ctx, existing.ID, fresh)
	}
	if err != nil {
		return Result{}, fmt.Errorf("replace %s: %w", existing.ID, err)
	}
	m, err := s.store.GetMedicineByBohcode(ctx, bohcode)
	if err != nil {
		return Result{}, fmt.Errorf("re-read %s: %w", bohcode, err)
	}
	m.Bohcode = bohcode
	status := StatusReplaced
	if rr.InPlace {
		status = StatusRefreshed
	}
	return Result{Bohcode: bohcode, Medicine: m, Status: status}, nil
}

// reread handles a concurrent resolution of the same bohcode: the mapping
// written by the winner is returned as a cache hit.
func (s *Service) reread(ctx context.Context, bohcode string) (Result, error) {
	m, err := s.store.GetMedicineByBohcode(ctx, bohcode)
	if err != nil {
		return Result{}, fmt.Errorf("re-read %s: %w", bohcode, err)
	}
	s.logger.Debug("bohcode mapped concurrently", zap.String("bohcode", bohcode))
	return Result{Bohcode: bohcode, Medicine: m, Status: StatusCached}, nil
}

func (s *Service) safely(bohcode string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("persist step panicked", zap.String("bohcode", bohcode), zap.Any("panic", r))
			err = fmt.Errorf("persist %s: panic: %v", bohcode, r)
		}
	}()
	return fn()
}

// Retry forces a fresh lookup of one bohcode and reports the outcome for the UI.
func (s *Service) Retry(ctx context.Context, bohcode string) Outcome {
	res, err := s.Resolve(ctx, bohcode, Options{Force: true})
	if err != nil {
		s.logger.Error("retry failed", zap.String("bohcode", bohcode), zap.Error(err))
		return Outcome{OK: false, Message: "retry failed, see the service log"}
	}
	switch res.Status {
	case StatusUnchanged, StatusPlaceholder:
		return Outcome{OK: false, Message: "the drug directory has no record for " + bohcode}
	default:
		return Outcome{OK: true, Message: fmt.Sprintf("%s is now %s", bohcode, res.Medicine.ID.Key())}
	}
}

// Reassign points bohcode at the canonical code chosen by a user, re-keying
// its stored medicine and every other bohcode that shared it.
func (s *Service) Reassign(ctx context.Context, bohcode, code string) Outcome {
	ctx, span := s.tracer.Start(ctx, "resolver.reassign",
		trace.WithAttributes(attribute.String("bohcode", bohcode), attribute.String("code", code)))
	defer span.End()

	existing, err := s.store.GetMedicineByBohcode(ctx, bohcode)
	if errors.Is(err, postgres.ErrNotFound) {
		return Outcome{OK: false, Message: "unknown bohcode " + bohcode}
	}
	if err != nil {
		s.logger.Error("reassign lookup failed", zap.String("bohcode", bohcode), zap.Error(err))
		return Outcome{OK: false, Message: "reassign failed, see the service log"}
	}

	detail, ok := s.dir.FetchDetail(ctx, code)
	if !ok {
		return Outcome{OK: false, Message: "the drug directory has no record for " + code}
	}

	rr, err := s.store.ReplaceCode(ctx, existing.ID, FromDetail(code, detail))
	if err != nil {
		span.RecordError(err)
		s.logger.Error("reassign failed",
			zap.String("bohcode", bohcode), zap.String("code", code), zap.Error(err))
		return Outcome{OK: false, Message: "reassign failed, see the service log"}
	}
	switch {
	case rr.InPlace:
		return Outcome{OK: true, Message: fmt.Sprintf("%s refreshed", code)}
	case rr.Merged:
		return Outcome{OK: true, Message: fmt.Sprintf("%s merged into %s (%d bohcodes)", existing.ID.Key(), code, len(rr.Bohcodes))}
	default:
		return Outcome{OK: true, Message: fmt.Sprintf("%s replaced by %s (%d bohcodes)", existing.ID.Key(), code, len(rr.Bohcodes))}
	}
}

// Search lists directory candidates for a drug name.
func (s *Service) Search(ctx context.Context, name string) ([]medicine.Candidate, bool) {
	return s.dir.SearchByName(ctx, name)
}
