package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/ratelimit"
	"go.uber.org/zap"

	"github.com/drfirst/go-medlabel/internal/directory"
	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/normalize"
)

// DefaultCallDelay spaces out directory lookups in batch runs.
const DefaultCallDelay = 500 * time.Millisecond

// Pacer enforces a fixed minimum delay between directory lookups.
type Pacer struct {
	bucket *ratelimit.Bucket
}

// NewPacer returns a pacer allowing one lookup per delay. A non-positive
// delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	if delay <= 0 {
		return &Pacer{}
	}
	return &Pacer{bucket: ratelimit.NewBucket(delay, 1)}
}

// Wait blocks until the next lookup may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.bucket == nil {
		return nil
	}
	d := p.bucket.Take(1)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Summary counts batch outcomes by status.
type Summary struct {
	Total  int
	Counts map[Status]int
	// Errors counts bohcodes that failed with a store error.
	Errors int
}

func newSummary() Summary {
	return Summary{Counts: map[Status]int{}}
}

// Failed counts bohcodes without a usable directory answer.
func (s Summary) Failed() int {
	return s.Counts[StatusPlaceholder] + s.Counts[StatusUnchanged] + s.Errors
}

// ResolveBatch resolves bohcodes one after another, spacing every directory
// call with pacer, including the detail fetch that follows a code lookup.
// Cache hits are not paced. Store errors are logged and counted;
// the batch stops early only when ctx ends.
func (s *Service) ResolveBatch(ctx context.Context, bohcodes []string, opts Options, pacer *Pacer) (Summary, error) {
	sum := newSummary()
	seen := make(map[string]struct{}, len(bohcodes))
	for _, b := range bohcodes {
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		sum.Total++

		res, err := s.resolve(ctx, b, opts, pacer.Wait)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sum, ctxErr
			}
			sum.Errors++
			s.logger.Error("batch resolution failed", zap.String("bohcode", b), zap.Error(err))
			continue
		}
		sum.Counts[res.Status]++
	}
	s.logger.Info("batch resolution finished",
		zap.Int("total", sum.Total),
		zap.Int("failed", sum.Failed()),
		zap.Bool("force", opts.Force))
	return sum, nil
}

// RetryUnresolved forces a lookup of every bohcode whose medicine is not
// resolved yet.
func (s *Service) RetryUnresolved(ctx context.Context, pacer *Pacer) (Summary, error) {
	rows, err := s.store.ListUnresolved(ctx)
	if err != nil {
		return newSummary(), fmt.Errorf("list unresolved: %w", err)
	}
	codes := make([]string, 0, len(rows))
	for _, m := range rows {
		codes = append(codes, m.Bohcode)
	}
	return s.ResolveBatch(ctx, codes, Options{Force: true}, pacer)
}

// BackfillCovered maps the bohcodes the directory lists as covered for a
// canonical code onto its stored medicine. Codes mapped elsewhere are left
// alone. The newly mapped codes are returned.
func (s *Service) BackfillCovered(ctx context.Context, code string) ([]string, error) {
	id := medicine.Resolved(code)
	if _, err := s.store.GetMedicine(ctx, id); err != nil {
		return nil, fmt.Errorf("load %s: %w", code, err)
	}
	covered, ok := s.dir.FetchCoveredBohCodes(ctx, code)
	if !ok || len(covered) == 0 {
		return []string{}, nil
	}
	added, err := s.store.AddMappings(ctx, id, covered)
	if err != nil {
		return nil, fmt.Errorf("map covered codes of %s: %w", code, err)
	}
	s.logger.Info("covered bohcodes backfilled",
		zap.String("code", code), zap.Int("listed", len(covered)), zap.Strings("added", added))
	return added, nil
}

// LegacySource is the price and efficacy service pair.
type LegacySource interface {
	Lookup(ctx context.Context, bohcode string) (directory.LegacyRecord, bool)
}

// BackfillLegacy fills the descriptive fields of placeholder medicines from
// the legacy services. The rows stay unresolved since those services carry
// no canonical code. It returns the number of medicines updated.
func (s *Service) BackfillLegacy(ctx context.Context, legacy LegacySource, pacer *Pacer) (int, error) {
	rows, err := s.store.ListUnresolved(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unresolved: %w", err)
	}

	updated := 0
	done := make(map[string]struct{}, len(rows))
	for _, m := range rows {
		if _, ok := done[m.ID.Key()]; ok {
			continue
		}
		if err := pacer.Wait(ctx); err != nil {
			return updated, err
		}
		rec, ok := legacy.Lookup(ctx, m.Bohcode)
		if !ok || rec.Name == "" {
			continue
		}
		done[m.ID.Key()] = struct{}{}

		if err := s.store.UpdateEnrichment(ctx, FromLegacy(m, rec)); err != nil {
			if errors.Is(err, context.Canceled) {
				return updated, err
			}
			s.logger.Error("legacy backfill update failed", zap.String("bohcode", m.Bohcode), zap.Error(err))
			continue
		}
		updated++
	}
	s.logger.Info("legacy backfill finished", zap.Int("candidates", len(rows)), zap.Int("updated", updated))
	return updated, nil
}

// FromLegacy overlays a legacy record on a stored medicine.
func FromLegacy(m medicine.Medicine, rec directory.LegacyRecord) medicine.Medicine {
	m.Name = rec.Name
	if rec.Manufacturer != "" {
		m.Manufacturer = rec.Manufacturer
	}
	if rec.Formulation != "" {
		m.Form = rec.Formulation
	}
	if rec.Unit != "" {
		m.Unit = rec.Unit
	}
	if len(rec.Effects) > 0 {
		m.Effects = rec.Effects
	}
	if rec.StorageRaw != "" {
		storage := normalize.ParseStorage(rec.StorageRaw)
		m.StorageRaw = rec.StorageRaw
		m.StorageContainer = storage.Container
		m.Temperature = storage.Temperature
	}
	return m
}
