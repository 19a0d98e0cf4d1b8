package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-medlabel/internal/directory"
	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/normalize"
)

func TestResolveBatchCountsAndDedups(t *testing.T) {
	svc, store, dir := newTestService()
	dir.add("700000001", "G1", "아정")

	sum, err := svc.ResolveBatch(context.Background(),
		[]string{"700000001", "700000002", "700000001"}, Options{}, NewPacer(0))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 2 {
		t.Errorf("total = %d, want 2", sum.Total)
	}
	if sum.Counts[StatusResolved] != 1 || sum.Counts[StatusPlaceholder] != 1 || sum.Failed() != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if len(store.mappings) != 2 {
		t.Errorf("mappings = %d", len(store.mappings))
	}
}

func TestPacerSpacesLookups(t *testing.T) {
	p := NewPacer(20 * time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("three paced calls took %s, want at least two delays", elapsed)
	}
}

func TestPacerHonorsCancellation(t *testing.T) {
	p := NewPacer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestPacingCoversEveryDirectoryCall(t *testing.T) {
	svc, store, dir := newTestService()
	dir.add("720000001", "K1", "차정")
	ctx := context.Background()

	calls := 0
	pace := func(context.Context) error { calls++; return nil }
	if _, err := svc.resolve(ctx, "720000001", Options{}, pace); err != nil {
		t.Fatal(err)
	}
	if calls != 2 || dir.resolves != 1 || dir.fetches != 1 {
		t.Errorf("paced %d times for %d code and %d detail calls", calls, dir.resolves, dir.fetches)
	}

	// Cancelled between the code lookup and the detail fetch.
	dir.add("720000002", "K2", "카정")
	calls = 0
	stop := errors.New("stopped")
	pace = func(context.Context) error {
		calls++
		if calls > 1 {
			return stop
		}
		return nil
	}
	if _, err := svc.resolve(ctx, "720000002", Options{}, pace); !errors.Is(err, stop) {
		t.Fatalf("err = %v, want the pacing error", err)
	}
	if _, ok := store.mappings["720000002"]; ok {
		t.Error("an interrupted lookup must not store a placeholder")
	}
}

func TestResolveBatchSkipsPacingForCacheHits(t *testing.T) {
	svc, _, dir := newTestService()
	dir.add("710000001", "H1", "자정")
	ctx := context.Background()
	if _, err := svc.Resolve(ctx, "710000001", Options{}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	sum, err := svc.ResolveBatch(ctx, []string{"710000001"}, Options{}, NewPacer(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Counts[StatusCached] != 1 || time.Since(start) > time.Second {
		t.Errorf("summary = %+v after %s", sum, time.Since(start))
	}
}

func TestRetryUnresolvedUpgradesPlaceholders(t *testing.T) {
	svc, store, dir := newTestService()
	ctx := context.Background()
	for _, b := range []string{"800000001", "800000002"} {
		if _, err := svc.Resolve(ctx, b, Options{}); err != nil {
			t.Fatal(err)
		}
	}
	dir.add("800000001", "J1", "차정")

	sum, err := svc.RetryUnresolved(ctx, NewPacer(0))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Total != 2 || sum.Counts[StatusReplaced] != 1 || sum.Counts[StatusUnchanged] != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if store.mappings["800000001"] != "J1" {
		t.Errorf("mapping = %q, want J1", store.mappings["800000001"])
	}
	left, _ := store.ListUnresolved(ctx)
	if len(left) != 1 || left[0].Bohcode != "800000002" {
		t.Errorf("still unresolved = %+v", left)
	}
}

func TestBackfillCovered(t *testing.T) {
	svc, store, dir := newTestService()
	ctx := context.Background()
	dir.add("900000001", "K1", "카정")
	if _, err := svc.Resolve(ctx, "900000001", Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, "900000003", Options{}); err != nil {
		t.Fatal(err)
	}
	dir.covered["K1"] = []string{"900000001", "900000002", "900000003"}

	added, err := svc.BackfillCovered(ctx, "K1")
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0] != "900000002" {
		t.Errorf("added = %v, want only the unmapped code", added)
	}
	if store.mappings["900000003"] == "K1" {
		t.Error("a code mapped elsewhere must be left alone")
	}

	if _, err := svc.BackfillCovered(ctx, "UNKNOWN"); err == nil {
		t.Error("expected an error for an unknown canonical code")
	}
}

func TestBackfillLegacy(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	res, err := svc.Resolve(ctx, "910000001", Options{})
	if err != nil {
		t.Fatal(err)
	}
	legacy := fakeLegacy{"910000001": directory.LegacyRecord{
		Bohcode:     "910000001",
		Name:        "히알루론점안액",
		Formulation: "점안액",
		Effects:     []string{"안구건조증"},
		StorageRaw:  "밀봉용기, 실온보관",
		Unit:        normalize.UnitDrop,
	}}

	n, err := svc.BackfillLegacy(ctx, legacy, NewPacer(0))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("updated = %d, want 1", n)
	}
	m, _ := store.GetMedicine(ctx, res.Medicine.ID)
	if m.Name != "히알루론점안액" || m.Unit != normalize.UnitDrop || m.Resolved {
		t.Errorf("after backfill = %+v", m)
	}
	if !m.ID.IsPlaceholder() {
		t.Error("legacy data carries no canonical code")
	}
}

func TestFromLegacyKeepsKnownFields(t *testing.T) {
	m := medicine.NewPlaceholder(medicine.Placeholder("0001"), "원래이름")
	got := FromLegacy(m, directory.LegacyRecord{Name: "새이름"})
	if got.Name != "새이름" || got.Form != medicine.Unknown || got.Unit != normalize.DefaultUnit {
		t.Errorf("got %+v", got)
	}
}
