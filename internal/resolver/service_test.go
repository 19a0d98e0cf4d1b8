package resolver

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-medlabel/internal/domain/medicine"
	"github.com/drfirst/go-medlabel/internal/normalize"
)

type countingRecorder map[string]int

func (r countingRecorder) ObserveResolution(status string) { r[status]++ }

func newTestService(opts ...Option) (*Service, *memStore, *fakeDirectory) {
	store := newMemStore()
	dir := newFakeDirectory()
	return New(store, dir, nil, opts...), store, dir
}

func TestResolveIsIdempotent(t *testing.T) {
	rec := countingRecorder{}
	svc, store, dir := newTestService(WithRecorder(rec))
	dir.add("645301220", "A11ABBBBB0001", "노바스크정5밀리그램")
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "645301220", Options{})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved", first.Status)
	}

	second, err := svc.Resolve(ctx, "645301220", Options{})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Status != StatusCached {
		t.Errorf("status = %s, want cached", second.Status)
	}
	if second.Medicine.ID != first.Medicine.ID || second.Medicine.Name != first.Medicine.Name {
		t.Errorf("second = %+v, want the stored first result %+v", second.Medicine, first.Medicine)
	}
	if dir.resolves != 1 {
		t.Errorf("directory consulted %d times, want 1", dir.resolves)
	}
	if len(store.mappings) != 1 || len(store.medicines) != 1 {
		t.Errorf("store has %d mappings, %d medicines", len(store.mappings), len(store.medicines))
	}
	if rec[string(StatusResolved)] != 1 || rec[string(StatusCached)] != 1 {
		t.Errorf("recorded %v", rec)
	}
}

func TestResolveNormalizesDetail(t *testing.T) {
	svc, _, dir := newTestService()
	dir.add("645301220", "A11ABBBBB0001", "노바스크정5밀리그램")

	res, err := svc.Resolve(context.Background(), "645301220", Options{})
	if err != nil {
		t.Fatal(err)
	}
	m := res.Medicine
	if !m.Resolved || m.ID.IsPlaceholder() {
		t.Errorf("identity = %s resolved=%v", m.ID, m.Resolved)
	}
	if m.Manufacturer != "한국제약" {
		t.Errorf("manufacturer = %q", m.Manufacturer)
	}
	if m.Unit != normalize.UnitTablet {
		t.Errorf("unit = %q, want %q", m.Unit, normalize.UnitTablet)
	}
	if !strings.Contains(m.Temperature, "15-25℃") {
		t.Errorf("temperature = %q", m.Temperature)
	}
	if len(m.Effects) != 1 || m.Effects[0] != "고혈압" {
		t.Errorf("effects = %q", m.Effects)
	}
	if m.Bohcode != "645301220" {
		t.Errorf("bohcode = %q", m.Bohcode)
	}
}

func TestResolveFallsBackToPlaceholder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *fakeDirectory)
	}{
		{"no canonical code", func(d *fakeDirectory) {}},
		{"no detail", func(d *fakeDirectory) { d.codes["111111111"] = "MISSING" }},
		{"panicking step", func(d *fakeDirectory) { d.panicOn["111111111"] = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, dir := newTestService()
			tt.setup(dir)

			res, err := svc.Resolve(context.Background(), "111111111", Options{})
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Status != StatusPlaceholder || !res.Status.Failed() {
				t.Fatalf("status = %s, want placeholder", res.Status)
			}
			m := res.Medicine
			if !m.ID.IsPlaceholder() || m.Resolved {
				t.Errorf("identity = %s resolved=%v", m.ID, m.Resolved)
			}
			if m.Form != medicine.Unknown || m.Unit != normalize.DefaultUnit {
				t.Errorf("placeholder fields = %+v", m)
			}
			if store.mappings["111111111"] != m.ID.Key() {
				t.Errorf("mapping = %q, want %q", store.mappings["111111111"], m.ID.Key())
			}
		})
	}
}

func TestNDistinctBohcodesYieldNMappings(t *testing.T) {
	svc, store, dir := newTestService()
	dir.add("100000001", "C1", "가정")
	dir.add("100000002", "C2", "나정")
	// 100000003 and 100000004 resolve to the same canonical drug.
	dir.add("100000003", "C3", "다정")
	dir.codes["100000004"] = "C3"

	codes := []string{"100000001", "100000002", "100000003", "100000004", "100000005", "100000006"}
	for _, b := range codes {
		if _, err := svc.Resolve(context.Background(), b, Options{}); err != nil {
			t.Fatalf("resolve %s: %v", b, err)
		}
	}
	if len(store.mappings) != len(codes) {
		t.Errorf("mappings = %d, want %d", len(store.mappings), len(codes))
	}
	if n := store.dangling(); n != 0 {
		t.Errorf("%d mappings reference a missing medicine", n)
	}
	if store.mappings["100000003"] != store.mappings["100000004"] {
		t.Error("codes of one canonical drug should share a medicine")
	}
}

func TestFiftyPlaceholdersAreDistinct(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		res, err := svc.Resolve(ctx, fmt.Sprintf("9000000%02d", i), Options{})
		if err != nil {
			t.Fatal(err)
		}
		key := res.Medicine.ID.Key()
		if seen[key] {
			t.Fatalf("placeholder %s allocated twice", key)
		}
		seen[key] = true
	}
	if len(store.medicines) != 50 {
		t.Errorf("medicines = %d, want 50", len(store.medicines))
	}
}

func TestForcedCollisionsFallBackToTimestamp(t *testing.T) {
	alloc := &medicine.Allocator{
		MaxAttempts: 3,
		Intn:        func(int) int { return 42 },
		Now:         func() time.Time { return time.Unix(0, 1700000000000000000) },
	}
	svc, _, _ := newTestService(WithAllocator(alloc))
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "200000001", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Medicine.ID.Key() != "fail_0042" {
		t.Fatalf("first = %s, want fail_0042", first.Medicine.ID)
	}
	second, err := svc.Resolve(ctx, "200000002", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := second.Medicine.ID.Key(); got != "fail_1700000000000000000" {
		t.Errorf("second = %s, want timestamp fallback", got)
	}
}

func TestConcurrentMappingIsReread(t *testing.T) {
	svc, store, dir := newTestService()
	dir.add("300000001", "C9", "라정")
	winner := medicine.NewPlaceholder(medicine.Placeholder("7777"), "")
	store.raceOn["300000001"] = winner

	res, err := svc.Resolve(context.Background(), "300000001", Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Status != StatusCached || res.Medicine.ID != winner.ID {
		t.Errorf("result = %s %s, want the concurrent winner as a cache hit", res.Status, res.Medicine.ID)
	}
}

func TestForcedRefreshUpgradesPlaceholder(t *testing.T) {
	svc, store, dir := newTestService()
	ctx := context.Background()

	ph, err := svc.Resolve(ctx, "400000001", Options{})
	if err != nil || ph.Status != StatusPlaceholder {
		t.Fatalf("placeholder setup: %v %s", err, ph.Status)
	}
	usage := "식후 30분"
	store.mu.Lock()
	m := store.medicines[ph.Medicine.ID.Key()]
	m.CustomUsage = usage
	store.medicines[ph.Medicine.ID.Key()] = m
	store.mu.Unlock()

	// Still unknown: the stored row is kept.
	kept, err := svc.Resolve(ctx, "400000001", Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != StatusUnchanged || kept.Medicine.ID != ph.Medicine.ID {
		t.Fatalf("forced miss = %s %s", kept.Status, kept.Medicine.ID)
	}

	dir.add("400000001", "D1", "마정")
	up, err := svc.Resolve(ctx, "400000001", Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if up.Status != StatusReplaced || up.Medicine.ID.Key() != "D1" {
		t.Fatalf("upgrade = %s %s", up.Status, up.Medicine.ID)
	}
	if up.Medicine.CustomUsage != usage {
		t.Errorf("custom usage = %q, want it carried over", up.Medicine.CustomUsage)
	}
	if _, ok := store.medicines[ph.Medicine.ID.Key()]; ok {
		t.Error("placeholder row should be removed")
	}

	again, err := svc.Resolve(ctx, "400000001", Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != StatusRefreshed {
		t.Errorf("second forced lookup = %s, want refreshed", again.Status)
	}
}

func TestForcedRefreshMovesOnlyThatBohcode(t *testing.T) {
	svc, store, dir := newTestService()
	ctx := context.Background()
	dir.add("410000001", "J1", "사정")
	if _, err := svc.Resolve(ctx, "410000001", Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddMappings(ctx, medicine.Resolved("J1"), []string{"410000002"}); err != nil {
		t.Fatal(err)
	}

	dir.add("410000001", "J2", "사정10밀리그램")
	res, err := svc.Resolve(ctx, "410000001", Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusReplaced || res.Medicine.ID.Key() != "J2" {
		t.Fatalf("forced refresh = %s %s", res.Status, res.Medicine.ID)
	}
	if got := store.mappings["410000002"]; got != "J1" {
		t.Errorf("sibling maps to %q, want J1", got)
	}
	if _, ok := store.medicines["J1"]; !ok {
		t.Error("J1 removed while a sibling still maps to it")
	}
	if store.dangling() != 0 {
		t.Errorf("%d dangling mappings", store.dangling())
	}
}

func TestReassign(t *testing.T) {
	svc, store, dir := newTestService()
	ctx := context.Background()
	dir.add("500000009", "E1", "바정")

	if _, err := svc.Resolve(ctx, "500000001", Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resolve(ctx, "500000009", Options{}); err != nil {
		t.Fatal(err)
	}

	out := svc.Reassign(ctx, "500000001", "E1")
	if !out.OK || !strings.Contains(out.Message, "merged") {
		t.Fatalf("outcome = %+v, want a merge", out)
	}
	if store.mappings["500000001"] != "E1" {
		t.Errorf("mapping = %q, want E1", store.mappings["500000001"])
	}
	for b, key := range store.mappings {
		if strings.HasPrefix(key, medicine.PlaceholderPrefix) {
			t.Errorf("bohcode %s still maps to %s", b, key)
		}
	}

	if out := svc.Reassign(ctx, "599999999", "E1"); out.OK {
		t.Errorf("unknown bohcode outcome = %+v", out)
	}
	if out := svc.Reassign(ctx, "500000001", "NOPE"); out.OK {
		t.Errorf("unknown code outcome = %+v", out)
	}
}

func TestRetryOutcome(t *testing.T) {
	svc, _, dir := newTestService()
	ctx := context.Background()
	if _, err := svc.Resolve(ctx, "600000001", Options{}); err != nil {
		t.Fatal(err)
	}
	if out := svc.Retry(ctx, "600000001"); out.OK {
		t.Errorf("retry without directory record = %+v", out)
	}
	dir.add("600000001", "F1", "사정")
	if out := svc.Retry(ctx, "600000001"); !out.OK {
		t.Errorf("retry = %+v", out)
	}
}

func TestSearchPassesThrough(t *testing.T) {
	svc, _, dir := newTestService()
	got, ok := svc.Search(context.Background(), "타이레놀")
	if !ok || len(got) != 1 || dir.lastNames[0] != "타이레놀" {
		t.Errorf("search = %v %v", got, ok)
	}
}
