package resolver

import (
	"context"
	"testing"
	"time"
)

func TestSweeperRunUpgradesUnresolved(t *testing.T) {
	svc, store, dir := newTestService()
	ctx := context.Background()
	for _, b := range []string{"900000001", "900000002"} {
		if _, err := svc.Resolve(ctx, b, Options{}); err != nil {
			t.Fatal(err)
		}
	}
	dir.add("900000001", "L1", "타정")

	NewSweeper(svc, time.Hour, nil, nil).Run()

	if got := store.mappings["900000001"]; got != "L1" {
		t.Errorf("900000001 maps to %q, want L1", got)
	}
	left, err := store.ListUnresolved(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Bohcode != "900000002" {
		t.Errorf("unresolved after sweep = %+v", left)
	}
}

func TestSweeperRejectsNonPositiveInterval(t *testing.T) {
	svc, _, _ := newTestService()
	for _, d := range []time.Duration{0, -time.Minute} {
		if err := NewSweeper(svc, d, nil, nil).Start(); err == nil {
			t.Errorf("interval %s: expected an error", d)
		}
	}

	s := NewSweeper(svc, time.Hour, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop()
}
