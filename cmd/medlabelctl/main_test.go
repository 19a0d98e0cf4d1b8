package main

import (
	"bytes"
	"testing"

	"github.com/drfirst/go-medlabel/internal/resolver"
)

func TestCommandTree(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"migrate"}, {"resolve"}, {"sweep"}, {"stats"},
		{"backfill", "covered"}, {"backfill", "legacy"},
		{"topics", "ensure"}, {"topics", "lag"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("%v: not registered (%v)", path, err)
		}
	}
	resolve, _, _ := root.Find([]string{"resolve"})
	if resolve.Flags().Lookup("force") == nil {
		t.Error("resolve has no --force flag")
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, resolver.Summary{
		Total: 3,
		Counts: map[resolver.Status]int{
			resolver.StatusResolved:    2,
			resolver.StatusPlaceholder: 1,
		},
		Errors: 1,
	})
	want := "total\t3\nplaceholder\t1\nresolved\t2\nerrors\t1\n"
	if buf.String() != want {
		t.Errorf("summary = %q, want %q", buf.String(), want)
	}
}
