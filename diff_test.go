package plsync_test

import (
	"slices"
	"testing"

	"github.com/kmorrisey/plsync"
)

func TestDiff(t *testing.T) {
	current := parsePrefixes(t, "10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24")
	desired := parsePrefixes(t, "10.0.1.0/24", "10.0.2.0/24", "10.0.3.0/24")

	add, remove := plsync.Diff(current, desired)
	if want := parsePrefixes(t, "10.0.3.0/24"); !slices.Equal(add, want) {
		t.Fatalf("add set is %v; want %v", add, want)
	}
	if want := parsePrefixes(t, "10.0.0.0/24"); !slices.Equal(remove, want) {
		t.Fatalf("remove set is %v; want %v", remove, want)
	}
}

func TestDiffConverged(t *testing.T) {
	blocks := parsePrefixes(t, "10.0.0.0/24", "2a02:4780::/64")
	add, remove := plsync.Diff(blocks, blocks)
	if len(add) != 0 || len(remove) != 0 {
		t.Fatalf("diff of identical sets produced add=%v remove=%v", add, remove)
	}
}

func TestDiffFromEmpty(t *testing.T) {
	desired := parsePrefixes(t, "10.0.0.0/24", "10.0.1.0/24")
	add, remove := plsync.Diff(nil, desired)
	if !slices.Equal(add, desired) {
		t.Fatalf("add set is %v; want %v", add, desired)
	}
	if len(remove) != 0 {
		t.Fatalf("remove set is %v; want none", remove)
	}
}
