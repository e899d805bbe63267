package plsync

import "net/netip"

// Diff computes the entries that must be added to and removed from current
// so that it converges on desired. Blocks appearing in both sets are left
// alone. The add set preserves the order of desired and the remove set the
// order of current, so updates are deterministic run to run.
func Diff(current, desired []netip.Prefix) (add, remove []netip.Prefix) {
	have := make(map[netip.Prefix]bool, len(current))
	for _, p := range current {
		have[p] = true
	}
	want := make(map[netip.Prefix]bool, len(desired))
	for _, p := range desired {
		want[p] = true
	}
	for _, p := range desired {
		if !have[p] {
			add = append(add, p)
		}
	}
	for _, p := range current {
		if !want[p] {
			remove = append(remove, p)
		}
	}
	return add, remove
}
