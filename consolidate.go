package plsync

import (
	"net/netip"
	"slices"
)

// Consolidate collapses a set of addresses into the minimal ordered set of
// CIDR blocks that covers exactly those addresses. No block covers an address
// that was not in the input, and consolidating the expansion of the result
// returns the result unchanged.
//
// Addresses are deduplicated and 4-in-6 mapped addresses are unmapped before
// merging. Invalid (zero) addresses are skipped.
func Consolidate(addrs []netip.Addr) []netip.Prefix {
	sorted := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.IsValid() {
			sorted = append(sorted, a.Unmap())
		}
	}
	slices.SortFunc(sorted, netip.Addr.Compare)
	sorted = slices.Compact(sorted)

	var blocks []netip.Prefix
	for i := 0; i < len(sorted); {
		// extend [first,last] over the contiguous run starting at sorted[i]
		first := sorted[i]
		last := first
		j := i + 1
		for j < len(sorted) {
			next := last.Next()
			if !next.IsValid() || sorted[j] != next {
				break
			}
			last = next
			j++
		}
		blocks = appendRangeBlocks(blocks, first, last)
		i = j
	}
	return blocks
}

// appendRangeBlocks emits the maximal aligned blocks covering the inclusive
// address range [first,last]. Both addresses must be the same family.
func appendRangeBlocks(blocks []netip.Prefix, first, last netip.Addr) []netip.Prefix {
	bits := first.BitLen()
	for first.IsValid() && first.Compare(last) <= 0 {
		plen := bits
		for plen > 0 {
			wider, err := first.Prefix(plen - 1)
			if err != nil || wider.Addr() != first {
				// first is not aligned at the wider length
				break
			}
			if lastAddr(wider).Compare(last) > 0 {
				// the wider block would cover addresses past the range
				break
			}
			plen--
		}
		block := netip.PrefixFrom(first, plen)
		blocks = append(blocks, block)
		next := lastAddr(block).Next()
		if !next.IsValid() {
			break
		}
		first = next
	}
	return blocks
}

// lastAddr returns the highest address contained in p.
func lastAddr(p netip.Prefix) netip.Addr {
	if p.Addr().Is4() {
		b := p.Addr().As4()
		for i := p.Bits(); i < 32; i++ {
			b[i/8] |= 1 << (7 - i%8)
		}
		return netip.AddrFrom4(b)
	}
	b := p.Addr().As16()
	for i := p.Bits(); i < 128; i++ {
		b[i/8] |= 1 << (7 - i%8)
	}
	return netip.AddrFrom16(b)
}
