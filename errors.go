package plsync

import (
	"errors"
	"fmt"
)

// ErrNoAddresses is returned when resolution produced no usable addresses in
// either family. An empty result is indistinguishable from a broken source,
// so callers must never react to it by emptying their lists.
var ErrNoAddresses = errors.New("hostname resolved to no addresses")

// QuotaError is returned when the desired entry set would exceed the
// configured maximum for a prefix list. No mutating call is made when this
// error is returned.
type QuotaError struct {
	List    string
	Desired int
	Max     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("prefix list %s: %d desired entries exceed the maximum of %d", e.List, e.Desired, e.Max)
}

// ConcurrentModificationError is returned when the prefix list version read
// before the update no longer matched at write time. The update was rejected
// by the service; the caller must re-read the list before trying again.
type ConcurrentModificationError struct {
	List    string
	Version int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("prefix list %s was modified concurrently (stale version %d)", e.List, e.Version)
}
