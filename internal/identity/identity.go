// Package identity issues the numeric identities assigned to adapter hosts.
package identity

import "sync/atomic"

// Allocator hands out strictly increasing identities. Identities start at
// zero and are never reused for the lifetime of the allocator.
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator creates an allocator whose first issued identity is 0.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns the next identity. Safe for concurrent use.
func (a *Allocator) Next() uint64 {
	// Add returns the post-increment value; the issued identity is the
	// value before it.
	return a.next.Add(1) - 1
}
