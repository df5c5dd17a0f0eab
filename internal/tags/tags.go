// Package tags implements the command-tag allocators a host acquires
// during registration. Two flavors exist, mirroring the two queueing
// generations: a shared multi-queue set preferred by modern transports,
// and a legacy single pool.
package tags

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Tag identifies one in-flight command slot.
type Tag int

// ErrClosed is returned when acquiring from an allocator that has been
// shut down.
var ErrClosed = errors.New("tag allocator is closed")

// Allocator is the narrow surface the lifecycle core holds: the transport
// layer drives Acquire/Release, the core only creates and closes.
type Allocator interface {
	// Acquire reserves a command tag, blocking until one is free or the
	// context ends.
	Acquire(ctx context.Context) (Tag, error)
	// Release returns a tag obtained from Acquire.
	Release(Tag)
	// Depth is the total number of tags.
	Depth() int
	// Close shuts the allocator down. Idempotent.
	Close() error
}

// SharedSet is the multi-queue tag set. Total capacity is enforced by a
// weighted semaphore so concurrent submission paths share the same depth;
// tag numbers come from a free stack.
type SharedSet struct {
	sem   *semaphore.Weighted
	depth int

	mu     sync.Mutex
	free   []Tag
	closed bool
}

// NewSharedSet creates a shared tag set with the given depth.
func NewSharedSet(depth int) (*SharedSet, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("shared tag set depth must be positive, got %d", depth)
	}
	free := make([]Tag, depth)
	for i := range free {
		free[i] = Tag(depth - 1 - i)
	}
	return &SharedSet{
		sem:   semaphore.NewWeighted(int64(depth)),
		depth: depth,
		free:  free,
	}, nil
}

// Acquire blocks until a tag is free or ctx ends.
func (s *SharedSet) Acquire(ctx context.Context) (Tag, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.sem.Release(1)
		return 0, ErrClosed
	}
	tag := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return tag, nil
}

// Release returns a tag to the set.
func (s *SharedSet) Release(tag Tag) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.free = append(s.free, tag)
	s.mu.Unlock()
	s.sem.Release(1)
}

// Depth returns the total tag count.
func (s *SharedSet) Depth() int {
	return s.depth
}

// Close shuts the set down. Outstanding tags become invalid; releasing
// them afterwards is a no-op.
func (s *SharedSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// LegacyPool is the single tag pool used by transports that predate
// shared sets. Tags live in a buffered channel acting as the free stack.
type LegacyPool struct {
	free  chan Tag
	depth int

	mu     sync.Mutex
	closed bool
}

// NewLegacyPool creates a legacy pool with the given depth.
func NewLegacyPool(depth int) (*LegacyPool, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("legacy tag pool depth must be positive, got %d", depth)
	}
	free := make(chan Tag, depth)
	for i := 0; i < depth; i++ {
		free <- Tag(i)
	}
	return &LegacyPool{free: free, depth: depth}, nil
}

// Acquire blocks until a tag is free or ctx ends.
func (p *LegacyPool) Acquire(ctx context.Context) (Tag, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	select {
	case tag := <-p.free:
		return tag, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Release returns a tag to the pool.
func (p *LegacyPool) Release(tag Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.free <- tag:
	default:
		// more releases than acquires; drop rather than block
	}
}

// Depth returns the total tag count.
func (p *LegacyPool) Depth() int {
	return p.depth
}

// Close shuts the pool down. Idempotent.
func (p *LegacyPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
