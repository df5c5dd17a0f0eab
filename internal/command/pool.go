// Package command provides the fixed freelist of command objects owned by
// an adapter host.
package command

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Get when every regular slot is in use.
var ErrExhausted = errors.New("command freelist exhausted")

// ErrClosed is returned by Get on a closed pool.
var ErrClosed = errors.New("command pool is closed")

// Command is one reusable command object. The byte buffer holds the
// serialized command descriptor, sized to the host's maximum command
// length.
type Command struct {
	buf      []byte
	reserved bool
}

// Bytes returns the command's descriptor buffer.
func (c *Command) Bytes() []byte {
	return c.buf
}

// Reserved reports whether this is the slot set aside for out-of-band
// reset operations.
func (c *Command) Reserved() bool {
	return c.reserved
}

// Pool is a bounded freelist of command objects. It holds the host's
// queue depth plus one extra command reserved for out-of-band resets, so
// a reset can always make progress even with every regular slot in
// flight.
type Pool struct {
	mu      sync.Mutex
	free    []*Command
	reserve *Command
	size    int
	closed  bool
}

// NewPool allocates a freelist of depth+1 commands, each carrying a
// descriptor buffer of cmdLen bytes.
func NewPool(depth, cmdLen int) (*Pool, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("freelist depth must be positive, got %d", depth)
	}
	if cmdLen <= 0 {
		return nil, fmt.Errorf("command length must be positive, got %d", cmdLen)
	}

	free := make([]*Command, depth)
	for i := range free {
		free[i] = &Command{buf: make([]byte, cmdLen)}
	}
	return &Pool{
		free:    free,
		reserve: &Command{buf: make([]byte, cmdLen), reserved: true},
		size:    depth + 1,
	}, nil
}

// Get takes a command from the freelist.
func (p *Pool) Get() (*Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	c := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return c, nil
}

// GetReserved takes the reset-reserved command, or nil if it is already
// out.
func (p *Pool) GetReserved() *Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	c := p.reserve
	p.reserve = nil
	return c
}

// Put returns a command to the freelist. The buffer is cleared so a stale
// descriptor can never leak into the next user.
func (p *Pool) Put(c *Command) {
	if c == nil {
		return
	}
	for i := range c.buf {
		c.buf[i] = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if c.reserved {
		p.reserve = c
		return
	}
	p.free = append(p.free, c)
}

// Size returns the total slot count, including the reserved one.
func (p *Pool) Size() int {
	return p.size
}

// Close releases the freelist. Idempotent; commands still out simply get
// dropped when their holders return them.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.free = nil
	p.reserve = nil
	return nil
}
