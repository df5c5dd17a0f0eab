package host

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iohost/iohost/internal/command"
	"github.com/iohost/iohost/internal/devnode"
	"github.com/iohost/iohost/internal/recovery"
	"github.com/iohost/iohost/internal/tags"
	"github.com/iohost/iohost/internal/workqueue"
	"github.com/iohost/iohost/pkg/errors"
)

// Tunable defaults applied when a Template leaves the field zero.
const (
	DefaultMaxTargets    = 8
	DefaultMaxUnits      = 8
	DefaultMaxCommandLen = 12
	DefaultMaxSectors    = 1024
	DefaultDMABoundary   = 0xffffffff
	DefaultMaxBlocked    = 7
)

// Mode is the role a host plays on its transport.
type Mode uint8

const (
	// ModeUnknown defaults to ModeInitiator at construction.
	ModeUnknown Mode = iota
	// ModeInitiator originates commands.
	ModeInitiator
	// ModeTarget serves commands.
	ModeTarget
)

func (m Mode) String() string {
	switch m {
	case ModeInitiator:
		return "initiator"
	case ModeTarget:
		return "target"
	default:
		return "unknown"
	}
}

// Transport is the command transport bound to a host template. The
// lifecycle core never interprets commands; it only sizes the transport's
// per-host state, creates its dedicated work queue when asked, and calls
// Unregister during removal.
type Transport interface {
	// PrivateSize is the number of bytes of per-host transport state to
	// allocate during attach. Zero means none.
	PrivateSize() int
	// NeedsWorkQueue reports whether the transport wants a dedicated
	// single-worker queue created at attach.
	NeedsWorkQueue() bool
	// Unregister tears down transport state during removal. It runs after
	// the host has reached its terminal state.
	Unregister(h *Host)
}

// Template is the immutable description a driver supplies when
// constructing a host. Tunables left zero get the subsystem defaults.
type Template struct {
	Name          string
	QueueDepth    int
	MaxChannels   int
	MaxTargets    int
	MaxUnits      int
	MaxCommandLen int
	MaxSectors    int
	DMABoundary   uint64
	MaxBlocked    int

	// SharedTags selects the multi-queue shared tag set instead of the
	// legacy pool.
	SharedTags bool

	Mode Mode

	// ErrorHandler runs the transport's recovery protocol. Without one the
	// host never gets a recovery deadline.
	ErrorHandler recovery.Handler

	Transport Transport

	// OnForget is called during removal with the child devices being
	// dropped, before the host leaves the cancel states.
	OnForget func(h *Host, devices []*Device)
}

// Device is a child device discovered under a host.
type Device struct {
	Name    string
	Channel int
	Target  int
	Unit    int
}

// Target is an addressable endpoint grouping devices on one channel.
type Target struct {
	Channel int
	ID      int
}

// Host is one adapter object. All lifecycle moves go through its
// Subsystem; drivers hold a *Host and reference-count it with Get/Put.
type Host struct {
	id   uint64
	name string
	tmpl *Template
	sys  *Subsystem
	log  *zap.Logger

	// lk is the low-level lock guarding state, the device lists and the
	// work queue pointer. It is never held across a blocking call.
	lk      sync.Mutex
	state   State
	devices []*Device
	targets []*Target
	workQ   *workqueue.Queue

	// scanMu serializes device discovery against removal. It is held for
	// the whole forget-children window, unlike lk.
	scanMu sync.Mutex

	refs     atomic.Int64
	released chan struct{}

	attached    atomic.Bool
	powerActive atomic.Bool

	queueDepth    int
	maxChannels   int
	maxTargets    int
	maxUnits      int
	maxCommandLen int
	maxSectors    int
	dmaBoundary   uint64
	maxBlocked    int
	mode          Mode
	sharedTags    bool

	// recoveryTicks is the per-pass deadline in scheduler ticks, -1 when
	// no deadline applies.
	recoveryTicks int64

	priv          []byte
	transportPriv []byte

	eh       *recovery.Worker
	privQ    *workqueue.Queue
	tagAlloc tags.Allocator
	cmdPool  *command.Pool

	primaryNode *devnode.Node
	controlNode *devnode.Node
	dmaParent   *devnode.Node
}

// ID returns the host's unique number. Numbers are never reused.
func (h *Host) ID() uint64 { return h.id }

// Name returns the canonical "host<id>" name.
func (h *Host) Name() string { return h.name }

func (h *Host) QueueDepth() int { return h.queueDepth }

func (h *Host) MaxChannels() int { return h.maxChannels }

func (h *Host) MaxTargets() int { return h.maxTargets }

func (h *Host) MaxUnits() int { return h.maxUnits }

func (h *Host) MaxCommandLen() int { return h.maxCommandLen }

func (h *Host) MaxSectors() int { return h.maxSectors }

func (h *Host) DMABoundary() uint64 { return h.dmaBoundary }

func (h *Host) MaxBlocked() int { return h.maxBlocked }

func (h *Host) Mode() Mode { return h.mode }

// RecoveryDeadlineTicks returns the per-pass recovery deadline in ticks,
// or -1 when disabled.
func (h *Host) RecoveryDeadlineTicks() int64 { return h.recoveryTicks }

// Private returns the driver's per-host storage allocated at construction.
func (h *Host) Private() []byte { return h.priv }

// TransportPrivate returns the transport's per-host storage, nil before a
// successful attach or when the transport asked for none.
func (h *Host) TransportPrivate() []byte { return h.transportPriv }

// Tags returns the command tag allocator, nil before a successful attach.
func (h *Host) Tags() tags.Allocator { return h.tagAlloc }

// Commands returns the command freelist, nil before a successful attach.
func (h *Host) Commands() *command.Pool { return h.cmdPool }

// PrimaryNode returns the host's published device node, nil outside the
// attached window.
func (h *Host) PrimaryNode() *devnode.Node { return h.primaryNode }

// DMAParent returns the node DMA mapping is delegated to.
func (h *Host) DMAParent() *devnode.Node { return h.dmaParent }

// PowerActive reports whether the host has been forced to its active
// power state for teardown.
func (h *Host) PowerActive() bool { return h.powerActive.Load() }

// Released is closed when the finalizer has run. Tests and drivers with
// unload ordering requirements wait on it.
func (h *Host) Released() <-chan struct{} { return h.released }

// RequestRecovery wakes the recovery worker. Multiple requests before the
// worker runs coalesce into one pass.
func (h *Host) RequestRecovery() {
	if h.eh != nil {
		h.eh.Wake()
	}
}

// QueueWork submits w to the host's dedicated work queue. It reports
// whether the work was newly queued; work already pending is not queued
// twice. Submitting to a host whose transport never asked for a queue is
// a driver bug and fails with NO_QUEUE.
func (h *Host) QueueWork(w *workqueue.Work) (bool, error) {
	h.lk.Lock()
	q := h.workQ
	h.lk.Unlock()
	if q == nil {
		h.sys.metrics.WorkQueued("no_queue")
		h.log.Error("work submitted but host has no dedicated work queue")
		return false, errors.New(errors.CodeNoQueue, "host has no dedicated work queue").
			WithComponent("host").
			WithOperation("queue_work")
	}
	if !q.Queue(w) {
		h.sys.metrics.WorkQueued("already_pending")
		return false, nil
	}
	h.sys.metrics.WorkQueued("queued")
	return true, nil
}

// FlushWork blocks until every item queued to the dedicated work queue
// before the call has run.
func (h *Host) FlushWork() error {
	h.lk.Lock()
	q := h.workQ
	h.lk.Unlock()
	if q == nil {
		h.log.Error("flush requested but host has no dedicated work queue")
		return errors.New(errors.CodeNoQueue, "host has no dedicated work queue").
			WithComponent("host").
			WithOperation("flush_work")
	}
	q.Flush()
	return nil
}

// AttachDevice records a discovered child device. Discovery excludes
// removal via the scan mutex, so a device never lands on a host that has
// started tearing down.
func (h *Host) AttachDevice(d *Device) error {
	h.scanMu.Lock()
	defer h.scanMu.Unlock()
	h.lk.Lock()
	defer h.lk.Unlock()
	if h.state != StateRunning {
		return errors.Newf(errors.CodeInvalidState,
			"cannot attach device in state %s", h.state).
			WithComponent("host").
			WithOperation("attach_device")
	}
	h.devices = append(h.devices, d)
	return nil
}

// AttachTarget records a discovered target endpoint.
func (h *Host) AttachTarget(t *Target) error {
	h.scanMu.Lock()
	defer h.scanMu.Unlock()
	h.lk.Lock()
	defer h.lk.Unlock()
	if h.state != StateRunning {
		return errors.Newf(errors.CodeInvalidState,
			"cannot attach target in state %s", h.state).
			WithComponent("host").
			WithOperation("attach_target")
	}
	h.targets = append(h.targets, t)
	return nil
}

// Devices returns a snapshot of the host's child devices.
func (h *Host) Devices() []*Device {
	h.lk.Lock()
	defer h.lk.Unlock()
	out := make([]*Device, len(h.devices))
	copy(out, h.devices)
	return out
}

// Targets returns a snapshot of the host's targets.
func (h *Host) Targets() []*Target {
	h.lk.Lock()
	defer h.lk.Unlock()
	out := make([]*Target, len(h.targets))
	copy(out, h.targets)
	return out
}

// forgetDevices detaches every child device. The caller holds scanMu.
func (h *Host) forgetDevices() {
	h.lk.Lock()
	devs := h.devices
	h.devices = nil
	h.targets = nil
	h.lk.Unlock()
	if h.tmpl.OnForget != nil {
		h.tmpl.OnForget(h, devs)
	}
}

func (h *Host) setWorkQueue(q *workqueue.Queue) {
	h.lk.Lock()
	h.workQ = q
	h.lk.Unlock()
}
