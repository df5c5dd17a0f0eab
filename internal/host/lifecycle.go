package host

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iohost/iohost/internal/command"
	"github.com/iohost/iohost/internal/config"
	"github.com/iohost/iohost/internal/devnode"
	"github.com/iohost/iohost/internal/identity"
	"github.com/iohost/iohost/internal/metrics"
	"github.com/iohost/iohost/internal/recovery"
	"github.com/iohost/iohost/internal/tags"
	"github.com/iohost/iohost/internal/workqueue"
	"github.com/iohost/iohost/pkg/errors"
)

// Exporter publishes a host's attributes to whatever surface the embedder
// provides once the host is fully attached.
type Exporter interface {
	Export(h *Host) error
	Unexport(h *Host)
}

// Bookkeeper records attached hosts in the embedder's bookkeeping index.
// Unlike Exporter it cannot fail; it runs after the point of no return.
type Bookkeeper interface {
	Register(h *Host)
	Unregister(h *Host)
}

type nopExporter struct{}

func (nopExporter) Export(*Host) error { return nil }
func (nopExporter) Unexport(*Host)     {}

type nopBookkeeper struct{}

func (nopBookkeeper) Register(*Host)   {}
func (nopBookkeeper) Unregister(*Host) {}

// Subsystem owns the pieces shared by every host: the identity allocator,
// the device-node tree, the live-host registry and the collaborator
// surfaces. Resource factories are swappable so tests can inject
// allocation failures at any attach stage.
type Subsystem struct {
	log        *zap.Logger
	cfg        *config.Config
	metrics    *metrics.Collector
	ids        *identity.Allocator
	tree       *devnode.Tree
	reg        *registry
	exporter   Exporter
	bookkeeper Bookkeeper

	newTagAllocator   func(h *Host) (tags.Allocator, error)
	newCommandPool    func(depth, cmdLen int) (*command.Pool, error)
	newWorkQueue      func(name string) (*workqueue.Queue, error)
	newRecoveryWorker func(cfg recovery.Config) (*recovery.Worker, error)
	allocPrivate      func(size int) ([]byte, error)
}

// Option configures a Subsystem.
type Option func(*Subsystem)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Subsystem) { s.log = log }
}

// WithConfig sets the loaded configuration. Defaults to config.DefaultConfig.
func WithConfig(cfg *config.Config) Option {
	return func(s *Subsystem) { s.cfg = cfg }
}

// WithMetrics sets the metrics collector, overriding the one built from
// the configuration.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Subsystem) { s.metrics = c }
}

// WithExporter sets the attribute export collaborator.
func WithExporter(e Exporter) Option {
	return func(s *Subsystem) { s.exporter = e }
}

// WithBookkeeper sets the bookkeeping collaborator.
func WithBookkeeper(b Bookkeeper) Option {
	return func(s *Subsystem) { s.bookkeeper = b }
}

// WithTagAllocatorFactory overrides how attach builds tag allocators.
func WithTagAllocatorFactory(fn func(h *Host) (tags.Allocator, error)) Option {
	return func(s *Subsystem) { s.newTagAllocator = fn }
}

// WithCommandPoolFactory overrides how attach builds command freelists.
func WithCommandPoolFactory(fn func(depth, cmdLen int) (*command.Pool, error)) Option {
	return func(s *Subsystem) { s.newCommandPool = fn }
}

// WithWorkQueueFactory overrides how work queues are created.
func WithWorkQueueFactory(fn func(name string) (*workqueue.Queue, error)) Option {
	return func(s *Subsystem) { s.newWorkQueue = fn }
}

// WithRecoveryWorkerFactory overrides how construction spawns recovery
// workers.
func WithRecoveryWorkerFactory(fn func(cfg recovery.Config) (*recovery.Worker, error)) Option {
	return func(s *Subsystem) { s.newRecoveryWorker = fn }
}

// WithPrivateAllocator overrides how private storage areas are allocated.
func WithPrivateAllocator(fn func(size int) ([]byte, error)) Option {
	return func(s *Subsystem) { s.allocPrivate = fn }
}

// NewSubsystem creates a subsystem with a "platform" root node and no
// hosts.
func NewSubsystem(opts ...Option) *Subsystem {
	s := &Subsystem{
		log:        zap.NewNop(),
		cfg:        config.DefaultConfig(),
		ids:        identity.NewAllocator(),
		reg:        newRegistry(),
		exporter:   nopExporter{},
		bookkeeper: nopBookkeeper{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil && s.cfg.Metrics.Enabled {
		s.metrics = metrics.NewCollector(s.cfg.Metrics.Namespace)
	}
	s.tree = devnode.NewTree(s.log)
	if s.newTagAllocator == nil {
		s.newTagAllocator = func(h *Host) (tags.Allocator, error) {
			if h.sharedTags {
				return tags.NewSharedSet(h.queueDepth)
			}
			return tags.NewLegacyPool(h.queueDepth)
		}
	}
	if s.newCommandPool == nil {
		s.newCommandPool = command.NewPool
	}
	if s.newWorkQueue == nil {
		s.newWorkQueue = func(name string) (*workqueue.Queue, error) {
			return workqueue.New(name, s.log), nil
		}
	}
	if s.newRecoveryWorker == nil {
		s.newRecoveryWorker = recovery.Start
	}
	if s.allocPrivate == nil {
		s.allocPrivate = func(size int) ([]byte, error) {
			return make([]byte, size), nil
		}
	}
	return s
}

// Tree returns the device-node tree hosts publish into.
func (s *Subsystem) Tree() *devnode.Tree { return s.tree }

// Metrics returns the subsystem's collector, possibly nil.
func (s *Subsystem) Metrics() *metrics.Collector { return s.metrics }

// Lookup resolves a host number to a live, referenced host. The caller
// owns the returned reference and must Put it. Hosts that were never
// attached, or whose removal has begun far enough to unpublish the
// control node, are not found.
func (s *Subsystem) Lookup(id uint64) (*Host, bool) {
	return s.reg.lookup(id)
}

// Hosts returns the number of hosts currently in the registry.
func (s *Subsystem) Hosts() int { return s.reg.len() }

// New constructs a host from tmpl with privSize bytes of driver-private
// storage. The caller receives the sole reference; dropping it finalizes
// the host. The host starts in Created and is invisible to Lookup until
// attached.
func (s *Subsystem) New(tmpl *Template, privSize int) (*Host, error) {
	if tmpl == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "nil host template").
			WithComponent("host").
			WithOperation("construct")
	}
	if privSize < 0 {
		return nil, errors.Newf(errors.CodeInvalidConfig,
			"negative private size %d", privSize).
			WithComponent("host").
			WithOperation("construct")
	}

	h := &Host{
		tmpl:     tmpl,
		sys:      s,
		state:    StateCreated,
		released: make(chan struct{}),
	}
	h.refs.Store(1)
	h.id = s.ids.Next()
	h.name = fmt.Sprintf("host%d", h.id)
	h.log = s.log.Named("host").With(zap.Uint64("id", h.id))

	h.queueDepth = tmpl.QueueDepth
	h.maxChannels = tmpl.MaxChannels
	h.maxTargets = defaultInt(tmpl.MaxTargets, DefaultMaxTargets)
	h.maxUnits = defaultInt(tmpl.MaxUnits, DefaultMaxUnits)
	h.maxCommandLen = defaultInt(tmpl.MaxCommandLen, DefaultMaxCommandLen)
	h.maxSectors = defaultInt(tmpl.MaxSectors, DefaultMaxSectors)
	h.dmaBoundary = tmpl.DMABoundary
	if h.dmaBoundary == 0 {
		h.dmaBoundary = DefaultDMABoundary
	}
	h.maxBlocked = defaultInt(tmpl.MaxBlocked, DefaultMaxBlocked)
	h.mode = tmpl.Mode
	if h.mode == ModeUnknown {
		h.mode = ModeInitiator
	}
	h.sharedTags = tmpl.SharedTags

	if privSize > 0 {
		buf, err := s.allocPrivate(privSize)
		if err != nil {
			return nil, errors.New(errors.CodeOutOfMemory, "private storage allocation failed").
				WithComponent("host").
				WithOperation("construct").
				WithCause(err)
		}
		h.priv = buf
	}

	// The deadline only applies to hosts that actually run recovery.
	h.recoveryTicks = -1
	if tmpl.ErrorHandler != nil {
		ticks, clamped := s.cfg.Recovery.DeadlineTicks()
		if clamped {
			h.log.Warn("recovery deadline clamped", zap.Int64("ticks", ticks))
		}
		h.recoveryTicks = ticks
	}
	var deadline time.Duration
	if h.recoveryTicks > 0 {
		deadline = time.Duration(h.recoveryTicks) * (time.Second / config.TicksPerSecond)
	}

	eh, err := s.newRecoveryWorker(recovery.Config{
		Name:     h.name,
		Handler:  tmpl.ErrorHandler,
		OnEnter:  func() error { return h.SetState(StateRecovery) },
		OnExit:   func() error { return h.SetState(StateRunning) },
		OnPass:   s.metrics.RecoveryPass,
		Deadline: deadline,
		Log:      s.log,
	})
	if err != nil {
		h.log.Error("recovery worker failed to spawn", zap.Error(err))
		return nil, errors.New(errors.CodeWorkerSpawnFailed, "recovery worker failed to spawn").
			WithComponent("host").
			WithOperation("construct").
			WithCause(err)
	}
	h.eh = eh

	privQ, err := s.newWorkQueue(h.name + "-tmf")
	if err != nil {
		eh.Stop()
		h.eh = nil
		h.log.Error("private task queue creation failed", zap.Error(err))
		return nil, errors.New(errors.CodeQueueCreateFailed, "private task queue creation failed").
			WithComponent("host").
			WithOperation("construct").
			WithCause(err)
	}
	h.privQ = privQ

	s.metrics.HostConstructed()
	h.log.Info("host constructed",
		zap.Int("queue_depth", h.queueDepth),
		zap.String("mode", h.mode.String()))
	return h, nil
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Attach registers h below parent in the device-node tree and brings it
// to Running. A nil parent attaches under the platform root; a nil
// dmaParent delegates DMA mapping to parent. Attach may be called once
// per host, while it is still in Created.
//
// Resources are acquired in a fixed order and, on any stage failure,
// released in exact reverse order before the error is returned. A failed
// attach leaves the host exactly as constructed: the caller still owns
// its reference and finalization will release only construction-time
// resources.
func (s *Subsystem) Attach(h *Host, parent, dmaParent *devnode.Node) error {
	if h == nil {
		return errors.New(errors.CodeInvalidConfig, "nil host").
			WithComponent("host").
			WithOperation("attach")
	}
	if !h.attached.CompareAndSwap(false, true) {
		return errors.New(errors.CodeAlreadyAttached, "host attach already attempted").
			WithComponent("host").
			WithOperation("attach")
	}
	if st := h.State(); st != StateCreated {
		return errors.Newf(errors.CodeInvalidState, "cannot attach host in state %s", st).
			WithComponent("host").
			WithOperation("attach")
	}
	if h.queueDepth <= 0 {
		// Rejected before any resource is touched.
		return errors.Newf(errors.CodeInvalidConfig,
			"queue depth must be positive, got %d", h.queueDepth).
			WithComponent("host").
			WithOperation("attach")
	}

	var undo []func()
	fail := func(stage string, err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		s.metrics.AttachRollback(stage)
		h.log.Error("host attach failed",
			zap.String("stage", stage),
			zap.Error(err))
		return err
	}

	alloc, err := s.newTagAllocator(h)
	if err != nil {
		return fail("tags", errors.New(errors.CodeTagAllocFailed, "tag allocator creation failed").
			WithComponent("host").
			WithOperation("attach").
			WithCause(err))
	}
	h.tagAlloc = alloc
	undo = append(undo, func() {
		_ = alloc.Close()
		h.tagAlloc = nil
	})

	pool, err := s.newCommandPool(h.queueDepth, h.maxCommandLen)
	if err != nil {
		return fail("freelist", errors.New(errors.CodeOutOfMemory, "command freelist creation failed").
			WithComponent("host").
			WithOperation("attach").
			WithCause(err))
	}
	h.cmdPool = pool
	undo = append(undo, func() {
		_ = pool.Close()
		h.cmdPool = nil
	})

	if parent == nil {
		parent = s.tree.Root()
	}
	if dmaParent == nil {
		dmaParent = parent
	}
	h.dmaParent = dmaParent

	primary := devnode.NewNode(h.name, devnode.ClassHost, parent)
	// Unpublishing the primary node is what drops the constructing
	// reference once the host is visible.
	primary.OnRelease(h.Put)
	if err := s.tree.Publish(primary); err != nil {
		primary.OnRelease(nil)
		return fail("publish", errors.New(errors.CodePublishFailed, "primary node publish failed").
			WithComponent("host").
			WithOperation("attach").
			WithCause(err))
	}
	h.primaryNode = primary
	undo = append(undo, func() {
		// On rollback the constructing reference stays with the caller.
		primary.OnRelease(nil)
		s.tree.Unpublish(primary)
		h.primaryNode = nil
		h.dmaParent = nil
	})

	_ = h.SetState(StateRunning)

	// The control node pins its own reference for the lookup window.
	if _, ok := h.Get(); !ok {
		return fail("control", errors.New(errors.CodePublishFailed, "host no longer referencable").
			WithComponent("host").
			WithOperation("attach"))
	}
	control := devnode.NewNode(h.name+"-ctl", devnode.ClassControl, primary)
	control.OnRelease(h.Put)
	if err := s.tree.Publish(control); err != nil {
		h.Put()
		return fail("control", errors.New(errors.CodePublishFailed, "control node publish failed").
			WithComponent("host").
			WithOperation("attach").
			WithCause(err))
	}
	h.controlNode = control
	s.reg.add(h)
	undo = append(undo, func() {
		s.reg.remove(h.id)
		// Unpublish runs the release hook, balancing the Get above.
		s.tree.Unpublish(control)
		h.controlNode = nil
	})

	if t := h.tmpl.Transport; t != nil {
		if size := t.PrivateSize(); size > 0 {
			buf, err := s.allocPrivate(size)
			if err != nil {
				return fail("transport_private", errors.New(errors.CodeOutOfMemory,
					"transport private storage allocation failed").
					WithComponent("host").
					WithOperation("attach").
					WithCause(err))
			}
			h.transportPriv = buf
			undo = append(undo, func() { h.transportPriv = nil })
		}
		if t.NeedsWorkQueue() {
			q, err := s.newWorkQueue(h.name + "-wq")
			if err != nil {
				return fail("workqueue", errors.New(errors.CodeQueueCreateFailed,
					"dedicated work queue creation failed").
					WithComponent("host").
					WithOperation("attach").
					WithCause(err))
			}
			h.setWorkQueue(q)
			undo = append(undo, func() {
				q.Destroy()
				h.setWorkQueue(nil)
			})
		}
	}

	if err := s.exporter.Export(h); err != nil {
		return fail("export", errors.New(errors.CodePublishFailed, "attribute export failed").
			WithComponent("host").
			WithOperation("attach").
			WithCause(err))
	}
	s.bookkeeper.Register(h)

	s.metrics.HostAttached()
	h.log.Info("host attached", zap.String("parent", parent.Name()))
	return nil
}

// Remove starts an orderly teardown of an attached host. It is
// idempotent under concurrency: exactly one caller performs the
// teardown, the rest return immediately. Remove drops the host's
// long-lived references; final destruction happens whenever the last
// driver reference is put.
func (s *Subsystem) Remove(h *Host) {
	h.scanMu.Lock()
	h.lk.Lock()
	switch h.state {
	case StateCancel, StateCancelRecovery, StateDelete, StateDeleteRecovery:
		// Another removal is already underway or done.
		h.lk.Unlock()
		h.scanMu.Unlock()
		return
	}
	if h.setStateLocked(StateCancel) != nil {
		if h.setStateLocked(StateCancelRecovery) != nil {
			h.lk.Unlock()
			h.scanMu.Unlock()
			return
		}
	}
	h.lk.Unlock()

	// Teardown needs the host awake regardless of autosuspend.
	h.powerActive.Store(true)

	// Every recovery task queued before cancellation must finish before
	// children are dropped.
	if h.privQ != nil {
		h.privQ.Flush()
	}
	h.forgetDevices()
	h.scanMu.Unlock()

	s.exporter.Unexport(h)
	s.bookkeeper.Unregister(h)

	h.lk.Lock()
	if h.setStateLocked(StateDelete) != nil {
		if err := h.setStateLocked(StateDeleteRecovery); err != nil {
			h.lk.Unlock()
			panic(fmt.Sprintf("host: %s: delete transition impossible: %v", h.name, err))
		}
	}
	h.lk.Unlock()

	if t := h.tmpl.Transport; t != nil {
		t.Unregister(h)
	}

	if control := h.controlNode; control != nil {
		s.reg.remove(h.id)
		s.tree.Unpublish(control)
		h.controlNode = nil
	}
	if primary := h.primaryNode; primary != nil {
		// Release hook drops the constructing reference.
		s.tree.Unpublish(primary)
		h.primaryNode = nil
	} else {
		// Never published; drop the constructing reference directly.
		h.Put()
	}

	s.metrics.HostRemoved()
	h.log.Info("host removed")
}
