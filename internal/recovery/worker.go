// Package recovery runs the dedicated error-recovery worker each adapter
// host owns. The recovery protocol itself belongs to the transport; this
// package only schedules passes, paces retries and manages the worker's
// lifetime.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Handler performs one recovery attempt for a host.
type Handler interface {
	Recover(ctx context.Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context) error

// Recover implements Handler.
func (f HandlerFunc) Recover(ctx context.Context) error {
	return f(ctx)
}

// Config describes one worker.
type Config struct {
	// Name identifies the worker in logs, normally the host name.
	Name string
	// Handler runs the transport's recovery protocol. May be nil, in
	// which case a pass succeeds trivially.
	Handler Handler
	// OnEnter moves the host into its recovery state before a pass. An
	// error skips the pass (a removal has typically won the race).
	OnEnter func() error
	// OnExit moves the host back to running after a pass.
	OnExit func() error
	// OnPass is an observation hook invoked at the start of every pass.
	OnPass func()
	// Deadline bounds one whole pass including retries. Zero means
	// unbounded.
	Deadline time.Duration
	// MaxAttempts caps handler retries within a pass. Zero means the
	// default of 5.
	MaxAttempts uint
	// RetryInterval is the initial backoff between handler retries.
	// Zero means the default of 100ms.
	RetryInterval time.Duration
	Log           *zap.Logger
}

// Worker is the long-lived recovery goroutine bound to one host. It is
// started at host construction and stopped exactly once, during
// finalization.
type Worker struct {
	cfg Config
	log *zap.Logger

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start spawns the worker goroutine.
func Start(cfg Config) (*Worker, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	w := &Worker{
		cfg:  cfg,
		log:  log.Named("recovery").With(zap.String("worker", cfg.Name)),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Wake requests a recovery pass. Requests arriving while a pass is
// already pending coalesce into one.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop shuts the worker down cooperatively and joins it. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

func (w *Worker) run() {
	for {
		select {
		case <-w.stop:
			close(w.done)
			return
		case <-w.wake:
			w.pass()
		}
	}
}

func (w *Worker) pass() {
	if w.cfg.OnPass != nil {
		w.cfg.OnPass()
	}
	if w.cfg.OnEnter != nil {
		if err := w.cfg.OnEnter(); err != nil {
			w.log.Debug("recovery pass skipped", zap.Error(err))
			return
		}
	}

	ctx := context.Background()
	if w.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Deadline)
		defer cancel()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if w.cfg.Handler == nil {
			return struct{}{}, nil
		}
		return struct{}{}, w.cfg.Handler.Recover(ctx)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(w.cfg.MaxAttempts),
	)
	if err != nil {
		w.log.Error("recovery pass failed", zap.Error(err))
	}

	if w.cfg.OnExit != nil {
		if err := w.cfg.OnExit(); err != nil {
			w.log.Debug("host did not return to running", zap.Error(err))
		}
	}
}
