package host

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Get takes a reference on h. It returns h and true on success, or nil
// and false once the host has reached Delete or the last reference is
// already gone. A false return means the caller lost the race with
// teardown and must not touch the host again.
func (h *Host) Get() (*Host, bool) {
	h.lk.Lock()
	st := h.state
	h.lk.Unlock()
	if st == StateDelete {
		return nil, false
	}
	for {
		c := h.refs.Load()
		if c <= 0 {
			return nil, false
		}
		if h.refs.CompareAndSwap(c, c+1) {
			return h, true
		}
	}
}

// Put drops a reference. The call that drops the last one runs the
// finalizer synchronously, so the last Put of a removed host must not be
// made from a context that cannot block.
func (h *Host) Put() {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		h.release()
	case n < 0:
		panic("host: reference count underflow")
	}
}

// release is the finalizer. It runs exactly once, on the goroutine that
// dropped the last reference, and unwinds the surviving resource bundle
// in strict reverse acquisition order: recovery worker, work queues,
// command freelist, tag allocator, private storage.
func (h *Host) release() {
	h.log.Debug("finalizing host")

	if h.eh != nil {
		h.eh.Stop()
		h.eh = nil
	}
	if h.workQ != nil {
		h.workQ.Destroy()
		h.workQ = nil
	}
	if h.privQ != nil {
		h.privQ.Destroy()
		h.privQ = nil
	}

	var errs error
	if h.cmdPool != nil {
		errs = multierr.Append(errs, h.cmdPool.Close())
		h.cmdPool = nil
	}
	if h.tagAlloc != nil {
		errs = multierr.Append(errs, h.tagAlloc.Close())
		h.tagAlloc = nil
	}
	h.transportPriv = nil
	h.priv = nil
	if errs != nil {
		h.log.Error("resource release failed", zap.Error(errs))
	}

	h.sys.metrics.HostFinalized()
	close(h.released)
	h.log.Info("host finalized")
}
