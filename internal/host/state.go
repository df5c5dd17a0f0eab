package host

import (
	"go.uber.org/zap"

	"github.com/iohost/iohost/pkg/errors"
)

// State is the lifecycle state of a Host. Every change goes through
// SetState, which enforces the legal transition set under the host's
// low-level lock.
type State uint8

const (
	// StateCreated is the state of a freshly constructed host that has
	// not been attached yet.
	StateCreated State = iota
	// StateRunning means the host is attached and servicing commands.
	StateRunning
	// StateRecovery means the recovery worker is handling a failure pass.
	StateRecovery
	// StateCancel means removal has begun on a non-recovering host.
	StateCancel
	// StateCancelRecovery means removal has begun while recovery was in
	// flight, or recovery started after cancellation.
	StateCancelRecovery
	// StateDelete is the terminal state of an orderly teardown.
	StateDelete
	// StateDeleteRecovery is the terminal state of a teardown that had to
	// ride over an active recovery pass.
	StateDeleteRecovery
)

// String returns the lower-case state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateRecovery:
		return "recovery"
	case StateCancel:
		return "cancel"
	case StateCancelRecovery:
		return "cancel_recovery"
	case StateDelete:
		return "delete"
	case StateDeleteRecovery:
		return "delete_recovery"
	default:
		return "unknown"
	}
}

// legalTransition reports whether from -> to is an allowed state change.
// Delete and DeleteRecovery are terminal.
func legalTransition(from, to State) bool {
	switch to {
	case StateRunning:
		return from == StateCreated || from == StateRecovery
	case StateRecovery:
		return from == StateRunning
	case StateCancel:
		return from == StateCreated || from == StateRunning
	case StateCancelRecovery:
		return from == StateRecovery || from == StateCancel
	case StateDelete:
		return from == StateCancel || from == StateCancelRecovery
	case StateDeleteRecovery:
		return from == StateCancelRecovery
	default:
		return false
	}
}

// State returns the host's current lifecycle state.
func (h *Host) State() State {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.state
}

// SetState attempts the transition to target. Asking for the state the
// host is already in succeeds without effect, so concurrent movers to the
// same state do not trip each other.
func (h *Host) SetState(target State) error {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.setStateLocked(target)
}

// setStateLocked is SetState with h.lk already held.
func (h *Host) setStateLocked(target State) error {
	from := h.state
	if from == target {
		return nil
	}
	if !legalTransition(from, target) {
		h.sys.metrics.TransitionRejected(from.String(), target.String())
		h.log.Error("illegal host state transition",
			zap.String("from", from.String()),
			zap.String("to", target.String()))
		return errors.Newf(errors.CodeInvalidTransition,
			"illegal transition %s -> %s", from, target).
			WithComponent("host").
			WithOperation("set_state")
	}
	h.state = target
	h.sys.metrics.Transition(from.String(), target.String())
	h.log.Debug("host state changed",
		zap.String("from", from.String()),
		zap.String("to", target.String()))
	return nil
}
