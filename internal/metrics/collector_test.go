package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	t.Parallel()

	c := NewCollector("test")

	c.HostConstructed()
	c.HostConstructed()
	c.HostAttached()
	c.HostRemoved()
	c.HostFinalized()

	if got := testutil.ToFloat64(c.hostsConstructed); got != 2 {
		t.Errorf("hosts_constructed_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.hostsLive); got != 1 {
		t.Errorf("hosts_live = %v, want 1 (2 constructed, 1 finalized)", got)
	}
	if got := testutil.ToFloat64(c.hostsFinalized); got != 1 {
		t.Errorf("hosts_finalized_total = %v, want 1", got)
	}
}

func TestCollector_Vectors(t *testing.T) {
	t.Parallel()

	c := NewCollector("test")

	c.Transition("created", "running")
	c.Transition("created", "running")
	c.TransitionRejected("running", "created")
	c.AttachRollback("tags")
	c.WorkQueued("no_queue")

	if got := testutil.ToFloat64(c.stateTransitions.WithLabelValues("created", "running")); got != 2 {
		t.Errorf("transitions created->running = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.rejectedTransitions.WithLabelValues("running", "created")); got != 1 {
		t.Errorf("rejected running->created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.attachRollbacks.WithLabelValues("tags")); got != 1 {
		t.Errorf("rollbacks{stage=tags} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.workQueued.WithLabelValues("no_queue")); got != 1 {
		t.Errorf("work_queued{result=no_queue} = %v, want 1", got)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.HostConstructed()
	c.HostAttached()
	c.HostRemoved()
	c.HostFinalized()
	c.Transition("a", "b")
	c.TransitionRejected("a", "b")
	c.AttachRollback("stage")
	c.WorkQueued("queued")
	c.RecoveryPass()

	if c.Handler() == nil {
		t.Error("nil collector Handler should still return a handler")
	}
}

func TestCollector_Handler(t *testing.T) {
	t.Parallel()

	c := NewCollector("test")
	c.HostConstructed()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_hosts_constructed_total") {
		t.Error("metrics output missing test_hosts_constructed_total")
	}
}
