package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistrationAndCounting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Drop(DropNoSocket)
	m.Drop(DropNoSocket)
	m.NoRoute.Inc()

	if got := testutil.ToFloat64(m.RouteDrops.WithLabelValues(DropNoSocket)); got != 2 {
		t.Fatalf("no_socket drops = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.NoRoute); got != 1 {
		t.Fatalf("noroute = %v, want 1", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered families")
	}
}

func TestPrivateMetricsDoNotRegister(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.BufferExhausted.Inc()
	if testutil.ToFloat64(b.BufferExhausted) != 0 {
		t.Fatalf("private metrics must not share state")
	}
}
