// Package drivertest starts nodes for driver tests.
package drivertest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"CSP/pkg/config"
	"CSP/pkg/cspstack"
)

// Node runs a node until the test ends. With services set it also answers
// the reserved service ports.
func Node(t *testing.T, services bool) *cspstack.Node {
	t.Helper()
	cfg := config.Default()
	cfg.RouteTickMS = 5
	cfg.BufferCount = 30
	n, err := cspstack.Init(cfg, cspstack.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	if services {
		if _, err := n.ListenServices(ctx); err != nil {
			t.Fatalf("services: %v", err)
		}
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

// Context is cancelled when the test ends.
func Context(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
