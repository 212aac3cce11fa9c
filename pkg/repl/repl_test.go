package repl

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"CSP/pkg/config"
	"CSP/pkg/cspstack"
)

func startNode(t *testing.T) *cspstack.Node {
	t.Helper()
	cfg := config.Default()
	cfg.RouteTickMS = 5
	cfg.Hostname = "replnode"
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
	if _, err := n.ListenServices(ctx); err != nil {
		t.Fatalf("services: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func TestScript(t *testing.T) {
	n := startNode(t)
	var out bytes.Buffer
	r := New(n, &out)
	r.Run(strings.NewReader(strings.Join([]string{
		"li",
		"",
		"ping 0 20 crc",
		"uptime 0",
		"buf 0",
		"ident 0",
		"ifstat 0 LOOP",
		"route 5 LOOP",
		"lr",
		"lc",
		"bogus",
		"exit",
		"ping 0",
	}, "\n")))

	text := out.String()
	for _, want := range []string{
		"LOOP",
		"reply from 0: size=20",
		"uptime of 0:",
		"free buffers on 0:",
		"replnode",
		"unknown command \"bogus\"",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output lacks %q:\n%s", want, text)
		}
	}
	if strings.Count(text, "reply from") != 1 {
		t.Fatalf("commands after exit ran:\n%s", text)
	}
	if _, ok := n.RTable().Find(5); !ok {
		t.Fatalf("route command did not add a route")
	}
}

func TestUsageErrors(t *testing.T) {
	r := New(startNode(t), &bytes.Buffer{})
	for _, line := range [][]string{
		{"ping"},
		{"ping", "0", "-3"},
		{"ifstat", "0"},
		{"uptime"},
		{"route"},
	} {
		err := r.Exec(line[0], line[1:])
		if err == nil || !strings.HasPrefix(err.Error(), "usage: ") {
			t.Fatalf("%v: err = %v", line, err)
		}
	}
	if err := r.Exec("uptime", []string{"nope"}); err == nil || strings.HasPrefix(err.Error(), "usage") {
		t.Fatalf("bad address: err = %v", err)
	}
}

func TestHelpListsCommands(t *testing.T) {
	var out bytes.Buffer
	r := New(startNode(t), &out)
	if err := r.Exec("help", nil); err != nil {
		t.Fatalf("help: %v", err)
	}
	for name := range commands {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("help lacks %s", name)
		}
	}
}
