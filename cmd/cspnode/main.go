// cspnode runs one CSP node described by a TOML file: its interfaces,
// routes and the built-in services, with an optional console on stdin.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	"CSP/pkg/config"
	"CSP/pkg/cspstack"
	"CSP/pkg/drivers/kiss"
	"CSP/pkg/drivers/udp"
	"CSP/pkg/drivers/ws"
	"CSP/pkg/logging"
	"CSP/pkg/metrics"
	"CSP/pkg/repl"
)

func main() {
	configPath := flag.String("config", "", "node TOML file")
	console := flag.Bool("repl", true, "read console commands from stdin")
	flag.Parse()
	if *configPath == "" {
		fmt.Printf("Usage:  %s --config <node.toml>\n", os.Args[0])
		os.Exit(1)
	}

	if err := run(*configPath, *console); err != nil {
		fmt.Fprintf(os.Stderr, "cspnode: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, console bool) error {
	file, err := config.LoadNodeFile(path)
	if err != nil {
		return err
	}
	logger := logging.Configure(file.LogLevel, file.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	node, err := cspstack.Init(file.Stack,
		cspstack.WithLogger(logger),
		cspstack.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		cspstack.WithRebootHook(func() {
			logger.Warn().Msg("reboot requested, stopping")
			stop()
		}),
		cspstack.WithShutdownHook(func() {
			logger.Warn().Msg("shutdown requested")
			stop()
		}),
	)
	if err != nil {
		return err
	}

	for _, iface := range file.Interfaces {
		if err := openInterface(ctx, node, iface, logger); err != nil {
			return err
		}
	}
	if err := node.RTable().Load(file.Routes, node.Interfaces()); err != nil {
		return err
	}

	if file.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		serve(ctx, file.MetricsAddr, mux, logger)
	}

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		_ = node.Run(ctx)
	}()
	if file.Services {
		if _, err := node.ListenServices(ctx); err != nil {
			return err
		}
	}

	pterm.Info.Println(fmt.Sprintf("CSP node %s (v%d header)", file.Stack.Hostname, file.Stack.Version))
	if console {
		go func() {
			repl.New(node, os.Stdout).Run(os.Stdin)
			stop()
		}()
	}

	<-ctx.Done()
	<-routerDone
	logger.Info().Msg("node stopped")
	return nil
}

func openInterface(ctx context.Context, node *cspstack.Node, iface config.Interface, logger zerolog.Logger) error {
	switch iface.Type {
	case config.InterfaceUDP:
		d, err := udp.Open(node, udp.Config{
			Name:    iface.Name,
			Addr:    iface.Addr,
			Netmask: iface.Netmask,
			Default: iface.Default,
			Host:    iface.Host,
			LPort:   iface.LPort,
			RPort:   iface.RPort,
		})
		if err != nil {
			return err
		}
		go runDriver(ctx, iface.Name, d.Run, logger)
	case config.InterfaceKISS:
		d, err := kiss.Dial(node, kiss.Config{
			Name:    iface.Name,
			Addr:    iface.Addr,
			Netmask: iface.Netmask,
			Default: iface.Default,
		}, iface.Device)
		if err != nil {
			return err
		}
		go runDriver(ctx, iface.Name, d.Run, logger)
	case config.InterfaceWS:
		cfg := ws.Config{
			Name:    iface.Name,
			Addr:    iface.Addr,
			Netmask: iface.Netmask,
			Default: iface.Default,
		}
		if iface.URL != "" {
			if _, err := ws.Dial(ctx, node, cfg, iface.URL); err != nil {
				return err
			}
			return nil
		}
		d, err := ws.Listen(node, cfg)
		if err != nil {
			return err
		}
		serve(ctx, iface.Listen, d, logger)
	default:
		return errors.Errorf("interface %s: unknown type %q", iface.Name, iface.Type)
	}
	return nil
}

func runDriver(ctx context.Context, name string, run func(context.Context) error, logger zerolog.Logger) {
	if err := run(ctx); err != nil {
		logger.Error().Err(err).Str("iface", name).Msg("driver stopped")
	}
}

func serve(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("http server")
		}
	}()
}
