package main

import (
	"context"
	"fmt"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/galadrimteam/sockfeed/internal/config"
	"github.com/galadrimteam/sockfeed/internal/dataset"
	"github.com/galadrimteam/sockfeed/internal/logging"
	"github.com/galadrimteam/sockfeed/internal/metrics"
	"github.com/galadrimteam/sockfeed/internal/provider"
	"github.com/galadrimteam/sockfeed/internal/transport"
)

func serveCmd() *cobra.Command {
	var (
		host     string
		port     int
		typ      string
		interval time.Duration
		dataFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the feed",
		Long: `Serve the feed to websocket or server-sent events clients.

Settings come from SOCKFEED_* environment variables (and .env); flags
override them. Without --data the built-in demo dataset is served.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("type") {
				cfg.Type = typ
			}
			if flags.Changed("interval") {
				cfg.Interval = interval
			}
			if flags.Changed("data") {
				cfg.DataFile = dataFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", transport.DefaultHost, "Host to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", transport.DefaultPort, "Port to listen on")
	cmd.Flags().StringVarP(&typ, "type", "t", string(transport.TypeWebsockets), "Transport: websockets or sse")
	cmd.Flags().DurationVarP(&interval, "interval", "i", provider.DefaultInterval, "Delay between recurring records")
	cmd.Flags().StringVarP(&dataFile, "data", "d", "", "YAML dataset file")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ds := dataset.Demo()
	if cfg.DataFile != "" {
		var err error
		if ds, err = dataset.Load(cfg.DataFile); err != nil {
			return fmt.Errorf("load dataset: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	server := transport.NewServer(cfg.Host, transport.Type(cfg.Type), cfg.Port,
		transport.WithLogger(logging.Logger),
		transport.WithMetrics(m, reg),
		transport.WithSSEPath(cfg.SSEPath),
		transport.WithWriteTimeout(cfg.WriteTimeout),
		transport.WithConnectLimit(cfg.MaxConnectsPerSecond, connectBurst(cfg.MaxConnectsPerSecond)),
	)

	p := provider.New(server, ds.Initial, ds.Recurring,
		provider.WithInterval(cfg.Interval),
		provider.WithLogger(logging.Logger),
		provider.WithMetrics(m),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Logger.Info("Starting feed",
		"addr", cfg.Addr(),
		"type", cfg.Type,
		"initial", len(ds.Initial),
		"recurring", len(ds.Recurring),
		"interval", cfg.Interval,
	)
	if err := p.Start(ctx); err != nil {
		return err
	}

	logging.Logger.Info("Goodbye!")
	return nil
}

func connectBurst(perSecond float64) int {
	return max(1, int(math.Ceil(perSecond)))
}
