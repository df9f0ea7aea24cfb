package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/internal/metrics"
	"github.com/catherinevee/cloudauditor/internal/server"
	"github.com/catherinevee/cloudauditor/internal/shared/config"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run discovery on a schedule and expose metrics",
	Long: `Run discovery every server.interval, persist each run, and serve
/metrics, /healthz, /runs and /runs/latest. Edits to the configuration file
apply to the next scheduled run.`,
	RunE: runServe,
}

var serveAddress string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (default: server.address)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := cfgManager.Get()
	log := logger.New("serve")

	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tracker := metrics.NewTracker(registry)

	var (
		store server.RunStore
		runs  server.RunReader
	)
	if cfg.Database.Enabled {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		store, runs = db, db
	}

	factory := func(dc models.DiscoveryConfig) server.Discoverer {
		return newEngine(session, cfgManager.Get(), dc, tracker)
	}
	scheduler := server.NewScheduler(factory, cfg.ToDiscoveryConfig(), cfg.Server.Interval, store)

	cfgManager.OnChange(func(c *config.Config) {
		scheduler.UpdateConfig(c.ToDiscoveryConfig(), c.Server.Interval)
	})

	addr := serveAddress
	if addr == "" {
		addr = cfg.Server.Address
	}

	go scheduler.Start(ctx)

	srv := server.NewServer(scheduler, runs, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), Version)
	log.Info("starting discovery service",
		logger.String("address", addr),
		logger.Duration("interval", cfg.Server.Interval),
		logger.Bool("persistence", cfg.Database.Enabled))

	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}
