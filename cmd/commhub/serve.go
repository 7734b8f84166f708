package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"commhub/internal/events"
	"commhub/internal/metrics"
	"commhub/internal/scheduler"
	"commhub/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and maintenance jobs",
		Long:  "Serves POST /webhooks/{provider} for every enabled provider and runs the archive and sweep jobs. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.events.On(events.Wildcard, func(e events.Event) {
		logger.Debug("event", "type", e.Type, "source", e.Source)
	})

	providers, err := webhookProviders(cfg)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		logger.Warn("no providers enabled; every delivery will get 404")
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	receiver, err := webhook.New(webhook.Config{
		Providers:    providers,
		Pipeline:     a.pipeline,
		Options:      pipelineOptions(cfg),
		Events:       a.events,
		Metrics:      metrics.Recorder{},
		MetricsPath:  metricsPath,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RatePerMin:   cfg.Server.RateLimitPerMinute,
		RateBurst:    cfg.Server.RateLimitBurst,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if cfg.Maintenance.Enabled {
		sched = scheduler.New(scheduler.Config{Logger: logger})
		jobs := []scheduler.Job{
			scheduler.ArchiveJob(cfg.Maintenance.ArchiveSchedule, a.pipeline.Grouper(), cfg.Maintenance.ArchiveAfterHours, a.events),
			scheduler.SweepJob(cfg.Maintenance.SweepSchedule, a.pipeline.Guard()),
		}
		for _, j := range jobs {
			if err := sched.Add(j); err != nil {
				return err
			}
		}
		go sched.Start(ctx)
	}

	for _, p := range providers {
		logger.Info("provider enabled", "id", p.ID, "type", p.Type, "signature", p.Kind)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- receiver.ListenAndServe(ctx, cfg.Server.Addr(), time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second)
	}()

	logger.Info("commhub started. Press Ctrl+C to stop.", "version", version)

	select {
	case err := <-errCh:
		if sched != nil {
			sched.Stop()
		}
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	if sched != nil {
		sched.Stop()
	}

	const shutdownTimeout = 10 * time.Second
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
