package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	appconfig "github.com/quorum-ai/quorum/config"
	"github.com/quorum-ai/quorum/internal/agent"
	"github.com/quorum-ai/quorum/internal/aggregate"
	"github.com/quorum-ai/quorum/internal/delivery"
	"github.com/quorum-ai/quorum/internal/dispatch"
	"github.com/quorum-ai/quorum/internal/schedule"
	"github.com/quorum-ai/quorum/internal/server"
	"github.com/quorum-ai/quorum/internal/telemetry"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the query orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return serve
}

func runServe(cfgPath, addr string) error {
	baseLogger := log.New(log.Writer(), "[QUORUM] ", log.LstdFlags)

	manager, err := appconfig.NewManager(cfgPath, baseLogger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	manager.Watch()
	cfg := manager.Snapshot()

	var tele *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tele = telemetry.New(log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags))
	}

	registry := agent.NewRegistry()
	for name, remote := range cfg.Agents.Remotes {
		registry.Register(agent.NewRemoteAgent(name, remote.Endpoint, cfg.Agents.ExecTimeout))
	}
	if len(cfg.Agents.Remotes) == 0 {
		// dev mode: a scripted agent set so the server is usable out of the box
		baseLogger.Printf("no remote agents configured, registering scripted development agents")
		registry.Register(agent.NewScriptedAgent("research", 50*time.Millisecond, 64, nil))
		registry.Register(agent.NewScriptedAgent("analysis", 80*time.Millisecond, 96, nil))
		registry.Register(agent.NewScriptedAgent("synthesis", 30*time.Millisecond, 48, nil))
	}

	agg := aggregate.New(log.New(log.Writer(), "[AGGREGATE] ", log.LstdFlags), cfg.Delivery.EventBuffer)

	sched := dispatch.New(log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags), registry, agg, tele, func() dispatch.Config {
		oc := manager.Snapshot().Orchestrator
		return dispatch.Config{
			Capacity:        oc.Capacity,
			QueueDepth:      oc.QueueDepth,
			DefaultBudget:   oc.DefaultBudget,
			PartialDeadline: oc.PartialDeadline,
			ResultRetention: oc.ResultRetention,
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []delivery.Sink
	var rdb *redis.Client
	if cfg.Delivery.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Delivery.Redis.Addr,
			Password: cfg.Delivery.Redis.Password,
			DB:       cfg.Delivery.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Delivery.Redis.Addr, err)
		}
		sinks = append(sinks, delivery.NewStreamSink(delivery.NewPublisher(rdb), cfg.Delivery.Stream, 10000))
	}
	if cfg.Delivery.WebhookURL != "" {
		sinks = append(sinks, delivery.NewWebhookSink(cfg.Delivery.WebhookURL, cfg.Delivery.WebhookTimeout, 3, 0))
	}

	gateway := delivery.NewGateway(log.New(log.Writer(), "[DELIVERY] ", log.LstdFlags), sinks...)
	agg.SetNotify(gateway.NotifyOutcome)
	go gateway.Run(ctx, agg.Events())

	if cfg.Schedule.Enabled {
		runner := schedule.NewRunner(log.New(log.Writer(), "[SCHED] ", log.LstdFlags), manager, sched, rdb)
		runner.Start()
		defer runner.Stop()
	}

	srv := server.New(log.New(log.Writer(), "[HTTP] ", log.LstdFlags), manager, sched, gateway)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	baseLogger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
