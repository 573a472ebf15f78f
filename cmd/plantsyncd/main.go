package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"plantsync/internal/broadcast"
	"plantsync/internal/chunk"
	"plantsync/internal/config"
	"plantsync/internal/flow"
	"plantsync/internal/sim"
	"plantsync/internal/telemetry"
	"plantsync/internal/transport"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:   "plantsyncd",
		Short: "Streams live simulated plant state to websocket subscribers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// scope pairs a simulation engine with the channel namespace it feeds.
type scope struct {
	name   string
	engine *sim.Engine
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	flowTable := flow.NewTable(cfg.AckTimeout.Std(), logger, metrics)
	splitter := chunk.NewSplitter(cfg.MaxPayloadBytes, cfg.ChunkBatchSize)
	hub := broadcast.NewHub(broadcast.Config{
		MaxClients:  cfg.MaxClients,
		OutboxDepth: cfg.OutboxDepth,
	}, flowTable, splitter, metrics, logger)

	scopes := []scope{{
		name:   "",
		engine: sim.New(cfg.PlantID, cfg.PlantName, cfg.SimSeed, logger.Named("sim")),
	}}
	for _, session := range cfg.Sessions {
		scopes = append(scopes, scope{
			name:   session.ID,
			engine: sim.New(cfg.PlantID, cfg.PlantName, session.Seed, logger.Named("sim."+session.ID)),
		})
	}

	ws := transport.NewServer(hub, transport.Config{}, logger.Named("transport"))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.HandleWS)
	mux.HandleFunc("/healthz", ws.HandleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		runTicks(ctx, scopes, hub, cfg.TickRate)
		return nil
	})

	return group.Wait()
}

// runTicks drives every simulation scope at the fixed tick rate until the
// context ends.
func runTicks(ctx context.Context, scopes []scope, hub *broadcast.Hub, tickRate int) {
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			if dt <= 0 {
				dt = 1.0 / float64(tickRate)
			}
			last = now
			for _, s := range scopes {
				state := s.engine.Advance(now, dt)
				hub.BroadcastTick(s.name, state, now)
			}
		}
	}
}
