// cmd/voiced/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keshon/voicegate/internal/config"
	"github.com/keshon/voicegate/internal/discord"
	"github.com/keshon/voicegate/internal/input"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/metrics"
	"github.com/keshon/voicegate/internal/shard"
	"github.com/keshon/voicegate/internal/track"
	"github.com/keshon/voicegate/internal/transport"
	"github.com/keshon/voicegate/internal/voice"
	"github.com/keshon/voicegate/pkg/jobmgr"
	"github.com/keshon/voicegate/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	readyTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("voiced exited with error")
		os.Exit(1)
	}
	log.Info().Msg("voiced exited cleanly")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Uint64("shards", cfg.ShardCount).Msg("starting voiced")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	jobs := jobmgr.NewManager(func(status string) {
		log.Debug().Str("jobs", status).Msg("job status")
	})
	defer jobs.StopAll()

	bot, err := discord.NewBot(cfg.DiscordToken, int(cfg.ShardCount), log)
	if err != nil {
		return err
	}

	router, err := shard.NewRouter(cfg.ShardCount, shard.WithRouterLogger(log), shard.WithJobManager(jobs))
	if err != nil {
		return err
	}
	defer router.Close()
	for i := uint64(0); i < cfg.ShardCount; i++ {
		b := shard.NewBridge(i, bot,
			shard.WithQueueSize(cfg.BridgeQueueSize),
			shard.WithLimiter(newGatewayLimiter(cfg.GatewayRate)),
			shard.WithBridgeLogger(log),
			shard.WithBridgeMetrics(m),
		)
		if err := router.Register(b); err != nil {
			return err
		}
	}

	if err := bot.Open(ctx); err != nil {
		return err
	}
	defer bot.Close()

	readyCtx, readyCancel := context.WithTimeout(ctx, readyTimeout)
	err = bot.WaitReady(readyCtx)
	readyCancel()
	if err != nil {
		return err
	}
	userID, err := bot.UserID()
	if err != nil {
		return err
	}

	mgr, err := voice.NewManager(router, userID, transport.NewDiscard(log),
		voice.WithHandshakeTimeout(cfg.HandshakeTimeout),
		voice.WithLogger(log),
		voice.WithMetrics(m),
		voice.WithTrackOptions(track.WithMaxVolume(cfg.MaxVolume)),
	)
	if err != nil {
		return err
	}
	bot.SetHandler(mgr)

	if cfg.MetricsAddr != "" {
		if _, err := jobs.StartAsync(ctx, "metrics", metricsServer(cfg.MetricsAddr, reg, log)); err != nil {
			return err
		}
	}

	if target, ok, _ := cfg.Autojoin(); ok {
		resolver := input.NewResolver(input.WithFFmpeg(cfg.FFmpegPath), input.WithLogger(log))
		aj := &autojoiner{target: target, bot: bot, mgr: mgr, resolver: resolver, log: log}
		if _, err := jobs.StartAsync(ctx, "autojoin", aj.run); err != nil {
			return err
		}
	}

	log.Info().Str("user", userID.String()).Msg("voiced is running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("received signal, shutting down")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("voice shutdown")
	}
	// Leave updates queued by the sessions go out before the shards close.
	router.Shutdown(shutdownCtx)
	return nil
}

// newGatewayLimiter paces one shard's voice updates, backing off to an
// eighth of the ceiling while the gateway refuses them.
func newGatewayLimiter(ceiling float64) *ratelimit.AdaptiveLimiter {
	ceil := rate.Limit(ceiling)
	return ratelimit.NewAdaptiveLimiter(ceil, ceil/8, ceil, ceil/4, 0.5)
}

func metricsServer(addr string, reg *prometheus.Registry, log zerolog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
