package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/aggr/internal/aggregator"
	"github.com/adred-codev/aggr/internal/broadcast"
	"github.com/adred-codev/aggr/internal/config"
	"github.com/adred-codev/aggr/internal/exchange"
	"github.com/adred-codev/aggr/internal/exchange/binance"
	"github.com/adred-codev/aggr/internal/ingest"
	"github.com/adred-codev/aggr/internal/limits"
	"github.com/adred-codev/aggr/internal/monitor"
	"github.com/adred-codev/aggr/internal/monitoring"
	"github.com/adred-codev/aggr/internal/persistence"
	"github.com/adred-codev/aggr/internal/persistence/bars"
	kafkastore "github.com/adred-codev/aggr/internal/persistence/kafka"
	"github.com/adred-codev/aggr/internal/persistence/memory"
	natsstore "github.com/adred-codev/aggr/internal/persistence/natspub"
	"github.com/adred-codev/aggr/internal/persistence/postgres"
	redisstore "github.com/adred-codev/aggr/internal/persistence/redis"
	"github.com/adred-codev/aggr/internal/registry"
	"github.com/adred-codev/aggr/internal/server"
	"github.com/adred-codev/aggr/internal/types"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides AGGR_LOG_LEVEL)")
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatJSON,
	})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})

	// automaxprocs has already clamped GOMAXPROCS to the container limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(logger zerolog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logger)

	breakers := persistence.NewBreakerManager(logger)
	var storages []persistence.Storage
	for _, name := range cfg.Storage {
		st, err := buildStorage(logger, cfg, name)
		if err != nil {
			return err
		}
		storages = append(storages, persistence.WithBreaker(st, breakers))
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	defer cancelConnect()
	for _, st := range storages {
		if err := st.Connect(connectCtx); err != nil {
			return fmt.Errorf("storage %s: %w", st.Name(), err)
		}
	}

	var primary persistence.Storage
	if len(storages) > 0 {
		primary = storages[0]
	}

	// The chunk only exists when there is somewhere to flush it to.
	var chunk *persistence.Chunk
	if cfg.Collect && len(storages) > 0 {
		chunk = persistence.NewChunk()
	}

	var dispatcher *broadcast.Dispatcher
	if cfg.Broadcast {
		mode := broadcast.ModeImmediate
		var aggr *aggregator.Aggregator
		switch {
		case cfg.BroadcastAggr:
			mode = broadcast.ModeAggregated
			aggr = aggregator.New(logger)
		case cfg.BroadcastDebounce > 0:
			mode = broadcast.ModeDebounced
		}
		dispatcher = broadcast.New(logger, mode, cfg.BroadcastDebounce, aggr)
		dispatcher.Start(ctx)
	}

	engine := ingest.New(logger, reg, chunk, dispatcher)

	var scheduler *persistence.Scheduler
	if chunk != nil {
		scheduler = persistence.NewScheduler(logger, chunk, storages, cfg.BackupInterval)
		scheduler.Start(ctx)
	}

	actMon := monitor.New(logger, reg, cfg.MonitorInterval, cfg.ReconnectionThreshold)

	var adapters []exchange.Controller
	if cfg.Collect && cfg.BinanceEnabled {
		bn := binance.New(logger, cfg.BinanceURL, cfg.BinancePairsPerAPI, engine)
		if err := bn.Connect(ctx, pairsFor(cfg.Pairs, binance.ID)); err != nil {
			return fmt.Errorf("binance adapter: %w", err)
		}
		actMon.Attach(bn)
		adapters = append(adapters, bn)
	}
	actMon.Start(ctx)

	banned := limits.NewBanList(logger, cfg.BannedFile)
	banned.Watch(ctx, cfg.BanReloadInterval)

	var limiter *limits.RateLimiter
	if cfg.EnableRateLimit {
		limiter = limits.NewRateLimiter(logger, cfg.RateLimitTimeWindow, cfg.RateLimitMax)
	}

	sysMon := monitoring.NewSystemMonitor(logger)
	sysMon.Start(ctx, cfg.SystemMonitorInterval)

	srv := server.New(logger, server.Options{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		APIEnabled:     cfg.API,
		MaxConnections: cfg.MaxConnections,
		MaxFetchLength: cfg.MaxFetchLength,
		Origin:         cfg.OriginRegexp(),
		Registry:       reg,
		Chunk:          chunk,
		Primary:        primary,
		Dispatcher:     dispatcher,
		Banned:         banned,
		Limiter:        limiter,
		SysMon:         sysMon,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info().Msg("aggr server running")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	// Teardown order: stop intake, drain timers, run the exit flush, then
	// close the client surface and the storage backends.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	for _, a := range adapters {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Str("exchange", a.ID()).Msg("Adapter close failed")
		}
	}
	actMon.Shutdown()
	if dispatcher != nil {
		dispatcher.Shutdown()
	}
	if scheduler != nil {
		scheduler.Shutdown(shutdownCtx)
	}
	srv.Shutdown()
	sysMon.Shutdown()
	banned.Shutdown()
	if limiter != nil {
		limiter.Stop()
	}
	for _, st := range storages {
		closer, ok := st.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			logger.Error().Err(err).Str("storage", st.Name()).Msg("Storage close failed")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// buildStorage maps a configured driver name to its implementation.
func buildStorage(logger zerolog.Logger, cfg *config.Config, name string) (persistence.Storage, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "memory":
		return memory.New(logger, cfg.MemoryCapacity), nil
	case "bars":
		return bars.New(logger, cfg.BarsTimeframe), nil
	case "postgres":
		return postgres.New(logger, cfg.PostgresDSN), nil
	case "redis":
		return redisstore.New(logger, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey), nil
	case "kafka":
		return kafkastore.New(logger, cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case "nats":
		return natsstore.New(logger, cfg.NATSUrl, cfg.NATSSubject), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", name)
}

// pairsFor selects the pairs destined for one exchange. Entries may carry an
// "EXCHANGE:pair" prefix; bare entries go to every adapter.
func pairsFor(entries []string, exchangeID string) []string {
	var out []string
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) == 2 {
			if strings.EqualFold(parts[0], exchangeID) {
				out = append(out, parts[1])
			}
			continue
		}
		out = append(out, entry)
	}
	return out
}
