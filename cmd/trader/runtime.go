package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/internal/config"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/exchange"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/execution"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/journal"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/screener"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/stream"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/trader"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type runtime struct {
	controller *trader.Controller
	screener   *screener.Screener
	snapshot   screener.SnapshotReader
	closers    []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

// configureLogger applies level, format and the optional log file. The
// returned func closes the file.
func configureLogger(l *logrus.Logger, cfg config.LoggingConfig) (func(), error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.SetOutput(io.MultiWriter(os.Stdout, f))
	return func() { _ = f.Close() }, nil
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// snapshotReader picks redis when configured and the snapshot file
// otherwise.
func snapshotReader(cfg *config.Config, logger *logrus.Logger) (screener.SnapshotReader, func()) {
	if cfg.Redis.Addr == "" {
		return screener.FileSnapshot{Path: cfg.Screener.SnapshotPath}, func() {}
	}
	rdb := newRedisClient(cfg.Redis)
	logger.WithField("addr", cfg.Redis.Addr).Info("Reading screener snapshot from redis")
	return screener.NewRedisSink(rdb, cfg.Redis.Key, cfg.Redis.Channel), func() { _ = rdb.Close() }
}

func streamConfig(base stream.Config, ex config.ExchangeConfig, s config.StreamConfig) stream.Config {
	if ex.PublicWSURL != "" {
		base.PublicURL = ex.PublicWSURL
	}
	if ex.PrivateWSURL != "" {
		base.PrivateURL = ex.PrivateWSURL
	}
	if s.InitialReconnectDelay > 0 {
		base.InitialReconnectDelay = s.InitialReconnectDelay
	}
	if s.MaxReconnectDelay > 0 {
		base.MaxReconnectDelay = s.MaxReconnectDelay
	}
	if s.BackoffMultiplier >= 1 {
		base.BackoffMultiplier = s.BackoffMultiplier
	}
	if s.HeartbeatInterval > 0 {
		base.HeartbeatInterval = s.HeartbeatInterval
	}
	if s.MaxEventAge > 0 {
		base.MaxEventAge = s.MaxEventAge
	}
	return base
}

func restOptions(ex config.ExchangeConfig) exchange.Options {
	return exchange.Options{
		BaseURL:           ex.RESTURL,
		RequestsPerSecond: ex.RequestsPerSecond,
		QuantityPlaces:    ex.QuantityPlaces,
	}
}

// buildRuntime constructs every component from cfg. Nothing connects until
// the controller is started.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*runtime, error) {
	rt := &runtime{}

	sinks := []screener.Sink{screener.NewFileSink(cfg.Screener.SnapshotPath)}
	rt.snapshot = screener.FileSnapshot{Path: cfg.Screener.SnapshotPath}
	if cfg.Redis.Addr != "" {
		rdb := newRedisClient(cfg.Redis)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("Redis unreachable, snapshot writes will retry")
		}
		cancel()
		redisSink := screener.NewRedisSink(rdb, cfg.Redis.Key, cfg.Redis.Channel)
		sinks = append(sinks, redisSink)
		rt.snapshot = redisSink
		rt.closers = append(rt.closers, rdb.Close)
	}

	store := screener.NewRowStore(cfg.Screener.PersistInterval, logger, sinks...)
	rt.screener = screener.New(screener.Config{
		Symbols:      cfg.Screener.Symbols,
		MinSpreadBps: cfg.Screener.MinSpreadBps,
		FeeBps:       cfg.Screener.FeeBps,
	}, store, logger)

	streams := stream.NewCoordinator(logger,
		stream.NewBinanceClient(streamConfig(stream.DefaultBinanceConfig(), cfg.Binance, cfg.Stream), logger),
		stream.NewBybitClient(streamConfig(stream.DefaultBybitConfig(), cfg.Bybit, cfg.Stream), logger),
	)

	capital := trader.NewCapitalAllocator(models.CapitalConfig{
		MaxTrades:         cfg.Trading.MaxTrades,
		CapitalPercentage: cfg.Trading.CapitalPercentage,
	})
	engine := trader.NewEngine(trader.EngineConfig{
		DefaultSizeBase:      cfg.Trading.DefaultSizeBase,
		MaxSlippageBps:       cfg.Trading.MaxSlippageBps,
		MaxOpenOpportunities: cfg.Trading.MaxOpenOpportunities,
		SizeFromCapital:      cfg.Trading.SizeFromCapital,
	}, capital, nil, logger)
	monitor := trader.NewMonitor(trader.MonitorConfig{
		PnlTargetBps: cfg.Trading.PnlTargetBps,
		PnlStopBps:   cfg.Trading.PnlStopBps,
		MaxHold:      cfg.Trading.MaxHold,
	}, logger)
	exec := execution.NewManager(execution.Config{OrderTimeout: cfg.Trading.OrderTimeout}, logger)

	var accounts []trader.Account
	private := make(map[models.ExchangeID]trader.PrivateStream)
	if cfg.Trading.DryRun {
		for _, id := range []models.ExchangeID{models.ExchangeBinance, models.ExchangeBybit} {
			exec.SetClient(id, execution.NewPaperClient(id, rt.screener))
			accounts = append(accounts, execution.NewPaperAccount(id, cfg.Trading.PaperBalance))
		}
		logger.Info("Dry run: orders fill against the latest mark price")
	} else {
		binance := exchange.NewBinanceClient(cfg.Binance.APIKey, cfg.Binance.APISecret, restOptions(cfg.Binance))
		bybit := exchange.NewBybitClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret, restOptions(cfg.Bybit))
		exec.SetClient(models.ExchangeBinance, binance)
		exec.SetClient(models.ExchangeBybit, bybit)
		accounts = append(accounts, binance, bybit)
		private[models.ExchangeBinance] = trader.PrivateStream{
			Credentials: stream.Credentials{APIKey: cfg.Binance.APIKey},
			ListenKeys:  binance,
		}
		private[models.ExchangeBybit] = trader.PrivateStream{
			Credentials: stream.Credentials{APIKey: cfg.Bybit.APIKey, APISecret: cfg.Bybit.APISecret},
		}
	}

	var j journal.Journal = journal.Nop{}
	if cfg.Journal.DSN != "" {
		pg, err := journal.Open(ctx, cfg.Journal.DSN)
		if err != nil {
			logger.WithError(err).Warn("Trade journal unavailable, continuing without it")
		} else {
			j = pg
			logger.Info("Trade journal connected")
		}
	}

	rt.controller = trader.NewController(trader.ControllerConfig{
		Symbols:             cfg.Screener.Symbols,
		AutoTrade:           cfg.Trading.AutoTrade,
		ExitOnFundingFlip:   cfg.Trading.ExitOnFundingFlip,
		BalancePollInterval: cfg.Trading.BalancePollInterval,
		SweepInterval:       cfg.Trading.SweepInterval,
	}, trader.Components{
		Streams:   streams,
		Screener:  rt.screener,
		Engine:    engine,
		Monitor:   monitor,
		Capital:   capital,
		Execution: exec,
		Journal:   j,
		Accounts:  accounts,
		Private:   private,
	}, logger)

	return rt, nil
}
