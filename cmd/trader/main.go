package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/api"
	"github.com/BimalKreator/tradeict-fr-hft/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fr-arb",
		Short: "Cross-exchange funding rate arbitrage",
		Long:  `Streams Binance and Bybit perpetual funding rates, ranks the spreads and trades the hedged pair when armed`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(screenerAPICmd(), checkKeysCmd(), issueTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads the config and builds the process logger from it.
func setup() (*config.Config, func()) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	closeLog, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}
	return cfg, closeLog
}

func runTrader(cmd *cobra.Command, args []string) {
	cfg, closeLog := setup()
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build runtime")
	}
	defer rt.Close()

	if err := rt.controller.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start controller")
	}

	apiServer := api.NewServer(api.Options{
		Port:         cfg.Server.Port,
		JWTSecret:    cfg.Server.JWTSecret,
		DefaultLimit: cfg.Screener.DefaultLimit,
		Snapshot:     rt.snapshot,
		Screener:     rt.screener,
		Backend:      rt.controller,
	}, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	logger.WithFields(logrus.Fields{
		"dry_run":    cfg.Trading.DryRun,
		"auto_trade": cfg.Trading.AutoTrade,
		"symbols":    len(cfg.Screener.Symbols),
	}).Info("Funding arbitrage is running. Press Ctrl+C to stop.")

	waitForSignal()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown")
	}
	rt.controller.Stop()
	cancel()

	logger.Info("Funding arbitrage stopped")
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal")
}
