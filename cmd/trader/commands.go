package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/api"
	"github.com/BimalKreator/tradeict-fr-hft/internal/config"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/exchange"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// screenerAPICmd serves the query API from the published snapshot without
// opening any exchange connection.
func screenerAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "screener-api",
		Short: "Serve the screener API from the published snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, closeLog := setup()
			defer closeLog()

			snapshot, closeSnapshot := snapshotReader(cfg, logger)
			defer closeSnapshot()

			server := api.NewServer(api.Options{
				Port:         cfg.Server.Port,
				JWTSecret:    cfg.Server.JWTSecret,
				DefaultLimit: cfg.Screener.DefaultLimit,
				Snapshot:     snapshot,
			}, logger)
			go func() {
				if err := server.Start(); err != nil {
					logger.WithError(err).Fatal("Failed to start API server")
				}
			}()

			waitForSignal()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		},
	}
}

func checkKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-keys",
		Short: "Validate exchange API keys and hedge mode, printing JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog := setup()
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			results := checkKeys(ctx, cfg)
			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			for _, r := range results {
				if !r.HedgeConfirmed() {
					return fmt.Errorf("%s: credentials not ready for trading", r.Exchange)
				}
			}
			return nil
		},
	}
}

// checkKeys validates both exchanges concurrently. An exchange without keys
// reports an error result instead of calling out.
func checkKeys(ctx context.Context, cfg *config.Config) []models.CredentialResult {
	type target struct {
		id  models.ExchangeID
		cfg config.ExchangeConfig
	}
	targets := []target{
		{models.ExchangeBinance, cfg.Binance},
		{models.ExchangeBybit, cfg.Bybit},
	}

	results := make([]models.CredentialResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		if !t.cfg.HasCredentials() {
			results[i] = models.CredentialResult{Exchange: t.id, Error: "API key and secret are not configured"}
			continue
		}
		g.Go(func() error {
			results[i] = restClient(t.id, t.cfg).ValidateCredentials(gctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func restClient(id models.ExchangeID, ex config.ExchangeConfig) interface {
	ValidateCredentials(ctx context.Context) models.CredentialResult
} {
	opts := exchange.Options{
		BaseURL:           ex.RESTURL,
		RequestsPerSecond: ex.RequestsPerSecond,
		QuantityPlaces:    ex.QuantityPlaces,
	}
	if id == models.ExchangeBinance {
		return exchange.NewBinanceClient(ex.APIKey, ex.APISecret, opts)
	}
	return exchange.NewBybitClient(ex.APIKey, ex.APISecret, opts)
}

func issueTokenCmd() *cobra.Command {
	var subject, email string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint an operator token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog := setup()
			defer closeLog()

			if ttl <= 0 {
				ttl = cfg.Server.TokenTTL
			}
			token, err := api.IssueToken(cfg.Server.JWTSecret, subject, email, ttl, time.Now())
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"sub": subject, "ttl": ttl.String()}).Info("Issued API token")
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "operator", "token subject")
	cmd.Flags().StringVar(&email, "email", "", "operator email (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default server.token_ttl)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
