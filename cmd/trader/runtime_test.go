package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/internal/config"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/screener"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/stream"
	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "screener:\n  snapshot_path: " + filepath.Join(dir, "screener.json") + "\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBuildRuntimeDryRun(t *testing.T) {
	cfg := loadTestConfig(t, "")
	require.True(t, cfg.Trading.DryRun)

	rt, err := buildRuntime(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.controller)
	assert.Same(t, rt.screener, rt.controller.Screener())
	assert.IsType(t, screener.FileSnapshot{}, rt.snapshot)

	st := rt.controller.Status()
	assert.False(t, st.Running)
	assert.False(t, st.CanAutoTrade)
	assert.Empty(t, rt.controller.Positions())
}

func TestBuildRuntimeWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadTestConfig(t, "redis:\n  addr: "+mr.Addr()+"\n")

	rt, err := buildRuntime(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer rt.Close()

	_, ok := rt.snapshot.(*screener.RedisSink)
	assert.True(t, ok)
	assert.Len(t, rt.closers, 1)
}

func TestStreamConfigOverrides(t *testing.T) {
	base := stream.DefaultBybitConfig()
	got := streamConfig(base, config.ExchangeConfig{PublicWSURL: "ws://local/public"}, config.StreamConfig{
		InitialReconnectDelay: 2 * time.Second,
		BackoffMultiplier:     0.5,
		MaxEventAge:           time.Minute,
	})

	assert.Equal(t, "ws://local/public", got.PublicURL)
	assert.Equal(t, base.PrivateURL, got.PrivateURL)
	assert.Equal(t, 2*time.Second, got.InitialReconnectDelay)
	assert.Equal(t, base.MaxReconnectDelay, got.MaxReconnectDelay)
	assert.Equal(t, base.BackoffMultiplier, got.BackoffMultiplier)
	assert.Equal(t, time.Minute, got.MaxEventAge)
}

func TestConfigureLogger(t *testing.T) {
	l := logrus.New()
	path := filepath.Join(t.TempDir(), "fr-arb.log")

	closeLog, err := configureLogger(l, config.LoggingConfig{Level: "debug", Format: "text", File: path})
	require.NoError(t, err)
	l.Info("hello")
	closeLog()

	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hello")

	_, err = configureLogger(l, config.LoggingConfig{Level: "loud"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestCheckKeysWithoutCredentials(t *testing.T) {
	cfg := loadTestConfig(t, "")
	results := checkKeys(context.Background(), cfg)

	require.Len(t, results, 2)
	assert.Equal(t, models.ExchangeBinance, results[0].Exchange)
	assert.Equal(t, models.ExchangeBybit, results[1].Exchange)
	for _, r := range results {
		assert.False(t, r.OK)
		assert.NotEmpty(t, r.Error)
		assert.False(t, r.HedgeConfirmed())
	}
}
