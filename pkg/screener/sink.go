package screener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSnapshotPath is where the runtime publishes rows for out-of-process
// readers.
const DefaultSnapshotPath = "data/screener_live.json"

// Sink persists a full set of screener rows.
type Sink interface {
	Name() string
	Write(ctx context.Context, rows []models.ScreenerRow) error
}

// FileSink writes the rows as a JSON array. The file is replaced atomically
// so readers never see a partial write.
type FileSink struct {
	Path string
}

func NewFileSink(path string) *FileSink {
	if path == "" {
		path = DefaultSnapshotPath
	}
	return &FileSink{Path: path}
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Write(_ context.Context, rows []models.ScreenerRow) error {
	if rows == nil {
		rows = []models.ScreenerRow{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".screener-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// RedisSink stores the rows under one key and announces each write on a
// pub/sub channel with the row count as payload.
type RedisSink struct {
	rdb     *redis.Client
	key     string
	channel string
}

func NewRedisSink(rdb *redis.Client, key, channel string) *RedisSink {
	if key == "" {
		key = "frarb:screener:rows"
	}
	if channel == "" {
		channel = "frarb:screener:updated"
	}
	return &RedisSink{rdb: rdb, key: key, channel: channel}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Write(ctx context.Context, rows []models.ScreenerRow) error {
	if rows == nil {
		rows = []models.ScreenerRow{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", r.key, err)
	}
	if err := r.rdb.Publish(ctx, r.channel, len(rows)).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", r.channel, err)
	}
	return nil
}

// Read returns the stored rows. A missing key yields no rows and no error.
func (r *RedisSink) Read(ctx context.Context) ([]models.ScreenerRow, error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", r.key, err)
	}
	return decodeRows(raw), nil
}

func (r *RedisSink) ReadRows(ctx context.Context) []models.ScreenerRow {
	rows, _ := r.Read(ctx)
	return rows
}
