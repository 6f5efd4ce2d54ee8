package screener

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultPersistInterval bounds how often the snapshot is written.
const DefaultPersistInterval = 2 * time.Second

const sinkTimeout = 5 * time.Second

// RowStore holds the published screener rows and persists them to its sinks
// at most once per interval: a change after a quiet period is written
// immediately, changes inside the window collapse into one trailing write.
type RowStore struct {
	logger  *logrus.Logger
	sinks   []Sink
	limiter *rate.Limiter

	mu      sync.RWMutex
	rows    map[string]models.ScreenerRow
	pending *time.Timer
	closed  bool

	persistMu sync.Mutex
}

// NewRowStore builds a store. An interval <= 0 uses DefaultPersistInterval.
func NewRowStore(interval time.Duration, logger *logrus.Logger, sinks ...Sink) *RowStore {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RowStore{
		logger:  logger,
		sinks:   sinks,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		rows:    make(map[string]models.ScreenerRow),
	}
}

func (s *RowStore) Set(row models.ScreenerRow) {
	s.mu.Lock()
	s.rows[row.Symbol] = row
	n := len(s.rows)
	s.mu.Unlock()

	metrics.ScreenerRows.Set(float64(n))
	s.schedulePersist()
}

func (s *RowStore) Get(symbol string) (models.ScreenerRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[symbol]
	return r, ok
}

// Rows returns a copy of every row ordered by symbol.
func (s *RowStore) Rows() []models.ScreenerRow {
	s.mu.RLock()
	out := make([]models.ScreenerRow, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *RowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *RowStore) Clear() {
	s.mu.Lock()
	s.rows = make(map[string]models.ScreenerRow)
	s.mu.Unlock()
	metrics.ScreenerRows.Set(0)
}

func (s *RowStore) schedulePersist() {
	if len(s.sinks) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pending != nil {
		return
	}
	if s.limiter.Allow() {
		go s.persist()
		return
	}

	delay := s.limiter.Reserve().Delay()
	s.pending = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.persist()
		}
	})
}

func (s *RowStore) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	_ = s.Flush(ctx)
}

// Flush writes the current rows to every sink now. Sink failures are logged
// and the last one is returned; the next scheduled write retries.
func (s *RowStore) Flush(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	rows := s.Rows()
	var lastErr error
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, rows); err != nil {
			lastErr = err
			metrics.SnapshotWrites.WithLabelValues(sink.Name(), "error").Inc()
			s.logger.WithFields(logrus.Fields{
				"sink": sink.Name(),
				"rows": len(rows),
			}).WithError(err).Error("Failed to persist screener snapshot")
			continue
		}
		metrics.SnapshotWrites.WithLabelValues(sink.Name(), "ok").Inc()
	}
	return lastErr
}

// Close cancels any trailing write and flushes once more.
func (s *RowStore) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.mu.Unlock()

	if len(s.sinks) == 0 {
		return nil
	}
	return s.Flush(ctx)
}
