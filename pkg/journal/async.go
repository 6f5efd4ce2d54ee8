package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 5 * time.Second
)

// ErrQueueFull is returned when an event is dropped because the writer is
// behind.
var ErrQueueFull = errors.New("journal queue full")

// ErrClosed is returned for events recorded after Close.
var ErrClosed = errors.New("journal closed")

type asyncEvent struct {
	kind  string
	write func(ctx context.Context) error
}

// Async hands events to a single writer goroutine. Record calls never
// block; events that do not fit in the queue are dropped and counted.
type Async struct {
	inner   Journal
	timeout time.Duration
	logger  *logrus.Logger
	queue   chan asyncEvent

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func NewAsync(inner Journal, queueSize int, timeout time.Duration, logger *logrus.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Async{
		inner:   inner,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan asyncEvent, queueSize),
	}
}

// Start runs the writer. Calling it again is a no-op.
func (a *Async) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range a.queue {
			a.write(ev)
		}
	}()
}

func (a *Async) write(ev asyncEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := ev.write(ctx); err != nil {
		metrics.JournalEvents.WithLabelValues(ev.kind, "failed").Inc()
		a.logger.WithField("kind", ev.kind).WithError(err).Warn("Failed to journal event")
		return
	}
	metrics.JournalEvents.WithLabelValues(ev.kind, "written").Inc()
}

func (a *Async) enqueue(kind string, fn func(ctx context.Context) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- asyncEvent{kind: kind, write: fn}:
		return nil
	default:
		metrics.JournalEvents.WithLabelValues(kind, "dropped").Inc()
		a.logger.WithField("kind", kind).Warn("Journal queue full, event dropped")
		return ErrQueueFull
	}
}

// RecordEntry queues d. The ctx argument is ignored; the writer applies its
// own timeout.
func (a *Async) RecordEntry(_ context.Context, d models.EntryDecision) error {
	return a.enqueue(KindEntry, func(ctx context.Context) error { return a.inner.RecordEntry(ctx, d) })
}

func (a *Async) RecordOpened(_ context.Context, p models.OpenPosition) error {
	return a.enqueue(KindOpened, func(ctx context.Context) error { return a.inner.RecordOpened(ctx, p) })
}

func (a *Async) RecordExit(_ context.Context, s models.ExitSignal) error {
	return a.enqueue(KindExit, func(ctx context.Context) error { return a.inner.RecordExit(ctx, s) })
}

// Close stops accepting events, writes everything already queued, then
// closes the wrapped journal.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	started := a.started
	close(a.queue)
	a.mu.Unlock()

	if started {
		a.wg.Wait()
	} else {
		for ev := range a.queue {
			a.write(ev)
		}
	}
	return a.inner.Close()
}
