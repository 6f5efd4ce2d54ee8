package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event kinds stored in trade_events.kind.
const (
	KindEntry  = "entry_decision"
	KindOpened = "position_opened"
	KindExit   = "exit_signal"
)

// Journal records trading events. Implementations must be safe for
// concurrent use.
type Journal interface {
	RecordEntry(ctx context.Context, d models.EntryDecision) error
	RecordOpened(ctx context.Context, p models.OpenPosition) error
	RecordExit(ctx context.Context, s models.ExitSignal) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) RecordEntry(context.Context, models.EntryDecision) error { return nil }
func (Nop) RecordOpened(context.Context, models.OpenPosition) error { return nil }
func (Nop) RecordExit(context.Context, models.ExitSignal) error     { return nil }
func (Nop) Close() error                                             { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS trade_events (
	id             BIGSERIAL PRIMARY KEY,
	kind           TEXT NOT NULL,
	position_id    TEXT NOT NULL DEFAULT '',
	symbol         TEXT NOT NULL DEFAULT '',
	long_exchange  TEXT NOT NULL DEFAULT '',
	short_exchange TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	size_base      DOUBLE PRECISION NOT NULL DEFAULT 0,
	spread_bps     DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl            DOUBLE PRECISION NOT NULL DEFAULT 0,
	payload        JSONB,
	created_at     TIMESTAMPTZ NOT NULL
)`

const insertEvent = `
	INSERT INTO trade_events (kind, position_id, symbol, long_exchange, short_exchange, reason, size_base, spread_bps, pnl, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// Postgres writes events to the trade_events table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to dsn, verifies the connection and creates the table.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}

	p := NewPostgres(db)
	if err := p.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create trade_events: %w", err)
	}
	return nil
}

type event struct {
	kind          string
	positionID    string
	symbol        string
	longExchange  models.ExchangeID
	shortExchange models.ExchangeID
	reason        string
	sizeBase      float64
	spreadBps     float64
	pnl           float64
	payload       interface{}
	at            time.Time
}

func (p *Postgres) insert(ctx context.Context, e event) error {
	payload, err := json.Marshal(e.payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.kind, err)
	}
	_, err = p.db.ExecContext(ctx, insertEvent,
		e.kind,
		e.positionID,
		e.symbol,
		string(e.longExchange),
		string(e.shortExchange),
		e.reason,
		e.sizeBase,
		e.spreadBps,
		e.pnl,
		payload,
		e.at,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", e.kind, err)
	}
	return nil
}

func (p *Postgres) RecordEntry(ctx context.Context, d models.EntryDecision) error {
	return p.insert(ctx, event{
		kind:          KindEntry,
		symbol:        d.Opportunity.LongSymbol,
		longExchange:  d.Opportunity.LongExchange,
		shortExchange: d.Opportunity.ShortExchange,
		sizeBase:      d.SizeBase,
		spreadBps:     d.Opportunity.SpreadBps,
		payload:       d,
		at:            d.RequestedAt,
	})
}

func (p *Postgres) RecordOpened(ctx context.Context, pos models.OpenPosition) error {
	return p.insert(ctx, event{
		kind:          KindOpened,
		positionID:    pos.PositionID,
		symbol:        pos.LongSymbol,
		longExchange:  pos.LongExchange,
		shortExchange: pos.ShortExchange,
		sizeBase:      pos.LongSize,
		payload:       pos,
		at:            pos.OpenedAt,
	})
}

func (p *Postgres) RecordExit(ctx context.Context, s models.ExitSignal) error {
	return p.insert(ctx, event{
		kind:       KindExit,
		positionID: s.PositionID,
		reason:     string(s.Reason),
		pnl:        s.Pnl,
		payload:    s,
		at:         s.Timestamp,
	})
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
