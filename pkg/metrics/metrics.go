package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "frarb"

// Stream

var StreamMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "messages_total",
		Help:      "Normalized events forwarded by exchange stream clients",
	},
	[]string{"exchange", "kind"},
)

// StreamDrops counts inbound frames dropped by the decode step.
var StreamDrops = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "messages_dropped_total",
		Help:      "Inbound frames dropped as malformed, unrecognized or stale",
	},
	[]string{"exchange", "reason"},
)

var StreamReconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect attempts scheduled after a socket close or error",
	},
	[]string{"exchange", "socket"},
)

var StreamConnected = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connected",
		Help:      "1 when the socket is open",
	},
	[]string{"exchange", "socket"},
)

var ListenerPanics = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "listener_panics_total",
		Help:      "Panics recovered while delivering events to listeners",
	},
	[]string{"exchange"},
)

// Screener

var ScreenerRows = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "screener",
		Name:      "rows",
		Help:      "Published screener rows",
	},
)

var Opportunities = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "screener",
		Name:      "opportunities_total",
		Help:      "Opportunities emitted above the minimum spread",
	},
	[]string{"symbol"},
)

var SnapshotWrites = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "screener",
		Name:      "snapshot_writes_total",
		Help:      "Snapshot persistence attempts",
	},
	[]string{"sink", "result"},
)

// Trading

var EntryDecisions = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "entry_decisions_total",
		Help:      "Entry decisions emitted by the decision engine",
	},
)

var Exits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "exits_total",
		Help:      "Exit signals by reason",
	},
	[]string{"reason"},
)

var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "trading",
		Name:      "open_positions",
		Help:      "Positions tracked by the monitor",
	},
)

var OrderErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "order_errors_total",
		Help:      "Orders that could not be placed",
	},
	[]string{"exchange"},
)

// Journal

var JournalEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "events_total",
		Help:      "Journal events by outcome: written, failed or dropped",
	},
	[]string{"kind", "result"},
)
