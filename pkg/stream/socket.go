package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/metrics"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNotConnected = errors.New("websocket not connected")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type socketHooks struct {
	// onOpen runs after every successful dial, outside the socket lock.
	onOpen    func(conn *websocket.Conn)
	onMessage func(data []byte)
	// ping sends one heartbeat on conn.
	ping    func(conn *websocket.Conn) error
	onError func(err error)
	onClose func()
}

// socket is one reconnecting WebSocket connection. Every dial bumps gen; timers
// and goroutines started for an older generation are no-ops.
type socket struct {
	exchange string
	kind     string
	cfg      Config
	dialer   websocket.Dialer
	hooks    socketHooks
	logger   *logrus.Logger

	mu             sync.Mutex
	url            string
	state          State
	conn           *websocket.Conn
	gen            uint64
	stopped        bool
	backoff        *Backoff
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	writeMu sync.Mutex
}

func newSocket(exchange, kind string, cfg Config, hooks socketHooks, logger *logrus.Logger) *socket {
	return &socket{
		exchange: exchange,
		kind:     kind,
		cfg:      cfg,
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		hooks:    hooks,
		logger:   logger,
		stopped:  true,
		backoff:  NewBackoff(cfg.InitialReconnectDelay, cfg.MaxReconnectDelay, cfg.BackoffMultiplier),
	}
}

func (s *socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *socket) IsOpen() bool {
	return s.State() == StateOpen
}

// open tears down any current connection and dials url in the background.
func (s *socket) open(url string) {
	s.mu.Lock()
	s.stopped = false
	if url != "" {
		s.url = url
	}
	s.resetLocked()
	s.state = StateConnecting
	gen := s.gen
	target := s.url
	s.mu.Unlock()

	go s.dial(gen, target)
}

// close stops the socket for good until the next open. Safe in any state.
func (s *socket) close() {
	s.mu.Lock()
	s.stopped = true
	s.resetLocked()
	s.state = StateDisconnected
	s.mu.Unlock()
}

func (s *socket) resetLocked() {
	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopHeartbeatLocked()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		metrics.StreamConnected.WithLabelValues(s.exchange, s.kind).Set(0)
	}
}

func (s *socket) dial(gen uint64, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	cancel()

	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.state = StateErrored
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.notifyError(fmt.Errorf("%s %s dial: %w", s.exchange, s.kind, err))
		s.notifyClose()
		return
	}

	s.conn = conn
	s.state = StateOpen
	s.backoff.Reset()
	s.startHeartbeatLocked(conn)
	s.mu.Unlock()

	metrics.StreamConnected.WithLabelValues(s.exchange, s.kind).Set(1)
	s.logger.WithFields(logrus.Fields{
		"exchange": s.exchange,
		"socket":   s.kind,
	}).Info("Websocket connected")

	s.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline(conn)
		return nil
	})

	go s.readLoop(conn)

	if s.hooks.onOpen != nil {
		s.hooks.onOpen(conn)
	}
}

func (s *socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn, err)
			return
		}
		s.extendReadDeadline(conn)
		if s.hooks.onMessage != nil {
			s.hooks.onMessage(data)
		}
	}
}

func (s *socket) extendReadDeadline(conn *websocket.Conn) {
	if s.cfg.HeartbeatInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(3 * s.cfg.HeartbeatInterval))
	}
}

// handleClose runs once per connection; later calls for the same conn, or for
// a conn already replaced by open/close, are ignored.
func (s *socket) handleClose(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopHeartbeatLocked()
	_ = s.conn.Close()
	s.conn = nil
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.state = StateClosed
		cause = nil
	} else {
		s.state = StateErrored
	}
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	metrics.StreamConnected.WithLabelValues(s.exchange, s.kind).Set(0)
	if cause != nil {
		s.notifyError(fmt.Errorf("%s %s: %w", s.exchange, s.kind, cause))
	}
	s.notifyClose()
}

// scheduleReconnectLocked arms at most one reconnect timer.
func (s *socket) scheduleReconnectLocked() {
	if s.stopped || s.reconnectTimer != nil {
		return
	}
	delay := s.backoff.Next()
	gen := s.gen
	s.state = StateReconnecting
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.gen || s.stopped {
			s.mu.Unlock()
			return
		}
		s.reconnectTimer = nil
		s.mu.Unlock()
		s.open("")
	})

	metrics.StreamReconnects.WithLabelValues(s.exchange, s.kind).Inc()
	s.logger.WithFields(logrus.Fields{
		"exchange": s.exchange,
		"socket":   s.kind,
		"delay":    delay.String(),
		"attempt":  s.backoff.Attempts(),
	}).Warn("Websocket reconnect scheduled")
}

func (s *socket) startHeartbeatLocked(conn *websocket.Conn) {
	if s.cfg.HeartbeatInterval <= 0 || s.hooks.ping == nil {
		return
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.hooks.ping(conn); err != nil {
					s.handleClose(conn, err)
					return
				}
			}
		}
	}()
}

func (s *socket) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

// send writes v to the current connection if it is open.
func (s *socket) send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if conn == nil || !open {
		return errNotConnected
	}
	return s.writeJSON(conn, v)
}

func (s *socket) writeJSON(conn *websocket.Conn, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(s.writeDeadline())
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *socket) writePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, s.writeDeadline())
}

func (s *socket) writeDeadline() time.Time {
	timeout := s.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return time.Now().Add(timeout)
}

func (s *socket) notifyError(err error) {
	if s.hooks.onError != nil {
		s.hooks.onError(err)
	}
}

func (s *socket) notifyClose() {
	if s.hooks.onClose != nil {
		s.hooks.onClose()
	}
}
