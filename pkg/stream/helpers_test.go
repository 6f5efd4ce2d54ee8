package stream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockWSServer serves handler for every websocket connection it accepts.
func mockWSServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testNow = time.UnixMilli(1_700_000_000_000)

func testConfig(url string) Config {
	cfg := defaultConfig()
	cfg.PublicURL = url
	cfg.PrivateURL = url
	cfg.InitialReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 40 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func fixedClock(cfg Config) Config {
	cfg.Now = func() time.Time { return testNow }
	return cfg
}

// recorder collects everything a client emits.
type recorder struct {
	mu        sync.Mutex
	funding   []models.FundingSnapshot
	marks     []models.MarkUpdate
	positions []models.PositionUpdate
	orders    []models.OrderUpdate
	errs      []error
	closes    int
}

func (r *recorder) listener() Listener {
	return Listener{
		OnFunding: func(s models.FundingSnapshot) {
			r.mu.Lock()
			r.funding = append(r.funding, s)
			r.mu.Unlock()
		},
		OnMarkPrice: func(u models.MarkUpdate) {
			r.mu.Lock()
			r.marks = append(r.marks, u)
			r.mu.Unlock()
		},
		OnPosition: func(u models.PositionUpdate) {
			r.mu.Lock()
			r.positions = append(r.positions, u)
			r.mu.Unlock()
		},
		OnOrderUpdate: func(u models.OrderUpdate) {
			r.mu.Lock()
			r.orders = append(r.orders, u)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (funding, marks, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.funding), len(r.marks), r.closes
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.funding) + len(r.marks) + len(r.positions) + len(r.orders) + len(r.errs) + r.closes
}
