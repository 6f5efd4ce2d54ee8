package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BimalKreator/tradeict-fr-hft/pkg/models"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/screener"
	"github.com/BimalKreator/tradeict-fr-hft/pkg/trader"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Backend is the trading runtime behind the status, positions and autotrade
// routes. *trader.Controller implements it.
type Backend interface {
	Status() trader.Status
	Positions() []trader.PositionView
	ClosePosition(positionID string) error
	SetAutoTrade(ctx context.Context, enabled bool) error
}

type Options struct {
	Port int
	// JWTSecret enables token auth on every /api route except health.
	JWTSecret    string
	DefaultLimit int
	// Snapshot is the cross-process row source. Screener adds in-memory rows
	// on top when set.
	Snapshot screener.SnapshotReader
	Screener *screener.Screener
	// Backend is nil when serving the screener only.
	Backend Backend
}

type Server struct {
	opts   Options
	logger *logrus.Logger
	router *mux.Router
	http   *http.Server
}

type screenerResponse struct {
	Rows  []models.ScreenerRow `json:"rows"`
	Total int                  `json:"total"`
}

type autoTradeRequest struct {
	Enabled *bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(opts Options, logger *logrus.Logger) *Server {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{opts: opts, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recoverMiddleware)

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	if s.opts.JWTSecret != "" {
		api.Use(s.authMiddleware)
	}

	api.HandleFunc("/screener", s.handleScreener).Methods(http.MethodGet)
	if s.opts.Backend != nil {
		api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
		api.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
		api.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods(http.MethodPost)
		api.HandleFunc("/autotrade", s.handleAutoTrade).Methods(http.MethodPost)
	}
	return router
}

func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + strconv.Itoa(s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.opts.Port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithFields(logrus.Fields{
					"path":  r.URL.Path,
					"panic": rec,
				}).Error("Handler panic")
				s.writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// parseLimit returns DefaultLimit for a missing, unparseable or zero value
// and clamps everything else to [1, MaxLimit].
func parseLimit(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if raw == "" || err != nil || n == 0 {
		n = def
	}
	if n < 1 {
		n = 1
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	return n
}

func parseMinSpread(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (s *Server) handleScreener(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), s.opts.DefaultLimit)
	minSpread := parseMinSpread(q.Get("minSpreadBps"))

	var snapshot, local []models.ScreenerRow
	if s.opts.Snapshot != nil {
		snapshot = s.opts.Snapshot.ReadRows(r.Context())
	}
	if s.opts.Screener != nil {
		local = s.opts.Screener.Store().Rows()
	}

	ranked := screener.Rank(screener.MergeRows(snapshot, local), minSpread)
	s.writeJSON(w, http.StatusOK, screenerResponse{
		Rows:  screener.Truncate(ranked, limit),
		Total: len(ranked),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Backend.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.opts.Backend.Positions()
	if positions == nil {
		positions = []trader.PositionView{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.opts.Backend.ClosePosition(id); err != nil {
		if errors.Is(err, trader.ErrUnknownPosition) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.WithField("position_id", id).Info("Manual close requested")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"positionId": id, "status": "closing"})
}

func (s *Server) handleAutoTrade(w http.ResponseWriter, r *http.Request) {
	var req autoTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, `body must be {"enabled": bool}`)
		return
	}

	if err := s.opts.Backend.SetAutoTrade(r.Context(), *req.Enabled); err != nil {
		s.logger.WithError(err).Warn("Auto-trade change rejected")
		if errors.Is(err, trader.ErrNotArmed) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Backend.Status())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
