package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ledger-transfer/pkg/ledger"
	"ledger-transfer/pkg/logging"
	"ledger-transfer/pkg/transfer"
	"ledger-transfer/pkg/transferlog"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RequestRecorder receives one observation per served request.
type RequestRecorder interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}

// Dependencies are the collaborators of a Server. Engine, Accounts and
// History are required.
type Dependencies struct {
	Engine *transfer.Engine

	// Accounts serves committed balances. Wrap it in a ledger.FilteredReader
	// to short-circuit unknown ids.
	Accounts ledger.Reader

	History transferlog.Reader

	// Health is pinged by /health. Optional.
	Health interface{ Ping(ctx context.Context) error }

	// Metrics records per-route request counts. Optional.
	Metrics RequestRecorder

	// MetricsHandler is mounted at /metrics. Optional.
	MetricsHandler http.Handler
}

// Server is the HTTP gateway for transfers and account reads.
type Server struct {
	engine   *transfer.Engine
	accounts ledger.Reader
	history  transferlog.Reader
	health   interface{ Ping(ctx context.Context) error }
	metrics  RequestRecorder

	router  *mux.Router
	server  *http.Server
	config  ServerConfig
	logger  *logging.Logger
	reads   singleflight.Group
	started time.Time
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration

	// RequestTimeout bounds a single handler, including the transfer itself.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   1 << 20,
	}
}

// NewServer creates the API server and its routes.
func NewServer(deps Dependencies, config ServerConfig) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("api: transfer engine is required")
	}
	if deps.Accounts == nil {
		return nil, errors.New("api: account reader is required")
	}
	if deps.History == nil {
		return nil, errors.New("api: transfer history is required")
	}

	defaults := DefaultServerConfig()
	if config.Address == "" {
		config.Address = defaults.Address
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}

	s := &Server{
		engine:   deps.Engine,
		accounts: deps.Accounts,
		history:  deps.History,
		health:   deps.Health,
		metrics:  deps.Metrics,
		config:   config,
		logger:   logging.Global().Named("api"),
		started:  time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.metricsMiddleware)

	// Health and status endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler).Methods(http.MethodGet)
	}

	// Registered on the root router so a method mismatch answers 405.
	r.HandleFunc("/api/transaction/accounts", s.handleListAccounts).Methods(http.MethodGet)
	r.HandleFunc("/api/transaction/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	r.HandleFunc("/api/transaction/transfer", s.handleTransfer).Methods(http.MethodPost)
	r.HandleFunc("/api/transaction/transfers", s.handleHistory).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("address", s.config.Address))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth reports whether the ledger store answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	circuit := s.engine.Guard().State().String()

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "unhealthy",
				"error":   err.Error(),
				"circuit": circuit,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"circuit":   circuit,
		"timestamp": time.Now().Unix(),
	})
}

// handleStatus returns uptime and read-path statistics.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
		"circuit":   s.engine.Guard().State().String(),
	}

	if fr, ok := s.accounts.(*ledger.FilteredReader); ok {
		response["accountFilter"] = fr.Stats()
	}

	writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
