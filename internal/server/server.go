package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/metrics"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/service"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/internal/syncer"
	"github.com/tokentrigger/engine/pkg/utils"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          int           `json:"port"`
	Host          string        `json:"host"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`
	EnableHealth  bool          `json:"enable_health"`
}

// EngineDefaults carries the configured contract and owner used when a
// request omits them.
type EngineDefaults struct {
	Contract common.Address
	Owner    common.Address
}

// HTTPServer represents the HTTP API server
type HTTPServer struct {
	config   *ServerConfig
	defaults *EngineDefaults
	server   *http.Server
	router   *mux.Router
	store    store.Store
	service  service.Service
	syncer   syncer.Syncer
	metrics  *metrics.PrometheusMetrics
	logger   *logrus.Logger
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(
	config *ServerConfig,
	defaults *EngineDefaults,
	st store.Store,
	svc service.Service,
	sync syncer.Syncer,
	m *metrics.PrometheusMetrics,
) (*HTTPServer, error) {

	server := &HTTPServer{
		config:   config,
		defaults: defaults,
		store:    st,
		service:  svc,
		syncer:   sync,
		metrics:  m,
		logger:   utils.GetLogger(),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server, nil
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
	}

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
		api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	}

	// Listener endpoints
	api.HandleFunc("/listeners", s.listListenersHandler).Methods("GET")
	api.HandleFunc("/listeners", s.registerListenerHandler).Methods("POST")
	api.HandleFunc("/listeners/{id}", s.getListenerHandler).Methods("GET")
	api.HandleFunc("/listeners/{id}", s.cancelListenerHandler).Methods("DELETE")

	// Price endpoints
	api.HandleFunc("/prices", s.submitPriceHandler).Methods("POST")
	api.HandleFunc("/prices/{tokenID}", s.getPriceHandler).Methods("GET")

	// Contract cache endpoints
	api.HandleFunc("/sync", s.syncHandler).Methods("POST")
	api.HandleFunc("/sync/{contract}", s.syncHandler).Methods("POST")
	api.HandleFunc("/cache/{contract}/balances", s.cacheBalancesHandler).Methods("GET")
	api.HandleFunc("/cache/{contract}/tokens/{tokenID}", s.cacheTokenHandler).Methods("GET")

	// Service endpoints
	api.HandleFunc("/service/status", s.serviceStatusHandler).Methods("GET")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metrics != nil {
		s.metrics.UpdateSystemMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// Catch immediate binding errors
	select {
	case err := <-errChan:
		return utils.NewAppError(utils.ErrCodeService, "Failed to start HTTP server", err.Error())
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		s.metrics.UpdateSystemMetrics()
		s.metrics.UpdateComponentHealth("store", s.store.Ping() == nil)
		s.metrics.UpdateComponentHealth("service", s.service.IsRunning())

		if stats, err := s.store.GetStats(context.Background()); err == nil {
			s.metrics.UpdateActiveListeners(stats.ActiveListeners)
		}
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Middleware

// loggingMiddleware logs HTTP requests
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"duration":  time.Since(start),
			"remote_ip": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// corsMiddleware handles CORS
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Health Handlers

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"service_running": s.service.IsRunning(),
		"store_healthy":   s.store.Ping() == nil,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storeStats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve store stats", err)
		return
	}

	stats := map[string]interface{}{
		"timestamp": time.Now(),
		"store":     storeStats,
		"service":   s.service.GetStats(),
	}
	if s.syncer != nil {
		stats["syncer"] = s.syncer.GetStats()
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// Listener Handlers

// registerListenerRequest is the request body for listener registration.
type registerListenerRequest struct {
	Contract    string `json:"contract,omitempty"`
	Owner       string `json:"owner,omitempty"`
	TokenID     uint64 `json:"token_id"`
	TargetPrice string `json:"target_price"`
	Action      string `json:"action"`
	Amount      string `json:"amount"`
	PriceLimit  string `json:"price_limit,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
}

func (s *HTTPServer) registerListenerHandler(w http.ResponseWriter, r *http.Request) {
	var req registerListenerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	listener, err := s.buildListener(&req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid listener definition", err)
		return
	}

	if err := s.service.RegisterListener(r.Context(), listener); err != nil {
		if utils.IsCode(err, utils.ErrCodeValidation) {
			s.writeError(w, http.StatusBadRequest, "Listener validation failed", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to register listener", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, listener)
}

func (s *HTTPServer) buildListener(req *registerListenerRequest) (*models.Listener, error) {
	action, err := models.ParseActionType(req.Action)
	if err != nil {
		return nil, err
	}

	target, err := decimal.NewFromString(req.TargetPrice)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid target price", req.TargetPrice)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid amount", req.Amount)
	}

	listener := &models.Listener{
		ID:          uuid.New().String(),
		Contract:    s.defaults.Contract,
		Owner:       s.defaults.Owner,
		TokenID:     req.TokenID,
		TargetPrice: target,
		Action:      action,
		Amount:      amount,
		Status:      models.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}

	if req.Contract != "" {
		listener.Contract = common.HexToAddress(req.Contract)
	}
	if req.Owner != "" {
		listener.Owner = common.HexToAddress(req.Owner)
	}
	if req.PriceLimit != "" {
		limit, err := decimal.NewFromString(req.PriceLimit)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid price limit", req.PriceLimit)
		}
		listener.PriceLimit = &limit
	}
	if req.Recipient != "" {
		recipient := common.HexToAddress(req.Recipient)
		listener.Recipient = &recipient
	}

	return listener, nil
}

func (s *HTTPServer) listListenersHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.ListenerFilter{Limit: 100}

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := models.ListenerStatus(statusStr)
		filter.Status = &status
	}
	if tokenStr := r.URL.Query().Get("token_id"); tokenStr != "" {
		tokenID, err := strconv.ParseUint(tokenStr, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid token_id", err)
			return
		}
		filter.TokenID = &tokenID
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = o
		}
	}

	listeners, err := s.service.GetListeners(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve listeners", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"listeners": listeners,
		"total":     len(listeners),
	})
}

func (s *HTTPServer) getListenerHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	listener, err := s.service.GetListener(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve listener", err)
		return
	}
	if listener == nil {
		s.writeError(w, http.StatusNotFound, "Listener not found", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, listener)
}

func (s *HTTPServer) cancelListenerHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.service.CancelListener(r.Context(), id); err != nil {
		if utils.IsCode(err, utils.ErrCodeNotFound) {
			s.writeError(w, http.StatusNotFound, "Listener not found", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to cancel listener", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Listener cancelled",
		"listener_id": id,
	})
}

// Price Handlers

// submitPriceRequest is the request body for price submission.
type submitPriceRequest struct {
	TokenID uint64 `json:"token_id"`
	Price   string `json:"price"`
}

func (s *HTTPServer) submitPriceHandler(w http.ResponseWriter, r *http.Request) {
	var req submitPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid price", err)
		return
	}

	summary, err := s.service.SubmitPrice(r.Context(), req.TokenID, price)
	if err != nil {
		if utils.IsCode(err, utils.ErrCodeService) {
			s.writeError(w, http.StatusServiceUnavailable, "Listener service unavailable", err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Price evaluation failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) getPriceHandler(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseUint(mux.Vars(r)["tokenID"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid token id", err)
		return
	}

	price, err := s.service.GetLatestPrice(r.Context(), tokenID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve price", err)
		return
	}
	if price == nil {
		s.writeError(w, http.StatusNotFound, "No price recorded for token", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, price)
}

// Cache Handlers

func (s *HTTPServer) syncHandler(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Syncer not configured", nil)
		return
	}

	contract := s.defaults.Contract
	if contractStr := mux.Vars(r)["contract"]; contractStr != "" {
		contract = common.HexToAddress(contractStr)
	} else if contractStr := r.URL.Query().Get("contract"); contractStr != "" {
		contract = common.HexToAddress(contractStr)
	}

	snapshot, err := s.syncer.Sync(r.Context(), contract)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "Contract sync failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract":  snapshot.Contract.Hex(),
		"tokens":    len(snapshot.Tokens),
		"balances":  len(snapshot.Balances),
		"synced_at": snapshot.SyncedAt,
	})
}

func (s *HTTPServer) cacheBalancesHandler(w http.ResponseWriter, r *http.Request) {
	contract := common.HexToAddress(mux.Vars(r)["contract"])

	balances, err := s.store.GetCachedBalances(r.Context(), contract)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve cached balances", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract": contract.Hex(),
		"balances": balances,
		"total":    len(balances),
	})
}

func (s *HTTPServer) cacheTokenHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	contract := common.HexToAddress(vars["contract"])

	tokenID, err := strconv.ParseUint(vars["tokenID"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid token id", err)
		return
	}

	token, err := s.store.GetCachedToken(r.Context(), contract, tokenID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve cached token", err)
		return
	}
	if token == nil {
		s.writeError(w, http.StatusNotFound, "Token not in cache", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, token)
}

// Service Handlers

func (s *HTTPServer) serviceStatusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":   s.service.IsRunning(),
		"stats":     s.service.GetStats(),
		"timestamp": time.Now(),
	})
}

// Utility Methods

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
			"error":   err,
		}).Error("HTTP error")
	}

	s.writeJSON(w, status, errorResponse)
}
