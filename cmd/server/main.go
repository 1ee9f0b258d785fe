// Package main runs the leverage planning service: it plans flash-loan opens,
// unwinds and borrow loops against live lending market, flash lender and swap
// venue data, and optionally hands accepted plans to the transaction builder.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/aggregate"
	"github.com/yourorg/leverage-engine/internal/circuitbreaker"
	"github.com/yourorg/leverage-engine/internal/config"
	"github.com/yourorg/leverage-engine/internal/engine"
	"github.com/yourorg/leverage-engine/internal/fetch"
	"github.com/yourorg/leverage-engine/internal/otel"
	"github.com/yourorg/leverage-engine/internal/security"
	"github.com/yourorg/leverage-engine/internal/submit"
	"github.com/yourorg/leverage-engine/internal/types"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server is the planning service instance
type Server struct {
	cfg    config.Config
	engine *engine.Engine
	assets *types.Registry
	venues []string

	server    *http.Server
	metrics   *serverMetrics
	gatherer  prometheus.Gatherer
	rateLimit *clientLimiters
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	plannedLeverage *prometheus.HistogramVec
	planLegs        *prometheus.HistogramVec
	submitted       *prometheus.CounterVec
	circuitTrips    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leverage_plan_requests_total",
				Help: "Total number of planning requests by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leverage_plan_request_duration_seconds",
				Help:    "Planning request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		plannedLeverage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leverage_planned_leverage",
				Help:    "Projected leverage of accepted plans",
				Buckets: []float64{1.25, 1.5, 2, 2.5, 3, 4, 5, 7.5, 10},
			},
			[]string{"kind"},
		),
		planLegs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leverage_plan_legs",
				Help:    "Number of legs in accepted plans",
				Buckets: prometheus.LinearBuckets(2, 2, 9),
			},
			[]string{"kind"},
		),
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leverage_plans_submitted_total",
				Help: "Plans handed to the transaction consumer",
			},
			[]string{"kind", "status"},
		),
		circuitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leverage_circuit_breaker_trips_total",
				Help: "Circuit breaker trips per provider",
			},
			[]string{"provider"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leverage_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
	}

	reg.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.plannedLeverage,
		m.planLegs,
		m.submitted,
		m.circuitTrips,
		m.circuitState,
	)

	return m
}

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()
	if path := getEnvOrDefault("CONFIG_FILE", ""); path != "" {
		var err error
		if cfg, err = config.LoadFile(path, cfg); err != nil {
			logrus.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	var metrics *serverMetrics
	if getEnvBool("ENABLE_METRICS", true) {
		metrics = registerMetrics(prometheus.DefaultRegisterer)
	}

	assets := types.DefaultRegistry()
	eng, venues, err := buildEngine(cfg, assets, metrics)
	if err != nil {
		logrus.Fatalf("Failed to initialize engine: %v", err)
	}

	NewServer(cfg, eng, assets, venues, metrics, prometheus.DefaultGatherer).Start()
}

// buildEngine wires the HTTP providers, breakers and the optional webhook
// consumer into an engine.
func buildEngine(cfg config.Config, assets *types.Registry, metrics *serverMetrics) (*engine.Engine, []string, error) {
	onTrip := func(name, reason string) {
		if metrics != nil {
			metrics.circuitTrips.WithLabelValues(name).Inc()
		}
	}
	breakers := map[string]*circuitbreaker.CircuitBreaker{}
	for _, name := range []string{engine.ProviderLending, engine.ProviderFlashLoan, engine.ProviderSwap} {
		t := circuitbreaker.Thresholds{MaxConsecutiveFailures: cfg.CircuitFailures}
		if name == engine.ProviderLending {
			t.MaxAPY = cfg.CircuitMaxAPY
		}
		breakers[name] = circuitbreaker.New(name, t).
			WithResetDelay(cfg.CircuitResetDelay).
			WithSuccessThreshold(cfg.CircuitSuccessRequired).
			WithTripCallback(onTrip)
	}

	resolver := aggregate.NewResolver(cfg.ProviderTimeout, fetch.NewSwapVenues(cfg)...)

	var consumer engine.Consumer
	if cfg.SubmitURL != "" {
		signer, err := security.NewPlanSigner(cfg.SigningKey)
		if err != nil {
			return nil, nil, err
		}
		webhook, err := submit.NewWebhookConsumer(cfg.SubmitURL, cfg.APIKeys["submit"], signer)
		if err != nil {
			return nil, nil, err
		}
		consumer = webhook
	}

	eng, err := engine.New(engine.Options{
		Lending:         fetch.NewLendingClient(cfg, assets),
		FlashLender:     fetch.NewFlashLoanClient(cfg),
		Quoter:          resolver,
		Consumer:        consumer,
		Policy:          cfg.Policy,
		ProviderTimeout: cfg.ProviderTimeout,
		Breakers:        breakers,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, resolver.Venues(), nil
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewServer creates a server around an engine. A nil metrics disables the
// Prometheus endpoint.
func NewServer(cfg config.Config, eng *engine.Engine, assets *types.Registry, venues []string, metrics *serverMetrics, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		assets:    assets,
		venues:    venues,
		metrics:   metrics,
		gatherer:  gatherer,
		rateLimit: newClientLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}

	logrus.WithFields(logrus.Fields{
		"port":             cfg.Port,
		"swap_venues":      len(venues),
		"submission":       cfg.SubmitURL != "",
		"metrics":          metrics != nil,
		"provider_timeout": cfg.ProviderTimeout,
		"rate_limit_rps":   cfg.RateLimitRPS,
	}).Info("Server initialized")

	return s
}

// routes builds the HTTP handler
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/plans/open", s.limit(s.handleOpen))
	mux.HandleFunc("/v1/plans/close", s.limit(s.handleClose))
	mux.HandleFunc("/v1/plans/loop", s.limit(s.handleLoop))
	mux.HandleFunc("/v1/bounds", s.limit(s.handleBounds))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/circuit", s.handleCircuitStatus)
	return mux
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}

	logrus.Info("Server stopped")
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}

	for name, cb := range s.engine.Breakers() {
		s.metrics.circuitState.WithLabelValues(name).Set(float64(cb.GetState()))
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	circuits := map[string]string{}
	operational := true
	for name, cb := range s.engine.Breakers() {
		state := cb.GetState()
		circuits[name] = state.String()
		if state == circuitbreaker.StateOpen {
			operational = false
		}
	}

	status := "operational"
	if !operational {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"uptime":      time.Since(startTime).String(),
		"version":     version,
		"swap_venues": s.venues,
		"circuits":    circuits,
		"submission":  s.cfg.SubmitURL != "",
		"policy":      s.cfg.Policy,
	})
}

// handleCircuitStatus allows viewing and resetting the provider breakers
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	breakers := s.engine.Breakers()

	if r.Method == http.MethodPost {
		if r.URL.Query().Get("action") != "reset" {
			s.errorResponse(w, http.StatusBadRequest, "", "unknown circuit action")
			return
		}
		provider := r.URL.Query().Get("provider")
		if _, ok := breakers[provider]; provider != "" && !ok {
			s.errorResponse(w, http.StatusNotFound, "", "unknown provider "+provider)
			return
		}
		for name, cb := range breakers {
			if provider == "" || provider == name {
				cb.Reset()
			}
		}
	}

	response := map[string]interface{}{}
	for name, cb := range breakers {
		response[name] = map[string]interface{}{
			"state":    cb.GetState().String(),
			"failures": cb.Failures(),
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// limit applies the request rate limit
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimit.Allow(clientKey(r)) {
			s.errorResponse(w, http.StatusTooManyRequests, "", "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}
