package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Portal transport metrics
	PortalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aldidata_portal_requests_total",
			Help: "Total requests issued to the account portal",
		},
		[]string{"method", "outcome"},
	)

	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aldidata_upstream_errors_total",
			Help: "Classified upstream failures by error code",
		},
		[]string{"code"},
	)

	// Session metrics
	LoginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aldidata_login_attempts_total",
			Help: "Login handshakes performed against the portal",
		},
		[]string{"outcome"},
	)

	// Fetch metrics
	BalanceFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aldidata_balance_fetch_duration_seconds",
			Help:    "Duration of per-line balance fetches",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aldidata_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aldidata_cache_misses_total",
			Help: "Cache misses (absent or expired) by cache name",
		},
		[]string{"cache"},
	)

	// Cap update metrics
	CapUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aldidata_cap_updates_total",
			Help: "Cap update submissions by outcome",
		},
		[]string{"outcome"},
	)

	// Scheduler metrics
	ScheduledFiringsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aldidata_scheduled_firings_total",
			Help: "Scheduled cap changes fired, by outcome",
		},
		[]string{"outcome"},
	)

	// Operation metrics
	OperationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aldidata_operations_in_flight",
			Help: "Long-running operations currently executing",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		PortalRequestsTotal,
		UpstreamErrorsTotal,
		LoginAttemptsTotal,
		BalanceFetchDuration,
		CacheHits,
		CacheMisses,
		CapUpdatesTotal,
		ScheduledFiringsTotal,
		OperationsInFlight,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
