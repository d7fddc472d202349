package report

import (
	"Go2NetGuard/internal/errors"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxTopFlows = 1000

// Server exposes a Reporter over HTTP.
type Server struct {
	reporter *Reporter
	router   *mux.Router
	server   *http.Server
	logger   *zap.SugaredLogger
}

// NewServer builds the router. gatherer may be nil to omit /metrics.
func NewServer(addr string, reporter *Reporter, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.S()
	}
	s := &Server{reporter: reporter, router: mux.NewRouter(), logger: logger.With("component", "report")}

	// Routes sit on the root router: a PathPrefix subrouter reports a method
	// mismatch as 404 instead of 405.
	s.router.HandleFunc("/api/v1/flows/top", s.topFlowsHandler).Methods("GET")
	s.router.HandleFunc("/api/v1/mitigations", s.mitigationsHandler).Methods("GET")
	s.router.HandleFunc("/api/v1/slices", s.slicesHandler).Methods("GET")
	s.router.HandleFunc("/api/v1/metrics", s.metricsHandler).Methods("GET")
	s.router.HandleFunc("/api/v1/switches/{id}/stats", s.switchStatsHandler).Methods("GET")
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Infow("report API starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("report API stopped", "addr", s.server.Addr, "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) topFlowsHandler(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > maxTopFlows {
			http.Error(w, "n must be an integer between 1 and 1000", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.reporter.TopFlows(n))
}

func (s *Server) mitigationsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.ActiveMitigations())
}

func (s *Server) slicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Slices())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Aggregate())
}

func (s *Server) switchStatsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, err := s.reporter.SwitchStats(r.Context(), id)
	if err != nil {
		status := http.StatusBadGateway
		switch errors.GetKind(err) {
		case errors.KindValidation:
			status = http.StatusBadRequest
		case errors.KindNotFound:
			status = http.StatusNotFound
		case errors.KindTimeout:
			status = http.StatusGatewayTimeout
		}
		s.logger.Warnw("switch stats query failed", "switch", id, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to marshal response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
