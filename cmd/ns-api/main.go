package main

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/query"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, logFile, err := logging.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer logger.Sync()

	// The history API reads what the audit sink and the ClickHouse writer store.
	chCfg := cfg.Storage.Audit.ClickHouse
	if !cfg.Storage.Audit.Enabled {
		for _, writerDef := range cfg.Storage.Writers {
			if writerDef.Enabled && writerDef.Type == "clickhouse" {
				chCfg = writerDef.ClickHouse
				break
			}
		}
	}
	if chCfg.Host == "" {
		logger.Errorw("no ClickHouse configured, API server cannot start")
		os.Exit(1)
	}

	querier, err := query.NewClickHouseQuerier(chCfg)
	if err != nil {
		logger.Errorw("failed to create querier", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.API.HistoryListenAddr,
		Handler:           newRouter(&APIHandler{querier: querier, logger: logger}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("could not listen", "addr", server.Addr, "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infow("API server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorw("server forced to shutdown", "error", err)
	}
	logger.Infow("API server exited")
}

func newRouter(h *APIHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/events/summary", h.summaryHandler).Methods("POST")
	r.HandleFunc("/api/v1/events", h.eventsHandler).Methods("POST")
	r.HandleFunc("/api/v1/flows/trace", h.traceFlowHandler).Methods("POST")
	return r
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	querier query.Querier
	logger  *zap.SugaredLogger
}

func (h *APIHandler) summaryHandler(w http.ResponseWriter, r *http.Request) {
	var req query.SummaryRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.querier.EventSummary(r.Context(), req)
	h.respond(w, resp, err)
}

func (h *APIHandler) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var req query.EventsRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.querier.Events(r.Context(), req)
	h.respond(w, resp, err)
}

// traceFlowHandler handles tracing a single source's flow history.
func (h *APIHandler) traceFlowHandler(w http.ResponseWriter, r *http.Request) {
	var req query.TraceRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.querier.TraceFlow(r.Context(), req)
	h.respond(w, resp, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *APIHandler) respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch errors.GetKind(err) {
		case errors.KindValidation:
			status = http.StatusBadRequest
		case errors.KindNotFound:
			status = http.StatusNotFound
		}
		if status == http.StatusInternalServerError {
			h.logger.Errorw("query failed", "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}

	jsonBytes, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(jsonBytes)
}
