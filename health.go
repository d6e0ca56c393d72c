package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/covergrid/premium-pipeline/pipeline"
)

// HealthServer provides HTTP endpoints for monitoring
type HealthServer struct {
	server    *http.Server
	service   string
	runner    *pipeline.Runner
	startTime time.Time
	log       zerolog.Logger
}

// NewHealthServer creates a new health server
func NewHealthServer(service, port string, runner *pipeline.Runner, log zerolog.Logger) *HealthServer {
	hs := &HealthServer{
		service:   service,
		runner:    runner,
		startTime: time.Now(),
		log:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)

	hs.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return hs
}

// Start starts the health server
func (hs *HealthServer) Start() error {
	hs.log.Info().Str("addr", hs.server.Addr).Msg("Health server listening")
	return hs.server.ListenAndServe()
}

// Stop stops the health server
func (hs *HealthServer) Stop() error {
	return hs.server.Close()
}

// handleHealth handles the /health endpoint
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := hs.runner.Stats()

	status := "healthy"
	if len(stats.NodeErrors) > 0 {
		status = "degraded"
	}

	response := map[string]interface{}{
		"service":             hs.service,
		"status":              status,
		"cycles_total":        stats.CyclesTotal,
		"cycle_errors":        stats.CycleErrors,
		"last_run_id":         stats.LastRunID,
		"last_cycle_time":     stats.LastCycleTime.Format(time.RFC3339),
		"last_cycle_duration": stats.LastCycleDuration.String(),
		"last_cycle_rows":     stats.LastCycleRows,
		"node_errors":         stats.NodeErrors,
		"uptime_seconds":      int(time.Since(hs.startTime).Seconds()),
		"timestamp":           time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
