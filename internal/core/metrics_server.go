package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keepmind9/miraibot/internal/logger"
	"github.com/keepmind9/miraibot/internal/pool"
	"github.com/keepmind9/miraibot/pkg/constants"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthReport is served on the health endpoint
type HealthReport struct {
	State   string     `json:"state"`
	Adapter string     `json:"adapter"`
	QQ      int64      `json:"qq"`
	Pool    pool.Stats `json:"pool"`
	Pending int        `json:"pending_requests"`
	Jobs    int        `json:"jobs"`
}

// Health returns a snapshot of the runtime
func (r *Runtime) Health() HealthReport {
	report := HealthReport{
		State:   r.State().String(),
		Adapter: string(r.session.Kind()),
		QQ:      r.config.Bot.QQ,
		Pool:    r.Stats(),
		Jobs:    r.scheduler.Len(),
	}
	if r.correlator != nil {
		report.Pending = r.correlator.Len()
	}
	return report
}

func (r *Runtime) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(constants.MetricsPath, promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc(constants.HealthPath, r.handleHealth)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := r.Health()
	w.Header().Set("Content-Type", "application/json")
	if report.State != StateRunning.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		logger.WithField("error", err).Warn("failed-to-write-health-report")
	}
}

// startMetricsServer serves metrics in the background until
// stopMetricsServer is called
func (r *Runtime) startMetricsServer() {
	addr := fmt.Sprintf(":%d", r.config.MetricsServer.Port)

	server := &http.Server{
		Addr:    addr,
		Handler: r.metricsHandler(),
	}
	r.metricsServer = server

	logger.WithField("address", addr).Info("metrics-server-listening")

	go func() {
		// When Shutdown() is called, ListenAndServe returns ErrServerClosed
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics-server-error: %v", err)
		}
		logger.Info("metrics-server-stopped")
	}()
}

func (r *Runtime) stopMetricsServer() {
	if r.metricsServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := r.metricsServer.Shutdown(ctx); err != nil {
		logger.Errorf("failed-to-gracefully-stop-metrics-server: %v", err)
		r.metricsServer.Close()
	} else {
		logger.Info("metrics-server-stopped-gracefully")
	}
}
