package http

import (
	"net/http"
	"time"

	"github.com/tubelens/outlierd/internal/export"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/pkg/httpx"
)

type healthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Checks  *healthChecks `json:"checks,omitempty"`
	Exports *export.Stats `json:"exports,omitempty"`
}

type healthChecks struct {
	Database string `json:"database"`
	Workers  string `json:"workers"`
}

// LivezHandler always answers 200 while the process is up.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, healthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).String(),
			Version: version,
		})
	}
}

// ReadyzHandler reports whether the service can do useful work: database
// reachable and the export worker pool running.
func ReadyzHandler(startTime time.Time, version string, st store.Store, pool *export.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := &healthChecks{Database: "ok", Workers: "ok"}
		status := "ok"
		statusCode := http.StatusOK

		if err := st.Ping(r.Context()); err != nil {
			checks.Database = "error: " + err.Error()
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		stats := pool.Stats()
		if !stats.Running {
			checks.Workers = "error: worker pool not running"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		httpx.WriteJSON(w, statusCode, healthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  checks,
			Exports: &stats,
		})
	}
}
