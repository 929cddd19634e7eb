package api

import (
	"net/http"
	"time"

	"github.com/deepread/deepread/internal/providers"
	"github.com/deepread/deepread/internal/usage"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	Clients       *providers.ClientCache
	Writer        *usage.Writer
}

type healthResponse struct {
	Status          string             `json:"status"`
	Version         string             `json:"version"`
	UptimeSec       int64              `json:"uptime_sec"`
	StorageDriver   string             `json:"storage_driver"`
	ClientCacheSize int                `json:"client_cache_size"`
	UsageWriter     *usage.WriterStats `json:"usage_writer,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		response := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(time.Since(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
		}
		if options.Clients != nil {
			response.ClientCacheSize = options.Clients.Len()
		}
		if options.Writer != nil {
			stats := options.Writer.Stats()
			response.UsageWriter = &stats
		}
		writeJSON(w, http.StatusOK, response)
	})
}
