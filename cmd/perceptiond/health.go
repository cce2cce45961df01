package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// startServer serves the scene hub next to the health endpoints.
func (d *daemon) startServer() {
	mux := http.NewServeMux()
	mux.Handle(d.cfg.WebSocket.Path, d.hub)
	mux.HandleFunc("/health", d.livenessHandler)
	mux.HandleFunc("/stats", d.statsHandler)

	// No WriteTimeout: it would cut long-lived WebSocket connections.
	d.server = &http.Server{
		Addr:        d.cfg.WebSocket.Listen,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("starting http server",
		"listen", d.cfg.WebSocket.Listen,
		"endpoints", []string{d.cfg.WebSocket.Path, "/health", "/stats"},
	)

	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()
}

func (d *daemon) livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "alive",
		"instance_id": d.cfg.InstanceID,
		"uptime":      int64(time.Since(d.started).Seconds()),
	})
}

func (d *daemon) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{"engine": d.engine.Stats()}
	if d.hub != nil {
		stats["websocket"] = d.hub.Stats()
	}
	if d.mqtt != nil {
		stats["mqtt"] = d.mqtt.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}
