package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Polqt/crdtcollab/config"
	"github.com/Polqt/crdtcollab/replication"
	"github.com/Polqt/crdtcollab/session"
	"github.com/Polqt/crdtcollab/transport"
)

func main() {
	cfg := config.Load()

	connPool := replication.NewRedisConnPool(cfg.RedisAddr, cfg.RedisDB)

	hub := session.NewHub(cfg.SiteID, cfg.MaxSnapshots, cfg.IdleDocumentTTL, func(docID string) replication.Broker {
		return connPool.Broker()
	})
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", transport.NewWSHandler(hub).ServeHTTP)
	mux.HandleFunc("/ws/", transport.NewWSHandler(hub).ServeHTTP)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// GET /api/state?doc=<id> returns the document's current text
	// (SPEC_FULL.md's supplemented HTTP state route).
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		docID := docIDFromQuery(r, cfg.DocChannel)
		writeJSON(w, session.ValuePayload{Value: hub.Value(docID)})
	})

	// GET /api/snapshots?doc=<id> lists the document's snapshot index,
	// newest first (SPEC_FULL.md's supplemented HTTP snapshot route).
	mux.HandleFunc("/api/snapshots", func(w http.ResponseWriter, r *http.Request) {
		docID := docIDFromQuery(r, cfg.DocChannel)
		writeJSON(w, session.SnapshotsPayload{Snapshots: hub.Snapshots(docID)})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server exited", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	hub.Stop()
	if err := connPool.Close(); err != nil {
		slog.Warn("redis connection pool close error", "err", err)
	}
}

func docIDFromQuery(r *http.Request, fallback string) string {
	if doc := r.URL.Query().Get("doc"); doc != "" {
		return doc
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode json response", "err", err)
	}
}
