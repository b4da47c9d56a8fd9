// Package main runs the ChatVault backend: a REST/WebSocket service that
// ingests chat export archives into a searchless, append-only archive.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kimhsiao/chatvault/backend/cmd/server/handlers"
	"github.com/kimhsiao/chatvault/backend/internal/assembler"
	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/config"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	"github.com/kimhsiao/chatvault/backend/internal/importer"
	"github.com/kimhsiao/chatvault/backend/internal/logging"
	"github.com/kimhsiao/chatvault/backend/internal/merge"
)

func main() {
	cfg := config.Load()
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	log := logging.Get().With("server")

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		log.Error("failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		log.Error("failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		log.Error("failed to apply migrations", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	store, err := blob.NewFSStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		log.Error("failed to open blob store", err)
		os.Exit(1)
	}

	hub := NewWSHub()
	uploads := assembler.NewService(repo, store)
	imports := importer.NewService(repo, store, uploads, cfg.BatchSize, hub)
	merges := merge.NewEngine(repo, store, cfg.BatchSize, hub)

	mux := http.NewServeMux()
	handlers.NewUploadHandler(repo, uploads, cfg.SingleShotMaxBytes).Register(mux)
	handlers.NewImportHandler(imports).Register(mux)
	handlers.NewMergeHandler(merges).Register(mux)
	handlers.NewConversationHandler(repo, store).Register(mux)
	mux.HandleFunc("GET /ws", hub.HandleWS)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"chatvault"}`))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", err)
	}
}
