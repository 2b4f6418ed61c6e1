package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/YaishRiaz/SyncLedger/internal/httpapi"
	"github.com/YaishRiaz/SyncLedger/internal/obs"
	"github.com/YaishRiaz/SyncLedger/internal/relay"
	"github.com/YaishRiaz/SyncLedger/internal/store/pg"
	"github.com/YaishRiaz/SyncLedger/internal/stream"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	addr := os.Getenv("SYNCLEDGER_ADDR")
	if addr == "" {
		addr = ":8742"
	}

	// Without a DSN the server runs on the in-memory store; state is lost
	// on restart. Useful for local development and the smoke tool.
	var svc relay.Service
	probe := httpapi.ReadyProbe{}
	if dsn := os.Getenv("SYNCLEDGER_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		probe.DB = store.DB()
	} else {
		log.Printf("SYNCLEDGER_PG_DSN not set; using volatile in-memory store")
		svc = relay.NewInMemory()
	}

	api := httpapi.New(probe, version, svc, stream.New())

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting syncledger %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
