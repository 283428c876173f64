// Command gateway runs the multi-tenant inference gateway: it assembles
// every collaborator named in the design (KVStore, TokenService,
// RateLimiter, JobRegistry, GPUPool, Scheduler, AdmissionPipeline,
// MetricsSink) from process configuration and serves the HTTP surface
// until told to stop. Grounded on cmd/gateway/main.go's signal-driven
// graceful shutdown, rewritten around Assemble(config) -> Server instead
// of the teacher's inline wiring.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helixgate/gateway/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("gateway: load config: %v", err)
	}

	server, err := Assemble(cfg)
	if err != nil {
		log.Fatalf("gateway: assemble: %v", err)
	}

	go func() {
		log.Printf("gateway: listening on %s", cfg.Addr)
		if err := server.HTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Print("gateway: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.HTTP.Shutdown(ctx); err != nil {
		log.Printf("gateway: http shutdown: %v", err)
	}
	server.Shutdown()
	log.Print("gateway: stopped")
}
