package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/mailbox-classifier/internal/api"
	"github.com/ignite/mailbox-classifier/internal/classify"
	"github.com/ignite/mailbox-classifier/internal/config"
	"github.com/ignite/mailbox-classifier/internal/journal"
	"github.com/ignite/mailbox-classifier/internal/mailbox"
	"github.com/ignite/mailbox-classifier/internal/training"
	"github.com/ignite/mailbox-classifier/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from a stale process occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Mailbox Classifier Service (cmd/server/main.go)           ║")
	log.Println("║  IMAP ingest, model classification, label reconciliation   ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	// Open the classification journal
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		log.Fatalf("Failed to open journal at %s: %v", cfg.Journal.Path, err)
	}
	log.Printf("Journal ready at %s", cfg.Journal.Path)

	// Mailbox gateway (connects lazily on first use)
	gateway := mailbox.NewIMAPGateway(cfg.IMAP)
	if cfg.IMAP.Account() == "" || cfg.IMAP.Password == "" {
		log.Println("Warning: IMAP credentials not configured; classification jobs will fail until they are set")
	} else {
		log.Printf("Mailbox gateway targeting %s (account %s, mailbox %s)",
			cfg.IMAP.Server, cfg.IMAP.Account(), cfg.IMAP.Mailbox)
	}

	// Classifier backend
	classifier := classify.NewClient(cfg.Model, cfg.IMAP.SelfAddresses)
	if cfg.Model.ServerURL == "" {
		log.Println("Warning: no model server URL configured; categories come from the local label mapping only")
	} else {
		log.Printf("Classifier backend at %s", cfg.Model.ServerURL)
	}

	// Training corpus and its optional archive target
	corpus := training.NewCorpus(cfg.Training.Dir)
	log.Printf("Training corpus at %s", corpus.Dir())

	var archiver *training.Archiver
	if cfg.Training.S3Bucket != "" {
		archiver, err = training.NewArchiver(context.Background(), cfg.Training, corpus)
		if err != nil {
			log.Printf("Warning: corpus archiver unavailable: %v", err)
		} else {
			log.Printf("Corpus archive target: s3://%s (%s)", cfg.Training.S3Bucket, cfg.Training.S3Region)
		}
	} else {
		log.Println("Corpus archive disabled (no bucket configured)")
	}

	// Job controller and scheduler
	controller := worker.NewController(j, gateway, classifier, corpus, cfg.Jobs.VerificationLabel)
	scheduler := worker.NewScheduler(controller, cfg.Jobs, cfg.IMAP.BatchSize)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// HTTP surface
	if cfg.Admin.APIKey == "" {
		log.Println("Warning: ADMIN_API_KEY not set; privileged endpoints will reject all calls")
	}
	handlers := api.NewHandlers(controller, j, archiver, cfg.Admin.APIKey)
	healthChecker := api.NewHealthChecker(j, classifier, cfg.IMAP, cfg.Training.Dir)
	server := api.NewServer(handlers, healthChecker)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Stop the job loops first; a pass in flight winds down at its next
	// message boundary.
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := gateway.Close(); err != nil {
		log.Printf("Gateway close error: %v", err)
	}
	if err := j.Close(); err != nil {
		log.Printf("Journal close error: %v", err)
	}

	log.Println("Server stopped")
}
