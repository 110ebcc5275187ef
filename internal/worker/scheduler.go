package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/mailbox-classifier/internal/config"
)

// Scheduler fires the ingest and recheck jobs on their configured
// intervals. Both go through the controller's permit, so a tick that
// lands while another job runs is skipped, not queued.
type Scheduler struct {
	controller *Controller
	cfg        config.JobsConfig
	batchSize  int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler. batchSize bounds each pass.
func NewScheduler(controller *Controller, cfg config.JobsConfig, batchSize int) *Scheduler {
	return &Scheduler{
		controller: controller,
		cfg:        cfg,
		batchSize:  batchSize,
	}
}

// Start launches the job loops. Disabled jobs are logged and skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if s.cfg.AutoClassify {
		log.Printf("[Scheduler] ingest every %v, batch size %d", s.cfg.IngestInterval(), s.batchSize)
		s.wg.Add(1)
		go s.ingestLoop()
	} else {
		log.Printf("[Scheduler] auto-classification disabled")
	}

	if s.cfg.Recheck {
		log.Printf("[Scheduler] recheck every %v", s.cfg.RecheckInterval())
		s.wg.Add(1)
		go s.recheckLoop()
	} else {
		log.Printf("[Scheduler] recheck job disabled")
	}

	return nil
}

// Stop cancels the loops and waits for any in-flight pass to wind
// down at its next message boundary.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Printf("[Scheduler] stopping...")
	s.cancel()
	s.wg.Wait()
	log.Printf("[Scheduler] stopped")
}

func (s *Scheduler) ingestLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.IngestInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.controller.RunIngest(s.ctx, s.batchSize); err != nil {
				log.Printf("[Scheduler] ingest pass failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) recheckLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RecheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.controller.RunRecheck(s.ctx, s.batchSize); err != nil {
				log.Printf("[Scheduler] recheck pass failed: %v", err)
			}
		}
	}
}
