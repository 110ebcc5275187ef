package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ignite/mailbox-classifier/internal/config"
	"github.com/ignite/mailbox-classifier/internal/journal"
	"github.com/ignite/mailbox-classifier/internal/worker"
)

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the service's dependencies: the journal, the
// classifier backend, the mailbox configuration, and the corpus
// directory. Any dependency can be nil/empty; the check reports
// "not configured" for those.
type HealthChecker struct {
	journal    *journal.Journal
	classifier worker.Classifier
	imap       config.IMAPConfig
	corpusDir  string
	startTime  time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(j *journal.Journal, cls worker.Classifier, imap config.IMAPConfig, corpusDir string) *HealthChecker {
	return &HealthChecker{
		journal:    j,
		classifier: cls,
		imap:       imap,
		corpusDir:  corpusDir,
		startTime:  time.Now(),
	}
}

const healthVersion = "1.0.0"

// HandleHealth returns the health status of all components. The
// endpoint itself always answers 200; the status field in the body
// conveys health. Use /health/ready for probes that need HTTP 503.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())

	status := HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: healthVersion,
		Uptime:  formatUptime(time.Since(hc.startTime)),
		Checks:  checks,
	}
	respondJSON(w, http.StatusOK, status)
}

// HandleLiveness is a plain liveness probe.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness answers 200 only when the service can do useful
// work, 503 otherwise.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	ready := overall != "unhealthy"
	httpStatus := http.StatusOK
	if !ready {
		httpStatus = http.StatusServiceUnavailable
	}

	respondJSON(w, httpStatus, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	checks := make(map[string]ComponentCheck, 4)

	// Run checks concurrently for minimal total latency.
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 4)

	go func() { ch <- result{"journal", hc.checkJournal(ctx)} }()
	go func() { ch <- result{"classifier", hc.checkClassifier(ctx)} }()
	go func() { ch <- result{"mailbox", hc.checkMailbox()} }()
	go func() { ch <- result{"corpus", hc.checkCorpus()} }()

	for i := 0; i < 4; i++ {
		r := <-ch
		checks[r.name] = r.check
	}

	return checks
}

// checkJournal pings the journal database with a 3-second timeout.
func (hc *HealthChecker) checkJournal(ctx context.Context) ComponentCheck {
	if hc.journal == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.journal.Ping(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// checkClassifier asks for the category set with a 5-second timeout.
// The classifier falls back to the local label mapping itself, so this
// is down only when neither source answers.
func (hc *HealthChecker) checkClassifier(ctx context.Context) ComponentCheck {
	if hc.classifier == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}

	catCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	categories, err := hc.classifier.Categories(catCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("categories unavailable: %v", err),
		}
	}

	status := "up"
	msg := fmt.Sprintf("%d categories", len(categories))
	if latency > 2*time.Second {
		status = "degraded"
		msg = fmt.Sprintf("slow response (%s)", latency)
	}
	return ComponentCheck{Status: status, Latency: latency.String(), Message: msg}
}

// checkMailbox verifies the IMAP credentials are present. No live dial:
// the gateway holds a single connection and a probe would contend with
// a running job.
func (hc *HealthChecker) checkMailbox() ComponentCheck {
	if hc.imap.Server == "" || hc.imap.Account() == "" || hc.imap.Password == "" {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	return ComponentCheck{Status: "up", Message: "configured"}
}

// checkCorpus verifies the training directory exists or can be created.
func (hc *HealthChecker) checkCorpus() ComponentCheck {
	if hc.corpusDir == "" {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	if err := os.MkdirAll(hc.corpusDir, 0o755); err != nil {
		return ComponentCheck{Status: "down", Message: fmt.Sprintf("not writable: %v", err)}
	}
	return ComponentCheck{Status: "up", Message: "writable"}
}

func determineOverallStatus(checks map[string]ComponentCheck) string {
	// The journal is the only hard dependency; if it's down and
	// configured, the service cannot do useful work.
	if jc, ok := checks["journal"]; ok && jc.Status == "down" {
		if jc.Message != "not configured" {
			return "unhealthy"
		}
	}

	for _, c := range checks {
		if c.Status == "degraded" {
			return "degraded"
		}
		if c.Status == "down" && c.Message != "not configured" {
			return "degraded"
		}
	}

	return "healthy"
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
