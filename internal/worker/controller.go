// Package worker runs the classification jobs: ingesting unclassified
// mail, rechecking journaled messages against the mailbox's current
// labels, and bulk reclassification. All jobs share one permit so at
// most one runs at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/mailbox-classifier/internal/classify"
	"github.com/ignite/mailbox-classifier/internal/journal"
	"github.com/ignite/mailbox-classifier/internal/mailbox"
	"github.com/ignite/mailbox-classifier/internal/pkg/logger"
	"github.com/ignite/mailbox-classifier/internal/training"
)

// ErrUnknownCategory reports a correction naming a category outside the
// classifier's current set.
var ErrUnknownCategory = errors.New("worker: unknown category")

// Classifier is the prediction contract the jobs consume.
type Classifier interface {
	Predict(ctx context.Context, f *classify.Features) (*classify.Prediction, error)
	Categories(ctx context.Context) ([]string, error)
}

// RunStatus reports whether a job ran or yielded to a running one.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusSkipped RunStatus = "skipped"
)

// MessageDetail summarizes one processed message.
type MessageDetail struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Subject   string  `json:"subject"`
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
}

// RunResult is the outcome of one job run.
type RunResult struct {
	Status         RunStatus       `json:"status"`
	ProcessedCount int             `json:"processed_count"`
	Details        []MessageDetail `json:"details"`
}

func skippedResult() *RunResult {
	return &RunResult{Status: StatusSkipped, Details: []MessageDetail{}}
}

// Controller owns the classification jobs and the permit that keeps
// them mutually exclusive. It is constructed once at startup and torn
// down on shutdown; there is no hidden global state.
type Controller struct {
	journal     *journal.Journal
	gateway     mailbox.Gateway
	classifier  Classifier
	corpus      *training.Corpus
	verifyLabel string

	permit Permit
}

// NewController wires the jobs to their collaborators. verifyLabel is
// the sentinel label operators apply to affirm a prediction.
func NewController(j *journal.Journal, gw mailbox.Gateway, cls Classifier, corpus *training.Corpus, verifyLabel string) *Controller {
	return &Controller{
		journal:     j,
		gateway:     gw,
		classifier:  cls,
		corpus:      corpus,
		verifyLabel: verifyLabel,
	}
}

// Busy reports whether a job currently holds the permit.
func (c *Controller) Busy() bool {
	return c.permit.Held()
}

// Labels returns the classifier's current category set.
func (c *Controller) Labels(ctx context.Context) ([]string, error) {
	return c.classifier.Categories(ctx)
}

// Correct applies an operator-supplied label to a journaled message:
// the journal gains the correction, the training corpus gains one
// example, and the mailbox converges on the new label. The category
// must belong to the classifier's current set.
func (c *Controller) Correct(ctx context.Context, id, category string) error {
	categories, err := c.classifier.Categories(ctx)
	if err != nil {
		return fmt.Errorf("snapshotting categories: %w", err)
	}
	canonical, ok := categorySet(categories)[strings.ToLower(category)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	rec, err := c.journal.GetByID(ctx, id)
	if err != nil {
		return err
	}
	oldTruth := rec.Truth()
	if err := c.journal.SetCorrection(ctx, id, canonical); err != nil {
		return err
	}
	c.emitTraining(rec, canonical)
	logger.Info("correction applied",
		"id", id, "sender", rec.Sender, "was", oldTruth, "now", canonical)

	// Label convergence is best-effort; the journal already holds the
	// correction and the next recheck pass sees whatever remains.
	if err := c.gateway.AddLabel(ctx, id, canonical); err != nil {
		log.Printf("[Correction] adding label %s to %s: %v", canonical, id, err)
	}
	if oldTruth != "" && !strings.EqualFold(oldTruth, canonical) {
		if err := c.gateway.RemoveLabel(ctx, id, oldTruth); err != nil {
			log.Printf("[Correction] removing label %s from %s: %v", oldTruth, id, err)
		}
	}
	return nil
}

// emitTraining appends one example to the corpus. Append failures are
// logged, not propagated: the journal is authoritative and the corpus
// can be regenerated from it.
func (c *Controller) emitTraining(rec *journal.MessageRecord, category string) {
	ex := training.Example{
		Subject:         rec.Subject,
		Body:            rec.Body,
		From:            rec.Sender,
		To:              rec.Recipient,
		CC:              rec.CC,
		MassMail:        rec.MassMail,
		AttachmentTypes: rec.AttachmentKinds,
	}
	if err := c.corpus.Append(category, ex); err != nil {
		log.Printf("[Training] appending %s example for message %s: %v", category, rec.ID, err)
	}
}

// categorySet indexes categories by folded name for case-insensitive
// lookups that still return the canonical spelling.
func categorySet(categories []string) map[string]string {
	set := make(map[string]string, len(categories))
	for _, c := range categories {
		set[strings.ToLower(c)] = c
	}
	return set
}

func newRunID() string {
	return uuid.NewString()[:8]
}
