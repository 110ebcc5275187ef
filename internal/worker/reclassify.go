package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/mailbox-classifier/internal/classify"
	"github.com/ignite/mailbox-classifier/internal/journal"
	"github.com/ignite/mailbox-classifier/internal/mailbox"
)

// RunReclassify re-predicts every journaled message without an
// operator correction, typically after a model update. When the new
// prediction differs, the server label moves and the journal row is
// refreshed. Uses the same permit and per-message failure semantics as
// ingest.
func (c *Controller) RunReclassify(ctx context.Context, limit int) (*RunResult, error) {
	if !c.permit.TryAcquire() {
		log.Printf("[Reclassify] another job is running, skipping")
		return skippedResult(), nil
	}
	defer c.permit.Release()

	runID := newRunID()
	start := time.Now()

	categories, err := c.classifier.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotting categories: %w", err)
	}
	known := categorySet(categories)

	recs, err := c.journal.ListUncorrected(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing uncorrected messages: %w", err)
	}
	log.Printf("[Reclassify] run %s: %d uncorrected messages", runID, len(recs))

	result := &RunResult{Status: StatusSuccess, Details: []MessageDetail{}}
	for _, rec := range recs {
		if ctx.Err() != nil {
			log.Printf("[Reclassify] run %s: cancelled after %d messages", runID, result.ProcessedCount)
			break
		}
		detail, err := c.reclassifyOne(ctx, rec, known)
		if err != nil {
			log.Printf("[Reclassify] run %s: message %s skipped: %v", runID, rec.ID, err)
			continue
		}
		if detail != nil {
			result.Details = append(result.Details, *detail)
		}
		result.ProcessedCount++
	}

	log.Printf("[Reclassify] run %s: processed %d/%d (%d relabeled) in %v",
		runID, result.ProcessedCount, len(recs), len(result.Details), time.Since(start).Round(time.Millisecond))
	return result, nil
}

// reclassifyOne re-runs one message through the model. A nil detail
// with a nil error means the prediction stands.
func (c *Controller) reclassifyOne(ctx context.Context, rec *journal.MessageRecord, known map[string]string) (*MessageDetail, error) {
	raw, err := c.gateway.Fetch(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			return nil, fmt.Errorf("message gone from mailbox")
		}
		return nil, fmt.Errorf("fetching: %w", err)
	}

	features, err := classify.ExtractFeatures(raw)
	if err != nil {
		return nil, fmt.Errorf("extracting features: %w", err)
	}
	pred, err := c.classifier.Predict(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("predicting: %w", err)
	}
	canonical, ok := known[strings.ToLower(pred.Category)]
	if !ok {
		return nil, fmt.Errorf("%w: prediction %q outside the category snapshot", ErrUnknownCategory, pred.Category)
	}
	if canonical == rec.PredictedCategory {
		return nil, nil
	}

	if err := c.gateway.RemoveLabel(ctx, rec.ID, rec.PredictedCategory); err != nil {
		return nil, fmt.Errorf("removing old label: %w", err)
	}
	if err := c.gateway.AddLabel(ctx, rec.ID, canonical); err != nil {
		return nil, fmt.Errorf("adding new label: %w", err)
	}

	receivedAt := features.Date
	if receivedAt.IsZero() {
		receivedAt = rec.ReceivedAt
	}
	updated := &journal.MessageRecord{
		ID:                rec.ID,
		ReceivedAt:        receivedAt,
		Sender:            features.From,
		Recipient:         features.To,
		CC:                features.CC,
		Subject:           features.Subject,
		Body:              features.Body,
		MassMail:          features.MassMail,
		AttachmentKinds:   features.AttachmentKinds,
		PredictedCategory: canonical,
		Confidence:        pred.Confidence,
	}
	if err := c.journal.Upsert(ctx, updated); err != nil {
		return nil, fmt.Errorf("journaling: %w", err)
	}

	return &MessageDetail{
		ID:        rec.ID,
		Sender:    features.From,
		Recipient: features.To,
		Subject:   features.Subject,
		Label:     canonical,
		Score:     pred.Confidence,
	}, nil
}
