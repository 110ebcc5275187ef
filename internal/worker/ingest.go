package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/mailbox-classifier/internal/classify"
	"github.com/ignite/mailbox-classifier/internal/journal"
	"github.com/ignite/mailbox-classifier/internal/mailbox"
	"github.com/ignite/mailbox-classifier/internal/pkg/logger"
)

// RunIngest classifies up to limit currently-unclassified messages:
// extract features, predict, label on the server, journal. Returns a
// skipped result without touching the gateway when another job holds
// the permit.
func (c *Controller) RunIngest(ctx context.Context, limit int) (*RunResult, error) {
	if !c.permit.TryAcquire() {
		log.Printf("[Ingest] another job is running, skipping")
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

	msgs, err := c.gateway.ListUnclassified(ctx, categories, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unclassified messages: %w", err)
	}
	log.Printf("[Ingest] run %s: %d unclassified messages", runID, len(msgs))

	result := &RunResult{Status: StatusSuccess, Details: []MessageDetail{}}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			log.Printf("[Ingest] run %s: cancelled after %d messages", runID, result.ProcessedCount)
			break
		}
		detail, err := c.ingestOne(ctx, msg, known)
		if err != nil {
			log.Printf("[Ingest] run %s: message %s skipped: %v", runID, msg.ID, err)
			continue
		}
		result.Details = append(result.Details, *detail)
		result.ProcessedCount++
	}

	log.Printf("[Ingest] run %s: processed %d/%d in %v",
		runID, result.ProcessedCount, len(msgs), time.Since(start).Round(time.Millisecond))
	return result, nil
}

// ingestOne runs one message through extract, predict, label, journal.
// The server label is applied before the journal write: the mailbox is
// authoritative, and a row lost here is only a missing notification.
func (c *Controller) ingestOne(ctx context.Context, msg mailbox.Message, known map[string]string) (*MessageDetail, error) {
	features, err := classify.ExtractFeatures(msg.Raw)
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

	if err := c.gateway.AddLabel(ctx, msg.ID, canonical); err != nil {
		return nil, fmt.Errorf("labeling: %w", err)
	}

	receivedAt := features.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	rec := &journal.MessageRecord{
		ID:                msg.ID,
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
	if err := c.journal.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("journaling: %w", err)
	}
	log.Printf("[Ingest] message %s from %s -> %s (%.2f)",
		msg.ID, logger.RedactAddressList(features.From), canonical, pred.Confidence)

	return &MessageDetail{
		ID:        msg.ID,
		Sender:    features.From,
		Recipient: features.To,
		Subject:   features.Subject,
		Label:     canonical,
		Score:     pred.Confidence,
	}, nil
}
