package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/mailbox-classifier/internal/journal"
)

// outcomeKind classifies what a message's current server labels mean
// for its journaled truth.
type outcomeKind int

const (
	// outcomeNoop: the single known label matches the journaled truth.
	outcomeNoop outcomeKind = iota
	// outcomeCleared: the user removed every known label.
	outcomeCleared
	// outcomeCorrection: exactly one known label differs from the
	// journaled truth, or the truth plus exactly one other are present.
	outcomeCorrection
	// outcomeVerification: the user affirmed the journaled truth with
	// the verification label.
	outcomeVerification
	// outcomeAmbiguous: several known labels with no single readable
	// intent.
	outcomeAmbiguous
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeNoop:
		return "noop"
	case outcomeCleared:
		return "cleared"
	case outcomeCorrection:
		return "correction"
	case outcomeVerification:
		return "verification"
	case outcomeAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// reconcileOutcome is the decision for one message: what to write to
// the journal and which server labels to strip. category is set for
// corrections and verifications; candidates for ambiguous outcomes.
type reconcileOutcome struct {
	kind         outcomeKind
	category     string
	removeOld    bool
	removeVerify bool
	candidates   []string
}

// reconcile maps the server's label set against the journaled truth.
//
// local is the journaled truth (correction if present, else the
// prediction). present is the full server label set. known is the
// classifier's category snapshot. Labels compare case-insensitively;
// returned categories use the snapshot's canonical spelling.
func reconcile(local string, present, known []string, verifyLabel string) reconcileOutcome {
	knownByFold := categorySet(known)

	verified := false
	var trained []string // canonical names, ordered by first appearance
	seen := make(map[string]bool)
	for _, label := range present {
		if strings.EqualFold(label, verifyLabel) {
			verified = true
			continue
		}
		if canonical, ok := knownByFold[strings.ToLower(label)]; ok && !seen[canonical] {
			seen[canonical] = true
			trained = append(trained, canonical)
		}
	}

	localPresent := false
	var other string // the one trained label that is not local
	for _, cat := range trained {
		if strings.EqualFold(cat, local) {
			localPresent = true
		} else {
			other = cat
		}
	}

	switch {
	case len(trained) == 0:
		return reconcileOutcome{kind: outcomeCleared}

	case len(trained) == 1:
		x := trained[0]
		if !verified {
			if strings.EqualFold(x, local) {
				return reconcileOutcome{kind: outcomeNoop}
			}
			// The old label is already gone; no cleanup.
			return reconcileOutcome{kind: outcomeCorrection, category: x}
		}
		if strings.EqualFold(x, local) {
			return reconcileOutcome{kind: outcomeVerification, category: x, removeVerify: true}
		}
		return reconcileOutcome{kind: outcomeCorrection, category: x, removeVerify: true}

	default: // two or more known labels
		if localPresent && len(trained) == 2 {
			return reconcileOutcome{kind: outcomeCorrection, category: other, removeOld: true, removeVerify: verified}
		}
		return reconcileOutcome{kind: outcomeAmbiguous, candidates: trained}
	}
}

// RunRecheck folds manual label edits back into the journal and the
// training corpus. Candidates are selected on a gliding scale: the
// older a message, the longer the pause between rechecks.
func (c *Controller) RunRecheck(ctx context.Context, limit int) (*RunResult, error) {
	if !c.permit.TryAcquire() {
		log.Printf("[Recheck] another job is running, skipping")
		return skippedResult(), nil
	}
	defer c.permit.Release()

	runID := newRunID()
	start := time.Now()

	categories, err := c.classifier.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshotting categories: %w", err)
	}

	candidates, err := c.journal.SelectRecheckCandidates(ctx, limit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("selecting recheck candidates: %w", err)
	}
	log.Printf("[Recheck] run %s: %d candidates", runID, len(candidates))

	result := &RunResult{Status: StatusSuccess, Details: []MessageDetail{}}
	for _, rec := range candidates {
		if ctx.Err() != nil {
			log.Printf("[Recheck] run %s: cancelled after %d candidates", runID, result.ProcessedCount)
			break
		}

		labels, err := c.gateway.LabelsOf(ctx, []string{rec.ID})
		if err != nil {
			// A label read failing is a connection-level problem;
			// the rest of the batch would fail the same way.
			return nil, fmt.Errorf("reading labels for %s: %w", rec.ID, err)
		}

		present, ok := labels[rec.ID]
		if !ok {
			// Message gone from the mailbox; record the pass without
			// touching the ambiguity flag.
			if err := c.journal.TouchRecheck(ctx, rec.ID); err != nil {
				log.Printf("[Recheck] run %s: message %s skipped: %v", runID, rec.ID, err)
				continue
			}
			result.ProcessedCount++
			continue
		}

		if err := c.applyOutcome(ctx, rec, reconcile(rec.Truth(), present, categories, c.verifyLabel), runID); err != nil {
			log.Printf("[Recheck] run %s: message %s skipped: %v", runID, rec.ID, err)
			continue
		}
		result.ProcessedCount++
	}

	log.Printf("[Recheck] run %s: processed %d/%d in %v",
		runID, result.ProcessedCount, len(candidates), time.Since(start).Round(time.Millisecond))
	return result, nil
}

// applyOutcome executes one reconciliation decision. Corrections and
// verifications write the journal first, then emit exactly one training
// line, then clean up server labels; label cleanup is best-effort.
func (c *Controller) applyOutcome(ctx context.Context, rec *journal.MessageRecord, out reconcileOutcome, runID string) error {
	switch out.kind {
	case outcomeNoop, outcomeCleared:
		// Terminal; fall through to the recheck stamp.

	case outcomeCorrection, outcomeVerification:
		oldTruth := rec.Truth()
		if err := c.journal.SetCorrection(ctx, rec.ID, out.category); err != nil {
			return fmt.Errorf("writing correction: %w", err)
		}
		c.emitTraining(rec, out.category)
		log.Printf("[Recheck] run %s: message %s %s -> %s (%s)", runID, rec.ID, oldTruth, out.category, out.kind)

		if out.removeOld {
			if err := c.gateway.RemoveLabel(ctx, rec.ID, oldTruth); err != nil {
				log.Printf("[Recheck] run %s: removing label %s from %s: %v", runID, oldTruth, rec.ID, err)
			}
		}
		if out.removeVerify {
			if err := c.gateway.RemoveLabel(ctx, rec.ID, c.verifyLabel); err != nil {
				log.Printf("[Recheck] run %s: removing label %s from %s: %v", runID, c.verifyLabel, rec.ID, err)
			}
		}

	case outcomeAmbiguous:
		log.Printf("[Recheck] run %s: message %s ambiguous between %v", runID, rec.ID, out.candidates)
		return c.journal.SetRecheck(ctx, rec.ID, out.candidates)
	}

	return c.journal.SetRecheck(ctx, rec.ID, nil)
}
