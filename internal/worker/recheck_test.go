package worker

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRecheckNoopStampsPass(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	seedRecord(t, j, "g1", "NOISE")
	gw.labels["g1"] = []string{"NOISE"}

	result, err := c.RunRecheck(ctx, 20)
	if err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Errorf("ProcessedCount = %d, want 1", result.ProcessedCount)
	}

	rec, _ := j.GetByID(ctx, "g1")
	if rec.CorrectedCategory != "" {
		t.Errorf("CorrectedCategory = %q, want empty after noop", rec.CorrectedCategory)
	}
	if rec.LastRecheckAt == nil {
		t.Error("LastRecheckAt not stamped")
	}
	if lines := corpusLines(t, corpusDir, "NOISE"); lines != nil {
		t.Errorf("noop emitted training data: %v", lines)
	}
	if ops := gw.removedOps(); len(ops) != 0 {
		t.Errorf("noop removed labels: %v", ops)
	}
}

func TestRecheckExternalRename(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	// Something outside the service replaced NOISE with FOCUS; only
	// the new label remains, so there is nothing to clean up.
	seedRecord(t, j, "g2", "NOISE")
	gw.labels["g2"] = []string{"FOCUS"}

	result, err := c.RunRecheck(ctx, 20)
	if err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Errorf("ProcessedCount = %d, want 1", result.ProcessedCount)
	}

	rec, _ := j.GetByID(ctx, "g2")
	if rec.CorrectedCategory != "FOCUS" {
		t.Errorf("CorrectedCategory = %q, want FOCUS", rec.CorrectedCategory)
	}
	if rec.LastRecheckAt == nil {
		t.Error("LastRecheckAt not stamped")
	}
	if rec.AmbiguousCandidates != nil {
		t.Errorf("AmbiguousCandidates = %v, want nil", rec.AmbiguousCandidates)
	}

	lines := corpusLines(t, corpusDir, "FOCUS")
	if len(lines) != 1 {
		t.Fatalf("FOCUS corpus lines = %d, want 1", len(lines))
	}
	if !strings.Contains(lines[0], `"subject":"subject-g2"`) {
		t.Errorf("corpus line = %s", lines[0])
	}
	if ops := gw.removedOps(); len(ops) != 0 {
		t.Errorf("removed = %v, want none (old label already gone)", ops)
	}
}

func TestRecheckCorrectionWithCleanup(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	// The user added FOCUS next to the predicted NOISE: a correction,
	// and the stale label is removed server-side.
	seedRecord(t, j, "g3", "NOISE")
	gw.labels["g3"] = []string{"NOISE", "FOCUS"}

	if _, err := c.RunRecheck(ctx, 20); err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}

	rec, _ := j.GetByID(ctx, "g3")
	if rec.CorrectedCategory != "FOCUS" {
		t.Errorf("CorrectedCategory = %q, want FOCUS", rec.CorrectedCategory)
	}
	if len(corpusLines(t, corpusDir, "FOCUS")) != 1 {
		t.Error("want exactly one FOCUS training line")
	}

	want := []labelOp{{"g3", "NOISE"}}
	if got := gw.removedOps(); !reflect.DeepEqual(got, want) {
		t.Errorf("removed = %v, want %v", got, want)
	}
	if got := gw.labels["g3"]; !reflect.DeepEqual(got, []string{"FOCUS"}) {
		t.Errorf("server labels = %v, want [FOCUS]", got)
	}
}

func TestRecheckVerification(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	seedRecord(t, j, "g4", "FOCUS")
	gw.labels["g4"] = []string{"FOCUS", "__VERIFIED__"}

	if _, err := c.RunRecheck(ctx, 20); err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}

	rec, _ := j.GetByID(ctx, "g4")
	if rec.CorrectedCategory != "FOCUS" {
		t.Errorf("CorrectedCategory = %q, want FOCUS affirmed", rec.CorrectedCategory)
	}
	if len(corpusLines(t, corpusDir, "FOCUS")) != 1 {
		t.Error("want exactly one FOCUS training line")
	}

	// Only the verification marker is stripped; FOCUS stays.
	want := []labelOp{{"g4", "__VERIFIED__"}}
	if got := gw.removedOps(); !reflect.DeepEqual(got, want) {
		t.Errorf("removed = %v, want %v", got, want)
	}
	if got := gw.labels["g4"]; !reflect.DeepEqual(got, []string{"FOCUS"}) {
		t.Errorf("server labels = %v, want [FOCUS]", got)
	}
}

func TestRecheckAmbiguous(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	seedRecord(t, j, "g5", "NOISE")
	gw.labels["g5"] = []string{"FOCUS", "URGENT", "REFERENCE"}

	result, err := c.RunRecheck(ctx, 20)
	if err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Errorf("ProcessedCount = %d, want 1", result.ProcessedCount)
	}

	rec, _ := j.GetByID(ctx, "g5")
	if rec.CorrectedCategory != "" {
		t.Errorf("CorrectedCategory = %q, want empty (never guess)", rec.CorrectedCategory)
	}
	if want := []string{"FOCUS", "URGENT", "REFERENCE"}; !reflect.DeepEqual(rec.AmbiguousCandidates, want) {
		t.Errorf("AmbiguousCandidates = %v, want %v", rec.AmbiguousCandidates, want)
	}
	if rec.LastRecheckAt == nil {
		t.Error("LastRecheckAt not stamped")
	}

	for _, cat := range testCategories {
		if lines := corpusLines(t, corpusDir, cat); lines != nil {
			t.Errorf("ambiguous outcome emitted %s training data: %v", cat, lines)
		}
	}
	if ops := gw.removedOps(); len(ops) != 0 {
		t.Errorf("ambiguous outcome removed labels: %v", ops)
	}
	if ops := gw.addedOps(); len(ops) != 0 {
		t.Errorf("ambiguous outcome added labels: %v", ops)
	}
}

func TestRecheckVerifiedCorrectionEmitsOnce(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	// Correction and verification at once must still produce a single
	// training line.
	seedRecord(t, j, "g6", "NOISE")
	gw.labels["g6"] = []string{"NOISE", "FOCUS", "__VERIFIED__"}

	if _, err := c.RunRecheck(ctx, 20); err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}

	rec, _ := j.GetByID(ctx, "g6")
	if rec.CorrectedCategory != "FOCUS" {
		t.Errorf("CorrectedCategory = %q, want FOCUS", rec.CorrectedCategory)
	}
	if lines := corpusLines(t, corpusDir, "FOCUS"); len(lines) != 1 {
		t.Errorf("FOCUS corpus lines = %d, want exactly 1", len(lines))
	}

	want := []labelOp{{"g6", "NOISE"}, {"g6", "__VERIFIED__"}}
	if got := gw.removedOps(); !reflect.DeepEqual(got, want) {
		t.Errorf("removed = %v, want %v", got, want)
	}
}

func TestRecheckClearedLabels(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	seedRecord(t, j, "g7", "NOISE")
	gw.labels["g7"] = []string{}

	result, err := c.RunRecheck(ctx, 20)
	if err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Errorf("ProcessedCount = %d, want 1", result.ProcessedCount)
	}

	rec, _ := j.GetByID(ctx, "g7")
	if rec.CorrectedCategory != "" {
		t.Errorf("CorrectedCategory = %q, want empty", rec.CorrectedCategory)
	}
	if rec.LastRecheckAt == nil {
		t.Error("LastRecheckAt not stamped")
	}
	if lines := corpusLines(t, corpusDir, "NOISE"); lines != nil {
		t.Errorf("cleared labels emitted training data: %v", lines)
	}
}

func TestRecheckMessageGone(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, _ := newTestController(t, gw, cls)
	ctx := context.Background()

	// No entry in the gateway at all: expunged or moved out of the
	// tracked mailbox.
	seedRecord(t, j, "g8", "NOISE")

	result, err := c.RunRecheck(ctx, 20)
	if err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Errorf("ProcessedCount = %d, want 1", result.ProcessedCount)
	}

	rec, _ := j.GetByID(ctx, "g8")
	if rec.LastRecheckAt == nil {
		t.Error("LastRecheckAt not stamped for gone message")
	}
	if rec.CorrectedCategory != "" {
		t.Errorf("CorrectedCategory = %q, want unchanged", rec.CorrectedCategory)
	}
}

func TestRecheckAbortsOnGatewayError(t *testing.T) {
	gw := newFakeGateway()
	gw.labelsErr = errors.New("connection reset")
	cls := &fakeClassifier{categories: testCategories}
	c, j, _ := newTestController(t, gw, cls)
	ctx := context.Background()

	seedRecord(t, j, "g9", "NOISE")

	if _, err := c.RunRecheck(ctx, 20); err == nil {
		t.Fatal("RunRecheck() expected error")
	}
	if c.Busy() {
		t.Error("permit still held after aborted run")
	}

	// The batch aborted before touching the record.
	rec, _ := j.GetByID(ctx, "g9")
	if rec.LastRecheckAt != nil {
		t.Errorf("LastRecheckAt = %v, want nil", rec.LastRecheckAt)
	}
}

func TestRecheckSecondPassFindsNothingDue(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	seedRecord(t, j, "ga", "NOISE")
	gw.labels["ga"] = []string{"FOCUS"}

	first, err := c.RunRecheck(ctx, 20)
	if err != nil {
		t.Fatalf("first RunRecheck() error: %v", err)
	}
	if first.ProcessedCount != 1 {
		t.Fatalf("first pass processed %d, want 1", first.ProcessedCount)
	}

	// The pass just stamped the record; it is not due again yet, so an
	// immediate rerun must not repeat the side effects.
	second, err := c.RunRecheck(ctx, 20)
	if err != nil {
		t.Fatalf("second RunRecheck() error: %v", err)
	}
	if second.ProcessedCount != 0 {
		t.Errorf("second pass processed %d, want 0", second.ProcessedCount)
	}
	if lines := corpusLines(t, corpusDir, "FOCUS"); len(lines) != 1 {
		t.Errorf("FOCUS corpus lines = %d, want still 1", len(lines))
	}

	rec, _ := j.GetByID(ctx, "ga")
	if rec.CorrectedCategory != "FOCUS" {
		t.Errorf("CorrectedCategory = %q, want FOCUS", rec.CorrectedCategory)
	}
}

func TestRecheckCanonicalizesLabelCase(t *testing.T) {
	gw := newFakeGateway()
	cls := &fakeClassifier{categories: testCategories}
	c, j, corpusDir := newTestController(t, gw, cls)
	ctx := context.Background()

	seedRecord(t, j, "gb", "NOISE")
	gw.labels["gb"] = []string{"focus"}

	if _, err := c.RunRecheck(ctx, 20); err != nil {
		t.Fatalf("RunRecheck() error: %v", err)
	}

	rec, _ := j.GetByID(ctx, "gb")
	if rec.CorrectedCategory != "FOCUS" {
		t.Errorf("CorrectedCategory = %q, want canonical FOCUS", rec.CorrectedCategory)
	}
	if len(corpusLines(t, corpusDir, "FOCUS")) != 1 {
		t.Error("want training line under the canonical category")
	}
}
