package journal

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func testRecord(id string, receivedAt time.Time) *MessageRecord {
	return &MessageRecord{
		ID:                id,
		ReceivedAt:        receivedAt,
		Sender:            "alice@example.com",
		Recipient:         "me@example.com",
		CC:                "bob@example.com",
		Subject:           "Quarterly report",
		Body:              "Please find the report attached.",
		MassMail:          false,
		AttachmentKinds:   []string{"PDF", "XLSX"},
		PredictedCategory: "WORK",
		Confidence:        0.91,
	}
}

func setRecheckAt(t *testing.T, j *Journal, id string, at time.Time, candidates []string) {
	t.Helper()
	var amb interface{}
	if candidates != nil {
		amb = marshalStrings(candidates)
	}
	_, err := j.db.Exec(
		`UPDATE messages SET last_recheck_at = ?, ambiguous_candidates = ? WHERE id = ?`,
		formatTime(at), amb, id)
	require.NoError(t, err)
}

func TestUpsertRoundTrip(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	receivedAt := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

	rec := testRecord("g1", receivedAt)
	require.NoError(t, j.Upsert(ctx, rec))

	got, err := j.GetByID(ctx, "g1")
	require.NoError(t, err)

	assert.Equal(t, "g1", got.ID)
	assert.True(t, got.ReceivedAt.Equal(receivedAt))
	assert.Equal(t, "alice@example.com", got.Sender)
	assert.Equal(t, "me@example.com", got.Recipient)
	assert.Equal(t, "bob@example.com", got.CC)
	assert.Equal(t, "Quarterly report", got.Subject)
	assert.Equal(t, "Please find the report attached.", got.Body)
	assert.False(t, got.MassMail)
	assert.Equal(t, []string{"PDF", "XLSX"}, got.AttachmentKinds)
	assert.Equal(t, "WORK", got.PredictedCategory)
	assert.InDelta(t, 0.91, got.Confidence, 1e-9)
	assert.Empty(t, got.CorrectedCategory)
	assert.Nil(t, got.LastRecheckAt)
	assert.Nil(t, got.AmbiguousCandidates)
	assert.False(t, got.IsRead)
}

func TestUpsertPreservesManualFields(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	receivedAt := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

	require.NoError(t, j.Upsert(ctx, testRecord("g1", receivedAt)))

	// Simulate a correction, an ambiguous recheck, and an acknowledgement.
	require.NoError(t, j.SetCorrection(ctx, "g1", "FOCUS"))
	require.NoError(t, j.SetRecheck(ctx, "g1", []string{"FOCUS", "URGENT"}))
	_, err := j.Ack(ctx, []string{"g1"})
	require.NoError(t, err)

	// Re-ingest the same message with a fresh prediction.
	update := testRecord("g1", receivedAt)
	update.PredictedCategory = "NOISE"
	update.Confidence = 0.42
	update.Subject = "Quarterly report (resent)"
	require.NoError(t, j.Upsert(ctx, update))

	got, err := j.GetByID(ctx, "g1")
	require.NoError(t, err)

	// Classification fields refreshed.
	assert.Equal(t, "NOISE", got.PredictedCategory)
	assert.InDelta(t, 0.42, got.Confidence, 1e-9)
	assert.Equal(t, "Quarterly report (resent)", got.Subject)

	// Manual bookkeeping untouched.
	assert.Equal(t, "FOCUS", got.CorrectedCategory)
	require.NotNil(t, got.LastRecheckAt)
	assert.Equal(t, []string{"FOCUS", "URGENT"}, got.AmbiguousCandidates)
	assert.True(t, got.IsRead)
}

func TestTruth(t *testing.T) {
	rec := &MessageRecord{PredictedCategory: "NOISE"}
	assert.Equal(t, "NOISE", rec.Truth())
	rec.CorrectedCategory = "FOCUS"
	assert.Equal(t, "FOCUS", rec.Truth())
}

func TestGetByIDNotFound(t *testing.T) {
	j := openTestJournal(t)
	_, err := j.GetByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetCorrectionUnknownID(t *testing.T) {
	j := openTestJournal(t)
	err := j.SetCorrection(context.Background(), "missing", "FOCUS")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetRecheckSetsAndClears(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	receivedAt := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	require.NoError(t, j.Upsert(ctx, testRecord("g1", receivedAt)))

	require.NoError(t, j.SetRecheck(ctx, "g1", []string{"A", "B"}))
	got, err := j.GetByID(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRecheckAt)
	first := *got.LastRecheckAt
	assert.Equal(t, []string{"A", "B"}, got.AmbiguousCandidates)

	require.NoError(t, j.SetRecheck(ctx, "g1", nil))
	got, err = j.GetByID(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRecheckAt)
	assert.False(t, got.LastRecheckAt.Before(first))
	assert.Nil(t, got.AmbiguousCandidates)
}

func TestTouchRecheckPreservesAmbiguity(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	receivedAt := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	require.NoError(t, j.Upsert(ctx, testRecord("g1", receivedAt)))
	require.NoError(t, j.SetRecheck(ctx, "g1", []string{"A", "B"}))
	setRecheckAt(t, j, "g1", receivedAt, []string{"A", "B"})

	require.NoError(t, j.TouchRecheck(ctx, "g1"))

	got, err := j.GetByID(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRecheckAt)
	assert.True(t, got.LastRecheckAt.After(receivedAt), "stamp should move forward")
	assert.Equal(t, []string{"A", "B"}, got.AmbiguousCandidates, "an unreconciled pass must not clear the flag")

	assert.ErrorIs(t, j.TouchRecheck(ctx, "missing"), ErrNotFound)
}

func TestRecheckDue(t *testing.T) {
	now := time.Now().UTC()
	ago := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	tests := []struct {
		name        string
		age         time.Duration
		lastRecheck *time.Time
		want        bool
	}{
		{"never rechecked", 2 * time.Hour, nil, true},
		{"fresh, gap at threshold", 2 * time.Hour, ago(12 * time.Hour), true},
		{"fresh, gap too small", 2 * time.Hour, ago(11 * time.Hour), false},
		{"day-old enters second band", 24 * time.Hour, ago(23 * time.Hour), false},
		{"day-old, gap one day", 24 * time.Hour, ago(24 * time.Hour), true},
		{"week-old enters third band", 7 * 24 * time.Hour, ago(2 * 24 * time.Hour), false},
		{"ten days old, gap one week", 10 * 24 * time.Hour, ago(7 * 24 * time.Hour), true},
		{"ten days old, gap six days", 10 * 24 * time.Hour, ago(6 * 24 * time.Hour), false},
		{"ancient, gap 29 days", 40 * 24 * time.Hour, ago(29 * 24 * time.Hour), false},
		{"ancient, gap 30 days", 40 * 24 * time.Hour, ago(30 * 24 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecheckDue(now.Add(-tt.age), tt.lastRecheck, now)
			if got != tt.want {
				t.Errorf("RecheckDue(age=%v, gap=%v) = %v, want %v", tt.age, tt.lastRecheck, got, tt.want)
			}
		})
	}
}

func TestSelectRecheckCandidates(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seed := func(id string, age time.Duration) {
		require.NoError(t, j.Upsert(ctx, testRecord(id, now.Add(-age))))
	}

	seed("fresh-due", 2*time.Hour) // never rechecked
	seed("fresh-recent", 3*time.Hour)
	setRecheckAt(t, j, "fresh-recent", now.Add(-6*time.Hour), nil) // gap < 12h
	seed("midweek-due", 3*24*time.Hour)
	setRecheckAt(t, j, "midweek-due", now.Add(-25*time.Hour), nil) // gap > 24h
	seed("midweek-recent", 3*24*time.Hour)
	setRecheckAt(t, j, "midweek-recent", now.Add(-13*time.Hour), nil) // gap < 24h
	seed("monthish-due", 10*24*time.Hour)
	setRecheckAt(t, j, "monthish-due", now.Add(-8*24*time.Hour), nil) // gap > 7d
	seed("monthish-recent", 10*24*time.Hour)
	setRecheckAt(t, j, "monthish-recent", now.Add(-6*24*time.Hour), nil) // gap < 7d
	seed("ancient-due", 40*24*time.Hour)
	setRecheckAt(t, j, "ancient-due", now.Add(-31*24*time.Hour), nil) // gap > 30d
	seed("ancient-recent", 40*24*time.Hour)
	setRecheckAt(t, j, "ancient-recent", now.Add(-20*24*time.Hour), nil) // gap < 30d

	got, err := j.SelectRecheckCandidates(ctx, 0, now)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, rec := range got {
		ids[i] = rec.ID
	}
	// Newest first, only the due ones.
	assert.Equal(t, []string{"fresh-due", "midweek-due", "monthish-due", "ancient-due"}, ids)

	// Truncation keeps the newest candidates.
	limited, err := j.SelectRecheckCandidates(ctx, 2, now)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "fresh-due", limited[0].ID)
	assert.Equal(t, "midweek-due", limited[1].ID)
}

func TestStats(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	r1 := testRecord("g1", now.Add(-1*time.Hour))
	r1.PredictedCategory = "URGENT"
	r2 := testRecord("g2", now.Add(-2*time.Hour))
	r2.PredictedCategory = "URGENT"
	r3 := testRecord("g3", now.Add(-50*time.Hour))
	r3.PredictedCategory = "NOISE"
	for _, r := range []*MessageRecord{r1, r2, r3} {
		require.NoError(t, j.Upsert(ctx, r))
	}
	// A correction wins over the prediction.
	require.NoError(t, j.SetCorrection(ctx, "g3", "FOCUS"))

	stats, err := j.Stats(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"URGENT": 2, "FOCUS": 1}, stats)

	// Range bounds exclude the old corrected record.
	start := now.Add(-3 * time.Hour)
	stats, err = j.Stats(ctx, &start, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"URGENT": 2}, stats)
}

func TestUnreadAckPop(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, j.Upsert(ctx, testRecord("g1", now.Add(-3*time.Hour))))
	require.NoError(t, j.Upsert(ctx, testRecord("g2", now.Add(-1*time.Hour))))
	require.NoError(t, j.Upsert(ctx, testRecord("g3", now.Add(-2*time.Hour))))

	unread, err := j.Unread(ctx)
	require.NoError(t, err)
	require.Len(t, unread, 3)
	// Newest first.
	assert.Equal(t, "g2", unread[0].ID)
	assert.Equal(t, "g3", unread[1].ID)
	assert.Equal(t, "g1", unread[2].ID)

	n, err := j.Ack(ctx, []string{"g2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	popped, err := j.PopUnread(ctx)
	require.NoError(t, err)
	require.Len(t, popped, 2)
	assert.Equal(t, "g3", popped[0].ID)
	assert.Equal(t, "g1", popped[1].ID)

	// Everything is read now.
	unread, err = j.Unread(ctx)
	require.NoError(t, err)
	assert.Empty(t, unread)

	// Ack-all on an all-read table is a no-op.
	n, err = j.Ack(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestReadInRange(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, j.Upsert(ctx, testRecord("inside", now.Add(-2*time.Hour))))
	require.NoError(t, j.Upsert(ctx, testRecord("outside", now.Add(-72*time.Hour))))
	require.NoError(t, j.Upsert(ctx, testRecord("unread", now.Add(-1*time.Hour))))
	_, err := j.Ack(ctx, []string{"inside", "outside"})
	require.NoError(t, err)

	got, err := j.ReadInRange(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inside", got[0].ID)
}

func TestListAmbiguousAndUncorrected(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, j.Upsert(ctx, testRecord("plain", now.Add(-1*time.Hour))))
	require.NoError(t, j.Upsert(ctx, testRecord("flagged", now.Add(-2*time.Hour))))
	require.NoError(t, j.Upsert(ctx, testRecord("corrected", now.Add(-3*time.Hour))))

	require.NoError(t, j.SetRecheck(ctx, "flagged", []string{"FOCUS", "URGENT"}))
	require.NoError(t, j.SetCorrection(ctx, "corrected", "FOCUS"))

	ambiguous, err := j.ListAmbiguous(ctx)
	require.NoError(t, err)
	require.Len(t, ambiguous, 1)
	assert.Equal(t, "flagged", ambiguous[0].ID)
	assert.Equal(t, []string{"FOCUS", "URGENT"}, ambiguous[0].AmbiguousCandidates)

	uncorrected, err := j.ListUncorrected(ctx, 0)
	require.NoError(t, err)
	require.Len(t, uncorrected, 2)
	assert.Equal(t, "plain", uncorrected[0].ID)
	assert.Equal(t, "flagged", uncorrected[1].ID)

	limited, err := j.ListUncorrected(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "plain", limited[0].ID)
}

func TestMigrateRebuildsLegacyIntegerKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	// Seed a journal from before gateway ids, keyed on an autoincrement.
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at TEXT NOT NULL,
		sender TEXT,
		subject TEXT,
		predicted_category TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO messages (received_at, sender, subject, predicted_category)
		VALUES ('2024-01-01T00:00:00Z', 'a@example.com', 'old row', 'NOISE')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	// The incompatible table was dropped.
	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// And the new schema is fully usable.
	rec := testRecord("g1", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, j.Upsert(context.Background(), rec))
	got, err := j.GetByID(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "WORK", got.PredictedCategory)
}

func TestMigrateAddsMissingColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	// A first-revision schema: TEXT key but none of the later columns.
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE messages (
		id TEXT PRIMARY KEY,
		received_at TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		recipient TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		predicted_category TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO messages (id, received_at, sender, subject, predicted_category, confidence)
		VALUES ('old1', '2024-01-01T00:00:00Z', 'a@example.com', 'kept row', 'NOISE', 0.5)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	// The old row survives and reads back with zero values for the new columns.
	got, err := j.GetByID(context.Background(), "old1")
	require.NoError(t, err)
	assert.Equal(t, "kept row", got.Subject)
	assert.Empty(t, got.AttachmentKinds)
	assert.False(t, got.MassMail)
	assert.Empty(t, got.CorrectedCategory)
	assert.Nil(t, got.LastRecheckAt)
	assert.Nil(t, got.AmbiguousCandidates)
	assert.False(t, got.IsRead)

	// And the new columns are writable.
	require.NoError(t, j.SetCorrection(context.Background(), "old1", "FOCUS"))
}

func TestRecordNeverDeleted(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, j.Upsert(ctx, testRecord("g1", now)))
	require.NoError(t, j.SetRecheck(ctx, "g1", nil))
	require.NoError(t, j.SetCorrection(ctx, "g1", "FOCUS"))
	_, err := j.Ack(ctx, nil)
	require.NoError(t, err)
	_, err = j.PopUnread(ctx)
	require.NoError(t, err)

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
