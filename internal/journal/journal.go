// Package journal persists one durable record per classified message:
// the envelope captured at ingest, the classifier's decision, and the
// correction/recheck bookkeeping the reconciliation pass maintains.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("journal: message not found")

// timeFormat keeps stored timestamps lexicographically ordered so SQL
// range comparisons work on the TEXT column. Always UTC.
const timeFormat = time.RFC3339

// MessageRecord is the journal's unit: one row per message ever classified.
type MessageRecord struct {
	ID                  string
	ReceivedAt          time.Time
	Sender              string
	Recipient           string
	CC                  string
	Subject             string
	Body                string
	MassMail            bool
	AttachmentKinds     []string
	PredictedCategory   string
	Confidence          float64
	CorrectedCategory   string     // empty when the user never corrected
	LastRecheckAt       *time.Time // nil until the first reconciliation pass
	AmbiguousCandidates []string   // non-nil iff the last pass was inconclusive
	IsRead              bool
}

// Truth returns the user's authoritative category: the correction when
// one exists, the prediction otherwise.
func (r *MessageRecord) Truth() string {
	if r.CorrectedCategory != "" {
		return r.CorrectedCategory
	}
	return r.PredictedCategory
}

// Journal provides database operations on the message table.
type Journal struct {
	db *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Open opens (or creates) the journal file at path and migrates its
// schema. The handle is restricted to a single connection: jobs are
// already serialised by the permit and SQLite prefers one writer.
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := New(db)
	if err := j.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close checkpoints the WAL and closes the handle.
func (j *Journal) Close() error {
	_, _ = j.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return j.db.Close()
}

// Ping verifies the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

const recordColumns = `id, received_at, sender, recipient, cc, subject, body, mass_mail,
	attachment_kinds, predicted_category, confidence, corrected_category,
	last_recheck_at, ambiguous_candidates, is_read`

// Upsert inserts the record or, when the id already exists, refreshes
// only the classification fields. The correction, recheck, ambiguity,
// and read flags survive re-ingestion untouched.
func (j *Journal) Upsert(ctx context.Context, rec *MessageRecord) error {
	query := `INSERT INTO messages (id, received_at, sender, recipient, cc, subject, body,
			mass_mail, attachment_kinds, predicted_category, confidence, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			received_at = excluded.received_at,
			sender = excluded.sender,
			recipient = excluded.recipient,
			cc = excluded.cc,
			subject = excluded.subject,
			body = excluded.body,
			mass_mail = excluded.mass_mail,
			attachment_kinds = excluded.attachment_kinds,
			predicted_category = excluded.predicted_category,
			confidence = excluded.confidence`

	_, err := j.db.ExecContext(ctx, query,
		rec.ID, formatTime(rec.ReceivedAt), rec.Sender, rec.Recipient, rec.CC,
		rec.Subject, rec.Body, rec.MassMail, marshalStrings(rec.AttachmentKinds),
		rec.PredictedCategory, rec.Confidence)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID returns the record for id, or ErrNotFound.
func (j *Journal) GetByID(ctx context.Context, id string) (*MessageRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM messages WHERE id = ?`
	rec, err := scanRecord(j.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", id, err)
	}
	return rec, nil
}

// SetCorrection records the user's confirmed category for id. Idempotent.
func (j *Journal) SetCorrection(ctx context.Context, id, category string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE messages SET corrected_category = ? WHERE id = ?`, category, id)
	if err != nil {
		return fmt.Errorf("setting correction for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecheck stamps last_recheck_at = now and replaces the ambiguity
// set in the same statement. A nil candidates slice clears the flag
// (terminal outcome); a non-nil one records an inconclusive pass.
func (j *Journal) SetRecheck(ctx context.Context, id string, candidates []string) error {
	var amb interface{}
	if candidates != nil {
		amb = marshalStrings(candidates)
	}
	res, err := j.db.ExecContext(ctx,
		`UPDATE messages SET last_recheck_at = ?, ambiguous_candidates = ? WHERE id = ?`,
		formatTime(time.Now()), amb, id)
	if err != nil {
		return fmt.Errorf("setting recheck for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchRecheck stamps last_recheck_at = now without disturbing the
// ambiguity set. Used when the message is gone from the mailbox and
// the pass reconciled nothing.
func (j *Journal) TouchRecheck(ctx context.Context, id string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE messages SET last_recheck_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touching recheck for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SelectRecheckCandidates returns up to limit records due for
// reconciliation under the gliding-scale policy, newest first.
// The SQL keeps only rows outside the smallest possible gap (12h, or
// never rechecked); the exact age band is applied per row.
func (j *Journal) SelectRecheckCandidates(ctx context.Context, limit int, now time.Time) ([]*MessageRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM messages
		WHERE last_recheck_at IS NULL OR last_recheck_at <= ?
		ORDER BY received_at DESC`

	rows, err := j.db.QueryContext(ctx, query, formatTime(now.Add(-12*time.Hour)))
	if err != nil {
		return nil, fmt.Errorf("selecting recheck candidates: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recheck candidate: %w", err)
		}
		if !RecheckDue(rec.ReceivedAt, rec.LastRecheckAt, now) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// RecheckDue reports whether a message is eligible for another
// reconciliation pass. A record never rechecked is always due.
func RecheckDue(receivedAt time.Time, lastRecheckAt *time.Time, now time.Time) bool {
	if lastRecheckAt == nil {
		return true
	}
	return now.Sub(*lastRecheckAt) >= minRecheckGap(now.Sub(receivedAt))
}

// minRecheckGap is the age-banded minimum time between reconciliation
// passes: fresh mail is revisited quickly, old mail asymptotes.
func minRecheckGap(age time.Duration) time.Duration {
	switch {
	case age < 24*time.Hour:
		return 12 * time.Hour
	case age < 7*24*time.Hour:
		return 24 * time.Hour
	case age < 30*24*time.Hour:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Stats counts journaled messages per category (the correction when
// present, the prediction otherwise), optionally bounded by received_at.
func (j *Journal) Stats(ctx context.Context, start, end *time.Time) (map[string]int, error) {
	query := `SELECT COALESCE(corrected_category, predicted_category) AS category, COUNT(*)
		FROM messages`
	var clauses []string
	var args []interface{}
	if start != nil {
		clauses = append(clauses, `received_at >= ?`)
		args = append(args, formatTime(*start))
	}
	if end != nil {
		clauses = append(clauses, `received_at <= ?`)
		args = append(args, formatTime(*end))
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` GROUP BY category`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		stats[category] = count
	}
	return stats, rows.Err()
}

// Unread returns every unacknowledged record, newest first.
func (j *Journal) Unread(ctx context.Context) ([]*MessageRecord, error) {
	return j.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM messages WHERE is_read = 0 ORDER BY received_at DESC`)
}

// Ack marks the given records as read. A nil or empty id list
// acknowledges everything. Returns the number of rows flipped.
func (j *Journal) Ack(ctx context.Context, ids []string) (int64, error) {
	var res sql.Result
	var err error
	if len(ids) == 0 {
		res, err = j.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE is_read = 0`)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		res, err = j.db.ExecContext(ctx,
			`UPDATE messages SET is_read = 1 WHERE id IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("acknowledging notifications: %w", err)
	}
	return res.RowsAffected()
}

// PopUnread returns the unread records and marks them read in the same
// transaction.
func (j *Journal) PopUnread(ctx context.Context) ([]*MessageRecord, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting pop transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM messages WHERE is_read = 0 ORDER BY received_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("selecting unread: %w", err)
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE is_read = 0`); err != nil {
		return nil, fmt.Errorf("marking notifications read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing pop transaction: %w", err)
	}
	return recs, nil
}

// ReadInRange returns acknowledged records received inside [start, end],
// newest first.
func (j *Journal) ReadInRange(ctx context.Context, start, end time.Time) ([]*MessageRecord, error) {
	return j.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM messages
		WHERE is_read = 1 AND received_at >= ? AND received_at <= ?
		ORDER BY received_at DESC`,
		formatTime(start), formatTime(end))
}

// ListAmbiguous returns records whose last reconciliation pass was
// inconclusive, newest first.
func (j *Journal) ListAmbiguous(ctx context.Context) ([]*MessageRecord, error) {
	return j.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM messages
		WHERE ambiguous_candidates IS NOT NULL ORDER BY received_at DESC`)
}

// ListUncorrected returns records without a user correction, newest
// first, up to limit (0 = unbounded). These are the bulk-reclassify pool.
func (j *Journal) ListUncorrected(ctx context.Context, limit int) ([]*MessageRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM messages
		WHERE corrected_category IS NULL ORDER BY received_at DESC`
	if limit > 0 {
		return j.queryRecords(ctx, query+` LIMIT ?`, limit)
	}
	return j.queryRecords(ctx, query)
}

// Count returns the total number of journaled messages.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func (j *Journal) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*MessageRecord, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*MessageRecord, error) {
	defer rows.Close()
	var out []*MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*MessageRecord, error) {
	var (
		rec         MessageRecord
		receivedAt  string
		kinds       string
		corrected   sql.NullString
		lastRecheck sql.NullString
		candidates  sql.NullString
	)
	err := row.Scan(&rec.ID, &receivedAt, &rec.Sender, &rec.Recipient, &rec.CC,
		&rec.Subject, &rec.Body, &rec.MassMail, &kinds, &rec.PredictedCategory,
		&rec.Confidence, &corrected, &lastRecheck, &candidates, &rec.IsRead)
	if err != nil {
		return nil, err
	}

	if rec.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, fmt.Errorf("parsing received_at %q: %w", receivedAt, err)
	}
	if rec.AttachmentKinds, err = unmarshalStrings(kinds); err != nil {
		return nil, fmt.Errorf("parsing attachment_kinds %q: %w", kinds, err)
	}
	if corrected.Valid {
		rec.CorrectedCategory = corrected.String
	}
	if lastRecheck.Valid {
		t, err := parseTime(lastRecheck.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_recheck_at %q: %w", lastRecheck.String, err)
		}
		rec.LastRecheckAt = &t
	}
	if candidates.Valid {
		if rec.AmbiguousCandidates, err = unmarshalStrings(candidates.String); err != nil {
			return nil, fmt.Errorf("parsing ambiguous_candidates %q: %w", candidates.String, err)
		}
		if rec.AmbiguousCandidates == nil {
			rec.AmbiguousCandidates = []string{}
		}
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// marshalStrings encodes a string slice as a JSON array, mapping nil to [].
func marshalStrings(vals []string) string {
	if vals == nil {
		vals = []string{}
	}
	data, _ := json.Marshal(vals)
	return string(data)
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
