package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	received_at TEXT NOT NULL,
	sender TEXT NOT NULL DEFAULT '',
	recipient TEXT NOT NULL DEFAULT '',
	cc TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	mass_mail INTEGER NOT NULL DEFAULT 0,
	attachment_kinds TEXT NOT NULL DEFAULT '[]',
	predicted_category TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	corrected_category TEXT,
	last_recheck_at TEXT,
	ambiguous_candidates TEXT,
	is_read INTEGER NOT NULL DEFAULT 0
)`

var indexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_is_read ON messages(is_read)`,
}

// migrationColumns lists every column added since the first schema
// revision, in the order they appeared. Opening an older journal adds
// the missing ones in place.
var migrationColumns = []struct {
	name string
	def  string
}{
	{"cc", `TEXT NOT NULL DEFAULT ''`},
	{"mass_mail", `INTEGER NOT NULL DEFAULT 0`},
	{"attachment_kinds", `TEXT NOT NULL DEFAULT '[]'`},
	{"corrected_category", `TEXT`},
	{"last_recheck_at", `TEXT`},
	{"ambiguous_candidates", `TEXT`},
	{"is_read", `INTEGER NOT NULL DEFAULT 0`},
}

// Migrate brings the messages table to the current schema. Missing
// columns are added in place. A table keyed on anything other than a
// TEXT id predates gateway-provided identifiers and cannot be mapped
// onto them, so it is dropped and recreated; the journal is regenerable
// from the mailbox.
func (j *Journal) Migrate(ctx context.Context) error {
	var name string
	err := j.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'messages'`).Scan(&name)
	if err == sql.ErrNoRows {
		return j.createSchema(ctx)
	}
	if err != nil {
		return fmt.Errorf("inspecting journal schema: %w", err)
	}

	cols, err := j.tableColumns(ctx)
	if err != nil {
		return err
	}

	if !strings.EqualFold(cols["id"], "TEXT") {
		log.Printf("[Journal] legacy schema detected (id %s), rebuilding table", cols["id"])
		if _, err := j.db.ExecContext(ctx, `DROP TABLE messages`); err != nil {
			return fmt.Errorf("dropping legacy journal table: %w", err)
		}
		return j.createSchema(ctx)
	}

	for _, col := range migrationColumns {
		if _, ok := cols[col.name]; ok {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE messages ADD COLUMN %s %s`, col.name, col.def)
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("adding journal column %s: %w", col.name, err)
		}
		log.Printf("[Journal] added column %s", col.name)
	}

	return j.createIndexes(ctx)
}

func (j *Journal) createSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("creating journal table: %w", err)
	}
	return j.createIndexes(ctx)
}

func (j *Journal) createIndexes(ctx context.Context) error {
	for _, stmt := range indexSQL {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating journal index: %w", err)
		}
	}
	return nil
}

// tableColumns returns column name → declared type (upper-cased) for
// the messages table.
func (j *Journal) tableColumns(ctx context.Context) (map[string]string, error) {
	rows, err := j.db.QueryContext(ctx, `PRAGMA table_info(messages)`)
	if err != nil {
		return nil, fmt.Errorf("reading journal columns: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning journal column: %w", err)
		}
		cols[name] = strings.ToUpper(ctype)
	}
	return cols, rows.Err()
}
