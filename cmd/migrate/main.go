package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"github.com/ignite/mailbox-classifier/internal/config"
	"github.com/ignite/mailbox-classifier/internal/journal"
)

// Applies the journal schema migration to DB_PATH (or a path given as
// the first argument) and prints the resulting table layout.
func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	path := cfg.Journal.Path
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			path = a
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Printf("Connected to journal at %s", path)

	if !listOnly {
		if err := journal.New(db).Migrate(context.Background()); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		log.Println("Migration complete")
	}

	rows, err := db.Query(`PRAGMA table_info(messages)`)
	if err != nil {
		log.Fatalf("read schema: %v", err)
	}
	defer rows.Close()

	fmt.Println("messages:")
	n := 0
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
			log.Fatalf("scan column: %v", err)
		}
		marker := ""
		if pk == 1 {
			marker = " PRIMARY KEY"
		}
		fmt.Printf("  %-22s %s%s\n", name, ctype, marker)
		n++
	}
	fmt.Printf("Total: %d columns\n", n)
}
