// Package training maintains the per-category example logs that feed
// model retraining, and archives them to S3 on demand.
package training

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Example is one training line. Field names and shapes are consumed by
// the model trainer and must not drift.
type Example struct {
	Subject         string   `json:"subject"`
	Body            string   `json:"body"`
	From            string   `json:"from"`
	To              string   `json:"to"`
	CC              string   `json:"cc"`
	MassMail        bool     `json:"mass_mail"`
	AttachmentTypes []string `json:"attachment_types"`
}

// Corpus is an append-only set of per-category JSONL logs under one
// directory. Hierarchical categories ("Receipts/Shopping") map to
// subdirectories. Categories reaching Append have already been
// validated against the classifier's category set.
type Corpus struct {
	dir string
	mu  sync.Mutex
}

// NewCorpus creates a corpus rooted at dir. The directory is created
// lazily on first append.
func NewCorpus(dir string) *Corpus {
	return &Corpus{dir: dir}
}

// Dir returns the corpus root.
func (c *Corpus) Dir() string {
	return c.dir
}

// Append writes one example to the category's log, creating the file
// and any parent directories as needed.
func (c *Corpus) Append(category string, ex Example) error {
	if category == "" {
		return fmt.Errorf("empty category")
	}
	if ex.AttachmentTypes == nil {
		ex.AttachmentTypes = []string{}
	}

	line, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("encoding training example: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.dir, filepath.FromSlash(category)+".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating training directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening training log for %s: %w", category, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending training example for %s: %w", category, err)
	}
	return nil
}

// Files lists the corpus logs relative to the root, slash-separated.
// A missing root yields an empty list.
func (c *Corpus) Files() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var files []string
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == c.dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing training logs: %w", err)
	}
	return files, nil
}
