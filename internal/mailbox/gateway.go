// Package mailbox provides access to the mail store the service
// classifies: listing unclassified mail, fetching raw messages, and
// reading or editing server-side labels.
package mailbox

import (
	"context"
	"errors"
)

// ErrNotFound reports that the requested message no longer exists in
// the mailbox.
var ErrNotFound = errors.New("mailbox: message not found")

// Message pairs a stable message identifier with its raw RFC 5322
// bytes.
type Message struct {
	ID  string
	Raw []byte
}

// Gateway is the mailbox contract the classification jobs consume.
// Identifiers must stay stable across fetches; the journal is keyed
// on them.
type Gateway interface {
	// ListUnclassified returns unread messages carrying none of the
	// known category labels, newest first, at most limit (0 means
	// unbounded).
	ListUnclassified(ctx context.Context, knownCategories []string, limit int) ([]Message, error)

	// Fetch returns the raw message bytes, or ErrNotFound when the
	// message no longer exists.
	Fetch(ctx context.Context, id string) ([]byte, error)

	// LabelsOf reports the current label set per message. Messages
	// that no longer exist are absent from the result.
	LabelsOf(ctx context.Context, ids []string) (map[string][]string, error)

	// AddLabel applies a label to a message. Idempotent.
	AddLabel(ctx context.Context, id, label string) error

	// RemoveLabel strips a label from a message. Idempotent; removing
	// an absent label is a no-op.
	RemoveLabel(ctx context.Context, id, label string) error
}
