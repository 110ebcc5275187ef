// Package classify extracts model features from raw mail and talks to
// the classifier backend.
package classify

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Role is the position of the account owner in a message's envelope.
type Role string

const (
	RoleDirect Role = "Direct"
	RoleCC     Role = "CC"
	RoleHidden Role = "Hidden"
)

// Features is the structured view of one message that the model input
// is rendered from. Header values are kept verbatim (undecoded): the
// model is trained on raw header strings and inference must match.
type Features struct {
	From            string
	To              string
	CC              string
	Subject         string
	Body            string
	MassMail        bool
	AttachmentKinds []string
	Date            time.Time // zero when the Date header is absent or malformed
}

// ExtractFeatures parses a raw message into Features.
//
// Body selection follows the trainer's rules: the first text/plain part
// of a multipart message, or the whole decoded payload of a single-part
// one. Attachment parts contribute an uppercase extension tag, inferred
// from the MIME type when no filename is present. Unknown charsets are
// tolerated; the part is read as-is.
func ExtractFeatures(raw []byte) (*Features, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	f := &Features{
		From:     e.Header.Get("From"),
		To:       e.Header.Get("To"),
		CC:       e.Header.Get("Cc"),
		Subject:  e.Header.Get("Subject"),
		MassMail: e.Header.Has("List-Unsubscribe"),
	}
	mh := mail.Header{Header: e.Header}
	if date, err := mh.Date(); err == nil {
		f.Date = date
	}

	if mr := e.MultipartReader(); mr != nil {
		if err := f.collectParts(mr); err != nil {
			return nil, fmt.Errorf("walking message parts: %w", err)
		}
	} else {
		body, err := io.ReadAll(e.Body)
		if err != nil {
			return nil, fmt.Errorf("reading message body: %w", err)
		}
		f.Body = string(body)
	}

	f.AttachmentKinds = dedupeKinds(f.AttachmentKinds)
	return f, nil
}

func (f *Features) collectParts(mr message.MultipartReader) error {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return err
		}
		if sub := p.MultipartReader(); sub != nil {
			if err := f.collectParts(sub); err != nil {
				return err
			}
			continue
		}
		if err := f.collectLeaf(p); err != nil {
			return err
		}
	}
}

// collectLeaf triages one leaf part: attachment parts contribute an
// extension tag, the first text/plain part becomes the body, everything
// else is ignored.
func (f *Features) collectLeaf(p *message.Entity) error {
	ctype, ctParams, err := p.Header.ContentType()
	if err != nil || ctype == "" {
		ctype = "text/plain" // RFC 2045 default
	}

	// The disposition header is matched as a raw substring, like the
	// trainer does; a text/plain attachment is an attachment, not a body.
	if strings.Contains(p.Header.Get("Content-Disposition"), "attachment") {
		if kind := attachmentKind(p, ctype, ctParams); kind != "" {
			f.AttachmentKinds = append(f.AttachmentKinds, kind)
		}
		return nil
	}

	if ctype == "text/plain" && f.Body == "" {
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return fmt.Errorf("reading text part: %w", err)
		}
		f.Body = string(body)
	}
	return nil
}

// attachmentKind derives the uppercase extension tag for an attachment
// part. A filename wins even when it has no extension; only a missing
// filename falls back to the MIME type.
func attachmentKind(p *message.Entity, ctype string, ctParams map[string]string) string {
	_, dispParams, _ := p.Header.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = ctParams["name"]
	}
	if filename != "" {
		return strings.ToUpper(strings.TrimPrefix(filepath.Ext(filename), "."))
	}
	if exts, _ := mime.ExtensionsByType(ctype); len(exts) > 0 {
		return strings.ToUpper(strings.TrimPrefix(exts[0], "."))
	}
	return ""
}

// dedupeKinds removes duplicates preserving first-seen order.
func dedupeKinds(kinds []string) []string {
	if len(kinds) < 2 {
		return kinds
	}
	seen := make(map[string]bool, len(kinds))
	out := kinds[:0]
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
