package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ignite/mailbox-classifier/internal/config"
	"github.com/ignite/mailbox-classifier/internal/pkg/logger"
)

// IMAPGateway implements Gateway over a single IMAP connection.
// Message ids are mailbox UIDs rendered as decimal strings; category
// labels are stored as message keywords, which any server advertising
// PERMANENTFLAGS \* can hold. Keywords are atoms on the wire, so
// category names must avoid spaces and quoting characters.
type IMAPGateway struct {
	cfg config.IMAPConfig

	mu     sync.Mutex // one command at a time on the connection
	client *imapclient.Client
}

// NewIMAPGateway creates a gateway. No connection is made until the
// first operation.
func NewIMAPGateway(cfg config.IMAPConfig) *IMAPGateway {
	return &IMAPGateway{cfg: cfg}
}

// connect ensures a live, logged-in connection with the configured
// mailbox selected. A stale connection is detected with NOOP and
// replaced. Callers must hold g.mu.
func (g *IMAPGateway) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.client != nil {
		if err := g.client.Noop().Wait(); err == nil {
			return nil
		}
		g.client.Close()
		g.client = nil
	}

	account := g.cfg.Account()
	if account == "" || g.cfg.Password == "" {
		return fmt.Errorf("IMAP credentials not configured")
	}

	addr := serverAddr(g.cfg.Server)
	dialer := &net.Dialer{Timeout: g.cfg.Timeout()}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	client := imapclient.New(conn, &imapclient.Options{})
	if err := client.Login(account, g.cfg.Password).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("IMAP login for %s: %w", logger.RedactEmail(account), err)
	}
	if _, err := client.Select(g.cfg.Mailbox, nil).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("selecting mailbox %s: %w", g.cfg.Mailbox, err)
	}
	log.Printf("[Mailbox] connected to %s as %s", addr, logger.RedactEmail(account))

	g.client = client
	return nil
}

// Close logs out and drops the connection.
func (g *IMAPGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Logout().Wait()
	if err != nil {
		g.client.Close()
	}
	g.client = nil
	return err
}

// ListUnclassified scans unseen messages by metadata first and fetches
// bodies only for those not yet carrying a known category label.
func (g *IMAPGateway) ListUnclassified(ctx context.Context, knownCategories []string, limit int) ([]Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connect(ctx); err != nil {
		return nil, err
	}

	search, err := g.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}
	uids := search.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	flagged, err := g.fetchFlags(uids)
	if err != nil {
		return nil, err
	}
	candidates := make([]imap.UID, 0, len(flagged))
	for uid, flags := range flagged {
		if hasAnyLabel(flags, knownCategories) {
			continue
		}
		candidates = append(candidates, uid)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Newest first; UIDs ascend in delivery order.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return g.fetchBodies(candidates)
}

// Fetch returns the raw bytes of one message.
func (g *IMAPGateway) Fetch(ctx context.Context, id string) ([]byte, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connect(ctx); err != nil {
		return nil, err
	}

	msgs, err := g.fetchBodies([]imap.UID{uid})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0].Raw, nil
}

// LabelsOf reports current keyword labels per message. Expunged ids
// are simply absent from the map.
func (g *IMAPGateway) LabelsOf(ctx context.Context, ids []string) (map[string][]string, error) {
	labels := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return labels, nil
	}

	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		uid, err := parseUID(id)
		if err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connect(ctx); err != nil {
		return nil, err
	}

	flagged, err := g.fetchFlags(uids)
	if err != nil {
		return nil, err
	}
	for uid, flags := range flagged {
		labels[formatUID(uid)] = keywordLabels(flags)
	}
	return labels, nil
}

// AddLabel applies a keyword label to a message.
func (g *IMAPGateway) AddLabel(ctx context.Context, id, label string) error {
	return g.storeLabel(ctx, id, label, imap.StoreFlagsAdd)
}

// RemoveLabel strips a keyword label from a message.
func (g *IMAPGateway) RemoveLabel(ctx context.Context, id, label string) error {
	return g.storeLabel(ctx, id, label, imap.StoreFlagsDel)
}

func (g *IMAPGateway) storeLabel(ctx context.Context, id, label string, op imap.StoreFlagsOp) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connect(ctx); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)
	err = g.client.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.Flag(label)},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("storing label %s on message %s: %w", label, id, err)
	}
	return nil
}

// fetchFlags reads flags for the given UIDs. Callers must hold g.mu.
func (g *IMAPGateway) fetchFlags(uids []imap.UID) (map[imap.UID][]imap.Flag, error) {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	msgs, err := g.client.Fetch(uidSet, &imap.FetchOptions{UID: true, Flags: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching message flags: %w", err)
	}

	flagged := make(map[imap.UID][]imap.Flag, len(msgs))
	for _, msg := range msgs {
		if msg.UID == 0 {
			continue
		}
		flagged[msg.UID] = msg.Flags
	}
	return flagged, nil
}

// fetchBodies fetches raw bodies with PEEK so the fetch itself never
// marks a message seen. Results keep the order of uids; ids expunged
// mid-flight are dropped. Callers must hold g.mu.
func (g *IMAPGateway) fetchBodies(uids []imap.UID) ([]Message, error) {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := g.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching message bodies: %w", err)
	}

	raws := make(map[imap.UID][]byte, len(msgs))
	for _, msg := range msgs {
		for _, sec := range msg.BodySection {
			if len(sec.Bytes) > 0 {
				raws[msg.UID] = sec.Bytes
				break
			}
		}
	}

	out := make([]Message, 0, len(uids))
	for _, uid := range uids {
		raw, ok := raws[uid]
		if !ok {
			continue
		}
		out = append(out, Message{ID: formatUID(uid), Raw: raw})
	}
	return out, nil
}

// keywordLabels filters system flags, keeping only user keywords.
func keywordLabels(flags []imap.Flag) []string {
	labels := make([]string, 0, len(flags))
	for _, f := range flags {
		if strings.HasPrefix(string(f), "\\") {
			continue
		}
		labels = append(labels, string(f))
	}
	return labels
}

// hasAnyLabel reports whether any category appears in the flag set.
// Flags are case-insensitive on the wire.
func hasAnyLabel(flags []imap.Flag, categories []string) bool {
	for _, f := range flags {
		for _, c := range categories {
			if strings.EqualFold(string(f), c) {
				return true
			}
		}
	}
	return false
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid message id %q", id)
	}
	return imap.UID(n), nil
}

func formatUID(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

// serverAddr appends the implicit-TLS IMAP port when the configured
// server has none.
func serverAddr(server string) string {
	if strings.Contains(server, ":") {
		return server
	}
	return server + ":993"
}
