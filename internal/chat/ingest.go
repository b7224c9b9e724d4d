package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/meshclaw/internal/bus"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

const (
	// TopicMessageReceived is published with the *store.Message after a new
	// incoming message row is stored.
	TopicMessageReceived = "message.received"

	// TopicMessageSent is published with the *store.Message after an
	// outgoing message is recorded.
	TopicMessageSent = "message.sent"

	// DedupWindow suppresses identical (direction, name, text) messages.
	DedupWindow = 3 * time.Second

	handlerTimeout = 5 * time.Second
)

// Store is the persistence the ingester needs.
type Store interface {
	ContactNames(ctx context.Context) ([]string, error)
	ContactByName(ctx context.Context, name string) (*store.Contact, error)
	ContactByKeyPrefix(ctx context.Context, prefix string) (*store.Contact, error)
	AppendMessage(ctx context.Context, msg *store.Message, dedupSince time.Time) (bool, error)
}

// Ingester turns raw device output into stored messages.
type Ingester struct {
	store Store
	now   func() time.Time
}

// NewIngester creates an ingester backed by s.
func NewIngester(s Store) *Ingester {
	return &Ingester{store: s, now: time.Now}
}

// HandleLine ingests one line from the interactive session.
func (in *Ingester) HandleLine(line string) {
	in.handle(line, "session")
}

// HandleOutput ingests the stdout of a one-shot run.
func (in *Ingester) HandleOutput(stdout string) {
	in.handle(stdout, "oneshot")
}

func (in *Ingester) handle(raw, source string) {
	if !HasDelimiter(raw) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := in.Ingest(ctx, raw, source); err != nil {
		L_warn("chat: ingest failed", "source", source, "error", err)
	}
}

// Ingest extracts chat fragments from raw and stores each new one as an
// incoming message. Returns how many were stored.
func (in *Ingester) Ingest(ctx context.Context, raw, source string) (int, error) {
	if !HasDelimiter(raw) {
		return 0, nil
	}

	known, err := in.store.ContactNames(ctx)
	if err != nil {
		// Extraction still works without known names, just less precisely
		L_debug("chat: known names unavailable", "error", err)
	}

	fragments := Extract(raw, known)
	metrics.MetricAdd("chat", "fragments", int64(len(fragments)))

	stored := 0
	var errs []error
	for _, f := range fragments {
		msg := &store.Message{
			Name:      f.Name,
			Direction: store.DirectionIn,
			Text:      f.Text,
			Raw:       raw,
		}
		in.ResolveByName(ctx, msg)

		inserted, err := in.Record(ctx, msg, source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if inserted {
			stored++
		}
	}
	return stored, errors.Join(errs...)
}

// IngestEvent stores one message event from `sync_msgs`. PRIV events are
// attributed by public key prefix; CHAN events by channel.
func (in *Ingester) IngestEvent(ctx context.Context, ev payload.Map) (bool, error) {
	text, _ := payload.String(ev, "text")
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}

	msg := &store.Message{
		Direction: store.DirectionIn,
		Text:      text,
		Raw:       payload.Compact(ev),
	}

	typ, _ := payload.String(ev, "type")
	switch typ {
	case "PRIV":
		prefix := firstNonEmpty(ev, "pubkey_prefix", "pubkey", "public_key")
		if prefix != "" {
			if c, err := in.store.ContactByKeyPrefix(ctx, prefix); err == nil {
				msg.PublicKey = c.PublicKey
				msg.ContactID = &c.ID
				msg.Name = c.Name
			} else if !errors.Is(err, store.ErrNotFound) {
				L_debug("chat: contact lookup failed", "prefix", prefix, "error", err)
			}
		}
		if msg.Name == "" {
			msg.Name = payload.FirstString(ev, "name")
		}
		if msg.Name == "" {
			msg.Name = strings.TrimSpace(prefix)
		}
	case "CHAN":
		msg.Name = channelName(ev["channel_idx"])
	default:
		msg.Name = payload.FirstString(ev, "name")
	}
	if msg.Name == "" {
		msg.Name = "<unknown>"
	}

	return in.Record(ctx, msg, "sync")
}

// Record stores msg and announces it. Incoming messages are subject to
// the dedup window; outgoing ones are always stored.
func (in *Ingester) Record(ctx context.Context, msg *store.Message, source string) (bool, error) {
	now := in.now()
	if msg.TS.IsZero() {
		msg.TS = now
	}
	var dedupSince time.Time
	if msg.Direction == store.DirectionIn {
		dedupSince = now.Add(-DedupWindow)
	}
	inserted, err := in.store.AppendMessage(ctx, msg, dedupSince)
	if err != nil {
		metrics.MetricFailWithReason("chat", "store", err.Error())
		return false, fmt.Errorf("store message from %s: %w", msg.Name, err)
	}
	if !inserted {
		metrics.MetricInc("chat", "deduplicated")
		return false, nil
	}

	metrics.MetricInc("chat", "stored")
	L_info("chat: message", "direction", msg.Direction, "name", msg.Name, "text", msg.Text, "source", source)
	topic := TopicMessageReceived
	if msg.Direction == store.DirectionOut {
		topic = TopicMessageSent
	}
	bus.PublishEventWithSource(topic, msg, source)
	return true, nil
}

// ResolveByName links msg to the most recently seen contact named msg.Name.
func (in *Ingester) ResolveByName(ctx context.Context, msg *store.Message) {
	c, err := in.store.ContactByName(ctx, msg.Name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			L_debug("chat: contact lookup failed", "name", msg.Name, "error", err)
		}
		return
	}
	msg.PublicKey = c.PublicKey
	msg.ContactID = &c.ID
}

func channelName(idx any) string {
	f, ok := idx.(float64)
	if !ok || f != float64(int64(f)) {
		return "channel"
	}
	if f == 0 {
		return "public"
	}
	return fmt.Sprintf("ch%d", int64(f))
}

func firstNonEmpty(m payload.Map, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
