package mesh

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/meshclaw/internal/device"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/payload"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

var singleLine = strings.NewReplacer("\n", " ", "\r", " ", device.PromptGlyph, " ")

// SentMessage is the Data of a successful SendMessage.
type SentMessage struct {
	ID       int64  `json:"id"`
	ClientID string `json:"client_id"`
	Status   string `json:"status"`
	Output   string `json:"output"` // last non-empty output line
}

// SendMessage sends text to the contact name and records it as an
// outgoing message. A client ID is generated when clientID is empty.
func (s *Service) SendMessage(ctx context.Context, name, text, clientID string) Result {
	sent, err := s.send(ctx, name, text, clientID)
	if err != nil {
		return failure(err)
	}
	return success(sent)
}

// Reply sends an automated reply.
func (s *Service) Reply(ctx context.Context, name, text string) error {
	_, err := s.send(ctx, name, text, "")
	return err
}

func (s *Service) send(ctx context.Context, name, text, clientID string) (*SentMessage, error) {
	name = strings.TrimSpace(singleLine.Replace(name))
	text = strings.TrimSpace(singleLine.Replace(text))
	if name == "" {
		return nil, errors.New("name is required")
	}
	if text == "" {
		return nil, errors.New("text is required")
	}
	if clientID == "" {
		clientID = uuid.New().String()
	}

	line := "msg " + quote(name) + " " + quote(text)
	output, err := s.deliver(ctx, line, name, text)
	if err != nil {
		metrics.MetricFailWithReason("mesh", "send", err.Error())
		return nil, err
	}

	status := deliveryStatus(output, line)
	msg := &store.Message{
		Name:      name,
		Direction: store.DirectionOut,
		Text:      text,
		Raw:       output,
		ClientID:  clientID,
		Status:    status,
	}
	s.recorder.ResolveByName(ctx, msg)
	if _, err := s.recorder.Record(ctx, msg, "mesh"); err != nil {
		// The radio already has it; losing the local copy is not a send failure
		L_warn("mesh: failed to record outgoing message", "name", name, "error", err)
	}

	metrics.MetricSuccess("mesh", "send")
	return &SentMessage{
		ID:       msg.ID,
		ClientID: clientID,
		Status:   status,
		Output:   lastLine(output),
	}, nil
}

// deliver writes the msg command on the interactive session, falling back
// to a one-shot run when there is no usable session.
func (s *Service) deliver(ctx context.Context, line, name, text string) (string, error) {
	if s.session != nil {
		out, err := s.session.RunTextCommand(ctx, line, s.session.TextDefaults())
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || device.IsConfiguration(err) {
			return "", err
		}
		L_warn("mesh: session send failed, using one-shot", "error", err)
	}
	return s.runner.RunText(ctx, "msg", name, text)
}

// SyncUnread fetches queued messages from the device and stores the new
// ones. Data is the number stored.
func (s *Service) SyncUnread(ctx context.Context) Result {
	data, _, err := s.runner.RunJSON(ctx, "sync_msgs")
	if err != nil {
		metrics.MetricFail("mesh", "sync")
		return failure(err)
	}

	count := 0
	var errs []error
	for _, ev := range payload.Objects(data) {
		stored, err := s.recorder.IngestEvent(ctx, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if stored {
			count++
		}
	}
	if count > 0 {
		L_info("mesh: synced unread messages", "count", count)
	}
	metrics.MetricAdd("mesh", "synced", int64(count))
	if len(errs) > 0 {
		return partial(count, errors.Join(errs...))
	}
	return success(count)
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// deliveryStatus guesses whether the device reported an acknowledgement.
// The echoed command line is ignored so the message text cannot match.
func deliveryStatus(output, line string) string {
	for _, l := range strings.Split(output, "\n") {
		if strings.Contains(l, line) {
			continue
		}
		low := strings.ToLower(l)
		if strings.Contains(low, "deliver") || strings.Contains(low, "ack") {
			return store.StatusDelivered
		}
	}
	return store.StatusSent
}

func lastLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
