// Package automation evaluates user-defined rules against chat messages
// and runs their actions (auto-replies and MQTT publishes).
package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/meshclaw/internal/bus"
	"github.com/roelfdiedericks/meshclaw/internal/chat"
	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/metrics"
	"github.com/roelfdiedericks/meshclaw/internal/mqtt"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

// Action types
const (
	ActionAutoresponse = "autoresponse"
	ActionMQTT         = "mqtt"
)

const evaluateTimeout = 60 * time.Second

// RuleStore loads rules and records when they fire.
type RuleStore interface {
	EnabledRules(ctx context.Context) ([]store.Rule, error)
	MarkRuleTriggered(ctx context.Context, id int64, at time.Time) error
}

// Sender delivers an auto-reply to a contact.
type Sender interface {
	Reply(ctx context.Context, name, text string) error
}

// Publisher publishes to the MQTT broker.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) (*mqtt.Receipt, error)
}

// Result is the outcome of one matching rule.
type Result struct {
	RuleID    int64         `json:"rule_id"`
	Name      string        `json:"name"`
	Matched   bool          `json:"matched"`
	Skipped   bool          `json:"skipped,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Remaining int           `json:"remaining_seconds,omitempty"`
	Action    *ActionResult `json:"action,omitempty"`
}

// ActionResult describes what a rule's action did (or would do in a dry run).
type ActionResult struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Executed bool   `json:"executed"`
	RC       *int   `json:"rc,omitempty"`
	MID      *int   `json:"mid,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Engine evaluates rules. Safe for concurrent use.
type Engine struct {
	rules     RuleStore
	sender    Sender
	publisher Publisher
	now       func() time.Time

	mu    sync.Mutex
	subID bus.SubscriptionID

	// evalMu serializes live evaluation so a cooldown stamp is visible to
	// the next event before its rules are loaded.
	evalMu sync.Mutex
}

// NewEngine creates an engine. sender and publisher may be nil, in which
// case the corresponding actions fail with an error result.
func NewEngine(rules RuleStore, sender Sender, publisher Publisher) *Engine {
	return &Engine{
		rules:     rules,
		sender:    sender,
		publisher: publisher,
		now:       time.Now,
	}
}

// Evaluate runs enabled rules against ev in (priority desc, id asc) order.
// Action failures are reported in the results; the returned error is only
// set when the rules could not be loaded. A rule is stamped before its
// action runs, so a failed action still starts the cooldown.
func (e *Engine) Evaluate(ctx context.Context, ev Event, dryRun bool) ([]Result, error) {
	if !dryRun {
		e.evalMu.Lock()
		defer e.evalMu.Unlock()
	}

	rules, err := e.rules.EnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	var results []Result
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		mctx, ok := MatchRule(rule, ev)
		if !ok {
			continue
		}
		metrics.MetricInc("automation", "matched")

		if remaining, cooling := e.cooldownRemaining(rule); cooling {
			L_debug("automation: rule cooling down", "rule", rule.Name, "remaining", remaining)
			metrics.MetricInc("automation", "cooldown")
			results = append(results, Result{
				RuleID:    rule.ID,
				Name:      rule.Name,
				Matched:   true,
				Skipped:   true,
				Reason:    fmt.Sprintf("cooldown %ds remaining", remaining),
				Remaining: remaining,
			})
			if rule.StopProcessing {
				break
			}
			continue
		}

		if !dryRun {
			if err := e.rules.MarkRuleTriggered(ctx, rule.ID, e.now()); err != nil {
				L_warn("automation: failed to stamp rule", "rule", rule.Name, "error", err)
			}
		}

		action := e.runAction(ctx, rule, ev, mctx, dryRun)

		results = append(results, Result{
			RuleID:  rule.ID,
			Name:    rule.Name,
			Matched: true,
			Action:  action,
		})
		if rule.StopProcessing {
			break
		}
	}
	return results, nil
}

// cooldownRemaining returns the whole seconds left on rule's cooldown.
func (e *Engine) cooldownRemaining(rule *store.Rule) (int, bool) {
	if rule.CooldownSeconds <= 0 || rule.LastTriggeredAt == nil {
		return 0, false
	}
	elapsed := e.now().Sub(*rule.LastTriggeredAt)
	left := time.Duration(rule.CooldownSeconds)*time.Second - elapsed
	if left <= 0 {
		return 0, false
	}
	return int(math.Ceil(left.Seconds())), true
}

func (e *Engine) runAction(ctx context.Context, rule *store.Rule, ev Event, mctx Context, dryRun bool) *ActionResult {
	switch rule.ActionType {
	case ActionAutoresponse:
		text := Render(rule.ResponseText, mctx)
		res := &ActionResult{Type: ActionAutoresponse, Text: text}
		if dryRun || strings.TrimSpace(text) == "" {
			return res
		}
		if e.sender == nil {
			res.Error = "no sender configured"
			metrics.MetricFailWithReason("automation", ActionAutoresponse, res.Error)
			return res
		}
		if err := e.sender.Reply(ctx, ev.Name, text); err != nil {
			res.Error = err.Error()
			metrics.MetricFailWithReason("automation", ActionAutoresponse, res.Error)
			L_warn("automation: reply failed", "rule", rule.Name, "to", ev.Name, "error", err)
			return res
		}
		res.Executed = true
		metrics.MetricSuccess("automation", ActionAutoresponse)
		L_info("automation: replied", "rule", rule.Name, "to", ev.Name)
		return res

	case ActionMQTT:
		res := &ActionResult{
			Type:    ActionMQTT,
			Topic:   Render(rule.MQTTTopic, mctx),
			Payload: Render(rule.MQTTPayload, mctx),
		}
		if dryRun || strings.TrimSpace(res.Topic) == "" {
			return res
		}
		if e.publisher == nil {
			res.Error = "no mqtt publisher configured"
			metrics.MetricFailWithReason("automation", ActionMQTT, res.Error)
			return res
		}
		receipt, err := e.publisher.Publish(ctx, res.Topic, res.Payload)
		if err != nil {
			res.Error = err.Error()
			metrics.MetricFailWithReason("automation", ActionMQTT, res.Error)
			L_warn("automation: publish failed", "rule", rule.Name, "topic", res.Topic, "error", err)
			return res
		}
		res.Executed = true
		rc, mid := receipt.ReturnCode, receipt.MessageID
		res.RC, res.MID = &rc, &mid
		metrics.MetricSuccess("automation", ActionMQTT)
		L_info("automation: published", "rule", rule.Name, "topic", res.Topic)
		return res

	default:
		metrics.MetricFailWithReason("automation", "action", "unsupported")
		return &ActionResult{Type: rule.ActionType, Error: "unsupported action"}
	}
}

// Subscribe evaluates rules for every newly stored incoming message.
// Failures are logged and never reach the ingestion path.
func (e *Engine) Subscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subID != 0 {
		return
	}
	e.subID = bus.SubscribeEvent(chat.TopicMessageReceived, e.handleEvent)
	L_debug("automation: subscribed to incoming messages")
}

// Unsubscribe stops automatic evaluation.
func (e *Engine) Unsubscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subID == 0 {
		return
	}
	bus.UnsubscribeEvent(e.subID)
	e.subID = 0
}

func (e *Engine) handleEvent(event bus.Event) {
	msg, ok := event.Data.(*store.Message)
	if !ok || msg.Direction != store.DirectionIn {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
	defer cancel()

	results, err := e.Evaluate(ctx, EventFromMessage(msg), false)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			L_warn("automation: evaluation failed", "name", msg.Name, "error", err)
		}
		return
	}
	for _, r := range results {
		if r.Action != nil && r.Action.Error != "" {
			L_debug("automation: action error", "rule", r.Name, "error", r.Action.Error)
		}
	}
}
