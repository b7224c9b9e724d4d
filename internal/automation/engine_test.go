package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/meshclaw/internal/bus"
	"github.com/roelfdiedericks/meshclaw/internal/chat"
	"github.com/roelfdiedericks/meshclaw/internal/mqtt"
	"github.com/roelfdiedericks/meshclaw/internal/store"
)

type fakeRules struct {
	mu        sync.Mutex
	rules     []store.Rule
	triggered map[int64]time.Time
}

func (f *fakeRules) EnabledRules(context.Context) ([]store.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Rule(nil), f.rules...), nil
}

func (f *fakeRules) MarkRuleTriggered(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggered == nil {
		f.triggered = make(map[int64]time.Time)
	}
	f.triggered[id] = at
	for i := range f.rules {
		if f.rules[i].ID == id {
			stamp := at
			f.rules[i].LastTriggeredAt = &stamp
		}
	}
	return nil
}

type reply struct{ name, text string }

type fakeSender struct {
	mu      sync.Mutex
	replies []reply
	err     error
	delay   time.Duration
}

func (f *fakeSender) Reply(_ context.Context, name, text string) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.replies = append(f.replies, reply{name, text})
	return nil
}

func (f *fakeSender) sent() []reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reply(nil), f.replies...)
}

type fakePublisher struct {
	topic, payload string
}

func (f *fakePublisher) Publish(_ context.Context, topic, payload string) (*mqtt.Receipt, error) {
	f.topic, f.payload = topic, payload
	return &mqtt.Receipt{ReturnCode: 0, MessageID: 7}, nil
}

func rule(id int64, priority int, pattern, response string) store.Rule {
	r := NewRule("rule", MatchContains, pattern, ActionAutoresponse)
	r.ID = id
	r.Priority = priority
	r.ResponseText = response
	return *r
}

func incoming(name, text string) Event {
	return Event{Name: name, Direction: store.DirectionIn, Text: text}
}

func TestEvaluateOrderAndStop(t *testing.T) {
	rules := &fakeRules{rules: []store.Rule{
		rule(3, 5, "hi", "low-b"),
		rule(1, 5, "hi", "low-a"),
		rule(2, 10, "hi", "high"),
	}}
	sender := &fakeSender{}
	e := NewEngine(rules, sender, nil)

	results, err := e.Evaluate(context.Background(), incoming("Bob", "hi there"), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].RuleID)
	assert.Equal(t, []reply{{"Bob", "high"}}, sender.sent())

	for i := range rules.rules {
		rules.rules[i].StopProcessing = false
	}
	results, err = e.Evaluate(context.Background(), incoming("Bob", "hi there"), true)
	require.NoError(t, err)
	var ids []int64
	for _, r := range results {
		ids = append(ids, r.RuleID)
		assert.False(t, r.Action.Executed, "dry run must not execute")
	}
	assert.Equal(t, []int64{2, 1, 3}, ids)
}

func TestEvaluateCooldown(t *testing.T) {
	now := time.Now()
	last := now.Add(-10 * time.Second)
	high := rule(1, 10, "ping", "pong")
	high.CooldownSeconds = 60
	high.LastTriggeredAt = &last
	low := rule(2, 1, "ping", "fallback")

	rules := &fakeRules{rules: []store.Rule{high, low}}
	sender := &fakeSender{}
	e := NewEngine(rules, sender, nil)
	e.now = func() time.Time { return now }

	results, err := e.Evaluate(context.Background(), incoming("Bob", "ping"), false)
	require.NoError(t, err)
	require.Len(t, results, 1, "stop_processing must keep the lower rule from running")
	assert.True(t, results[0].Matched)
	assert.True(t, results[0].Skipped)
	assert.InDelta(t, 50, results[0].Remaining, 1)
	assert.Contains(t, results[0].Reason, "cooldown")
	assert.Empty(t, sender.sent())
	assert.Empty(t, rules.triggered, "a skipped rule is not stamped")

	// Without stop_processing the next rule runs
	rules.rules[0].StopProcessing = false
	results, err = e.Evaluate(context.Background(), incoming("Bob", "ping"), false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Skipped)
	assert.True(t, results[1].Action.Executed)
	assert.Equal(t, []reply{{"Bob", "fallback"}}, sender.sent())

	// Cooldown elapsed
	e.now = func() time.Time { return now.Add(time.Minute) }
	rules.rules[0].StopProcessing = true
	results, err = e.Evaluate(context.Background(), incoming("Bob", "ping"), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Skipped)
	assert.Equal(t, now.Add(time.Minute), rules.triggered[1])
}

func TestEvaluateActionErrorsAreCaptured(t *testing.T) {
	bad := rule(1, 3, "x", "reply")
	bad.StopProcessing = false
	unsupported := rule(2, 2, "x", "")
	unsupported.ActionType = "webhook"
	unsupported.StopProcessing = false
	noBroker := rule(3, 1, "x", "")
	noBroker.ActionType = ActionMQTT
	noBroker.MQTTTopic = "mesh/{name}"

	rules := &fakeRules{rules: []store.Rule{bad, unsupported, noBroker}}
	e := NewEngine(rules, &fakeSender{err: errors.New("radio busy")}, nil)

	results, err := e.Evaluate(context.Background(), incoming("Bob", "x"), false)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "radio busy", results[0].Action.Error)
	assert.Equal(t, "unsupported action", results[1].Action.Error)
	assert.Equal(t, "webhook", results[1].Action.Type)
	assert.NotEmpty(t, results[2].Action.Error)
	assert.Equal(t, "mesh/Bob", results[2].Action.Topic)
	assert.Len(t, rules.triggered, 3, "every attempted action is stamped")
}

func TestEvaluateMQTT(t *testing.T) {
	r := NewRule("temp", MatchRegex, `^temp (\d+)$`, ActionMQTT)
	r.ID = 1
	r.MQTTTopic = "mesh/{name}/temp"
	r.MQTTPayload = `{"c": {1}}`
	pub := &fakePublisher{}
	e := NewEngine(&fakeRules{rules: []store.Rule{*r}}, nil, pub)

	results, err := e.Evaluate(context.Background(), incoming("node7", "TEMP 21"), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	a := results[0].Action
	assert.True(t, a.Executed)
	assert.Equal(t, "mesh/node7/temp", pub.topic)
	assert.Equal(t, `{"c": 21}`, pub.payload)
	require.NotNil(t, a.RC)
	assert.Equal(t, 0, *a.RC)
	assert.Equal(t, 7, *a.MID)
}

func TestEvaluateSkipsDisabledAndOutgoing(t *testing.T) {
	off := rule(1, 1, "hi", "nope")
	off.Enabled = false
	in := rule(2, 0, "hi", "yes")
	e := NewEngine(&fakeRules{rules: []store.Rule{off, in}}, &fakeSender{}, nil)

	results, err := e.Evaluate(context.Background(), Event{Name: "Bob", Direction: store.DirectionOut, Text: "hi"}, true)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = e.Evaluate(context.Background(), incoming("Bob", "hi"), true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].RuleID)
	assert.Equal(t, "yes", results[0].Action.Text)
}

func TestSubscribeRepliesToIncoming(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(&fakeRules{rules: []store.Rule{rule(1, 0, "ping", "pong {name}")}}, sender, nil)
	e.Subscribe()
	defer e.Unsubscribe()

	bus.PublishEventWithSource(chat.TopicMessageReceived, &store.Message{Name: "Ann", Direction: store.DirectionIn, Text: "ping"}, "test")
	bus.PublishEventWithSource(chat.TopicMessageReceived, &store.Message{Name: "Ann", Direction: store.DirectionOut, Text: "ping"}, "test")
	require.True(t, bus.Drain(2*time.Second))

	assert.Equal(t, []reply{{"Ann", "pong Ann"}}, sender.sent())
}

func TestSubscribeHonoursCooldownUnderBurst(t *testing.T) {
	r := rule(1, 0, "ping", "pong")
	r.CooldownSeconds = 60
	rules := &fakeRules{rules: []store.Rule{r}}
	sender := &fakeSender{delay: 50 * time.Millisecond}
	e := NewEngine(rules, sender, nil)
	e.Subscribe()
	defer e.Unsubscribe()

	for i := 0; i < 3; i++ {
		bus.PublishEventWithSource(chat.TopicMessageReceived, &store.Message{Name: "Ann", Direction: store.DirectionIn, Text: "ping"}, "test")
	}
	require.True(t, bus.Drain(3*time.Second))

	assert.Equal(t, []reply{{"Ann", "pong"}}, sender.sent())
}
