package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/meshclaw/internal/store"
)

func TestMatchRule(t *testing.T) {
	tests := []struct {
		name      string
		matchType string
		pattern   string
		text      string
		caseSens  bool
		want      bool
		groups    map[string]string
	}{
		{"equals", MatchEquals, "Status", "status", false, true, nil},
		{"equals case sensitive", MatchEquals, "Status", "status", true, false, nil},
		{"prefix remainder", MatchPrefix, "ping", "ping pong", false, true, map[string]string{"0": "pong", "1": "pong"}},
		{"prefix keeps case of remainder", MatchPrefix, "PING", "ping Pong", false, true, map[string]string{"0": "Pong"}},
		{"prefix miss", MatchPrefix, "ping", "a ping", false, false, nil},
		{"contains", MatchContains, "HELP", "please help me", false, true, map[string]string{"0": "please help me"}},
		{"regex groups", MatchRegex, `^temp (\d+)$`, "temp 42", false, true, map[string]string{"1": "42"}},
		{"regex ignore case", MatchRegex, `^temp (\d+)$`, "TEMP 42", false, true, map[string]string{"1": "42"}},
		{"regex case sensitive", MatchRegex, `^temp`, "TEMP 42", true, false, nil},
		{"regex unmatched group empty", MatchRegex, `^a(x)?(b)`, "ab", false, true, map[string]string{"1": "", "2": "b"}},
		{"regex invalid never matches", MatchRegex, `(`, "(", false, false, nil},
		{"unknown type", "glob", "*", "x", false, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &store.Rule{MatchType: tt.matchType, Pattern: tt.pattern, CaseSensitive: tt.caseSens}
			ctx, ok := MatchRule(r, Event{Name: "Bob", Direction: store.DirectionIn, Text: tt.text})
			require.Equal(t, tt.want, ok)
			if !ok {
				return
			}
			assert.Equal(t, "Bob", ctx["name"])
			assert.Equal(t, tt.text, ctx["text"])
			for k, v := range tt.groups {
				assert.Equal(t, v, ctx[k], "group %s", k)
			}
		})
	}
}

func TestRegexGroups(t *testing.T) {
	groups, ok := regexGroups(`^(\w+) (\d+)?`, "Temp ", false)
	require.True(t, ok)
	assert.Equal(t, []string{"Temp", ""}, groups)

	_, ok = regexGroups(`[`, "[", false)
	assert.False(t, ok)
}

func TestMatchRuleFilters(t *testing.T) {
	r := &store.Rule{MatchType: MatchContains, Pattern: "x", FromName: " bob ", FromPublicKey: "ABCD", OnlyIncoming: true}

	_, ok := MatchRule(r, Event{Name: "Bob", PublicKey: "abcd", Direction: store.DirectionIn, Text: "x"})
	assert.True(t, ok)

	_, ok = MatchRule(r, Event{Name: "Bobby", PublicKey: "abcd", Direction: store.DirectionIn, Text: "x"})
	assert.False(t, ok)

	_, ok = MatchRule(r, Event{Name: "Bob", PublicKey: "ffff", Direction: store.DirectionIn, Text: "x"})
	assert.False(t, ok)

	_, ok = MatchRule(r, Event{Name: "Bob", PublicKey: "abcd", Direction: store.DirectionOut, Text: "x"})
	assert.False(t, ok)
}

func TestRender(t *testing.T) {
	ctx := Context{"name": "Bob", "0": "hi", "1": "42"}
	tests := []struct {
		tpl  string
		want string
	}{
		{"{name} said {0}", "Bob said hi"},
		{"{{literal}}", "{literal}"},
		{"{1}C", "42C"},
		{"{missing}!", "!"},
		{"{ name }", "Bob"},
		{"open { brace", "open { brace"},
		{"{}", "{}"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Render(tt.tpl, ctx), "template %q", tt.tpl)
	}
}

func TestValidateRule(t *testing.T) {
	good := NewRule("greet", MatchPrefix, "hello", ActionAutoresponse)
	good.ResponseText = "hi {name}"
	require.NoError(t, ValidateRule(good))

	bad := *good
	bad.MatchType = MatchRegex
	bad.Pattern = "("
	assert.Error(t, ValidateRule(&bad))

	bad = *good
	bad.ActionType = ActionMQTT
	assert.Error(t, ValidateRule(&bad), "mqtt needs a topic")

	bad = *good
	bad.CooldownSeconds = -1
	assert.Error(t, ValidateRule(&bad))

	bad = *good
	bad.Name = " "
	assert.Error(t, ValidateRule(&bad))
}
