package automation

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/roelfdiedericks/meshclaw/internal/store"
)

// Match types
const (
	MatchEquals   = "equals"
	MatchPrefix   = "prefix"
	MatchContains = "contains"
	MatchRegex    = "regex"
)

// Event is a chat message offered to the rules.
type Event struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key,omitempty"`
	Direction string `json:"direction"`
	Text      string `json:"text"`
}

// EventFromMessage converts a stored message.
func EventFromMessage(m *store.Message) Event {
	return Event{
		Name:      m.Name,
		PublicKey: m.PublicKey,
		Direction: m.Direction,
		Text:      m.Text,
	}
}

// Context holds the values a template can reference: name, public_key,
// text, direction and numbered capture groups ("0", "1", ...).
type Context map[string]string

// MatchRule tests ev against rule. Returns the template context and
// whether the rule matched. The enabled flag is not checked here.
func MatchRule(rule *store.Rule, ev Event) (Context, bool) {
	if rule.OnlyIncoming && ev.Direction != store.DirectionIn {
		return nil, false
	}
	if rule.FromName != "" && !sameFold(ev.Name, rule.FromName) {
		return nil, false
	}
	if rule.FromPublicKey != "" && !sameFold(ev.PublicKey, rule.FromPublicKey) {
		return nil, false
	}

	text, pattern := ev.Text, rule.Pattern
	if !rule.CaseSensitive {
		text, pattern = strings.ToLower(text), strings.ToLower(pattern)
	}

	ctx := Context{
		"name":       ev.Name,
		"public_key": ev.PublicKey,
		"text":       ev.Text,
		"direction":  ev.Direction,
		"0":          ev.Text,
	}

	switch rule.MatchType {
	case MatchEquals:
		if text != pattern {
			return nil, false
		}
	case MatchPrefix:
		if !strings.HasPrefix(text, pattern) {
			return nil, false
		}
		rest := strings.TrimLeftFunc(dropRunes(ev.Text, utf8.RuneCountInString(pattern)), unicode.IsSpace)
		ctx["0"] = rest
		ctx["1"] = rest
	case MatchContains:
		if !strings.Contains(text, pattern) {
			return nil, false
		}
	case MatchRegex:
		groups, ok := regexGroups(rule.Pattern, ev.Text, rule.CaseSensitive)
		if !ok {
			return nil, false
		}
		for i, g := range groups {
			ctx[strconv.Itoa(i+1)] = g
		}
	default:
		return nil, false
	}
	return ctx, true
}

// regexGroups searches s for pattern and returns its capture groups, with
// unmatched groups as "". An invalid pattern never matches.
func regexGroups(pattern, s string, caseSensitive bool) ([]string, bool) {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return m[1:], true
}

func sameFold(a, b string) bool {
	return strings.ToLower(strings.TrimSpace(a)) == strings.ToLower(strings.TrimSpace(b))
}

// dropRunes removes the first n runes of s.
func dropRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[i:]
		}
		n--
	}
	return ""
}
