package automation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roelfdiedericks/meshclaw/internal/store"
)

// ValidateRule checks a rule before it is stored. Regex patterns that do
// not compile are rejected here even though the engine tolerates them.
func ValidateRule(r *store.Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if r.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	switch r.MatchType {
	case MatchEquals, MatchPrefix, MatchContains:
	case MatchRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	default:
		return fmt.Errorf("unknown match type %q", r.MatchType)
	}
	switch r.ActionType {
	case ActionAutoresponse:
		if strings.TrimSpace(r.ResponseText) == "" {
			return fmt.Errorf("response text is required for autoresponse")
		}
	case ActionMQTT:
		if strings.TrimSpace(r.MQTTTopic) == "" {
			return fmt.Errorf("topic is required for mqtt")
		}
	default:
		return fmt.Errorf("unknown action type %q", r.ActionType)
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	return nil
}

// NewRule returns a rule with the usual defaults: enabled, incoming only,
// stops processing after it fires.
func NewRule(name, matchType, pattern, actionType string) *store.Rule {
	return &store.Rule{
		Enabled:        true,
		Name:           name,
		MatchType:      matchType,
		Pattern:        pattern,
		OnlyIncoming:   true,
		ActionType:     actionType,
		StopProcessing: true,
	}
}
