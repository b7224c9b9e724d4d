package payload

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// DefaultContactsQuery flattens the shapes the `contacts` command returns:
// a list; a contacts/items/data key holding a list or a map of objects; a
// top-level map of objects (keyed by public key); otherwise one object.
const DefaultContactsQuery = `
def objmap: type == "object" and length > 0 and all(.[]; type == "object");
if type == "array" then .
elif type == "object" then
  . as $root
  | first(
      (("contacts", "items", "data") as $k
        | $root[$k]
        | if type == "array" then . elif objmap then [.[]] else empty end),
      (if ($root | objmap) then [$root[]] else empty end),
      [$root]
    )
else [.]
end
`

// ErrNoContacts is returned when plain-text output yields no contact lines.
var ErrNoContacts = errors.New("could not parse contacts output")

// ContactNormalizer turns a raw contacts reply into a list of objects
// using a compiled jq program.
type ContactNormalizer struct {
	code *gojq.Code
}

// NewContactNormalizer compiles query, or DefaultContactsQuery when empty.
func NewContactNormalizer(query string) (*ContactNormalizer, error) {
	if strings.TrimSpace(query) == "" {
		query = DefaultContactsQuery
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse contacts query: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile contacts query: %w", err)
	}
	return &ContactNormalizer{code: code}, nil
}

// Normalize runs the program over data. Every array the program emits is
// flattened; non-object elements are dropped.
func (n *ContactNormalizer) Normalize(data any) ([]Map, error) {
	var out []Map
	iter := n.code.Run(data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("contacts query: %w", err)
		}
		out = append(out, Objects(v)...)
	}
	return out, nil
}

var (
	ansiRe      = regexp.MustCompile(`\x1B\[[0-?]*[ -/]*[@-~]`)
	publicKeyRe = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)
	rssiRe      = regexp.MustCompile(`(?i)RSSI\s*[:=]\s*(-?\d+)`)
	snrRe       = regexp.MustCompile(`(?i)SNR\s*[:=]\s*(-?\d+(?:\.\d+)?)`)
)

// bannerLine reports CLI chatter that is never a contact.
func bannerLine(low string) bool {
	return strings.HasPrefix(low, "info:meshcore:") ||
		strings.HasPrefix(low, "warning:") ||
		strings.Contains(low, "interactive mode") ||
		strings.Contains(low, `use "to"`) ||
		strings.Contains(low, "line starting with")
}

// ParseContactsText parses plain `contacts` output, one contact per line.
// A 64-hex public key, RSSI and SNR are picked out when present; the rest
// of the line is the name.
func ParseContactsText(raw string) ([]Map, error) {
	raw = ansiRe.ReplaceAllString(raw, "")
	raw = strings.ReplaceAll(raw, "\r", "")

	var items []Map
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "🭨") {
			continue
		}
		low := strings.ToLower(line)
		if bannerLine(low) || low == "contacts" {
			continue
		}

		publicKey := publicKeyRe.FindString(line)
		namePart := line
		if publicKey != "" {
			namePart = strings.TrimSpace(strings.ReplaceAll(namePart, publicKey, ""))
		}
		name := strings.Trim(namePart, "-:| ")
		if name == "" {
			name = publicKey
		}
		if name == "" {
			continue
		}

		item := Map{"name": name}
		if publicKey != "" {
			item["public_key"] = publicKey
		}
		if m := rssiRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				item["rssi"] = float64(v)
			}
		}
		if m := snrRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				item["snr"] = v
			}
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, ErrNoContacts
	}
	return items, nil
}

// QueryName picks the name used to address a contact in CLI commands,
// preferring human-readable fields over the public key.
func QueryName(m Map) string {
	return FirstString(m, "name", "adv_name", "display_name", "label", "public_key")
}
