package device

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSON = errors.New("no balanced JSON object or array found")

// ExtractJSON finds a JSON value embedded in noisy CLI output. It tries the
// span from the first '{' to the last '}', then the first '[' to the last ']'.
func ExtractJSON(text string) (any, bool) {
	s := strings.TrimSpace(text)
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		i := strings.IndexByte(s, pair[0])
		j := strings.LastIndexByte(s, pair[1])
		if i == -1 || j <= i {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(s[i:j+1]), &v); err == nil {
			return v, true
		}
	}
	return nil, false
}

// ParseOutput decodes stdout as JSON, salvaging an embedded value once
// when the whole output does not parse.
func ParseOutput(stdout string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &v)
	if err == nil {
		return v, nil
	}
	if salvaged, ok := ExtractJSON(stdout); ok {
		return salvaged, nil
	}
	if strings.TrimSpace(stdout) == "" {
		return nil, errNoJSON
	}
	return nil, err
}
