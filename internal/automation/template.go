package automation

import "strings"

// Render expands {key} placeholders in tpl from ctx. {N} refers to capture
// group N. Unknown keys render empty. {{ and }} produce literal braces.
func Render(tpl string, ctx Context) string {
	if tpl == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(tpl))
	for i := 0; i < len(tpl); {
		switch {
		case strings.HasPrefix(tpl[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(tpl[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case tpl[i] == '{':
			end := strings.IndexAny(tpl[i+1:], "{}")
			if end == -1 || tpl[i+1+end] != '}' || end == 0 {
				b.WriteByte('{')
				i++
				continue
			}
			b.WriteString(ctx[strings.TrimSpace(tpl[i+1:i+1+end])])
			i += end + 2
		default:
			b.WriteByte(tpl[i])
			i++
		}
	}
	return b.String()
}
