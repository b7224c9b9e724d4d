// Package chat pulls human chat fragments out of the device CLI's mixed
// output stream and records them as messages.
package chat

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// PromptGlyph ends the CLI prompt ("node🭨") and bounds chat text.
	PromptGlyph = "🭨"

	maxNameRunes      = 64
	fallbackNameRunes = 16
)

var (
	delimiterRe = regexp.MustCompile(`\(D\):\s*`)
	tailNameRe  = regexp.MustCompile(`([A-Za-z0-9 _\-]{1,64})\s*$`)
)

// Fragment is one chat message found in raw text. Offsets are byte
// offsets into the input.
type Fragment struct {
	Name      string
	Text      string
	NameStart int
	TextStart int
	TextEnd   int
}

// HasDelimiter reports whether raw could contain a chat fragment.
func HasDelimiter(raw string) bool {
	return strings.Contains(raw, "(D):")
}

// Extract finds chat fragments of the form "Name (D): text" in raw.
// Several fragments may share one chunk, concatenated without separators,
// and prompts ("node🭨") may be interleaved. knownNames disambiguate where
// a sender name starts; the longest matching name wins.
//
// Attribution is best effort. Ambiguous input yields fewer fragments,
// never an error.
func Extract(raw string, knownNames []string) []Fragment {
	delims := delimiterRe.FindAllStringIndex(raw, -1)
	if len(delims) == 0 {
		return nil
	}

	names := sortedNames(knownNames)
	promptPositions := glyphPositions(raw)
	promptNames := findPromptNames(raw, promptPositions)

	type part struct {
		name      string
		nameStart int
		textStart int
	}
	parts := make([]part, 0, len(delims))

	for i, d := range delims {
		nameEnd := d[0]
		for nameEnd > 0 {
			r, size := utf8.DecodeLastRuneInString(raw[:nameEnd])
			if !unicode.IsSpace(r) {
				break
			}
			nameEnd -= size
		}

		leftBound := 0
		if i > 0 {
			leftBound = delims[i-1][1]
		}
		for _, p := range promptPositions {
			if p < nameEnd && p+len(PromptGlyph) > leftBound {
				leftBound = p + len(PromptGlyph)
			}
		}
		if leftBound > nameEnd {
			leftBound = nameEnd
		}

		name, nameStart := senderName(strings.TrimRightFunc(raw[leftBound:nameEnd], unicode.IsSpace), nameEnd, names)
		parts = append(parts, part{name: name, nameStart: nameStart, textStart: d[1]})
	}

	var out []Fragment
	for i, p := range parts {
		name := strings.TrimSpace(p.name)
		if name == "" {
			continue
		}

		textEnd := len(raw)
		if i+1 < len(parts) && parts[i+1].nameStart < textEnd {
			textEnd = parts[i+1].nameStart
		}
		if sep := strings.Index(raw[p.textStart:], PromptGlyph); sep != -1 && p.textStart+sep < textEnd {
			textEnd = p.textStart + sep
		}
		if textEnd < p.textStart {
			continue
		}

		text := strings.TrimSpace(raw[p.textStart:textEnd])
		for _, pn := range promptNames {
			if strings.HasSuffix(text, pn) {
				text = strings.TrimRightFunc(strings.TrimSuffix(text, pn), unicode.IsSpace)
				break
			}
		}
		if text == "" {
			continue
		}

		out = append(out, Fragment{
			Name:      name,
			Text:      text,
			NameStart: p.nameStart,
			TextStart: p.textStart,
			TextEnd:   textEnd,
		})
	}
	return out
}

// senderName picks the name at the end of window, which ends at byte
// offset nameEnd in the input. Returns the name and its start offset.
func senderName(window string, nameEnd int, knownNames []string) (string, int) {
	for _, kn := range knownNames {
		if strings.HasSuffix(window, kn) {
			return kn, nameEnd - len(kn)
		}
	}

	if m := tailNameRe.FindStringSubmatch(lastRunes(window, maxNameRunes)); m != nil {
		if cand := strings.TrimSpace(m[1]); cand != "" {
			return cand, nameEnd - len(cand)
		}
	}

	cand := strings.TrimSpace(lastRunes(window, fallbackNameRunes))
	return cand, nameEnd - len(cand)
}

// sortedNames dedupes names and orders them longest first.
func sortedNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return utf8.RuneCountInString(out[i]) > utf8.RuneCountInString(out[j])
	})
	return out
}

func glyphPositions(raw string) []int {
	var positions []int
	offset := 0
	for {
		i := strings.Index(raw[offset:], PromptGlyph)
		if i == -1 {
			return positions
		}
		positions = append(positions, offset+i)
		offset += i + len(PromptGlyph)
	}
}

// findPromptNames returns the node names shown in prompts ("node🭨"), in
// order of appearance. A name starts with a letter or digit, continues
// with letters, digits, '_' or '-', is at most 64 characters, and is not
// preceded by a word character.
func findPromptNames(raw string, glyphs []int) []string {
	var names []string
	for _, g := range glyphs {
		runStart := g
		for runStart > 0 && isPromptNameByte(raw[runStart-1]) {
			runStart--
		}
		for start := runStart; start < g; start++ {
			if g-start > maxNameRunes || !isAlnumByte(raw[start]) {
				continue
			}
			if start > 0 {
				prev, _ := utf8.DecodeLastRuneInString(raw[:start])
				if isWordRune(prev) {
					continue
				}
			}
			names = append(names, raw[start:g])
			break
		}
	}
	return names
}

func isAlnumByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isPromptNameByte(b byte) bool {
	return isAlnumByte(b) || b == '_' || b == '-'
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// lastRunes returns the final n runes of s.
func lastRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := len(s)
	for count := 0; count < n; count++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}
