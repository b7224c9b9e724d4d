package device

import (
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
		isList bool
	}{
		{"plain object", `{"a": 1}`, true, false},
		{"object with banner", "INFO:meshcore:connected\n{\"a\": 1}\nnode🭨", true, false},
		{"chat before and after", "Bob (D): hi\n{\"a\": {\"b\": 2}}\nAlice (D): yo\n", true, false},
		{"array", "[1, 2]", true, true},
		{"array in noise", "noise [\"x\"] more", true, true},
		{"unbalanced", `{"a": `, false, false},
		{"no json", "hello world", false, false},
		{"empty", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := ExtractJSON(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v (value %#v)", ok, tt.wantOK, v)
			}
			if !ok {
				return
			}
			_, isList := v.([]any)
			if isList != tt.isList {
				t.Errorf("list: got %v, want %v", isList, tt.isList)
			}
		})
	}
}

func TestParseOutputSalvage(t *testing.T) {
	v, err := ParseOutput("warning: slow link\n{\"name\": \"node\"}\n")
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if m, ok := v.(map[string]any); !ok || m["name"] != "node" {
		t.Errorf("unexpected value: %#v", v)
	}

	if _, err := ParseOutput("nothing here"); err == nil {
		t.Error("expected error for output without JSON")
	}
	if _, err := ParseOutput("   "); err == nil {
		t.Error("expected error for empty output")
	}
}

func TestIsPromptLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"JOST_DEV🭨", true},
		{"  JOST_DEV🭨  ", true},
		{"JOST_DEV🭨contacts", false},
		{"JOST_DEV🭨infos", false},
		{"Bob (D): hi", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPromptLine(tt.line); got != tt.want {
			t.Errorf("IsPromptLine(%q): got %v, want %v", tt.line, got, tt.want)
		}
	}
}
