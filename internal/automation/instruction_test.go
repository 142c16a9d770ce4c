package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstruction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Instruction
	}{
		{"open", "open https://example.com", Instruction{Action: ActionOpen, Target: "https://example.com"}},
		{"goto alias without scheme", "goto example.com/path", Instruction{Action: ActionOpen, Target: "https://example.com/path"}},
		{"navigate upper case", "NAVIGATE http://example.com", Instruction{Action: ActionOpen, Target: "http://example.com"}},
		{"click", "click button.submit", Instruction{Action: ActionClick, Target: "button.submit"}},
		{"click compound selector", "click form #login > button", Instruction{Action: ActionClick, Target: "form #login > button"}},
		{"type", "type #q hello world", Instruction{Action: ActionType, Target: "#q", Text: "hello world"}},
		{"type quoted selector", `type "input[name=q] " go rod`, Instruction{Action: ActionType, Target: "input[name=q] ", Text: "go rod"}},
		{"wait", "wait #results", Instruction{Action: ActionWait, Target: "#results"}},
		{"text of page", "text", Instruction{Action: ActionText}},
		{"text of element", "text h1", Instruction{Action: ActionText, Target: "h1"}},
		{"title", "  title  ", Instruction{Action: ActionTitle}},
		{"screenshot", "screenshot", Instruction{Action: ActionScreenshot}},
		{"eval", "eval () => document.title", Instruction{Action: ActionEval, Target: "() => document.title"}},
		{"back", "back", Instruction{Action: ActionBack}},
		{"refresh alias", "refresh", Instruction{Action: ActionReload}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInstruction(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInstructionErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		errMsg string
	}{
		{"empty", "   ", "empty"},
		{"unknown verb", "dance now", "unknown automation action"},
		{"open without url", "open", "requires a url"},
		{"file scheme", "open file:///etc/passwd", "scheme"},
		{"javascript scheme", "open javascript://alert(1)", "scheme"},
		{"click without selector", "click", "requires a selector"},
		{"type without text", "type #q", "requires text"},
		{"unterminated quote", `type "#q hello`, "unterminated"},
		{"eval without script", "eval", "requires a script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInstruction(tt.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
