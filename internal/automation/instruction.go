// Package automation turns free-form agent instructions into browser actions
// over a session's control channel.
package automation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Action is the verb of an instruction
type Action string

const (
	ActionOpen       Action = "open"
	ActionClick      Action = "click"
	ActionType       Action = "type"
	ActionWait       Action = "wait"
	ActionText       Action = "text"
	ActionTitle      Action = "title"
	ActionScreenshot Action = "screenshot"
	ActionEval       Action = "eval"
	ActionBack       Action = "back"
	ActionReload     Action = "reload"
)

// ErrUnknownAction is returned for instructions whose verb isn't supported
var ErrUnknownAction = errors.New("unknown automation action")

var aliases = map[string]Action{
	"open":       ActionOpen,
	"goto":       ActionOpen,
	"navigate":   ActionOpen,
	"visit":      ActionOpen,
	"click":      ActionClick,
	"type":       ActionType,
	"fill":       ActionType,
	"wait":       ActionWait,
	"text":       ActionText,
	"title":      ActionTitle,
	"screenshot": ActionScreenshot,
	"eval":       ActionEval,
	"evaluate":   ActionEval,
	"back":       ActionBack,
	"reload":     ActionReload,
	"refresh":    ActionReload,
}

// Instruction is a parsed command
type Instruction struct {
	Action Action
	// Target is a URL for open, JavaScript for eval, and a CSS selector otherwise
	Target string
	Text   string
}

// ParseInstruction parses "<verb> [target] [text]". Selectors containing
// spaces may be double quoted in type instructions.
func ParseInstruction(raw string) (Instruction, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Instruction{}, fmt.Errorf("empty instruction")
	}

	verb, rest, _ := strings.Cut(raw, " ")
	rest = strings.TrimSpace(rest)

	action, ok := aliases[strings.ToLower(verb)]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %q", ErrUnknownAction, verb)
	}
	ins := Instruction{Action: action}

	switch action {
	case ActionOpen:
		u, err := normalizeURL(rest)
		if err != nil {
			return Instruction{}, err
		}
		ins.Target = u

	case ActionClick, ActionWait:
		if rest == "" {
			return Instruction{}, fmt.Errorf("%s requires a selector", action)
		}
		ins.Target = rest

	case ActionType:
		selector, text, err := splitSelector(rest)
		if err != nil {
			return Instruction{}, err
		}
		if text == "" {
			return Instruction{}, fmt.Errorf("type requires text after the selector")
		}
		ins.Target, ins.Text = selector, text

	case ActionEval:
		if rest == "" {
			return Instruction{}, fmt.Errorf("eval requires a script")
		}
		ins.Target = rest

	case ActionText:
		ins.Target = rest
	}
	return ins, nil
}

func splitSelector(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("type requires a selector")
	}
	if strings.HasPrefix(s, `"`) {
		end := strings.Index(s[1:], `"`)
		if end < 0 {
			return "", "", fmt.Errorf("unterminated quoted selector")
		}
		return s[1 : end+1], strings.TrimSpace(s[end+2:]), nil
	}
	selector, text, _ := strings.Cut(s, " ")
	return selector, strings.TrimSpace(text), nil
}

// normalizeURL defaults to https and only allows web schemes
func normalizeURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("open requires a url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("blocked url scheme %q: only http and https are allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid url: empty hostname")
	}
	return u.String(), nil
}
