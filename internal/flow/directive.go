package flow

import (
	"log/slog"
	"strings"
	"unicode"
)

// Directive is the next action chosen for a user turn.
type Directive int

const (
	DirectiveRespond Directive = iota
	DirectiveAskSatisfaction
	DirectiveFollowStep
)

func (d Directive) String() string {
	switch d {
	case DirectiveAskSatisfaction:
		return "ASK_SATISFACTION"
	case DirectiveFollowStep:
		return "FOLLOW_STEP"
	default:
		return "RESPOND"
	}
}

// ParseDirective decodes the model's answer to decideOnNextAction. Surrounding
// whitespace, quotes, backticks and punctuation are ignored; any other text is
// treated as DirectiveRespond.
func ParseDirective(text string) Directive {
	token := strings.ToUpper(strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || r == '`'
	}))
	switch token {
	case "RESPOND":
		return DirectiveRespond
	case "ASK_SATISFACTION":
		return DirectiveAskSatisfaction
	case "FOLLOW_STEP":
		return DirectiveFollowStep
	}
	slog.Warn("ParseDirective: unrecognized directive, defaulting to RESPOND", "raw", text)
	return DirectiveRespond
}
