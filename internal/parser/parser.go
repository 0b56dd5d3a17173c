// File: internal/parser/parser.go

// Package parser extracts executable pyautogui actions from free-text model
// replies. Models reliably wrap intended code in markdown fences but are
// inconsistent about language tags and sometimes emit a terminal directive
// inside a fence meant for code, so extraction is a priority-ordered cascade
// of independent matchers rather than a single grammar. Parsing is total: on
// unrecognizable input it degrades to a FAIL directive instead of erroring,
// because a parse failure must never crash the control loop.
package parser

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/regal-1/osworld-gpt4o-mini-evaluation/api/schemas"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// fencedDirectiveRegex matches a terminal directive wrapped in a fence,
	// e.g. ```DONE```.
	fencedDirectiveRegex = regexp.MustCompile("(?i)\x60\x60\x60\\s*(WAIT|DONE|FAIL)\\s*\x60\x60\x60")
	// pythonBlockRegex extracts the first explicitly python-tagged code block.
	pythonBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60python\\s*(.*?)\\s*\x60\x60\x60")
	// genericBlockRegex extracts the first code block regardless of tag.
	genericBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60\\s*(.*?)\\s*\x60\x60\x60")
)

// actionMarker identifies raw, unfenced replies that are still plainly
// automation code.
const actionMarker = "pyautogui"

// A matcher inspects the trimmed reply and either claims it, returning the
// definitive action list, or passes (ok == false). Matchers never error.
type matcher func(input string) (actions []string, ok bool)

// Parser turns raw model text into a non-empty action list.
type Parser struct {
	logger   *zap.Logger
	matchers []matcher
}

// New creates a Parser logging diagnostics to the given logger.
func New(logger *zap.Logger) *Parser {
	p := &Parser{logger: logger.Named("parser")}
	// First match wins; order is the precedence contract.
	p.matchers = []matcher{
		matchFencedDirective,
		matchBareDirective,
		matchPythonBlock,
		matchGenericBlock,
		matchRawAction,
	}
	return p
}

// Parse extracts the action list from a model reply. The result always has
// exactly one element: a pyautogui script fragment or one of WAIT/DONE/FAIL.
// A multi-statement fragment is still a single action; splitting it into
// sub-steps is the execution layer's business.
func (p *Parser) Parse(raw string) []string {
	input := strings.TrimSpace(raw)

	for _, m := range p.matchers {
		if actions, ok := m(input); ok {
			return actions
		}
	}

	p.logger.Warn("Could not parse action from model response",
		zap.String("response", truncate(input, 200)))
	return []string{schemas.ActionFail}
}

// matchFencedDirective claims replies containing a fenced WAIT/DONE/FAIL
// token anywhere in the text.
func matchFencedDirective(input string) ([]string, bool) {
	m := fencedDirectiveRegex.FindStringSubmatch(input)
	if m == nil {
		return nil, false
	}
	return []string{strings.ToUpper(m[1])}, true
}

// matchBareDirective claims replies that are exactly one terminal token.
func matchBareDirective(input string) ([]string, bool) {
	directive, ok := schemas.AsTerminal(input)
	if !ok {
		return nil, false
	}
	return []string{directive}, true
}

// matchPythonBlock claims replies carrying a ```python fenced block.
func matchPythonBlock(input string) ([]string, bool) {
	m := pythonBlockRegex.FindStringSubmatch(input)
	if m == nil {
		return nil, false
	}
	return normalizeCode(strings.TrimSpace(m[1])), true
}

// matchGenericBlock claims replies carrying an untagged fenced block. A bare
// "python" tag on the first line is a formatting slip, not code, and is
// stripped before normalization.
func matchGenericBlock(input string) ([]string, bool) {
	m := genericBlockRegex.FindStringSubmatch(input)
	if m == nil {
		return nil, false
	}
	code := strings.TrimSpace(m[1])

	if directive, ok := schemas.AsTerminal(code); ok {
		return []string{directive}, true
	}

	if first, rest, found := strings.Cut(code, "\n"); found && strings.EqualFold(strings.TrimSpace(first), "python") {
		code = strings.TrimSpace(rest)
	} else if !found && strings.EqualFold(strings.TrimSpace(code), "python") {
		code = ""
	}

	return normalizeCode(code), true
}

// matchRawAction claims unfenced replies that mention the automation library
// by name, treating the whole reply as code.
func matchRawAction(input string) ([]string, bool) {
	if !strings.Contains(strings.ToLower(input), actionMarker) {
		return nil, false
	}
	return []string{input}, true
}

// normalizeCode applies the shared degenerate-block rules: a block whose
// trailing content is a terminal word collapses to that directive, and an
// empty block is a failure signal.
func normalizeCode(code string) []string {
	upper := strings.ToUpper(code)
	switch {
	case strings.HasSuffix(upper, schemas.ActionWait):
		return []string{schemas.ActionWait}
	case strings.HasSuffix(upper, schemas.ActionDone):
		return []string{schemas.ActionDone}
	case strings.HasSuffix(upper, schemas.ActionFail):
		return []string{schemas.ActionFail}
	case code == "":
		return []string{schemas.ActionFail}
	}
	return []string{code}
}

// truncate shortens a string for log output.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
