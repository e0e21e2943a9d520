// Package detector classifies the trailing output window of a terminal
// session into a readiness status plus independent signals: usage-limit
// announcements, continuation prompts, and the prompt search area used
// by keyword rules.
//
// All functions here are pure: (text, rule set) in, result out. Session
// state lives in the session registry, never in this package.
package detector

import (
	"regexp"
	"strings"
)

// Status is the readiness classification of one session.
type Status string

const (
	// StatusReady means the session is idle and can accept input.
	StatusReady Status = "ready"
	// StatusRunning means the session is actively producing work output.
	StatusRunning Status = "running"
	// StatusPrompting means the session is showing an interactive prompt.
	StatusPrompting Status = "prompting"
)

var (
	// Busy/running detection.
	// Example: "✻ Reading files... (esc to interrupt)"
	// Example: "* Compacting… (ctrl+c to interrupt)"
	busyTaskPattern = regexp.MustCompile(
		`[…\.]{2,}\s*\((esc|ctrl\+c)\s+to\s+interrupt`,
	)

	// Generic busy marker without the task prefix.
	busyHintPattern = regexp.MustCompile(`(?i)\((esc|ctrl\+c)\s+to\s+interrupt\)`)

	// Prompt detection.
	doYouWantPattern     = regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+`)
	enterToSelectPattern = regexp.MustCompile(`(?i)enter\s+to\s+(select|confirm)`)
	selectionArrowLine   = regexp.MustCompile(`(?m)^\s*[❯>]\s*\d+\.`)
	yesNoPattern         = regexp.MustCompile(`(?i)\[y/n\]|\(y/n\)`)
	trailingQuestion     = regexp.MustCompile(`\?\s*$`)

	// Usage-limit announcement.
	// Example: "Claude usage limit reached. Your limit will reset at 3pm"
	usageLimitPattern = regexp.MustCompile(
		`(?i)usage\s+limit\s+reached[^\n]*?\breset(?:s)?\s+at\s+(\d{1,2})\s*(am|pm)`,
	)

	// Continuation prompt inside the prompt area.
	continuationPattern = regexp.MustCompile(
		`(?i)do\s+you\s+want\s+to\s+(proceed|continue|make\s+this\s+edit|create|run)`,
	)
)

// promptBoxMarker is the top-left corner of the rounded prompt box the
// target program draws around interactive questions. The search area for
// keyword rules starts at its last occurrence.
const promptBoxMarker = "╭"

// promptAreaSafetyPhrase gates the tail fallback when no box marker is
// visible in the window. Without it a bare tail slice would match rules
// against ordinary scrollback.
const promptAreaSafetyPhrase = "do you want"

// DefaultPromptAreaFallback bounds the tail slice used when no prompt
// box marker is found.
const DefaultPromptAreaFallback = 1000

// UsageLimitSignal is a parsed usage-limit announcement.
type UsageLimitSignal struct {
	Hour     int    // 1..12 as printed
	Meridiem string // "am" or "pm", lowercase
}

// Signals is the full classification of one output window.
type Signals struct {
	Status             Status
	PromptArea         string
	ContinuationPrompt bool
	UsageLimit         *UsageLimitSignal
}

// Detector classifies session output windows. It is stateless and safe
// for concurrent use.
type Detector struct {
	promptAreaFallback int
}

// New creates a detector with the default prompt-area fallback size.
func New() *Detector {
	return NewWithFallback(DefaultPromptAreaFallback)
}

// NewWithFallback creates a detector with an explicit tail fallback size
// for the prompt search area.
func NewWithFallback(fallback int) *Detector {
	if fallback <= 0 {
		fallback = DefaultPromptAreaFallback
	}
	return &Detector{promptAreaFallback: fallback}
}

// Analyze runs every classifier over one output window.
func (d *Detector) Analyze(window string) Signals {
	area, hasArea := d.PromptArea(window)
	sig := Signals{
		Status:     d.Classify(window),
		PromptArea: area,
	}
	if hasArea && continuationPattern.MatchString(area) {
		sig.ContinuationPrompt = true
	}
	if ul, ok := ParseUsageLimit(window); ok {
		sig.UsageLimit = &ul
	}
	return sig
}

// Classify returns the readiness status for one output window. Busy
// markers win over prompt patterns; an empty window is ready.
func (d *Detector) Classify(window string) Status {
	if window == "" {
		return StatusReady
	}
	if busyTaskPattern.MatchString(window) || busyHintPattern.MatchString(window) {
		return StatusRunning
	}
	if d.isPrompting(window) {
		return StatusPrompting
	}
	return StatusReady
}

func (d *Detector) isPrompting(window string) bool {
	if doYouWantPattern.MatchString(window) {
		return true
	}
	if enterToSelectPattern.MatchString(window) {
		return true
	}
	if selectionArrowLine.MatchString(window) {
		return true
	}
	if yesNoPattern.MatchString(window) {
		return true
	}
	trimmed := strings.TrimRight(window, " \t\r\n")
	return trailingQuestion.MatchString(trimmed)
}

// PromptArea extracts the search area for keyword rules: the text from
// the last prompt-box marker to the end of the window. When no marker
// is present it falls back to the trailing slice, but only if a known
// prompt phrase appears there. The second return is false when no
// plausible prompt area exists.
func (d *Detector) PromptArea(window string) (string, bool) {
	if idx := strings.LastIndex(window, promptBoxMarker); idx >= 0 {
		return window[idx:], true
	}
	tail := window
	if runes := []rune(tail); len(runes) > d.promptAreaFallback {
		tail = string(runes[len(runes)-d.promptAreaFallback:])
	}
	if strings.Contains(strings.ToLower(tail), promptAreaSafetyPhrase) {
		return tail, true
	}
	return "", false
}

// ParseUsageLimit matches the usage-limit announcement in the window
// and extracts the printed reset hour and meridiem. Returns false when
// the window contains no announcement or the hour is out of range.
func ParseUsageLimit(window string) (UsageLimitSignal, bool) {
	m := usageLimitPattern.FindStringSubmatch(window)
	if m == nil {
		return UsageLimitSignal{}, false
	}
	hour := 0
	for _, c := range m[1] {
		hour = hour*10 + int(c-'0')
	}
	if hour < 1 || hour > 12 {
		return UsageLimitSignal{}, false
	}
	return UsageLimitSignal{Hour: hour, Meridiem: strings.ToLower(m[2])}, true
}
