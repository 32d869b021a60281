package cube

import (
	"regexp"
	"strconv"
	"strings"
)

// EventKind tags a classified output line.
type EventKind int

const (
	// EventStage marks a lifecycle line (connection opened, phase change).
	// Lines that match no known pattern are also stages, named "unknown",
	// so output from newer tool versions degrades instead of disappearing.
	EventStage EventKind = iota
	EventProgress
	EventWarning
	EventError
	EventSuccess
)

// Event is one classified line of vendor CLI output.
type Event struct {
	Kind    EventKind
	Percent int    // valid for EventProgress
	Stage   string // phase name for EventStage/EventProgress
	Text    string // the verbatim line
}

// Output patterns observed from STM32CubeProgrammer v2.x. The tool's
// console format is not a stable interface, so everything lives in this
// table and unrecognized lines fall through to Stage("unknown").
var (
	percentRe = regexp.MustCompile(`(\d+)\s*%`)

	successMarkers = []string{
		"Verify OK",
		"Download verified successfully",
		"Mass erase successfully achieved",
	}

	stageMarkers = []struct {
		substr string
		stage  string
	}{
		{"successfully opened", "connect"},
		{"Erasing", "erase"},
		{"erasing", "erase"},
		{"Download in Progress", "program"},
		{"Programming", "program"},
		{"Memory Programming", "program"},
		{"Read progress", "verify"},
		{"Verifying", "verify"},
		{"MCU Reset", "reset"},
		{"Software reset", "reset"},
	}
)

// Classify maps one raw output line to a semantic event. It is a pure
// function; the session layer owns all aggregation.
func Classify(line string) Event {
	trimmed := strings.TrimSpace(line)

	for _, m := range successMarkers {
		if strings.Contains(trimmed, m) {
			return Event{Kind: EventSuccess, Text: trimmed}
		}
	}

	if strings.HasPrefix(trimmed, "Error") || strings.Contains(trimmed, "Error:") {
		return Event{Kind: EventError, Text: trimmed}
	}
	if strings.HasPrefix(trimmed, "Warning") || strings.Contains(trimmed, "Warning:") {
		return Event{Kind: EventWarning, Text: trimmed}
	}

	stage := stageOf(trimmed)

	if m := percentRe.FindStringSubmatch(trimmed); m != nil {
		pct, err := strconv.Atoi(m[1])
		if err != nil {
			// Digits matched but the value does not fit an int.
			return Event{Kind: EventWarning, Text: trimmed}
		}
		if pct > 100 {
			pct = 100
		}
		return Event{Kind: EventProgress, Percent: pct, Stage: stage, Text: trimmed}
	}

	if stage != "unknown" {
		return Event{Kind: EventStage, Stage: stage, Text: trimmed}
	}
	return Event{Kind: EventStage, Stage: "unknown", Text: trimmed}
}

func stageOf(line string) string {
	for _, m := range stageMarkers {
		if strings.Contains(line, m.substr) {
			return m.stage
		}
	}
	return "unknown"
}
