package metacognitive

import "strings"

// StopReason names the signal that produced a stop verdict.
type StopReason string

// Stop reasons.
const (
	ReasonNone               StopReason = "none"
	ReasonShouldStop         StopReason = "should_stop"
	ReasonObjectiveCompleted StopReason = "objective_completed"
	ReasonConfidence         StopReason = "confidence"
	ReasonLoop               StopReason = "loop"
	ReasonLexicalYes         StopReason = "lexical_yes"
	ReasonGatewayFailure     StopReason = "gateway_failure"
	ReasonUnparsed           StopReason = "unparsed"
)

// Verdict is the outcome of a stop evaluation.
type Verdict struct {
	Stop   bool
	Reason StopReason
	// Decision is nil when the gateway failed or the reply did not
	// parse.
	Decision *StopDecision
	// Raw is the reply text, empty on gateway failure.
	Raw string
}

// Policy holds the stop thresholds. The zero value is not useful; start
// from [DefaultPolicy].
type Policy struct {
	// ConfidenceAbove stops when confidence is strictly greater.
	ConfidenceAbove float64
	// SeverityAbove stops a detected loop when severity is strictly
	// greater.
	SeverityAbove int
	// CountAbove stops a detected loop when loop_count is strictly
	// greater.
	CountAbove int
	// CombinedSeverity and CombinedCount stop a detected loop when both
	// are met or exceeded.
	CombinedSeverity int
	CombinedCount    int
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceAbove:  0.8,
		SeverityAbove:    2,
		CountAbove:       3,
		CombinedSeverity: 2,
		CombinedCount:    2,
	}
}

// Evaluate applies the policy to d. Explicit signals (should_stop,
// objective_completed, confidence) are checked before loop data.
func (p Policy) Evaluate(d *StopDecision) (bool, StopReason) {
	if d == nil {
		return false, ReasonNone
	}
	switch {
	case d.ShouldStop:
		return true, ReasonShouldStop
	case d.ObjectiveCompleted:
		return true, ReasonObjectiveCompleted
	case d.Confidence > p.ConfidenceAbove:
		return true, ReasonConfidence
	}

	l := d.Loop
	if l.Detected && (l.Severity > p.SeverityAbove ||
		l.LoopCount > p.CountAbove ||
		(l.Severity >= p.CombinedSeverity && l.LoopCount >= p.CombinedCount)) {
		return true, ReasonLoop
	}
	return false, ReasonNone
}

// lexicalStop is the fallback for replies that are not JSON: stop only
// on an affirmative leading "yes".
func lexicalStop(raw string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "yes")
}
