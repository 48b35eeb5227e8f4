package metacognitive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxCount caps decoded loop counters.
const maxCount = math.MaxInt32

// errNotObject is returned when the payload is valid JSON but not an
// object.
var errNotObject = errors.New("stop decision is not a JSON object")

// StopDecision is the model's structured answer to the stop evaluation
// prompt. Absent fields decode to their zero value.
type StopDecision struct {
	ShouldStop         bool       `json:"should_stop"`
	ObjectiveCompleted bool       `json:"objective_completed"`
	Confidence         float64    `json:"confidence"` // clamped to [0, 1]
	Loop               LoopReport `json:"is_in_loop"`
}

// LoopReport is the model's self-assessment of repetition.
type LoopReport struct {
	Detected        bool     `json:"detected"`
	RepeatedActions []string `json:"repeated_actions,omitempty"`
	LoopCount       int      `json:"loop_count"` // >= 0
	Severity        int      `json:"severity"`   // >= 0
}

// ParseStopDecision decodes a stop evaluation reply. Markdown fences and
// prose around the object are ignored, as are unknown fields. Booleans
// may be JSON bools, "true"/"false"/"yes"/"no" strings, or numbers;
// numbers may be quoted. Only text with no decodable JSON object is an
// error.
func ParseStopDecision(text string) (*StopDecision, error) {
	payload := extractObject(text)
	if payload == "" {
		return nil, errors.New("no JSON object in stop decision")
	}

	trimmed := bytes.TrimSpace([]byte(payload))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}

	var w wireDecision
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("decode stop decision: %w", err)
	}

	return &StopDecision{
		ShouldStop:         bool(w.ShouldStop),
		ObjectiveCompleted: bool(w.ObjectiveCompleted),
		Confidence:         clampUnit(float64(w.Confidence)),
		Loop: LoopReport{
			Detected:        bool(w.IsInLoop.Detected),
			RepeatedActions: []string(w.IsInLoop.RepeatedActions),
			LoopCount:       clampCount(float64(w.IsInLoop.LoopCount)),
			Severity:        clampCount(float64(w.IsInLoop.Severity)),
		},
	}, nil
}

// extractObject strips code fences. Valid JSON is returned as is;
// otherwise the span from the first '{' to the last '}' is returned, or
// "" when there is none.
func extractObject(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	if json.Valid([]byte(s)) {
		return s
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// clampCount truncates v toward zero and bounds it to [0, maxCount].
func clampCount(v float64) int {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > maxCount:
		return maxCount
	}
	return int(v)
}

type wireDecision struct {
	ShouldStop         flexBool   `json:"should_stop"`
	ObjectiveCompleted flexBool   `json:"objective_completed"`
	Confidence         flexNumber `json:"confidence"`
	IsInLoop           wireLoop   `json:"is_in_loop"`
}

type wireLoop struct {
	Detected        flexBool    `json:"detected"`
	RepeatedActions flexStrings `json:"repeated_actions"`
	LoopCount       flexNumber  `json:"loop_count"`
	Severity        flexNumber  `json:"severity"`
}

// UnmarshalJSON leaves l zero unless data is an object.
func (l *wireLoop) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	type plain wireLoop
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = wireLoop(p)
	return nil
}

// flexBool decodes any JSON value. Unrecognized values are false.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case float64:
		*b = t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			*b = true
		default:
			*b = false
		}
	default:
		*b = false
	}
	return nil
}

// flexNumber decodes numbers and numeric strings. Anything else is 0.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*n = flexNumber(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			f = 0
		}
		*n = flexNumber(f)
	case bool:
		if t {
			*n = 1
		} else {
			*n = 0
		}
	default:
		*n = 0
	}
	return nil
}

// flexStrings decodes an array of anything, or a single string. Non-
// string elements are kept as their JSON text.
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*s = flexStrings{t}
	case []any:
		out := make(flexStrings, 0, len(t))
		for _, e := range t {
			if str, ok := e.(string); ok {
				out = append(out, str)
				continue
			}
			raw, err := json.Marshal(e)
			if err != nil {
				continue
			}
			out = append(out, string(raw))
		}
		*s = out
	default:
		*s = nil
	}
	return nil
}
