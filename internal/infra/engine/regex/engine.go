// Package regex implements a fast deterministic detection engine backed by
// compiled regular expressions, one per target label.
package regex

import (
	"context"
	"fmt"

	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

// EngineName identifies the regex engine in findings and statistics.
const EngineName = "regex"

var _ detection.Engine = (*Engine)(nil)

// Engine matches text against a set of compiled patterns. Matching is pure
// and stateless, so the engine is safe at any concurrency; failures are logic
// bugs, not transient overload, and are never retried.
type Engine struct {
	patterns map[string]*regexp.Regexp
}

// New compiles the given label -> expression patterns into an engine.
func New(patterns map[string]string) (*Engine, error) {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for label, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern for label %q: %w", label, err)
		}
		compiled[label] = re
	}
	return &Engine{patterns: compiled}, nil
}

// Name implements detection.Engine.
func (e *Engine) Name() string { return EngineName }

// Detect matches the request text against every requested label's pattern.
// An empty label set means all configured patterns. Confidence is left
// absent: a regex either matches or it does not.
func (e *Engine) Detect(ctx context.Context, req detection.DetectionRequest) ([]detection.Detection, error) {
	labels := req.Labels
	if len(labels) == 0 {
		labels = make([]string, 0, len(e.patterns))
		for label := range e.patterns {
			labels = append(labels, label)
		}
	}

	var out []detection.Detection
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		re, ok := e.patterns[label]
		if !ok {
			continue
		}

		for _, match := range re.FindAllString(req.Text, -1) {
			d := detection.Detection{
				Match:  match,
				Label:  label,
				Engine: EngineName,
			}
			if v, applicable := validate(label, match); applicable {
				d.Metadata = map[string]string{"validated": fmt.Sprintf("%t", v)}
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// validate runs the checksum validator registered for a label, if any.
// Validation happens in the engine, not the sink; the sink only passes the
// metadata through.
func validate(label, match string) (valid, applicable bool) {
	switch label {
	case "credit_card":
		return luhnValid(match), true
	default:
		return false, false
	}
}

// luhnValid checks the Luhn checksum over the digits of s, ignoring spaces
// and dashes.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	if len(digits) < 12 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
