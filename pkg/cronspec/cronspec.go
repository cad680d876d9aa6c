// Package cronspec validates six-field cron expressions and computes their
// firing times.
package cronspec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is matched by every parse or evaluation failure
var ErrInvalidExpression = errors.New("invalid cron expression")

// InvalidExpressionError carries the offending expression
type InvalidExpressionError struct {
	Expression string
	Reason     error
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expression, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidExpression) succeed
func (e *InvalidExpressionError) Is(target error) bool {
	return target == ErrInvalidExpression
}

func (e *InvalidExpressionError) Unwrap() error {
	return e.Reason
}

// Fields: seconds minutes hours day-of-month month day-of-week
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parser exposes the six-field parser so cron.Cron instances accept the same syntax
func Parser() cron.ScheduleParser {
	return parser
}

// Parse parses expr into a schedule
func Parse(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, &InvalidExpressionError{Expression: expr, Reason: errors.New("empty expression")}
	}
	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, &InvalidExpressionError{Expression: expr, Reason: err}
	}
	return sched, nil
}

// Validate reports whether expr parses and fires at least once
func Validate(expr string) bool {
	_, err := NextRun(expr, time.Now())
	return err == nil
}

// NextRun returns the first firing time strictly after the given instant
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		// robfig gives up after five years, e.g. "0 0 0 30 2 *"
		return time.Time{}, &InvalidExpressionError{Expression: expr, Reason: errors.New("expression never fires")}
	}
	return next, nil
}

// Upcoming enumerates the next n firing times after the given instant
func Upcoming(expr string, after time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			if i == 0 {
				return nil, &InvalidExpressionError{Expression: expr, Reason: errors.New("expression never fires")}
			}
			break
		}
		times = append(times, t)
	}
	return times, nil
}
