package recurrence

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRule is returned when a rule's interval or unit is not valid.
// Wrapped errors carry the offending value.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Unit is a repeat frequency unit.
type Unit string

const (
	UnitMinute  Unit = "minute"
	UnitHour    Unit = "hour"
	UnitDay     Unit = "day"
	UnitWeekday Unit = "weekday"
	UnitWeek    Unit = "week"
	UnitMonth   Unit = "month"
	UnitYear    Unit = "year"
)

// Units lists the recognized units in coarseness order.
// Useful for config validation messages and CLI help.
var Units = []Unit{UnitMinute, UnitHour, UnitDay, UnitWeekday, UnitWeek, UnitMonth, UnitYear}

// Valid reports whether u is a recognized unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitMinute, UnitHour, UnitDay, UnitWeekday, UnitWeek, UnitMonth, UnitYear:
		return true
	default:
		return false
	}
}

// ParseUnit parses a unit name. It accepts the singular form used in
// configs (case-insensitive, surrounding space ignored) and the plural
// spelling people tend to write ("weeks", "days").
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	if one, ok := strings.CutSuffix(string(u), "s"); ok && Unit(one).Valid() {
		u = Unit(one)
	}
	if !u.Valid() {
		return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidRule, s)
	}
	return u, nil
}

// Rule is an immutable "every Interval Units" repeat rule.
// Changing a rule means constructing a new one; there are no setters.
type Rule struct {
	Interval int
	Unit     Unit
}

// NewRule validates and constructs a rule.
func NewRule(interval int, unit Unit) (Rule, error) {
	if interval < 1 {
		return Rule{}, fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidRule, interval)
	}
	if !unit.Valid() {
		return Rule{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidRule, unit)
	}
	return Rule{Interval: interval, Unit: unit}, nil
}

// Validate reports whether the rule could have been produced by NewRule.
// Rules arriving through deserialization bypass the constructor.
func (r Rule) Validate() error {
	_, err := NewRule(r.Interval, r.Unit)
	return err
}

// String returns the config-style representation, e.g. "every 2 weeks".
func (r Rule) String() string {
	if r.Interval == 1 {
		return fmt.Sprintf("every %s", r.Unit)
	}
	return fmt.Sprintf("every %d %ss", r.Interval, r.Unit)
}
