package rules

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrSourceUnavailable    = errors.New("rule source unavailable")
	ErrSourceBadResponse    = errors.New("rule source returned a bad response")
	ErrSourceNotFound       = errors.New("rule source not found")
	ErrRuleNotFound         = errors.New("rule not found")
	ErrEmptySelector        = errors.New("selector has no ids and no tags")
	ErrEvaluationTimeout    = errors.New("rule evaluation timed out")
	ErrEvaluationFailed     = errors.New("rule evaluation failed")
	ErrRuleExecutionFailed  = errors.New("rule execution failed")
	ErrConfigurationInvalid = errors.New("invalid configuration")
	ErrNotInitialized       = errors.New("engine not initialized")
	ErrPrerequisiteFailed   = errors.New("prerequisite rule failed")
	ErrDependencyCycle      = errors.New("rule dependency cycle")
)

// SourceError is returned by rule sources. Kind is one of the ErrSource*
// sentinels or ErrRuleNotFound.
type SourceError struct {
	Kind   error
	Op     string
	RuleID string
	Err    error
}

func (e *SourceError) Error() string {
	msg := e.Op
	if e.RuleID != "" {
		msg += " " + e.RuleID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceError) Is(target error) bool {
	return target == e.Kind
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func sourceErr(kind error, op, ruleID string, err error) error {
	return &SourceError{Kind: kind, Op: op, RuleID: ruleID, Err: err}
}

// RuleExecutionError scopes a failure to one rule. It matches
// ErrRuleExecutionFailed as well as whatever its cause matches.
type RuleExecutionError struct {
	RuleID string
	Err    error
}

func (e *RuleExecutionError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleExecutionError) Is(target error) bool {
	return target == ErrRuleExecutionFailed
}

func (e *RuleExecutionError) Unwrap() error {
	return e.Err
}

// BatchError is returned when ContinueOnError is false and at least one item
// failed. First is the first failure observed; Affected counts failed items.
type BatchError struct {
	First    error
	Affected int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%v (%d item(s) affected)", e.First, e.Affected)
}

func (e *BatchError) Unwrap() error {
	return e.First
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}
