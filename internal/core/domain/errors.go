package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Stage identifies the pipeline stage that produced an outcome.
type Stage string

const (
	StageRateLimit Stage = "rate_limit"
	StageTemplate  Stage = "template_lookup"
	StageParams    Stage = "parameter_validation"
	StageRender    Stage = "sql_render"
	StageSQL       Stage = "sql_validation"
	StageWhitelist Stage = "whitelist_validation"
	StageLimit     Stage = "limit_enforcement"
	StageExecution Stage = "execution"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTimedOut         = errors.New("query timed out")
)

// ParamError reports a single failing parameter. The whole parameter set is
// rejected when one of these surfaces.
type ParamError struct {
	Name   string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Name, e.Reason)
}

// SQLRejectedError reports a structural validation failure. Only the first
// failing check's reason is carried — never the results of later checks.
type SQLRejectedError struct {
	Reason string
}

func (e *SQLRejectedError) Error() string {
	return "sql rejected: " + e.Reason
}

// WhitelistError reports table or column identifiers outside the allow-list.
type WhitelistError struct {
	Kind  string // "tables" or "columns"
	Names []string
	Why   string
}

func (e *WhitelistError) Error() string {
	if len(e.Names) > 0 {
		return fmt.Sprintf("whitelist violation (%s): %s", e.Kind, strings.Join(e.Names, ", "))
	}
	return "whitelist violation: " + e.Why
}

// SchemaError reports a template that failed schema validation at load time.
type SchemaError struct {
	TemplateID string
	Field      string
	Reason     string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("template %q: field %q: %s", e.TemplateID, e.Field, e.Reason)
	}
	return fmt.Sprintf("template %q: %s", e.TemplateID, e.Reason)
}

// RateLimitError reports a caller over quota, with a positive wait estimate.
type RateLimitError struct {
	Limit       int
	WaitSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d queries per minute exceeded; retry in %ds", e.Limit, e.WaitSeconds)
}

// PipelineError wraps a stage failure with a message safe to show end users.
// The wrapped cause is for logs and audit only — UserMessage never contains
// SQL text, schema names, or driver errors.
type PipelineError struct {
	Stage       Stage
	UserMessage string
	Cause       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// NewPipelineError classifies err and attaches the user-safe phrasing for its
// kind. Messages describe what to try next, never what broke internally.
func NewPipelineError(stage Stage, err error) *PipelineError {
	return &PipelineError{Stage: stage, UserMessage: userMessage(stage, err), Cause: err}
}

func userMessage(stage Stage, err error) string {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Sprintf("You've asked too many questions in a short time. Please wait %d seconds before trying again.", rateErr.WaitSeconds)
	}
	if errors.Is(err, ErrTemplateNotFound) {
		return "I don't know how to answer that question yet. Try rephrasing, or ask about sales, traffic, or conversion metrics."
	}
	var paramErr *ParamError
	if errors.As(err, &paramErr) {
		return fmt.Sprintf("I couldn't use the value you gave for %q: %s.", paramErr.Name, paramErr.Reason)
	}
	if errors.Is(err, ErrTimedOut) {
		return "This query is taking too long. Try a shorter time period, for example last week instead of this year."
	}
	switch stage {
	case StageSQL, StageWhitelist, StageRender:
		return "That question can't be answered safely. Try rephrasing it or narrowing it down."
	case StageExecution:
		return "Something went wrong while fetching your data. Please try again, or narrow the question down."
	}
	return "I couldn't process that question. Please try rephrasing it."
}
