package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Field names a criterion that can carry a validation error.
type Field string

const (
	FieldProtocol  Field = "protocol"
	FieldPorts     Field = "ports"
	FieldPortsMode Field = "ports_mode"
	FieldUser      Field = "user"
	FieldRole      Field = "role"
	FieldType      Field = "type"
	FieldRange     Field = "range"
	FieldRangeMode Field = "range_mode"
)

type ValidationError struct {
	Field Field
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// FieldErrors holds at most one validation error per field.
type FieldErrors map[Field]*ValidationError

func (fe FieldErrors) add(f Field, value string, err error) {
	fe[f] = &ValidationError{Field: f, Value: value, Err: err}
}

// Fields returns the fields in error, sorted.
func (fe FieldErrors) Fields() []Field {
	fields := make([]Field, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

func (fe FieldErrors) Error() string {
	msgs := make([]string, 0, len(fe))
	for _, f := range fe.Fields() {
		msgs = append(msgs, fe[f].Error())
	}
	return "field(s) in error: " + strings.Join(msgs, "; ")
}

// Err returns fe as an error, or nil when no field is in error.
func (fe FieldErrors) Err() error {
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// EvaluationError is a failure of a policy collaborator during a run. It
// aborts the run.
type EvaluationError struct {
	Err error
}

func (e *EvaluationError) Error() string {
	return "evaluation failed: " + e.Err.Error()
}

func (e *EvaluationError) Unwrap() error { return e.Err }
