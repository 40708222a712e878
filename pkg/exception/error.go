package exception

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	_ error = (*Error)(nil)
)

// Kind classifies an error by how it must be propagated.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindDataUnavailable
	KindInsufficientBalance
	KindExecution
	KindReconciliation
	KindState
)

var kindNames = [...]string{
	KindUnknown:             "UNKNOWN",
	KindConfiguration:       "CONFIGURATION",
	KindDataUnavailable:     "DATA_UNAVAILABLE",
	KindInsufficientBalance: "INSUFFICIENT_BALANCE",
	KindExecution:           "EXECUTION",
	KindReconciliation:      "RECONCILIATION",
	KindState:               "STATE",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Fatal reports whether errors of this kind abort a backtest run.
func (k Kind) Fatal() bool {
	return k != KindReconciliation
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindDataUnavailable:
		return ErrDataUnavailable
	case KindInsufficientBalance:
		return ErrInsufficientBalance
	case KindExecution:
		return ErrExecution
	case KindReconciliation:
		return ErrReconciliation
	case KindState:
		return ErrState
	default:
		return nil
	}
}

// Field is one piece of structured context attached to an Error.
type Field struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Error is the typed error raised by every engine component.
// It always carries a stable code and the name of the component that raised it.
type Error struct {
	Kind      Kind      `json:"kind"`
	Code      Code      `json:"code"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Fields    []Field   `json:"fields,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Err       error     `json:"-"`
}

func newError(kind Kind, component string, code Code, msg string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Component: component,
		Message:   msg,
	}
}

// Configuration builds a fatal configuration error.
func Configuration(component string, code Code, msg string) *Error {
	return newError(KindConfiguration, component, code, msg)
}

// DataUnavailable builds a missing market data error.
func DataUnavailable(component string, msg string) *Error {
	return newError(KindDataUnavailable, component, CodeDataUnavailable, msg)
}

// InsufficientBalance builds an error for a delta that cannot be applied.
func InsufficientBalance(component string, msg string) *Error {
	return newError(KindInsufficientBalance, component, CodeInsufficientBalance, msg)
}

// Execution builds a venue or orchestration failure.
func Execution(component string, code Code, msg string) *Error {
	return newError(KindExecution, component, code, msg)
}

// Reconciliation builds a non-fatal P&L drift warning.
func Reconciliation(component string, msg string) *Error {
	return newError(KindReconciliation, component, CodeReconciliationDrift, msg)
}

// State builds a lifecycle or ownership violation.
func State(component string, code Code, msg string) *Error {
	return newError(KindState, component, code, msg)
}

// With appends a context field and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	e.Fields = append(e.Fields, Field{Key: key, Value: value})
	return e
}

// At stamps the error with the tick timestamp it belongs to.
func (e *Error) At(ts time.Time) *Error {
	e.Timestamp = ts
	return e
}

// Wrap records the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Field returns the value of a context field.
func (e *Error) Field(key string) (any, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)

	if len(e.Fields) != 0 || !e.Timestamp.IsZero() {
		parts := make([]string, 0, len(e.Fields)+1)
		if !e.Timestamp.IsZero() {
			parts = append(parts, "ts="+e.Timestamp.UTC().Format(time.RFC3339))
		}
		fields := make([]Field, len(e.Fields))
		copy(fields, e.Fields)
		sort.SliceStable(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
		for _, f := range fields {
			parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
		}
		b.WriteString(" {")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("}")
	}

	if e.Err != nil {
		b.WriteString(", err: ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels so callers can write errors.Is(err, ErrExecution).
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if s := e.Kind.sentinel(); s != nil && s == target {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}
