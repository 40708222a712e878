package exception

import "github.com/yanun0323/errors"

// Code is a stable, machine-readable error identifier.
type Code string

// Configuration
const (
	CodeConfigMissing       Code = "CFG_MISSING"
	CodeConfigInvalid       Code = "CFG_INVALID"
	CodeUnknownInstrument   Code = "CFG_UNKNOWN_INSTRUMENT"
	CodeNoConversionRule    Code = "CFG_NO_CONVERSION_RULE"
	CodeUnsupportedStrategy Code = "CFG_UNSUPPORTED_STRATEGY"
)

// Market data
const (
	CodeDataUnavailable Code = "DATA_UNAVAILABLE"
)

// Positions
const (
	CodeInsufficientBalance Code = "POS_INSUFFICIENT_BALANCE"
)

// Execution
const (
	CodeVenueRejected        Code = "EXEC_VENUE_REJECTED"
	CodeVenueTimeout         Code = "EXEC_VENUE_TIMEOUT"
	CodeVenueUnavailable     Code = "EXEC_VENUE_UNAVAILABLE"
	CodeUnknownVenue         Code = "EXEC_UNKNOWN_VENUE"
	CodeRetriesExhausted     Code = "EXEC_RETRIES_EXHAUSTED"
	CodeUnsupportedOperation Code = "EXEC_UNSUPPORTED_OPERATION"
	CodeInvalidInstruction   Code = "EXEC_INVALID_INSTRUCTION"
)

// Reconciliation
const (
	CodeReconciliationDrift Code = "PNL_RECONCILIATION_DRIFT"
)

// State
const (
	CodeAlreadySeeded   Code = "STATE_ALREADY_SEEDED"
	CodeNotSeeded       Code = "STATE_NOT_SEEDED"
	CodeTrackerClaimed  Code = "STATE_TRACKER_CLAIMED"
	CodeEngineRunning   Code = "STATE_ENGINE_RUNNING"
	CodeEngineStopped   Code = "STATE_ENGINE_STOPPED"
	CodeStrategyExited  Code = "STATE_STRATEGY_EXITED"
	CodeInvalidSequence Code = "STATE_INVALID_SEQUENCE"
)

// Kind sentinels
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrDataUnavailable     = errors.New("data unavailable")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExecution           = errors.New("execution error")
	ErrReconciliation      = errors.New("reconciliation warning")
	ErrState               = errors.New("state error")
)
