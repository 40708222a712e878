package schema

import "time"

// SchemaVersion is the current journal record schema version.
const SchemaVersion uint16 = 1

// EventType defines the category of a record stored in the journal.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventTick
	EventSeed
	EventRunStart
	EventRunStop
)

// EventHeader is the common metadata attached to every journal record.
type EventHeader struct {
	Type    EventType
	Version uint16
	Source  uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, source uint16, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Source:  source,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}

// StrategyState is the state of a strategy instance's decision machine.
type StrategyState uint8

const (
	StateAwaitingInitialSetup StrategyState = iota
	StateSteady
	StateRebalancing
	StateRiskExit
)

var strategyStateNames = []string{
	StateAwaitingInitialSetup: "AWAITING_INITIAL_SETUP",
	StateSteady:               "STEADY_STATE",
	StateRebalancing:          "REBALANCING",
	StateRiskExit:             "RISK_EXIT",
}

func (s StrategyState) String() string {
	if int(s) < len(strategyStateNames) {
		return strategyStateNames[s]
	}
	return "UNKNOWN"
}

func (s StrategyState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StrategyState) UnmarshalText(text []byte) error {
	v, err := lookupEnum[StrategyState](strategyStateNames, string(text), "strategy state")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// TickRecord is appended to the results sink once per tick.
type TickRecord struct {
	RunID         string           `json:"runId"`
	StrategyID    string           `json:"strategyId"`
	Seq           uint64           `json:"seq"`
	Timestamp     time.Time        `json:"timestamp"`
	StrategyState StrategyState    `json:"strategyState"`
	Positions     PositionSnapshot `json:"positions"`
	Exposure      ExposureSnapshot `json:"exposure"`
	Risk          RiskAssessment   `json:"risk"`
	Decision      *Decision        `json:"decision,omitempty"`
	Execution     *ExecutionResult `json:"execution,omitempty"`
	PnL           PnLRecord        `json:"pnl"`
	Activity      Activity         `json:"activity"`
	Degraded      bool             `json:"degraded,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// RunEvent marks the start or stop of a run in the journal.
type RunEvent struct {
	RunID      string    `json:"runId"`
	StrategyID string    `json:"strategyId"`
	Mode       string    `json:"mode"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
}
