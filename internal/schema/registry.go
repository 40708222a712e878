package schema

import (
	"sort"

	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

// InstrumentKind describes what a balance represents.
type InstrumentKind uint8

const (
	InstrumentUnknown InstrumentKind = iota
	// InstrumentSpot is a wallet or exchange balance; never negative.
	InstrumentSpot
	// InstrumentReceipt is an interest-bearing supply token (aToken, LST); never negative.
	InstrumentReceipt
	// InstrumentDebt is a variable debt token, stored as a positive amount owed.
	InstrumentDebt
	// InstrumentPerp is a perpetual future position, signed (negative = short).
	InstrumentPerp
)

var instrumentKindNames = []string{
	InstrumentUnknown: "UNKNOWN",
	InstrumentSpot:    "SPOT",
	InstrumentReceipt: "RECEIPT",
	InstrumentDebt:    "DEBT",
	InstrumentPerp:    "PERP",
}

func (k InstrumentKind) String() string { return enumName(instrumentKindNames, k) }

func (k InstrumentKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *InstrumentKind) UnmarshalText(text []byte) error {
	v, err := parseEnum[InstrumentKind](instrumentKindNames, string(text), "instrument kind")
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// AllowsNegative reports whether the balance may go below zero.
func (k InstrumentKind) AllowsNegative() bool {
	return k == InstrumentPerp
}

// ConversionMethod selects how raw units become reporting-currency value.
type ConversionMethod uint8

const (
	ConversionUnknown ConversionMethod = iota
	ConversionIdentity
	ConversionSpotPrice
	ConversionOraclePrice
	ConversionProtocolIndex
	ConversionMarkPrice
)

var conversionMethodNames = []string{
	ConversionUnknown:       "UNKNOWN",
	ConversionIdentity:      "IDENTITY",
	ConversionSpotPrice:     "SPOT_PRICE",
	ConversionOraclePrice:   "ORACLE_PRICE",
	ConversionProtocolIndex: "PROTOCOL_INDEX",
	ConversionMarkPrice:     "MARK_PRICE",
}

func (m ConversionMethod) String() string { return enumName(conversionMethodNames, m) }

func (m ConversionMethod) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ConversionMethod) UnmarshalText(text []byte) error {
	v, err := parseEnum[ConversionMethod](conversionMethodNames, string(text), "conversion method")
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Instrument is the static description of a tracked (venue, asset) balance.
type Instrument struct {
	Key        PositionKey
	Kind       InstrumentKind
	Conversion ConversionMethod
	// Underlying is the asset whose price drives value and delta.
	Underlying Asset
	// Protocol names the rate source for PROTOCOL_INDEX instruments.
	Protocol string
	// Settlement is the asset on the same venue that receives realized
	// and funding P&L of a perp.
	Settlement Asset
	// LiquidationThreshold weights receipt collateral in the health factor.
	LiquidationThreshold decimal.Decimal
}

// SettlementKey returns the key credited with perp P&L.
func (i Instrument) SettlementKey() PositionKey {
	return Key(i.Key.Venue, i.Settlement)
}

// Registry stores the tracked instruments and the reporting asset.
type Registry struct {
	reporting   Asset
	instruments []Instrument
	byKey       map[PositionKey]int
	venues      []Venue
	venueSet    map[Venue]struct{}
}

// NewRegistry creates an empty registry for a reporting asset.
func NewRegistry(reporting Asset) *Registry {
	return &Registry{
		reporting: reporting,
		byKey:     make(map[PositionKey]int),
		venueSet:  make(map[Venue]struct{}),
	}
}

// ReportingAsset returns the asset every value is expressed in.
func (r *Registry) ReportingAsset() Asset {
	return r.reporting
}

// Add registers a new instrument.
func (r *Registry) Add(inst Instrument) error {
	switch {
	case inst.Key.Venue == "":
		return invalidInstrument(exception.CodeConfigMissing, "instrument venue is empty", "venue", inst)
	case inst.Key.Asset == "":
		return invalidInstrument(exception.CodeConfigMissing, "instrument asset is empty", "asset", inst)
	case inst.Kind == InstrumentUnknown:
		return invalidInstrument(exception.CodeConfigInvalid, "instrument kind is unknown", "kind", inst)
	case inst.Conversion == ConversionUnknown:
		return invalidInstrument(exception.CodeNoConversionRule, "instrument conversion is unknown", "conversion", inst)
	}
	if _, ok := r.byKey[inst.Key]; ok {
		return invalidInstrument(exception.CodeConfigInvalid, "instrument already exists", "key", inst)
	}
	if inst.Underlying == "" {
		inst.Underlying = inst.Key.Asset
	}
	r.byKey[inst.Key] = len(r.instruments)
	r.instruments = append(r.instruments, inst)
	if _, ok := r.venueSet[inst.Key.Venue]; !ok {
		r.venueSet[inst.Key.Venue] = struct{}{}
		r.venues = append(r.venues, inst.Key.Venue)
		sort.Slice(r.venues, func(i, j int) bool { return r.venues[i] < r.venues[j] })
	}
	return nil
}

func invalidInstrument(code exception.Code, msg, field string, inst Instrument) error {
	return exception.Configuration("instrument_registry", code, msg).
		With("field", field).
		With("key", inst.Key.String())
}

// Instrument returns the instrument for a key.
func (r *Registry) Instrument(key PositionKey) (Instrument, bool) {
	idx, ok := r.byKey[key]
	if !ok {
		return Instrument{}, false
	}
	return r.instruments[idx], true
}

// Instruments returns all instruments in registration order.
func (r *Registry) Instruments() []Instrument {
	out := make([]Instrument, len(r.instruments))
	copy(out, r.instruments)
	return out
}

// Venues returns every venue that has at least one instrument, sorted.
func (r *Registry) Venues() []Venue {
	out := make([]Venue, len(r.venues))
	copy(out, r.venues)
	return out
}

// HasVenue reports whether any instrument lives on the venue.
func (r *Registry) HasVenue(v Venue) bool {
	_, ok := r.venueSet[v]
	return ok
}

// IsDirectional reports whether the instrument carries price exposure
// relative to the reporting asset.
func (r *Registry) IsDirectional(inst Instrument) bool {
	return inst.Conversion != ConversionIdentity && inst.Underlying != r.reporting
}

// Count returns the number of instruments.
func (r *Registry) Count() int {
	return len(r.instruments)
}
