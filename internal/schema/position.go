package schema

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Venue names an exchange, lending protocol or wallet.
type Venue string

// Asset names a balance-bearing instrument on a venue (BTC, aUSDT, BTC-PERP ...).
type Asset string

// PositionKey addresses one balance.
type PositionKey struct {
	Venue Venue `json:"venue"`
	Asset Asset `json:"asset"`
}

// Key builds a position key.
func Key(venue Venue, asset Asset) PositionKey {
	return PositionKey{Venue: venue, Asset: asset}
}

func (k PositionKey) String() string {
	return string(k.Venue) + "/" + string(k.Asset)
}

// Less orders keys by venue then asset.
func (k PositionKey) Less(o PositionKey) bool {
	if k.Venue != o.Venue {
		return k.Venue < o.Venue
	}
	return k.Asset < o.Asset
}

// Position is a single balance entry. CostBasis is only meaningful for
// derivative positions and holds the signed entry notional.
type Position struct {
	Key       PositionKey     `json:"key"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"costBasis"`
}

// DeltaSource describes why a balance changed.
type DeltaSource uint8

const (
	DeltaSourceUnknown DeltaSource = iota
	DeltaSourceSeed
	DeltaSourceFill
	DeltaSourceFunding
	DeltaSourceVenueSync
	DeltaSourceRecovery
)

var deltaSourceNames = []string{
	DeltaSourceUnknown:   "UNKNOWN",
	DeltaSourceSeed:      "SEED",
	DeltaSourceFill:      "FILL",
	DeltaSourceFunding:   "FUNDING",
	DeltaSourceVenueSync: "VENUE_SYNC",
	DeltaSourceRecovery:  "RECOVERY",
}

func (s DeltaSource) String() string { return enumName(deltaSourceNames, s) }

func (s DeltaSource) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DeltaSource) UnmarshalText(text []byte) error {
	v, err := parseEnum[DeltaSource](deltaSourceNames, string(text), "delta source")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Delta is a signed balance change. Price is the execution price and is
// used to maintain the cost basis of derivative positions.
type Delta struct {
	Key    PositionKey     `json:"key"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// PositionSnapshot is the authoritative, immutable view of all balances.
type PositionSnapshot struct {
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
	Source    DeltaSource `json:"source"`
	Positions []Position  `json:"positions"`
}

// Position returns the entry for a key.
func (s PositionSnapshot) Position(key PositionKey) (Position, bool) {
	idx := sort.Search(len(s.Positions), func(i int) bool {
		return !s.Positions[i].Key.Less(key)
	})
	if idx < len(s.Positions) && s.Positions[idx].Key == key {
		return s.Positions[idx], true
	}
	return Position{}, false
}

// Quantity returns the balance for a key, zero when absent.
func (s PositionSnapshot) Quantity(key PositionKey) decimal.Decimal {
	if p, ok := s.Position(key); ok {
		return p.Quantity
	}
	return decimal.Zero
}

// NonZero returns the entries whose quantity is not zero.
func (s PositionSnapshot) NonZero() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if !p.Quantity.IsZero() {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s PositionSnapshot) Clone() PositionSnapshot {
	out := s
	out.Positions = make([]Position, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}

// SortPositions orders entries by key.
func SortPositions(entries []Position) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Less(entries[j].Key)
	})
}
