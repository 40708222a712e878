package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

// FeeSchedule holds the fees of a simulated venue. Rates are fractions of
// notional; Transfer is a flat amount of the transferred asset.
type FeeSchedule struct {
	Spot       decimal.Decimal `json:"spot"`
	Derivative decimal.Decimal `json:"derivative"`
	Lending    decimal.Decimal `json:"lending"`
	Transfer   decimal.Decimal `json:"transfer"`
}

// Simulated fills instructions at provider prices.
type Simulated struct {
	name      schema.Venue
	fees      FeeSchedule
	registry  *schema.Registry
	provider  marketdata.Provider
	reporting schema.Asset

	mu        sync.Mutex
	submitted int
}

// NewSimulated creates a simulated venue.
func NewSimulated(name schema.Venue, fees FeeSchedule, registry *schema.Registry, provider marketdata.Provider) *Simulated {
	return &Simulated{
		name:      name,
		fees:      fees,
		registry:  registry,
		provider:  provider,
		reporting: registry.ReportingAsset(),
	}
}

func (s *Simulated) Name() schema.Venue { return s.name }

// Submitted returns the number of instructions filled so far.
func (s *Simulated) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

func (s *Simulated) Submit(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	if err := ctx.Err(); err != nil {
		return schema.Fill{}, err
	}
	if instr.Venue != s.name {
		return schema.Fill{}, s.invalid(instr, "instruction routed to the wrong venue")
	}
	if instr.Amount.IsZero() {
		return schema.Fill{}, s.invalid(instr, "zero amount")
	}

	var (
		fill schema.Fill
		err  error
	)
	switch instr.Kind {
	case schema.InstructionTransfer:
		fill, err = s.transfer(ctx, ts, instr)
	case schema.InstructionSpotTrade:
		fill, err = s.spot(ctx, ts, instr)
	case schema.InstructionDerivativeTrade:
		fill, err = s.derivative(ctx, ts, instr)
	case schema.InstructionSupply, schema.InstructionWithdraw, schema.InstructionBorrow, schema.InstructionRepay:
		fill, err = s.lending(ctx, ts, instr)
	default:
		return schema.Fill{}, exception.Execution(s.component(), exception.CodeUnsupportedOperation, "unsupported instruction kind").
			With("instruction", instr.ID).
			With("kind", instr.Kind.String()).
			At(ts)
	}
	if err != nil {
		return schema.Fill{}, err
	}
	fill.InstructionID = instr.ID
	fill.Venue = s.name
	fill.Timestamp = ts.UTC()

	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()
	return fill, nil
}

// SubmitAtomic fills every instruction or none.
func (s *Simulated) SubmitAtomic(ctx context.Context, ts time.Time, instrs []schema.ExecutionInstruction) ([]schema.Fill, error) {
	fills := make([]schema.Fill, 0, len(instrs))
	for _, instr := range instrs {
		fill, err := s.Submit(ctx, ts, instr)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

// SettleFunding pays or charges −size × mark × rate into each perp's settlement asset.
func (s *Simulated) SettleFunding(ctx context.Context, ts time.Time, positions []schema.Position) ([]schema.Payment, []schema.Delta, error) {
	var (
		payments []schema.Payment
		deltas   []schema.Delta
	)
	for _, p := range positions {
		if p.Key.Venue != s.name || p.Quantity.IsZero() {
			continue
		}
		inst, ok := s.registry.Instrument(p.Key)
		if !ok || inst.Kind != schema.InstrumentPerp {
			continue
		}
		rate, err := s.provider.FundingRateAt(ctx, s.name, p.Key.Asset, ts)
		if err != nil {
			return nil, nil, err
		}
		mark, err := s.provider.MarkPriceAt(ctx, s.name, p.Key.Asset, ts)
		if err != nil {
			return nil, nil, err
		}
		amount := p.Quantity.Mul(mark).Mul(rate).Neg()
		if amount.IsZero() {
			continue
		}
		settle := inst.SettlementKey()
		value, err := s.toReporting(ctx, ts, settle.Asset, amount)
		if err != nil {
			return nil, nil, err
		}
		deltas = append(deltas, schema.Delta{Key: settle, Amount: amount})
		payments = append(payments, schema.Payment{Key: p.Key, Amount: value})
	}
	return payments, deltas, nil
}

func (s *Simulated) transfer(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	if instr.ToVenue == "" || instr.ToVenue == instr.Venue {
		return schema.Fill{}, s.invalid(instr, "transfer needs a different destination venue")
	}
	if instr.Amount.IsNegative() {
		return schema.Fill{}, s.invalid(instr, "negative transfer amount")
	}
	fee := s.fees.Transfer
	received := instr.Amount.Sub(fee)
	if !received.IsPositive() {
		return schema.Fill{}, s.invalid(instr, "transfer amount does not cover the fee")
	}
	feeValue, err := s.toReporting(ctx, ts, instr.Asset, fee)
	if err != nil {
		return schema.Fill{}, err
	}
	return schema.Fill{
		Price: decimal.NewFromInt(1),
		Fee:   feeValue,
		Deltas: []schema.Delta{
			{Key: schema.Key(instr.Venue, instr.Asset), Amount: instr.Amount.Neg()},
			{Key: schema.Key(instr.ToVenue, instr.Asset), Amount: received},
		},
	}, nil
}

func (s *Simulated) spot(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	price, err := s.priceIn(ctx, ts, instr.Asset, instr.Quote)
	if err != nil {
		return schema.Fill{}, err
	}
	cost := instr.Amount.Mul(price)
	fee := cost.Abs().Mul(s.fees.Spot)
	feeValue, err := s.toReporting(ctx, ts, instr.Quote, fee)
	if err != nil {
		return schema.Fill{}, err
	}
	return schema.Fill{
		Price: price,
		Fee:   feeValue,
		Deltas: []schema.Delta{
			{Key: schema.Key(instr.Venue, instr.Asset), Amount: instr.Amount, Price: price},
			{Key: schema.Key(instr.Venue, instr.Quote), Amount: cost.Add(fee).Neg()},
		},
	}, nil
}

func (s *Simulated) derivative(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	mark, err := s.provider.MarkPriceAt(ctx, s.name, instr.Asset, ts)
	if err != nil {
		return schema.Fill{}, err
	}
	fee := instr.Amount.Abs().Mul(mark).Mul(s.fees.Derivative)
	deltas := []schema.Delta{{Key: schema.Key(instr.Venue, instr.Asset), Amount: instr.Amount, Price: mark}}
	if !fee.IsZero() {
		deltas = append(deltas, schema.Delta{Key: schema.Key(instr.Venue, instr.Quote), Amount: fee.Neg()})
	}
	feeValue, err := s.toReporting(ctx, ts, instr.Quote, fee)
	if err != nil {
		return schema.Fill{}, err
	}
	return schema.Fill{Price: mark, Fee: feeValue, Deltas: deltas}, nil
}

// lending converts an underlying amount into protocol token units at the
// current index. Debt tokens accrue at the borrow index.
func (s *Simulated) lending(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	if instr.Amount.IsNegative() {
		return schema.Fill{}, s.invalid(instr, "negative lending amount")
	}
	key := schema.Key(instr.Venue, instr.Asset)
	inst, ok := s.registry.Instrument(key)
	if !ok {
		return schema.Fill{}, exception.Configuration(s.component(), exception.CodeUnknownInstrument, "protocol token is not tracked").
			With("key", key.String())
	}
	underlying := inst.Underlying
	if underlying == "" {
		underlying = instr.Quote
	}
	rate, err := s.provider.RateAt(ctx, inst.Protocol, underlying, ts)
	if err != nil {
		return schema.Fill{}, err
	}
	index := rate.SupplyIndex
	if instr.Kind == schema.InstructionBorrow || instr.Kind == schema.InstructionRepay {
		index = rate.BorrowIndex
	}
	if !index.IsPositive() {
		return schema.Fill{}, exception.DataUnavailable(s.component(), "non-positive protocol index").
			With("protocol", inst.Protocol).
			With("asset", underlying).
			At(ts)
	}
	amount := instr.Amount
	fee := amount.Mul(s.fees.Lending)
	if instr.Sweep && instr.Kind == schema.InstructionSupply {
		// sweep amounts are gross of the fee
		amount = amount.DivRound(decimal.NewFromInt(1).Add(s.fees.Lending), 18)
		fee = instr.Amount.Sub(amount)
	}
	units := amount.Div(index)

	cash := schema.Key(instr.Venue, underlying)
	var deltas []schema.Delta
	switch instr.Kind {
	case schema.InstructionSupply:
		deltas = []schema.Delta{{Key: cash, Amount: amount.Add(fee).Neg()}, {Key: key, Amount: units}}
	case schema.InstructionWithdraw:
		deltas = []schema.Delta{{Key: key, Amount: units.Neg()}, {Key: cash, Amount: amount.Sub(fee)}}
	case schema.InstructionBorrow:
		deltas = []schema.Delta{{Key: key, Amount: units}, {Key: cash, Amount: amount.Sub(fee)}}
	case schema.InstructionRepay:
		deltas = []schema.Delta{{Key: cash, Amount: amount.Add(fee).Neg()}, {Key: key, Amount: units.Neg()}}
	}
	feeValue, err := s.toReporting(ctx, ts, underlying, fee)
	if err != nil {
		return schema.Fill{}, err
	}
	return schema.Fill{Price: index, Fee: feeValue, Deltas: deltas}, nil
}

// priceIn returns the price of asset in units of quote.
func (s *Simulated) priceIn(ctx context.Context, ts time.Time, asset, quote schema.Asset) (decimal.Decimal, error) {
	price, err := s.spotPrice(ctx, ts, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if quote == "" || quote == s.reporting {
		return price, nil
	}
	q, err := s.spotPrice(ctx, ts, quote)
	if err != nil {
		return decimal.Zero, err
	}
	if !q.IsPositive() {
		return decimal.Zero, exception.DataUnavailable(s.component(), "non-positive quote price").
			With("asset", quote).
			At(ts)
	}
	return price.Div(q), nil
}

func (s *Simulated) spotPrice(ctx context.Context, ts time.Time, asset schema.Asset) (decimal.Decimal, error) {
	if asset == s.reporting {
		return decimal.NewFromInt(1), nil
	}
	return s.provider.PriceAt(ctx, asset, ts)
}

func (s *Simulated) toReporting(ctx context.Context, ts time.Time, asset schema.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	price, err := s.spotPrice(ctx, ts, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

func (s *Simulated) invalid(instr schema.ExecutionInstruction, msg string) *exception.Error {
	return exception.Execution(s.component(), exception.CodeInvalidInstruction, msg).
		With("instruction", instr.ID).
		With("kind", instr.Kind.String()).
		With("amount", instr.Amount.String())
}

func (s *Simulated) component() string {
	return fmt.Sprintf("venue:%s", s.name)
}
