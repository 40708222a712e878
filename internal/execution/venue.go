package execution

import (
	"context"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
)

// Venue executes instructions on one exchange, protocol or wallet.
type Venue interface {
	Name() schema.Venue
	// Submit executes one instruction and returns the balance deltas it caused.
	Submit(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error)
}

// AtomicSubmitter is implemented by venues that can execute several
// instructions as one all-or-nothing request.
type AtomicSubmitter interface {
	SubmitAtomic(ctx context.Context, ts time.Time, instrs []schema.ExecutionInstruction) ([]schema.Fill, error)
}

// FundingSettler is implemented by venues that settle perp funding.
type FundingSettler interface {
	// SettleFunding returns the funding payments of the held perps at ts and
	// the balance deltas that book them.
	SettleFunding(ctx context.Context, ts time.Time, positions []schema.Position) ([]schema.Payment, []schema.Delta, error)
}

// BalanceReporter is implemented by venues that can report their balances.
type BalanceReporter interface {
	Balances(ctx context.Context, ts time.Time) ([]schema.Position, error)
}
