package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Attribution component names.
const (
	ComponentSupplyYield      = "supply_yield"
	ComponentBorrowCost       = "borrow_cost"
	ComponentFunding          = "funding"
	ComponentBasisSpread      = "basis_spread"
	ComponentDelta            = "delta"
	ComponentTransactionCosts = "transaction_costs"
)

// Payment is a cash flow booked during a tick, in reporting currency.
type Payment struct {
	Key    PositionKey     `json:"key"`
	Amount decimal.Decimal `json:"amount"`
}

// Activity collects the non-price cash flows of a tick that attribution needs.
type Activity struct {
	Funding []Payment `json:"funding,omitempty"`
	Fees    []Payment `json:"fees,omitempty"`
}

// Add appends the cash flows of another activity.
func (a *Activity) Add(o Activity) {
	a.Funding = append(a.Funding, o.Funding...)
	a.Fees = append(a.Fees, o.Fees...)
}

// FundingTotal sums funding payments.
func (a Activity) FundingTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Funding {
		total = total.Add(p.Amount)
	}
	return total
}

// FeeTotal sums fees paid (positive number).
func (a Activity) FeeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Fees {
		total = total.Add(p.Amount)
	}
	return total
}

// Attribution is one named P&L component.
type Attribution struct {
	Name       string          `json:"name"`
	Period     decimal.Decimal `json:"period"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// PnLRecord is the reconciled P&L of one tick.
type PnLRecord struct {
	Timestamp     time.Time       `json:"timestamp"`
	PeriodStart   time.Time       `json:"periodStart"`
	BalancePnL    decimal.Decimal `json:"balancePnl"`
	CumulativePnL decimal.Decimal `json:"cumulativePnl"`
	Attribution   []Attribution   `json:"attribution"`
	// AttributedPnL is the sum of every component for the period.
	AttributedPnL decimal.Decimal `json:"attributedPnl"`
	// Unexplained is BalancePnL − AttributedPnL.
	Unexplained     decimal.Decimal `json:"unexplained"`
	Tolerance       decimal.Decimal `json:"tolerance"`
	WithinTolerance bool            `json:"withinTolerance"`
	Warning         string          `json:"warning,omitempty"`
	Provisional     bool            `json:"provisional,omitempty"`
}

// Component returns a component by name.
func (r PnLRecord) Component(name string) (Attribution, bool) {
	for _, a := range r.Attribution {
		if a.Name == name {
			return a, true
		}
	}
	return Attribution{}, false
}
