/*
Core runs one strategy instance.

# Module
  - engine context: every component is built once and passed in explicitly
  - tick flow: market view -> balance confirmation -> exposure -> risk -> decision -> execution -> reconciliation -> sink
  - cascade: each applied fill recomputes exposure, risk and provisional P&L before the next instruction
  - control surface: Start, Stop, Status, RunBacktest

# Source
 1. backtest: a deterministic loop over the configured window
 2. live: a ticker feeding the bus queue, consumed by a single goroutine

# Produce
  - one TickRecord per tick to the results sink
  - run start/stop markers and the seed snapshot to the journal

# Ownership
  - one run per position tracker (Claim)
*/
package core
