package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/codec"
	"github.com/IggyIkenna/basis-strategy-v1/internal/journal"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

func main() {
	dir := flag.String("dir", "var/btc-basis/journal", "Journal directory")
	prefix := flag.String("prefix", "", "Journal file prefix (default: journal)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	snapshot := flag.String("snapshot", "", "Position snapshot to verify against (default: <dir>/../positions.json; skipped when missing)")
	verbose := flag.Bool("v", false, "Print every tick")
	flag.Parse()

	snapshotPath := *snapshot
	if snapshotPath == "" {
		snapshotPath = filepath.Join(filepath.Dir(filepath.Clean(*dir)), "positions.json")
	}

	r := newReplayer(*verbose)
	err := r.run(context.Background(), journal.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		Speed:           *speed,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		logs.Errorf("replay failed, err: %+v", err)
		os.Exit(1)
	}
	r.summary()

	if err := r.verify(snapshotPath); err != nil {
		logs.Errorf("snapshot verification failed, err: %+v", err)
		os.Exit(1)
	}
}

// replayer rebuilds the position state of every journaled run.
type replayer struct {
	verbose bool

	positions schema.PositionSnapshot
	seeded    bool
	lastSeq   uint64
	lastTs    time.Time
	current   schema.RunEvent

	events     map[schema.EventType]int
	decisions  map[schema.ActionKind]int
	failed     int
	warnings   int
	cumulative decimal.Decimal
}

func newReplayer(verbose bool) *replayer {
	return &replayer{
		verbose:   verbose,
		events:    make(map[schema.EventType]int),
		decisions: make(map[schema.ActionKind]int),
	}
}

func (r *replayer) run(ctx context.Context, cfg journal.PlaybackConfig) error {
	pb, err := journal.NewPlayback(cfg)
	if err != nil {
		return err
	}
	return pb.Run(ctx, r.apply)
}

func (r *replayer) apply(header schema.EventHeader, payload []byte) error {
	r.events[header.Type]++
	switch header.Type {
	case schema.EventSeed:
		snap, err := codec.DecodeSnapshot(payload)
		if err != nil {
			return fmt.Errorf("decode seed: %w", err)
		}
		r.positions = snap
		r.seeded = true
		r.lastSeq = 0
		r.lastTs = time.Time{}
		fmt.Printf("seed   positions=%d ts=%s\n", len(snap.Positions), snap.Timestamp.Format(time.RFC3339))

	case schema.EventRunStart, schema.EventRunStop:
		ev, err := codec.DecodeRunEvent(payload)
		if err != nil {
			return fmt.Errorf("decode run event: %w", err)
		}
		label := "start"
		if header.Type == schema.EventRunStop {
			label = "stop"
		}
		r.current = ev
		fmt.Printf("%-6s run=%s strategy=%s mode=%s ts=%s %s\n", label, ev.RunID, ev.StrategyID, ev.Mode, ev.Timestamp.Format(time.RFC3339), ev.Reason)

	case schema.EventTick:
		rec, err := codec.DecodeTick(payload)
		if err != nil {
			return fmt.Errorf("decode tick seq=%d: %w", header.Seq, err)
		}
		return r.tick(header, rec)
	}
	return nil
}

func (r *replayer) tick(header schema.EventHeader, rec schema.TickRecord) error {
	if !r.seeded {
		return fmt.Errorf("tick seq=%d before any seed", header.Seq)
	}
	if rec.Seq != header.Seq {
		return fmt.Errorf("tick header seq=%d carries record seq=%d", header.Seq, rec.Seq)
	}
	if rec.Seq != r.lastSeq+1 {
		return fmt.Errorf("tick sequence gap: expected=%d actual=%d", r.lastSeq+1, rec.Seq)
	}
	if !r.lastTs.IsZero() && !rec.Timestamp.After(r.lastTs) {
		return fmt.Errorf("tick seq=%d at %s is not after %s", rec.Seq, rec.Timestamp.Format(time.RFC3339), r.lastTs.Format(time.RFC3339))
	}
	if rec.Positions.Seq < r.positions.Seq {
		return fmt.Errorf("tick seq=%d moves positions back from seq %d to %d", rec.Seq, r.positions.Seq, rec.Positions.Seq)
	}

	r.positions = rec.Positions
	r.lastSeq = rec.Seq
	r.lastTs = rec.Timestamp
	r.cumulative = rec.PnL.CumulativePnL
	if rec.Decision != nil {
		r.decisions[rec.Decision.Action]++
	}
	if rec.Error != "" {
		r.failed++
	}
	if !rec.PnL.WithinTolerance {
		r.warnings++
	}
	if r.verbose {
		action := "-"
		if rec.Decision != nil {
			action = rec.Decision.Action.String()
		}
		fmt.Printf("tick   seq=%d ts=%s state=%s action=%s value=%s pnl=%s unexplained=%s\n",
			rec.Seq, rec.Timestamp.Format(time.RFC3339), rec.StrategyState, action,
			rec.Exposure.TotalValue.StringFixed(4), rec.PnL.BalancePnL.StringFixed(4), rec.PnL.Unexplained.StringFixed(4))
	}
	return nil
}

func (r *replayer) summary() {
	fmt.Printf("replay completed: ticks=%d seeds=%d runs=%d last_run=%s failed=%d reconciliation_warnings=%d cumulative_pnl=%s\n",
		r.events[schema.EventTick], r.events[schema.EventSeed], r.events[schema.EventRunStart], r.current.RunID, r.failed, r.warnings, r.cumulative.StringFixed(4))
	for action, n := range r.decisions {
		fmt.Printf("  %-20s %d\n", action, n)
	}
}

// verify compares the rebuilt positions with a snapshot file. A missing
// file is not an error.
func (r *replayer) verify(path string) error {
	expected, err := state.ReadSnapshot(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logs.Warnf("snapshot %s not found, verification skipped", path)
			return nil
		}
		return err
	}
	if err := state.CompareSnapshots(expected, r.positions); err != nil {
		return err
	}
	fmt.Printf("snapshot verified: positions=%d seq=%d\n", len(r.positions.Positions), r.positions.Seq)
	return nil
}
