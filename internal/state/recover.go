package state

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/IggyIkenna/basis-strategy-v1/internal/codec"
	"github.com/IggyIkenna/basis-strategy-v1/internal/journal"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/yanun0323/logs"
)

// RecoverConfig controls snapshot + journal recovery.
type RecoverConfig struct {
	JournalDir      string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
}

// RecoverResult contains the recovered state and its origin.
type RecoverResult struct {
	Found     bool
	Snapshot  schema.PositionSnapshot
	LastTick  *schema.TickRecord
	FromFile  bool
	TickCount uint64
}

// RecoverPositions finds the newest position state among the snapshot file
// and the last journaled tick.
func RecoverPositions(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.JournalDir == "" && cfg.SnapshotPath == "" {
		return RecoverResult{}, fmt.Errorf("recover: journal dir and snapshot path are empty")
	}

	var result RecoverResult
	if cfg.SnapshotPath != "" {
		snap, err := ReadSnapshot(cfg.SnapshotPath)
		switch {
		case err == nil:
			result.Found = true
			result.FromFile = true
			result.Snapshot = snap
		case errors.Is(err, os.ErrNotExist):
		default:
			return RecoverResult{}, err
		}
	}

	if cfg.JournalDir != "" {
		header, payload, ok, err := journal.Last(ctx, journal.PlaybackConfig{
			Dir:                   cfg.JournalDir,
			FilePrefix:            cfg.FilePrefix,
			DisableChecksum:       cfg.DisableChecksum,
			TolerateTruncatedTail: true,
		}, schema.EventTick)
		if err != nil {
			return RecoverResult{}, err
		}
		if ok {
			rec, err := codec.DecodeTick(payload)
			if err != nil {
				return RecoverResult{}, fmt.Errorf("recover: decode tick seq=%d: %w", header.Seq, err)
			}
			result.LastTick = &rec
			result.TickCount = header.Seq
			if !result.Found || rec.Positions.Seq >= result.Snapshot.Seq {
				result.Snapshot = rec.Positions
				result.FromFile = false
			}
			result.Found = true
		}
	}

	if result.Found {
		logs.Infof("recovered positions, seq: %d, entries: %d, from file: %t", result.Snapshot.Seq, len(result.Snapshot.Positions), result.FromFile)
	}
	return result, nil
}
