package sink

import (
	"context"

	"github.com/IggyIkenna/basis-strategy-v1/internal/codec"
	"github.com/IggyIkenna/basis-strategy-v1/internal/journal"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
)

// Journal appends tick records to the binary journal. With sync set every
// Append waits until the record is on disk.
type Journal struct {
	w    *journal.Writer
	sync bool
	own  bool
}

// NewJournal wraps a started writer. The caller keeps ownership of w.
func NewJournal(w *journal.Writer, sync bool) *Journal {
	return &Journal{w: w, sync: sync}
}

// OpenJournal creates and starts a writer owned by the sink.
func OpenJournal(ctx context.Context, cfg journal.Config) (*Journal, error) {
	w, err := journal.NewWriter(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return &Journal{w: w, sync: cfg.SyncEveryRecord, own: true}, nil
}

func (j *Journal) Writer() *journal.Writer { return j.w }

func (j *Journal) Append(ctx context.Context, rec schema.TickRecord) error {
	payload, err := codec.EncodeTick(rec)
	if err != nil {
		return err
	}
	header := schema.NewHeader(schema.EventTick, 0, rec.Seq, rec.Timestamp.UnixNano(), 0)
	if err := j.w.Append(ctx, header, payload); err != nil {
		return err
	}
	if j.sync {
		return j.w.Sync(ctx)
	}
	return nil
}

// Run records a run start or stop marker.
func (j *Journal) Run(ctx context.Context, typ schema.EventType, ev schema.RunEvent) error {
	payload, err := codec.EncodeRunEvent(ev)
	if err != nil {
		return err
	}
	header := schema.NewHeader(typ, 0, 0, ev.Timestamp.UnixNano(), 0)
	if err := j.w.Append(ctx, header, payload); err != nil {
		return err
	}
	return j.w.Sync(ctx)
}

// Seed records the initial position snapshot of a run.
func (j *Journal) Seed(ctx context.Context, snap schema.PositionSnapshot) error {
	payload, err := codec.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	header := schema.NewHeader(schema.EventSeed, 0, snap.Seq, snap.Timestamp.UnixNano(), 0)
	if err := j.w.Append(ctx, header, payload); err != nil {
		return err
	}
	return j.w.Sync(ctx)
}

// Close flushes the journal; the writer is closed only when owned.
func (j *Journal) Close() error {
	if !j.own {
		return j.w.Sync(context.Background())
	}
	return j.w.Close()
}
