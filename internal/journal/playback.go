package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
)

// PlaybackConfig controls journal playback behavior.
type PlaybackConfig struct {
	Dir        string
	FilePrefix string
	// Speed paces records by their event time; zero replays as fast as possible.
	Speed float64
	// Types restricts playback to the listed event types.
	Types           []schema.EventType
	DisableChecksum bool
	MaxPayloadSize  int
	// TolerateTruncatedTail ends playback quietly at a torn final record,
	// which is what a crash mid-append leaves behind.
	TolerateTruncatedTail bool
}

// Handler receives each record. The payload is only valid during the call.
type Handler func(header schema.EventHeader, payload []byte) error

// Clock allows deterministic playback control.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Playback replays journal records in file order.
type Playback struct {
	cfg   PlaybackConfig
	clock Clock
	types map[schema.EventType]struct{}
}

// NewPlayback validates the config and creates a playback engine.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Playback{cfg: cfg, clock: realClock{}}
	if len(cfg.Types) > 0 {
		p.types = make(map[schema.EventType]struct{}, len(cfg.Types))
		for _, t := range cfg.Types {
			p.types[t] = struct{}{}
		}
	}
	return p, nil
}

// Validate checks if the config is usable.
func (c PlaybackConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid playback config: Dir is empty")
	}
	if c.Speed < 0 {
		return fmt.Errorf("invalid playback config: Speed must be >= 0")
	}
	if c.MaxPayloadSize < 0 {
		return fmt.Errorf("invalid playback config: MaxPayloadSize must be >= 0")
	}
	return nil
}

// WithClock swaps the clock implementation.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Files lists the journal segments in replay order.
func (p *Playback) Files() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := p.cfg.FilePrefix + "-"
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		files = append(files, filepath.Join(p.cfg.Dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Run replays every record and calls the handler for each one.
func (p *Playback) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("playback handler is nil")
	}
	files, err := p.Files()
	if err != nil {
		return err
	}
	var prevTS int64
	for i, path := range files {
		last := i == len(files)-1
		if err := p.playFile(ctx, path, last, handler, &prevTS); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playback) playFile(ctx context.Context, path string, last bool, handler Handler, prevTS *int64) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := NewReader(file, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, payload, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if last && p.cfg.TolerateTruncatedTail && errors.Is(err, ErrTruncated) {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
		if p.types != nil {
			if _, ok := p.types[header.Type]; !ok {
				continue
			}
		}
		if err := p.pace(ctx, header, prevTS); err != nil {
			return err
		}
		if err := handler(header, payload); err != nil {
			return err
		}
	}
}

func (p *Playback) pace(ctx context.Context, header schema.EventHeader, prevTS *int64) error {
	if p.cfg.Speed <= 0 || header.TsEvent <= 0 {
		return nil
	}
	if *prevTS > 0 {
		if delta := header.TsEvent - *prevTS; delta > 0 {
			if err := p.clock.Sleep(ctx, time.Duration(float64(delta)/p.cfg.Speed)); err != nil {
				return err
			}
		}
	}
	*prevTS = header.TsEvent
	return nil
}

// Last returns a copy of the final record of the given type, false when none exists.
func Last(ctx context.Context, cfg PlaybackConfig, eventType schema.EventType) (schema.EventHeader, []byte, bool, error) {
	cfg.Types = []schema.EventType{eventType}
	cfg.Speed = 0
	pb, err := NewPlayback(cfg)
	if err != nil {
		return schema.EventHeader{}, nil, false, err
	}
	var (
		header  schema.EventHeader
		payload []byte
		found   bool
	)
	err = pb.Run(ctx, func(h schema.EventHeader, b []byte) error {
		header = h
		payload = append(payload[:0], b...)
		found = true
		return nil
	})
	if err != nil {
		return schema.EventHeader{}, nil, false, err
	}
	return header, payload, found, nil
}
