// Package sink persists per-tick results.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
)

// Sink receives one record per completed tick. Append must not retain
// rec after returning.
type Sink interface {
	Append(ctx context.Context, rec schema.TickRecord) error
	Close() error
}

// FanOut appends every record to each sink in order. It stops at the
// first failing sink so a record is never half-persisted silently.
type FanOut []Sink

func (f FanOut) Append(ctx context.Context, rec schema.TickRecord) error {
	for _, s := range f {
		if err := s.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (f FanOut) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps records in process. Backtests read results from it.
type Memory struct {
	mu      sync.RWMutex
	records []schema.TickRecord
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, rec schema.TickRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Records returns a copy of everything appended so far.
func (m *Memory) Records() []schema.TickRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.TickRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Last returns the most recent record.
func (m *Memory) Last() (schema.TickRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return schema.TickRecord{}, false
	}
	return m.records[len(m.records)-1], true
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
