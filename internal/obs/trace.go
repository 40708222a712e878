package obs

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequence hands out monotonically increasing tick sequence numbers.
type Sequence struct {
	last uint64
}

// NewSequence starts after last, so a recovered run continues its numbering.
func NewSequence(last uint64) *Sequence {
	return &Sequence{last: last}
}

// Next returns the next sequence number.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.last, 1)
}

// Last returns the most recently issued number.
func (s *Sequence) Last() uint64 {
	if s == nil {
		return 0
	}
	return atomic.LoadUint64(&s.last)
}

// NewRunID returns a random run identifier.
func NewRunID() string {
	return uuid.NewString()
}
