package marketdata

import (
	"sort"
	"time"
)

type point[T any] struct {
	ts    time.Time
	value T
}

// series is a time-ordered sequence of values. A later value at the same
// timestamp replaces the earlier one.
type series[T any] struct {
	points []point[T]
}

func (s *series[T]) add(ts time.Time, v T) {
	n := len(s.points)
	if n == 0 || ts.After(s.points[n-1].ts) {
		s.points = append(s.points, point[T]{ts: ts, value: v})
		return
	}
	idx := sort.Search(n, func(i int) bool { return !s.points[i].ts.Before(ts) })
	if idx < n && s.points[idx].ts.Equal(ts) {
		s.points[idx].value = v
		return
	}
	s.points = append(s.points, point[T]{})
	copy(s.points[idx+1:], s.points[idx:])
	s.points[idx] = point[T]{ts: ts, value: v}
}

// at returns the latest value at or before ts. A positive maxAge rejects values
// older than ts-maxAge.
func (s *series[T]) at(ts time.Time, maxAge time.Duration) (T, bool) {
	var zero T
	if s == nil || len(s.points) == 0 {
		return zero, false
	}
	idx := sort.Search(len(s.points), func(i int) bool { return s.points[i].ts.After(ts) })
	if idx == 0 {
		return zero, false
	}
	p := s.points[idx-1]
	if maxAge > 0 && ts.Sub(p.ts) > maxAge {
		return zero, false
	}
	return p.value, true
}

func (s *series[T]) span() (time.Time, time.Time, bool) {
	if s == nil || len(s.points) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.points[0].ts, s.points[len(s.points)-1].ts, true
}
