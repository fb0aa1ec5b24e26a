package batch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a bulk operation.
type Kind string

const (
	KindStatusUpdate Kind = "status_update"
	KindLogWrite     Kind = "log_write"
	KindNotification Kind = "notification"
	KindCleanup      Kind = "cleanup"
)

// Limits bound the chunk size of one kind.
type Limits struct {
	Base int
	Min  int
	Max  int
}

// DefaultLimits returns the built-in limits per kind.
func DefaultLimits() map[Kind]Limits {
	return map[Kind]Limits{
		KindStatusUpdate: {Base: 100, Min: 10, Max: 500},
		KindLogWrite:     {Base: 200, Min: 20, Max: 1000},
		KindNotification: {Base: 50, Min: 5, Max: 200},
		KindCleanup:      {Base: 500, Min: 50, Max: 2000},
	}
}

// fallbackLimits apply to kinds without configured limits.
var fallbackLimits = Limits{Base: 100, Min: 10, Max: 1000}

const windowSize = 20

type sample struct {
	d  time.Duration
	ok bool
}

// window is a fixed ring of the most recent samples.
type window struct {
	samples [windowSize]sample
	next    int
	n       int
}

func (w *window) add(s sample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % windowSize
	if w.n < windowSize {
		w.n++
	}
}

func (w *window) stats() (avg time.Duration, successRate float64, n int) {
	if w.n == 0 {
		return 0, 1, 0
	}
	var total time.Duration
	ok := 0
	for i := 0; i < w.n; i++ {
		total += w.samples[i].d
		if w.samples[i].ok {
			ok++
		}
	}
	return total / time.Duration(w.n), float64(ok) / float64(w.n), w.n
}

// Counters are cumulative, lock-free totals for one kind.
type Counters struct {
	Chunks       atomic.Int64
	FailedChunks atomic.Int64
	Items        atomic.Int64
	FailedItems  atomic.Int64
}

// Stats is a point-in-time view of one kind.
type Stats struct {
	AvgDuration  time.Duration
	SuccessRate  float64
	Samples      int
	Chunks       int64
	FailedChunks int64
	Items        int64
	FailedItems  int64
}

// Sizer computes chunk sizes from a rolling window of recent chunk outcomes.
type Sizer struct {
	limits     map[Kind]Limits
	slow       time.Duration
	minSuccess float64

	mu      sync.Mutex
	windows map[Kind]*window
	totals  sync.Map // Kind -> *Counters
}

// SizerOption customises a Sizer.
type SizerOption func(*Sizer)

// WithLimits overrides the limits of one kind.
func WithLimits(k Kind, l Limits) SizerOption {
	return func(s *Sizer) { s.limits[k] = l }
}

// WithSlowThreshold sets the average chunk duration above which sizes shrink
// by 20%.
func WithSlowThreshold(d time.Duration) SizerOption {
	return func(s *Sizer) { s.slow = d }
}

// WithMinSuccessRate sets the success rate below which sizes shrink by 10%.
func WithMinSuccessRate(r float64) SizerOption {
	return func(s *Sizer) { s.minSuccess = r }
}

// NewSizer creates a Sizer with DefaultLimits, a 5s slow threshold and a
// 90% minimum success rate.
func NewSizer(opts ...SizerOption) *Sizer {
	s := &Sizer{
		limits:     DefaultLimits(),
		slow:       5 * time.Second,
		minSuccess: 0.9,
		windows:    make(map[Kind]*window),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the bounds used for k.
func (s *Sizer) Limits(k Kind) Limits {
	if l, ok := s.limits[k]; ok {
		return l
	}
	return fallbackLimits
}

// Optimal returns the chunk size for n remaining items of kind k. It starts
// from the base size, shrinks it by 20% when recent chunks were slow and by
// 10% when too many failed, and never leaves [Min, Max]. When fewer than the
// computed size remain, the remainder is returned, but never less than Min.
func (s *Sizer) Optimal(n int, k Kind) int {
	l := s.Limits(k)

	s.mu.Lock()
	w := s.windows[k]
	var avg time.Duration
	rate, samples := 1.0, 0
	if w != nil {
		avg, rate, samples = w.stats()
	}
	s.mu.Unlock()

	size := float64(l.Base)
	if samples > 0 {
		if avg > s.slow {
			size *= 0.8
		}
		if rate < s.minSuccess {
			size *= 0.9
		}
	}

	out := clamp(int(size), l.Min, l.Max)
	if n > 0 && n < out {
		out = max(n, l.Min)
	}
	return out
}

// Record adds the outcome of one chunk of size items.
func (s *Sizer) Record(k Kind, size int, d time.Duration, ok bool) {
	s.mu.Lock()
	w := s.windows[k]
	if w == nil {
		w = &window{}
		s.windows[k] = w
	}
	w.add(sample{d: d, ok: ok})
	s.mu.Unlock()

	c := s.counters(k)
	c.Chunks.Add(1)
	c.Items.Add(int64(size))
	if !ok {
		c.FailedChunks.Add(1)
		c.FailedItems.Add(int64(size))
	}
}

// Stats returns the rolling window and cumulative counters for k.
func (s *Sizer) Stats(k Kind) Stats {
	s.mu.Lock()
	var st Stats
	if w := s.windows[k]; w != nil {
		st.AvgDuration, st.SuccessRate, st.Samples = w.stats()
	} else {
		st.SuccessRate = 1
	}
	s.mu.Unlock()

	c := s.counters(k)
	st.Chunks = c.Chunks.Load()
	st.FailedChunks = c.FailedChunks.Load()
	st.Items = c.Items.Load()
	st.FailedItems = c.FailedItems.Load()
	return st
}

func (s *Sizer) counters(k Kind) *Counters {
	v, _ := s.totals.LoadOrStore(k, &Counters{})
	return v.(*Counters)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
