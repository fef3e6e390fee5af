package timeline

import (
	"iter"
	"sort"
	"strings"
	"sync"
)

// HesitationToken is the marker the recognition service emits for a filled pause.
const HesitationToken = "%HESITATION"

// HesitationDisplay replaces HesitationToken in query output.
const HesitationDisplay = "[UH]"

// Segment is one finalized span of recognized speech. Start and End are
// absolute milliseconds since the Unix epoch.
type Segment struct {
	Text  string
	Start float64
	End   float64
}

// Timeline is an append-only store of segments kept in non-decreasing Start
// order.
type Timeline struct {
	mu       sync.RWMutex
	segments []Segment
}

func New() *Timeline {
	return &Timeline{}
}

// Append adds seg after every segment whose Start is not later than its own.
// In-order appends go to the end; a late segment is placed by Start.
func (t *Timeline) Append(seg Segment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.segments)
	if n == 0 || t.segments[n-1].Start <= seg.Start {
		t.segments = append(t.segments, seg)
		return
	}
	i := sort.Search(n, func(i int) bool { return t.segments[i].Start > seg.Start })
	t.segments = append(t.segments, Segment{})
	copy(t.segments[i+1:], t.segments[i:])
	t.segments[i] = seg
}

// Reset discards every segment.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.segments = nil
	t.mu.Unlock()
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segments)
}

// QueryRange concatenates the rendered text of every segment fully contained
// in [start, end]. Each included segment is followed by a single space.
func (t *Timeline) QueryRange(start, end float64) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	for _, seg := range t.segments {
		if !contained(seg, start, end) {
			continue
		}
		b.WriteString(Render(seg.Text))
		b.WriteByte(' ')
	}
	return b.String()
}

// Segments yields the raw segments fully contained in [start, end]. The
// matches are copied under the read lock, so the consumer may call back into
// the timeline while iterating.
func (t *Timeline) Segments(start, end float64) iter.Seq[Segment] {
	t.mu.RLock()
	var matched []Segment
	for _, seg := range t.segments {
		if contained(seg, start, end) {
			matched = append(matched, seg)
		}
	}
	t.mu.RUnlock()

	return func(yield func(Segment) bool) {
		for _, seg := range matched {
			if !yield(seg) {
				return
			}
		}
	}
}

// Render converts raw service text into display text.
func Render(text string) string {
	return strings.ReplaceAll(text, HesitationToken, HesitationDisplay)
}

func contained(seg Segment, start, end float64) bool {
	return seg.Start >= start && seg.End <= end
}
