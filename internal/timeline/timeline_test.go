package timeline

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestQueryRangeContainment(t *testing.T) {
	tl := New()
	tl.Append(Segment{Text: "hello", Start: 100, End: 200})
	tl.Append(Segment{Text: "there", Start: 200, End: 300})
	tl.Append(Segment{Text: "general", Start: 290, End: 410})
	tl.Append(Segment{Text: "kenobi", Start: 420, End: 500})

	cases := []struct {
		name       string
		start, end float64
		want       string
	}{
		{"all", 0, 1000, "hello there general kenobi "},
		{"exact bounds", 100, 300, "hello there "},
		{"partial overlap at end excluded", 100, 400, "hello there "},
		{"partial overlap at start excluded", 150, 500, "there general kenobi "},
		{"nothing enclosed", 210, 280, ""},
		{"single", 420, 500, "kenobi "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tl.QueryRange(tc.start, tc.end); got != tc.want {
				t.Fatalf("QueryRange(%v, %v) = %q, want %q", tc.start, tc.end, got, tc.want)
			}
		})
	}
}

func TestQueryRangeEmptyTimeline(t *testing.T) {
	tl := New()
	if got := tl.QueryRange(0, 1e12); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
}

func TestHesitationRenderedAtQueryTime(t *testing.T) {
	tl := New()
	tl.Append(Segment{Text: "%HESITATION", Start: 10, End: 20})
	tl.Append(Segment{Text: "yes", Start: 20, End: 30})

	for i := 0; i < 3; i++ {
		if got := tl.QueryRange(0, 100); got != "[UH] yes " {
			t.Fatalf("query %d: got %q", i, got)
		}
	}
	for seg := range tl.Segments(0, 100) {
		if seg.Text != HesitationToken {
			t.Fatalf("stored text was mutated: %+v", seg)
		}
		break
	}
}

func TestSegmentsIterator(t *testing.T) {
	tl := New()
	for i := 0; i < 5; i++ {
		tl.Append(Segment{Text: fmt.Sprintf("w%d", i), Start: float64(i * 10), End: float64(i*10 + 5)})
	}

	var got []string
	for seg := range tl.Segments(10, 35) {
		got = append(got, seg.Text)
	}
	if strings.Join(got, ",") != "w1,w2,w3" {
		t.Fatalf("unexpected segments %v", got)
	}

	count := 0
	for range tl.Segments(0, 100) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected early break after 2, got %d", count)
	}
}

func TestSegmentsMayReenterTimeline(t *testing.T) {
	tl := New()
	tl.Append(Segment{Text: "a", Start: 1, End: 2})
	for range tl.Segments(0, 10) {
		tl.Append(Segment{Text: "b", Start: 3, End: 4})
	}
	if tl.Len() != 2 {
		t.Fatalf("expected 2 segments, got %d", tl.Len())
	}
}

func TestAppendKeepsStartOrder(t *testing.T) {
	tl := New()
	tl.Append(Segment{Text: "b", Start: 200, End: 300})
	tl.Append(Segment{Text: "d", Start: 400, End: 500})
	tl.Append(Segment{Text: "a", Start: 100, End: 150})
	tl.Append(Segment{Text: "c", Start: 200, End: 250})
	tl.Append(Segment{Text: "e", Start: 600, End: 700})

	if got := tl.QueryRange(0, 1000); got != "a b c d e " {
		t.Fatalf("QueryRange = %q, want chronological order", got)
	}
	var prev float64
	for seg := range tl.Segments(0, 1000) {
		if seg.Start < prev {
			t.Fatalf("segment %q starts at %g before %g", seg.Text, seg.Start, prev)
		}
		prev = seg.Start
	}
}

func TestReset(t *testing.T) {
	tl := New()
	tl.Append(Segment{Text: "a", Start: 1, End: 2})
	tl.Reset()
	if tl.Len() != 0 {
		t.Fatalf("expected empty timeline after reset, got %d", tl.Len())
	}
	if got := tl.QueryRange(0, 10); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
}

func TestConcurrentAppendAndQuery(t *testing.T) {
	tl := New()
	const writers = 4
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				tl.Append(Segment{Text: "word", Start: 1, End: 2})
			}
		}()
	}

	done := make(chan struct{})
	errs := make(chan string, 1)
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			out := tl.QueryRange(0, 10)
			// every complete segment renders as exactly "word "
			if strings.ReplaceAll(out, "word ", "") != "" {
				select {
				case errs <- out:
				default:
				}
				return
			}
		}
	}()

	wg.Wait()
	<-done
	select {
	case out := <-errs:
		t.Fatalf("observed torn transcript %q", out)
	default:
	}
	if tl.Len() != writers*perWriter {
		t.Fatalf("expected %d segments, got %d", writers*perWriter, tl.Len())
	}
}
