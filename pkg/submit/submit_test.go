package submit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestOrderPreserved(t *testing.T) {
	ctx := context.Background()
	args := slices.Values([]int{5, 4, 3, 2, 1, 0})

	// Later arguments finish first; completion order must still follow
	// submission order.
	fn := func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * 5 * time.Millisecond)
		return n * 10, nil
	}

	var got []int
	for res := range Each(ctx, 3, args, fn) {
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		got = append(got, res.Value)
	}
	want := []int{50, 40, 30, 20, 10, 0}
	if !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}
}

func TestBoundedInflight(t *testing.T) {
	ctx := context.Background()
	const width = 4
	var cur, peak atomic.Int32

	fn := func(_ context.Context, n int) (int, error) {
		c := cur.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		cur.Add(-1)
		return n, nil
	}

	var n int
	for range Each(ctx, width, seqN(64), fn) {
		n++
	}
	if n != 64 {
		t.Errorf("yielded %d results, want 64", n)
	}
	if p := peak.Load(); p > width {
		t.Errorf("observed %d concurrent jobs, want at most %d", p, width)
	}
}

func TestLazyConsumption(t *testing.T) {
	ctx := context.Background()
	var pulled atomic.Int32
	args := func(yield func(int) bool) {
		for i := 0; ; i++ {
			pulled.Add(1)
			if !yield(i) {
				return
			}
		}
	}

	fn := func(_ context.Context, n int) (int, error) { return n, nil }

	var seen int
	for res := range Each(ctx, 2, args, fn) {
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		seen++
		if seen == 5 {
			break
		}
	}
	// Stopping after five results must not have drained an unbounded
	// sequence: at most results + width + 1 pulls.
	if p := pulled.Load(); p > 5+2+1 {
		t.Errorf("pulled %d arguments for 5 results at width 2", p)
	}
}

func TestErrorsDoNotAbort(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	fn := func(_ context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, boom
		}
		return n, nil
	}

	var ok, failed int
	for res := range Each(ctx, 3, seqN(10), fn) {
		if res.Err != nil {
			failed++
			continue
		}
		ok++
	}
	if ok != 5 || failed != 5 {
		t.Errorf("got ok=%d failed=%d, want 5/5", ok, failed)
	}
}

func TestWidthOneIsSerial(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var trace []int
	fn := func(_ context.Context, n int) (int, error) {
		mu.Lock()
		trace = append(trace, n)
		mu.Unlock()
		return n, nil
	}
	for range Each(ctx, 1, seqN(8), fn) {
	}
	want := []int{0, 1, 2, 3, 4, 5, 6, 7}
	if !cmp.Equal(want, trace) {
		t.Error(cmp.Diff(want, trace))
	}
}

func TestChunks(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var got [][]int
	for c := range Chunks(items, 3) {
		got = append(got, slices.Clone(c))
	}
	want := [][]int{{1, 2, 3}, {4, 5, 6}, {7}}
	if !cmp.Equal(want, got) {
		t.Error(cmp.Diff(want, got))
	}
}

func seqN(n int) func(func(int) bool) {
	return func(yield func(int) bool) {
		for i := 0; i < n; i++ {
			if !yield(i) {
				return
			}
		}
	}
}
