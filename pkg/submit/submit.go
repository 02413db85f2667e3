// Package submit provides a bounded submitter: a worker pool that consumes
// an argument sequence while keeping a fixed number of jobs in flight and
// yielding completions in submission order.
package submit

import (
	"context"
	"iter"
)

// Func is the work function run for every argument.
type Func[A, R any] func(ctx context.Context, arg A) (R, error)

// Result pairs an argument with its outcome.
type Result[A, R any] struct {
	Arg   A
	Value R
	Err   error
}

// Each runs fn over args with at most width jobs in flight and yields one
// Result per argument, in submission order. The next argument is pulled
// only as a prior job completes, so an unbounded args sequence is consumed
// incrementally.
//
// Cancellation is observed through fn: workers receive ctx and are expected
// to return promptly once it is done. Stopping the iteration early is safe;
// in-flight jobs run to completion into buffered channels and are
// discarded.
func Each[A, R any](ctx context.Context, width int, args iter.Seq[A], fn Func[A, R]) iter.Seq[Result[A, R]] {
	if width < 1 {
		width = 1
	}
	return func(yield func(Result[A, R]) bool) {
		next, stop := iter.Pull(args)
		defer stop()

		inflight := make([]chan Result[A, R], 0, width)
		submit := func() bool {
			arg, ok := next()
			if !ok {
				return false
			}
			ch := make(chan Result[A, R], 1)
			go func() {
				v, err := fn(ctx, arg)
				ch <- Result[A, R]{Arg: arg, Value: v, Err: err}
			}()
			inflight = append(inflight, ch)
			return true
		}

		for len(inflight) < width && submit() {
		}
		for len(inflight) > 0 {
			head := inflight[0]
			inflight = inflight[1:]
			res := <-head
			submit()
			if !yield(res) {
				return
			}
		}
	}
}

// Chunks splits items into batches of at most size elements. The final
// batch may be short. Batches share the backing array of items.
func Chunks[T any](items []T, size int) iter.Seq[[]T] {
	if size < 1 {
		size = 1
	}
	return func(yield func([]T) bool) {
		for i := 0; i < len(items); i += size {
			j := min(i+size, len(items))
			if !yield(items[i:j]) {
				return
			}
		}
	}
}
