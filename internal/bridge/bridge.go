// Package bridge merges independently paced producers into one ordered
// consumer-facing stream.
package bridge

import "context"

const initialQueueSize = 64

// Merge forwards every value received on a and b to the returned channel.
//
// Values from the same input keep their relative order; no order is implied
// between a and b. Producers never wait on the consumer: values are queued
// without bound until the consumer takes them. Closing one input does not
// stop the bridge. The output is closed once both inputs are closed and the
// queue is drained, or as soon as ctx is cancelled, in which case queued
// values are discarded.
func Merge[T any](ctx context.Context, a, b <-chan T) <-chan T {
	out := make(chan T)
	go merge(ctx, a, b, out)
	return out
}

func merge[T any](ctx context.Context, a, b <-chan T, out chan<- T) {
	defer close(out)

	q := newQueue[T](initialQueueSize)
	for a != nil || b != nil || q.len() > 0 {
		// A nil send channel disables the case while the queue is empty.
		var send chan<- T
		var next T
		if q.len() > 0 {
			send = out
			next = q.peek()
		}

		select {
		case <-ctx.Done():
			return
		case v, ok := <-a:
			if !ok {
				a = nil
				continue
			}
			q.push(v)
		case v, ok := <-b:
			if !ok {
				b = nil
				continue
			}
			q.push(v)
		case send <- next:
			q.pop()
		}
	}
}

// Map applies fn to every value of in. The output closes when in closes or
// ctx is cancelled.
func Map[A, B any](ctx context.Context, in <-chan A, fn func(A) B) <-chan B {
	out := make(chan B)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- fn(v):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
