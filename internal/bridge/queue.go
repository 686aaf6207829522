package bridge

// queue is a FIFO ring that doubles its capacity when full. It is not safe
// for concurrent use; the bridge loop is its only owner.
type queue[T any] struct {
	buf   []T
	head  int
	count int
}

func newQueue[T any](capacity int) *queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &queue[T]{buf: make([]T, capacity)}
}

func (q *queue[T]) len() int { return q.count }

func (q *queue[T]) push(v T) {
	if q.count == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
}

func (q *queue[T]) peek() T {
	return q.buf[q.head]
}

func (q *queue[T]) pop() T {
	var zero T
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v
}

func (q *queue[T]) grow() {
	buf := make([]T, len(q.buf)*2)
	for i := 0; i < q.count; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
