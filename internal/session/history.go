package session

// history is a fixed-capacity FIFO ring; pushing onto a full ring evicts
// the oldest element.
type history[T any] struct {
	buf   []T
	start int
	size  int
}

func newHistory[T any](capacity int) *history[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &history[T]{buf: make([]T, capacity)}
}

func (h *history[T]) Push(v T) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = v
		h.size++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history[T]) Len() int { return h.size }

// Last returns up to n of the newest elements, oldest first.
func (h *history[T]) Last(n int) []T {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

// All returns every element, oldest first.
func (h *history[T]) All() []T { return h.Last(h.size) }
