package remote

import "sync"

// Mailbox delivers values to a single consumer goroutine in arrival order,
// keeping only the newest undelivered value. It suits full-snapshot streams where
// an older pending snapshot is superseded by a newer one.
type Mailbox[T any] struct {
	fn func(T)

	mu      sync.Mutex
	pending T
	has     bool
	closed  bool

	signal chan struct{}
	done   chan struct{}
}

// NewMailbox starts the consumer goroutine.
func NewMailbox[T any](fn func(T)) *Mailbox[T] {
	m := &Mailbox[T]{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Put replaces the pending value. It never blocks.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = v
	m.has = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Close drops any pending value and stops the consumer. Safe to call more than once.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	var zero T
	m.pending, m.has = zero, false
	close(m.done)
}

func (m *Mailbox[T]) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		v, ok := m.pending, m.has
		var zero T
		m.pending, m.has = zero, false
		m.mu.Unlock()

		if ok {
			m.fn(v)
		}
	}
}
