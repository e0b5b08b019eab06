package api

import "sync"

// Subscription delivers snapshots of T to a single consumer until cancelled.
// Every snapshot carries the full state of the watched query, so an
// unconsumed snapshot may be replaced by a newer one. After Cancel, late
// publishes are silently dropped; a listener firing after its owner tore the
// subscription down can never reach stale consumer state.
type Subscription[T any] struct {
	ch   chan T
	done chan struct{}

	mu       sync.Mutex
	once     sync.Once
	onCancel []func()
}

func NewSubscription[T any]() *Subscription[T] {
	return &Subscription[T]{
		ch:   make(chan T, 1),
		done: make(chan struct{}),
	}
}

// C is the snapshot channel. It is never closed; receive together with Done.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done is closed when the subscription is cancelled.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Cancel stops delivery and runs the registered detach hooks. Idempotent.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		hooks := s.onCancel
		s.onCancel = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

// OnCancel registers a hook run once when the subscription is cancelled,
// typically detaching the underlying store listener. If the subscription is
// already cancelled the hook runs immediately.
func (s *Subscription[T]) OnCancel(fn func()) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		fn()
		return
	default:
	}
	s.onCancel = append(s.onCancel, fn)
	s.mu.Unlock()
}

// Publish hands a snapshot to the consumer. Store implementations call this
// from their listener goroutines. If the previous snapshot was not consumed
// yet it is replaced; if the subscription is cancelled the value is dropped.
func (s *Subscription[T]) Publish(v T) {
	for {
		// Cancellation is checked on its own: a select with both done and
		// the send ready picks at random, which would leak snapshots past
		// Cancel.
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.ch <- v:
			return
		default:
		}
		// Evict the unconsumed snapshot and retry with the newer one.
		select {
		case <-s.ch:
		default:
		}
	}
}
