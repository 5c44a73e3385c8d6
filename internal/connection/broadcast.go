package connection

import (
	"sync"
	"time"
)

// stateBroadcaster fans state changes out to subscribers. Each subscriber
// has its own mailbox and goroutine, so publish never blocks and a callback
// may call back into the manager.
type stateBroadcaster struct {
	mu      sync.Mutex
	current StateChange
	subs    map[uint64]*stateSubscriber
	nextID  uint64
}

func newStateBroadcaster() *stateBroadcaster {
	return &stateBroadcaster{
		current: StateChange{From: StateIdle, To: StateIdle, At: time.Now()},
		subs:    make(map[uint64]*stateSubscriber),
	}
}

// Current returns the most recently published state.
func (b *stateBroadcaster) Current() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *stateBroadcaster) publish(c StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = c
	for _, sub := range b.subs {
		sub.enqueue(c)
	}
}

// subscribe registers fn. fn first receives the state as of now, then every
// later transition in publish order.
func (b *stateBroadcaster) subscribe(fn func(StateChange)) (unsubscribe func()) {
	sub := &stateSubscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	initial := b.current
	initial.From = initial.To
	sub.enqueue(initial)
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *stateBroadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type stateSubscriber struct {
	fn func(StateChange)

	mu    sync.Mutex
	queue []StateChange

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *stateSubscriber) enqueue(c StateChange) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stateSubscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *stateSubscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(c)
		}
	}
}
