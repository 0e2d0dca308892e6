package operation

import (
	"sync"
	"sync/atomic"
	"time"
)

const dropLogInterval = 5 * time.Second

// fanout wakes subscribers whenever the relay signals new progress. Each
// subscriber channel holds at most one pending wake-up, so a slow reader sees
// a single coalesced signal and then reads the latest snapshot. Sends never
// block the supervisor.
type fanout struct {
	mu     sync.Mutex
	subs   map[uint64]chan struct{}
	nextID uint64
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[uint64]chan struct{})}
}

// subscribe registers a new subscriber. After close it returns a closed channel.
func (f *fanout) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// broadcast returns how many subscribers already had a pending wake-up.
func (f *fanout) broadcast() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	coalesced := 0
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
			coalesced++
		}
	}
	return coalesced
}

func (f *fanout) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// close ends every subscription. Readers drain a pending wake-up and then see
// the channel closed.
func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
