package asyncmap

import "sync"

// fifoLock is a mutual exclusion lock that grants ownership to waiters in the
// order they arrived. Ownership is handed directly from the releasing holder
// to the oldest waiter, so a late arrival can never overtake a queued one.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (l *fifoLock) lock() {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return
	}

	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	<-ch
}

func (l *fifoLock) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		panic("asyncmap: unlock of unlocked map")
	}

	if len(l.waiters) == 0 {
		l.held = false
		return
	}

	next := l.waiters[0]
	l.waiters[0] = nil
	l.waiters = l.waiters[1:]
	close(next)
}
