package review

import "sync"

// cardLocks hands out one mutex per card ID. Entries are dropped once no
// goroutine holds or waits on them.
type cardLocks struct {
	mu    sync.Mutex
	locks map[string]*cardLock
}

type cardLock struct {
	mu      sync.Mutex
	waiters int
}

func newCardLocks() *cardLocks {
	return &cardLocks{locks: make(map[string]*cardLock)}
}

// lock blocks until id is free and returns the matching unlock.
func (l *cardLocks) lock(id string) func() {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &cardLock{}
		l.locks[id] = cl
	}
	cl.waiters++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.waiters--
		if cl.waiters == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *cardLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
