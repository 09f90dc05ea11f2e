package dispatch

import "sync"

// parentLocks serializes reply handling per parent query. Completion
// evaluation and child-state mutation are read-modify-write on shared
// parent state; replies for different parents may run concurrently.
//
// Entries are reference-counted: an acquire while another holder or waiter
// exists reuses the same mutex, and the entry is dropped only when the last
// holder releases. Two late replies for one child therefore never race on a
// fresh mutex.
type parentLocks struct {
	mu    sync.Mutex
	locks map[int64]*parentLock
}

type parentLock struct {
	mu   sync.Mutex
	refs int
}

func newParentLocks() *parentLocks {
	return &parentLocks{locks: make(map[int64]*parentLock)}
}

// acquire locks the mutex for the given parent id and returns the release
// function. Release must be called exactly once.
func (p *parentLocks) acquire(parentID int64) func() {
	p.mu.Lock()
	lock, ok := p.locks[parentID]
	if !ok {
		lock = &parentLock{}
		p.locks[parentID] = lock
	}
	lock.refs++
	p.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(p.locks, parentID)
		}
		p.mu.Unlock()
	}
}
