package lock

import (
	"context"
	"fmt"
	"sync"
)

// LocalLocker holds per-account locks inside the process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]*slot)}
}

func (l *LocalLocker) Name() string { return "local" }

// Lock acquires ids in ascending order, releasing any partial set if ctx is
// done first.
func (l *LocalLocker) Lock(ctx context.Context, ids ...int64) (Unlock, error) {
	ids = normalize(ids)
	if len(ids) == 0 {
		return nil, ErrNoAccounts
	}

	held := make([]int64, 0, len(ids))
	for _, id := range ids {
		s := l.acquireSlot(id)
		select {
		case s.ch <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			l.releaseSlot(id, false)
			l.release(held)
			return nil, fmt.Errorf("%w: account %d: %v", ErrLockTimeout, id, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *LocalLocker) release(ids []int64) {
	for i := len(ids) - 1; i >= 0; i-- {
		l.releaseSlot(ids[i], true)
	}
}

func (l *LocalLocker) acquireSlot(id int64) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

// releaseSlot drops a reference and, when held, frees the slot. Slots with
// no waiters are removed so the map tracks only contended accounts.
func (l *LocalLocker) releaseSlot(id int64, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slots[id]
	if held {
		<-s.ch
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

// Held returns how many accounts currently have a holder or a waiter.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
