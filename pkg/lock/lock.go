// Package lock serialises transfers that touch overlapping accounts.
//
// Lockers always acquire account locks in ascending id order, so two
// transfers over the same pair in opposite directions cannot deadlock.
package lock

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrLockTimeout is returned when locks could not be acquired before the
	// context was done.
	ErrLockTimeout = errors.New("lock: timed out acquiring account locks")

	// ErrNoAccounts is returned when Lock is called without ids.
	ErrNoAccounts = errors.New("lock: no accounts to lock")
)

// Unlock releases every lock taken by one Lock call. It is safe to call more
// than once.
type Unlock func()

// Locker grants exclusive access to a set of accounts.
type Locker interface {
	// Lock blocks until every id is held or ctx is done.
	Lock(ctx context.Context, ids ...int64) (Unlock, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// normalize sorts ids ascending and removes duplicates.
func normalize(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

// Nop is a Locker that never blocks. Use it when the store's own row
// locking is the only serialisation wanted.
type Nop struct{}

func (Nop) Lock(ctx context.Context, ids ...int64) (Unlock, error) {
	if len(ids) == 0 {
		return nil, ErrNoAccounts
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

func (Nop) Name() string { return "none" }
