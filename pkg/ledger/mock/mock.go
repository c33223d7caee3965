// Package mock provides a hook-driven ledger.Store for fault-injection tests.
package mock

import (
	"context"
	"errors"
	"sync/atomic"

	"ledger-transfer/pkg/ledger"
	"ledger-transfer/pkg/transferlog"

	"github.com/shopspring/decimal"
)

// ErrNoDelegate is returned by a hook-less call on a store with no delegate.
var ErrNoDelegate = errors.New("mock: no delegate store")

// MockStore implements ledger.Store. Calls go to the hook when set and to
// Delegate otherwise. Units returned by Begin are *MockUnit wrappers that
// apply the Unit* hooks.
type MockStore struct {
	Delegate ledger.Store

	// Store hooks
	GetFunc   func(ctx context.Context, id int64) (ledger.Account, error)
	ListFunc  func(ctx context.Context) ([]ledger.Account, error)
	BeginFunc func(ctx context.Context) (ledger.UnitOfWork, error)
	PingFunc  func(ctx context.Context) error

	// Unit hooks receive the delegate's unit so they can pass through,
	// fail, or fail after doing the real work.
	UnitGetFunc        func(ctx context.Context, inner ledger.UnitOfWork, id int64) (ledger.Account, error)
	UnitApplyDeltaFunc func(ctx context.Context, inner ledger.UnitOfWork, id int64, delta decimal.Decimal) (ledger.Account, error)
	UnitAppendFunc     func(ctx context.Context, inner ledger.UnitOfWork, record transferlog.Record) (int64, error)
	UnitCommitFunc     func(inner ledger.UnitOfWork) error

	// Call tracking (must use atomic operations for race-free access)
	beginCalls    int64
	commitCalls   int64
	rollbackCalls int64
	applyCalls    int64
	appendCalls   int64
}

var _ ledger.Store = (*MockStore)(nil)

// NewMockStore wraps delegate.
func NewMockStore(delegate ledger.Store) *MockStore {
	return &MockStore{Delegate: delegate}
}

func (m *MockStore) Get(ctx context.Context, id int64) (ledger.Account, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	if m.Delegate == nil {
		return ledger.Account{}, ErrNoDelegate
	}
	return m.Delegate.Get(ctx, id)
}

func (m *MockStore) List(ctx context.Context) ([]ledger.Account, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	if m.Delegate == nil {
		return nil, ErrNoDelegate
	}
	return m.Delegate.List(ctx)
}

func (m *MockStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	if m.Delegate == nil {
		return nil
	}
	return m.Delegate.Ping(ctx)
}

func (m *MockStore) Begin(ctx context.Context) (ledger.UnitOfWork, error) {
	atomic.AddInt64(&m.beginCalls, 1)
	if m.BeginFunc != nil {
		return m.BeginFunc(ctx)
	}
	if m.Delegate == nil {
		return nil, ErrNoDelegate
	}
	inner, err := m.Delegate.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &MockUnit{store: m, inner: inner}, nil
}

// BeginCalls returns the number of Begin calls (thread-safe).
func (m *MockStore) BeginCalls() int { return int(atomic.LoadInt64(&m.beginCalls)) }

// CommitCalls returns the number of Commit calls on its units.
func (m *MockStore) CommitCalls() int { return int(atomic.LoadInt64(&m.commitCalls)) }

// RollbackCalls returns the number of Rollback calls on its units.
func (m *MockStore) RollbackCalls() int { return int(atomic.LoadInt64(&m.rollbackCalls)) }

// ApplyCalls returns the number of ApplyDelta calls on its units.
func (m *MockStore) ApplyCalls() int { return int(atomic.LoadInt64(&m.applyCalls)) }

// AppendCalls returns the number of Append calls on its units.
func (m *MockStore) AppendCalls() int { return int(atomic.LoadInt64(&m.appendCalls)) }

// MockUnit wraps a delegate unit of work.
type MockUnit struct {
	store *MockStore
	inner ledger.UnitOfWork
}

func (u *MockUnit) Get(ctx context.Context, id int64) (ledger.Account, error) {
	if u.store.UnitGetFunc != nil {
		return u.store.UnitGetFunc(ctx, u.inner, id)
	}
	return u.inner.Get(ctx, id)
}

func (u *MockUnit) ApplyDelta(ctx context.Context, id int64, delta decimal.Decimal) (ledger.Account, error) {
	atomic.AddInt64(&u.store.applyCalls, 1)
	if u.store.UnitApplyDeltaFunc != nil {
		return u.store.UnitApplyDeltaFunc(ctx, u.inner, id, delta)
	}
	return u.inner.ApplyDelta(ctx, id, delta)
}

func (u *MockUnit) Append(ctx context.Context, record transferlog.Record) (int64, error) {
	atomic.AddInt64(&u.store.appendCalls, 1)
	if u.store.UnitAppendFunc != nil {
		return u.store.UnitAppendFunc(ctx, u.inner, record)
	}
	return u.inner.Append(ctx, record)
}

func (u *MockUnit) Commit() error {
	atomic.AddInt64(&u.store.commitCalls, 1)
	if u.store.UnitCommitFunc != nil {
		return u.store.UnitCommitFunc(u.inner)
	}
	return u.inner.Commit()
}

// Rollback always reaches the delegate so staged state is discarded.
func (u *MockUnit) Rollback() error {
	atomic.AddInt64(&u.store.rollbackCalls, 1)
	return u.inner.Rollback()
}

// MockAppender is a transferlog.Appender with an optional hook.
type MockAppender struct {
	Delegate   transferlog.Appender
	AppendFunc func(ctx context.Context, record transferlog.Record) (int64, error)

	appendCalls int64
}

var _ transferlog.Appender = (*MockAppender)(nil)

func (m *MockAppender) Append(ctx context.Context, record transferlog.Record) (int64, error) {
	atomic.AddInt64(&m.appendCalls, 1)
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, record)
	}
	if m.Delegate == nil {
		return 0, ErrNoDelegate
	}
	return m.Delegate.Append(ctx, record)
}

// AppendCalls returns the number of Append calls (thread-safe).
func (m *MockAppender) AppendCalls() int { return int(atomic.LoadInt64(&m.appendCalls)) }
