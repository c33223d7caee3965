package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledger-transfer/pkg/transferlog"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process ledger. Units of work stage their writes
// privately and apply them under the store lock on Commit, so nothing a unit
// does is visible before it commits.
type MemoryStore struct {
	// accounts holds committed state
	accounts map[int64]Account

	// mu protects accounts
	mu sync.RWMutex

	// journal receives records appended through units of work
	journal *transferlog.MemoryLog

	now func() time.Time
}

// NewMemoryStore creates a store whose units append to journal.
func NewMemoryStore(journal *transferlog.MemoryLog) *MemoryStore {
	if journal == nil {
		journal = transferlog.NewMemoryLog()
	}
	return &MemoryStore{
		accounts: make(map[int64]Account),
		journal:  journal,
		now:      time.Now,
	}
}

// Journal returns the log that committed units write to.
func (s *MemoryStore) Journal() *transferlog.MemoryLog {
	return s.journal
}

// Seed inserts accounts when the store is empty.
func (s *MemoryStore) Seed(ctx context.Context, accounts []Account) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.accounts) > 0 {
		return 0, nil
	}
	for _, a := range accounts {
		if a.LastUpdated.IsZero() {
			a.LastUpdated = s.now().UTC()
		}
		s.accounts[a.ID] = a
	}
	return len(accounts), nil
}

// Get returns committed account state.
func (s *MemoryStore) Get(ctx context.Context, id int64) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return Account{}, NotFound(id)
	}
	return a, nil
}

// List returns all committed accounts ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Total returns the sum of all committed balances.
func (s *MemoryStore) Total() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, a := range s.accounts {
		total = total.Add(a.Balance)
	}
	return total
}

// Begin opens a unit of work.
func (s *MemoryStore) Begin(ctx context.Context) (UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryUnit{
		store:  s,
		base:   make(map[int64]Account),
		staged: make(map[int64]Account),
	}, nil
}

type memoryUnit struct {
	store *MemoryStore

	mu sync.Mutex
	// base is the committed state the unit first observed, checked again on commit
	base map[int64]Account
	// staged holds the unit's private view of modified accounts
	staged  map[int64]Account
	records []transferlog.Record
	closed  bool
}

func (u *memoryUnit) read(id int64) (Account, error) {
	if a, ok := u.staged[id]; ok {
		return a, nil
	}
	if a, ok := u.base[id]; ok {
		return a, nil
	}

	u.store.mu.RLock()
	a, ok := u.store.accounts[id]
	u.store.mu.RUnlock()
	if !ok {
		return Account{}, NotFound(id)
	}

	u.base[id] = a
	return a, nil
}

func (u *memoryUnit) Get(ctx context.Context, id int64) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return Account{}, ErrUnitClosed
	}
	return u.read(id)
}

func (u *memoryUnit) ApplyDelta(ctx context.Context, id int64, delta decimal.Decimal) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return Account{}, ErrUnitClosed
	}

	current, err := u.read(id)
	if err != nil {
		return Account{}, err
	}

	next := current.Balance.Add(delta)
	if next.IsNegative() {
		return Account{}, fmt.Errorf("%w: account %d balance %s delta %s",
			ErrConstraintViolation, id, current.Balance.StringFixed(2), delta.StringFixed(2))
	}

	current.Balance = next
	current.LastUpdated = u.store.now().UTC()
	u.staged[id] = current
	return current, nil
}

func (u *memoryUnit) Append(ctx context.Context, record transferlog.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := record.Validate(); err != nil {
		return 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, ErrUnitClosed
	}

	record.ID = u.store.journal.Reserve()
	if record.Timestamp.IsZero() {
		record.Timestamp = u.store.now().UTC()
	}
	u.records = append(u.records, record)
	return record.ID, nil
}

func (u *memoryUnit) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrUnitClosed
	}
	u.closed = true

	u.store.mu.Lock()
	for id := range u.staged {
		committed, ok := u.store.accounts[id]
		if !ok {
			u.store.mu.Unlock()
			return NotFound(id)
		}
		if !committed.Balance.Equal(u.base[id].Balance) {
			u.store.mu.Unlock()
			return fmt.Errorf("%w: account %d", ErrConflict, id)
		}
	}
	// Records land before balances, so a rejected record leaves both untouched.
	if err := u.store.journal.InsertAll(u.records); err != nil {
		u.store.mu.Unlock()
		return err
	}
	for id, a := range u.staged {
		u.store.accounts[id] = a
	}
	u.store.mu.Unlock()
	return nil
}

func (u *memoryUnit) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrUnitClosed
	}
	u.closed = true
	u.staged = nil
	u.records = nil
	return nil
}
