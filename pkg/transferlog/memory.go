package transferlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process transfer log. It is safe for concurrent use.
//
// Ids come from a counter that never goes backwards. Reserved ids that are
// never inserted leave gaps, the same way a rolled back SQL sequence does.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     int64
	records map[int64]Record
	now     func() time.Time
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		records: make(map[int64]Record),
		now:     time.Now,
	}
}

// Append validates the record, assigns the next id and stores it.
func (l *MemoryLog) Append(ctx context.Context, record Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := record.Validate(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	record.ID = l.seq
	if record.Timestamp.IsZero() {
		record.Timestamp = l.now().UTC()
	}
	l.records[record.ID] = record

	return record.ID, nil
}

// Reserve hands out the next id without storing anything.
func (l *MemoryLog) Reserve() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	return l.seq
}

// Insert stores a record under an id previously obtained from Reserve.
func (l *MemoryLog) Insert(record Record) error {
	return l.InsertAll([]Record{record})
}

// InsertAll stores records under reserved ids. Either every record is
// stored or none is.
func (l *MemoryLog) InsertAll(records []Record) error {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[int64]struct{}, len(records))
	for _, r := range records {
		if r.ID <= 0 || r.ID > l.seq {
			return fmt.Errorf("%w: id %d was not reserved", ErrInvalidRecord, r.ID)
		}
		if _, exists := l.records[r.ID]; exists {
			return fmt.Errorf("%w: id %d already written", ErrInvalidRecord, r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: id %d repeated", ErrInvalidRecord, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	now := l.now().UTC()
	for _, r := range records {
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		l.records[r.ID] = r
	}
	return nil
}

// Recent returns up to limit records ordered by id, newest first.
func (l *MemoryLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all := l.All()
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// All returns every stored record ordered by id.
func (l *MemoryLog) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored records.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
