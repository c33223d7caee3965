package transferlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func successRecord() Record {
	return Record{
		FromAccount: 1,
		ToAccount:   2,
		Amount:      decimal.RequireFromString("100.00"),
		Status:      StatusSuccess,
	}
}

func TestRecord_Validate(t *testing.T) {
	ok := successRecord()
	if err := ok.Validate(); err != nil {
		t.Fatalf("Expected valid record, got %v", err)
	}

	failedWithoutMessage := successRecord()
	failedWithoutMessage.Status = StatusFailed
	if err := failedWithoutMessage.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord for FAILED without message, got %v", err)
	}

	successWithMessage := successRecord()
	successWithMessage.ErrorMessage = "boom"
	if err := successWithMessage.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord for SUCCESS with message, got %v", err)
	}

	zero := successRecord()
	zero.Amount = decimal.Zero
	if err := zero.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord for zero amount, got %v", err)
	}

	unknown := successRecord()
	unknown.Status = "PENDING"
	if err := unknown.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord for unknown status, got %v", err)
	}
}

func TestMemoryLog_AppendAssignsIncreasingIDs(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	first, err := log.Append(ctx, successRecord())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	second, err := log.Append(ctx, successRecord())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if second <= first {
		t.Errorf("Expected increasing ids, got %d then %d", first, second)
	}

	all := log.All()
	if len(all) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(all))
	}
	if all[0].Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestMemoryLog_ReserveAndInsert(t *testing.T) {
	log := NewMemoryLog()

	id := log.Reserve()
	abandoned := log.Reserve()

	rec := successRecord()
	rec.ID = id
	if err := log.Insert(rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := log.Insert(rec); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected duplicate insert to fail, got %v", err)
	}

	next, err := log.Append(context.Background(), successRecord())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if next <= abandoned {
		t.Errorf("Expected id after the abandoned reservation, got %d", next)
	}
	if log.Len() != 2 {
		t.Errorf("Expected 2 records, got %d", log.Len())
	}

	unreserved := successRecord()
	unreserved.ID = 99
	if err := log.Insert(unreserved); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Expected unreserved id to be rejected, got %v", err)
	}
}

func TestMemoryLog_InsertAllIsAllOrNothing(t *testing.T) {
	log := NewMemoryLog()

	first := successRecord()
	first.ID = log.Reserve()
	taken := successRecord()
	taken.ID = log.Reserve()
	if err := log.Insert(taken); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := log.InsertAll([]Record{first, taken}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Expected batch with a written id to fail, got %v", err)
	}
	if log.Len() != 1 {
		t.Errorf("Expected the failed batch to store nothing, got %d records", log.Len())
	}

	if err := log.InsertAll([]Record{first, first}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Expected repeated id to fail, got %v", err)
	}

	if err := log.InsertAll([]Record{first}); err != nil {
		t.Fatalf("InsertAll failed: %v", err)
	}
	if log.Len() != 2 {
		t.Errorf("Expected 2 records, got %d", log.Len())
	}
}

func TestMemoryLog_RecentNewestFirst(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, successRecord()); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := log.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(recent))
	}
	if recent[0].ID != 5 || recent[2].ID != 3 {
		t.Errorf("Expected ids 5..3, got %d..%d", recent[0].ID, recent[2].ID)
	}
}

func TestMemoryLog_ConcurrentAppend(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.Append(ctx, successRecord()); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if log.Len() != 50 {
		t.Errorf("Expected 50 records, got %d", log.Len())
	}
}
