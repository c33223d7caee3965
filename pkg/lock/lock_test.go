package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNormalize(t *testing.T) {
	got := normalize([]int64{3, 1, 3, 2, 1})
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestLocalLocker_ExclusiveAccess(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Alternate direction; ordering must prevent deadlock.
			a, b := int64(1), int64(2)
			if i%2 == 0 {
				a, b = b, a
			}
			unlock, err := l.Lock(ctx, a, b)
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("Expected exclusive access, %d holders", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}(i)
	}
	wg.Wait()

	if l.Held() != 0 {
		t.Errorf("Expected no slots left, got %d", l.Held())
	}
}

func TestLocalLocker_Timeout(t *testing.T) {
	l := NewLocalLocker()

	unlock, err := l.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := l.Lock(ctx, 2, 1); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}

	// Account 2 must have been released when 1 could not be taken.
	unlock2, err := l.Lock(context.Background(), 2)
	if err != nil {
		t.Fatalf("Expected account 2 to be free, got %v", err)
	}
	unlock2()
	unlock()
	unlock()

	if l.Held() != 0 {
		t.Errorf("Expected no slots left, got %d", l.Held())
	}
}

func TestLocalLocker_NoAccounts(t *testing.T) {
	if _, err := NewLocalLocker().Lock(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Errorf("Expected ErrNoAccounts, got %v", err)
	}
}

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := DefaultRedisLockerConfig()
	config.Addr = mr.Addr()
	config.TTL = time.Second

	l, err := NewRedisLocker(config)
	if err != nil {
		t.Fatalf("NewRedisLocker failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func TestRedisLocker_LockAndRelease(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if !mr.Exists("ledger:lock:1") || !mr.Exists("ledger:lock:2") {
		t.Fatalf("Expected both lock keys, got %v", mr.Keys())
	}

	unlock()
	if len(mr.Keys()) != 0 {
		t.Errorf("Expected keys released, got %v", mr.Keys())
	}
}

func TestRedisLocker_ContendedTimeout(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := l.Lock(ctx, 0, 1); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}
	if mr.Exists("ledger:lock:0") {
		t.Error("Expected partially acquired lock to be released")
	}
}

func TestRedisLocker_DoesNotReleaseForeignToken(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), 7)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// Simulate expiry and takeover by another holder.
	mr.Set("ledger:lock:7", "someone-else")
	unlock()

	got, err := mr.Get("ledger:lock:7")
	if err != nil || got != "someone-else" {
		t.Errorf("Expected foreign lock to survive, got %q (%v)", got, err)
	}
}

func TestNewRedisLocker_NoAddr(t *testing.T) {
	if _, err := NewRedisLocker(RedisLockerConfig{}); err == nil {
		t.Error("Expected error without address")
	}
}
