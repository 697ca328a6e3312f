package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type ledgerFactory func(t *testing.T) (Ledger, func(time.Duration))

func ledgers() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"local": func(t *testing.T) (Ledger, func(time.Duration)) {
			l := NewLocalLedger(time.Minute)
			now := time.Now()
			l.now = func() time.Time { return now }
			return l, func(d time.Duration) { now = now.Add(d) }
		},
		"redis": func(t *testing.T) (Ledger, func(time.Duration)) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			l := NewRedisLedgerWithClient(client, "test:quota", time.Minute)
			now := time.Now()
			l.now = func() time.Time { return now }
			return l, func(d time.Duration) { now = now.Add(d) }
		},
	}
}

func TestLedgerReserveCommitRelease(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := factory(t)

			res, err := l.Reserve(ctx, "owner-1", 60, 100)
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if _, err := l.Reserve(ctx, "owner-1", 60, 100); !errors.Is(err, ErrQuotaExceeded) {
				t.Fatalf("expected quota exceeded while reservation is live, got %v", err)
			}
			if _, err := l.Reserve(ctx, "owner-2", 60, 100); err != nil {
				t.Fatalf("other owner must not be affected: %v", err)
			}
			if err := l.Commit(ctx, res); err != nil {
				t.Fatalf("commit: %v", err)
			}
			usage, err := l.Usage(ctx, "owner-1")
			if err != nil || usage.Used != 60 || usage.Reserved != 0 {
				t.Fatalf("unexpected usage %+v %v", usage, err)
			}
			if err := l.Commit(ctx, res); !errors.Is(err, ErrReservationExpired) {
				t.Fatalf("double commit must fail, got %v", err)
			}

			res2, err := l.Reserve(ctx, "owner-1", 40, 100)
			if err != nil {
				t.Fatalf("reserve up to ceiling: %v", err)
			}
			if err := l.Release(ctx, res2); err != nil {
				t.Fatalf("release: %v", err)
			}
			if err := l.Free(ctx, "owner-1", 100); err != nil {
				t.Fatalf("free: %v", err)
			}
			usage, _ = l.Usage(ctx, "owner-1")
			if usage.Used != 0 || usage.Reserved != 0 {
				t.Fatalf("usage should clamp at zero, got %+v", usage)
			}
		})
	}
}

func TestLedgerUnlimitedCeilingAndSet(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := factory(t)
			if err := l.Set(ctx, "owner-1", 1<<40); err != nil {
				t.Fatalf("set: %v", err)
			}
			if _, err := l.Reserve(ctx, "owner-1", 1<<20, 0); err != nil {
				t.Fatalf("zero ceiling is unlimited: %v", err)
			}
			if _, err := l.Reserve(ctx, "owner-1", -1, 0); !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected invalid amount, got %v", err)
			}
		})
	}
}

func TestLedgerReservationExpiry(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, advance := factory(t)
			stale, err := l.Reserve(ctx, "owner-1", 80, 100)
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			advance(2 * time.Minute)
			if _, err := l.Reserve(ctx, "owner-1", 80, 100); err != nil {
				t.Fatalf("expired reservation should not hold budget: %v", err)
			}
			if err := l.Commit(ctx, stale); !errors.Is(err, ErrReservationExpired) {
				t.Fatalf("expected expired commit, got %v", err)
			}
		})
	}
}

func TestLedgerConcurrentReservationsNeverExceedCeiling(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := factory(t)
			const ceiling = 100
			var wg sync.WaitGroup
			var granted atomic.Int64
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.Reserve(ctx, "owner-1", 60, ceiling)
					if err != nil {
						return
					}
					granted.Add(1)
					if err := l.Commit(ctx, res); err != nil {
						t.Errorf("commit: %v", err)
					}
				}()
			}
			wg.Wait()
			if granted.Load() != 1 {
				t.Fatalf("expected exactly one grant, got %d", granted.Load())
			}
			usage, _ := l.Usage(ctx, "owner-1")
			if usage.Used > ceiling {
				t.Fatalf("committed bytes %d exceed ceiling", usage.Used)
			}
		})
	}
}
