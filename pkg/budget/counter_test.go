package budget

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStoreLimits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := Limits{Daily: 3}

	for i := 0; i < 3; i++ {
		res, err := s.CheckAndIncrement(ctx, "org-1", "payment", limits)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !res.OK {
			t.Fatalf("increment %d denied below limit", i)
		}
		if res.Count != int64(i+1) {
			t.Fatalf("count = %d, want %d", res.Count, i+1)
		}
	}
	res, err := s.CheckAndIncrement(ctx, "org-1", "payment", limits)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("fourth increment accepted past daily limit of 3")
	}
	if res.Count != 3 {
		t.Fatalf("denied count = %d, want 3", res.Count)
	}

	// A different action type has its own counter.
	res, err = s.CheckAndIncrement(ctx, "org-1", "email", limits)
	if err != nil || !res.OK {
		t.Fatalf("other action type denied: %v %+v", err, res)
	}
}

func TestMemoryStoreHourlyAndTotal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	limits := Limits{Daily: 100, Hourly: 1}
	if res, _ := s.CheckAndIncrement(ctx, "o", "a", limits); !res.OK {
		t.Fatal("first hourly denied")
	}
	if res, _ := s.CheckAndIncrement(ctx, "o", "a", limits); res.OK {
		t.Fatal("second accepted past hourly limit of 1")
	}

	limits = Limits{Total: 2}
	for i := 0; i < 2; i++ {
		if res, _ := s.CheckAndIncrement(ctx, "o", "b", limits); !res.OK {
			t.Fatalf("total increment %d denied", i)
		}
	}
	if res, _ := s.CheckAndIncrement(ctx, "o", "b", limits); res.OK {
		t.Fatal("accepted past total limit of 2")
	}
}

func TestMemoryStoreConcurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	limits := Limits{Daily: 50}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.CheckAndIncrement(ctx, "org", "call", limits)
			if err != nil {
				t.Error(err)
				return
			}
			if res.OK {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 50 {
		t.Fatalf("accepted = %d, want exactly 50", accepted)
	}
}

type fakeCounterRow struct {
	count int64
	err   error
}

func (r *fakeCounterRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*int64); ok {
		*p = r.count
	}
	return nil
}

type fakeCounterDB struct {
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *fakeCounterDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.queryRowFn(ctx, sql, args...)
}

func TestPostgresStoreAccepts(t *testing.T) {
	var n int64
	db := &fakeCounterDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		n++
		return &fakeCounterRow{count: n}
	}}
	s := NewPostgresStore(db)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	res, err := s.CheckAndIncrement(context.Background(), "org", "payment", Limits{Daily: 10, Hourly: 5, Total: 100})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("denied with all counters below limits")
	}
	if n != 3 {
		t.Fatalf("queries = %d, want 3 (hour, day, total)", n)
	}
}

func TestPostgresStoreAtLimit(t *testing.T) {
	// The conditional upsert returns no row when the bucket is at its
	// limit; the store then reads the current count.
	db := &fakeCounterDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "INSERT") {
			return &fakeCounterRow{err: pgx.ErrNoRows}
		}
		return &fakeCounterRow{count: 5}
	}}
	s := NewPostgresStore(db)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	res, err := s.CheckAndIncrement(context.Background(), "org", "payment", Limits{Hourly: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("accepted with hourly bucket at limit")
	}
	if res.Count != 5 {
		t.Fatalf("count = %d, want 5", res.Count)
	}
}

func TestPostgresStoreUnlimited(t *testing.T) {
	var sqls []string
	db := &fakeCounterDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		sqls = append(sqls, sql)
		return &fakeCounterRow{count: 42}
	}}
	s := NewPostgresStore(db)
	s.now = time.Now

	res, err := s.CheckAndIncrement(context.Background(), "org", "email", Limits{Daily: 0, Hourly: 0, Total: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("denied with no limits configured")
	}
	// Unlimited buckets use the unconditional upsert; total is skipped.
	if len(sqls) != 2 {
		t.Fatalf("queries = %d, want 2", len(sqls))
	}
	for _, q := range sqls {
		if strings.Contains(q, "count < $4") {
			t.Fatalf("unlimited bucket used conditional upsert: %s", q)
		}
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }
	ctx := context.Background()
	limits := Limits{Daily: 2, Hourly: 10}

	for i := 0; i < 2; i++ {
		res, err := s.CheckAndIncrement(ctx, "org", "payment", limits)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !res.OK {
			t.Fatalf("increment %d denied below limit", i)
		}
		if res.Count != int64(i+1) {
			t.Fatalf("count = %d, want %d", res.Count, i+1)
		}
	}
	res, err := s.CheckAndIncrement(ctx, "org", "payment", limits)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("third increment accepted past daily limit of 2")
	}

	// Day rollover clears the daily window.
	s.now = func() time.Time { return time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC) }
	res, err = s.CheckAndIncrement(ctx, "org", "payment", limits)
	if err != nil || !res.OK {
		t.Fatalf("next-day increment denied: %v %+v", err, res)
	}
	if res.Count != 1 {
		t.Fatalf("next-day count = %d, want 1", res.Count)
	}
}
