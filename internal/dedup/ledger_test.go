package dedup

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"castbot/internal/channel"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var tenant = channel.TenantSource{ChannelID: -100, TenantID: "A"}

func TestObserveReplay(t *testing.T) {
	l := New(openStore(t), time.Hour)
	ctx := context.Background()

	v, err := l.Observe(ctx, tenant, 5, time.Now())
	if err != nil || !v.New {
		t.Fatalf("first observe: %+v err=%v", v, err)
	}
	v, err = l.Observe(ctx, tenant, 5, time.Now())
	if err != nil || v.New {
		t.Fatalf("replay must not be new: %+v err=%v", v, err)
	}
}

func TestObserveMonotonic(t *testing.T) {
	st := openStore(t)
	l := New(st, 0)
	ctx := context.Background()

	ids := make([]int64, 0, 60)
	for i := int64(1); i <= 30; i++ {
		ids = append(ids, i, i)
	}
	rand.New(rand.NewSource(1)).Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	var highest int64
	for _, id := range ids {
		v, err := l.Observe(ctx, tenant, id, time.Time{})
		if err != nil {
			t.Fatalf("observe %d: %v", id, err)
		}
		if v.New != (id > highest) {
			t.Fatalf("id %d: new=%v with watermark %d", id, v.New, highest)
		}
		if v.New {
			highest = id
		}
	}
	wm, _, err := st.Watermark(ctx, tenant.ChannelID)
	if err != nil || wm != 30 {
		t.Fatalf("watermark: %d err=%v", wm, err)
	}
}

func TestObserveConcurrentDuplicates(t *testing.T) {
	l := New(openStore(t), time.Hour)
	ctx := context.Background()

	var news atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Observe(ctx, tenant, 100, time.Now())
			if err != nil {
				t.Errorf("observe: %v", err)
				return
			}
			if v.New {
				news.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := news.Load(); got != 1 {
		t.Fatalf("expected exactly one new verdict, got %d", got)
	}
}

func TestStaleStillAdvances(t *testing.T) {
	st := openStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(st, time.Hour, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	op := channel.OperatorSource{ChannelID: -200}

	v, err := l.Observe(ctx, op, 10, now.Add(-2*time.Hour))
	if err != nil || !v.New || !v.Stale {
		t.Fatalf("expected new+stale, got %+v err=%v", v, err)
	}
	if wm, _, _ := st.Watermark(ctx, op.ChannelID); wm != 10 {
		t.Fatalf("stale event must advance watermark, got %d", wm)
	}
	v, _ = l.Observe(ctx, op, 10, now)
	if v.New {
		t.Fatalf("stale content must not be reconsidered")
	}

	v, _ = l.Observe(ctx, op, 11, now.Add(-30*time.Minute))
	if !v.New || v.Stale {
		t.Fatalf("fresh content: %+v", v)
	}

	l.SetWindow(0)
	v, _ = l.Observe(ctx, op, 12, now.Add(-72*time.Hour))
	if !v.New || v.Stale {
		t.Fatalf("disabled window must never report stale: %+v", v)
	}
}

func TestStagingBypassesWatermark(t *testing.T) {
	st := openStore(t)
	l := New(st, time.Hour)
	ctx := context.Background()
	stg := channel.StagingSource{ChannelID: -300}

	for i := 0; i < 3; i++ {
		v, err := l.Observe(ctx, stg, 7, time.Now().Add(-48*time.Hour))
		if err != nil || !v.New || v.Stale {
			t.Fatalf("staging observe %d: %+v err=%v", i, v, err)
		}
	}
	if _, ok, _ := st.Watermark(ctx, stg.ChannelID); ok {
		t.Fatalf("staging must not create a watermark")
	}
}
