package recipient

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"castbot/internal/dispatch"
	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, r := range []storage.RecipientRecord{
		{ID: 30, TenantID: "A", Active: true},
		{ID: 10, TenantID: "A", Active: true, OptedIn: true},
		{ID: 20, TenantID: "B", Active: true, OptedIn: true},
		{ID: 40, TenantID: "A", Active: false, OptedIn: true},
		{ID: 50, Active: true},
	} {
		if err := st.UpsertRecipient(ctx, r); err != nil {
			t.Fatalf("seed %d: %v", r.ID, err)
		}
	}
	return st
}

func TestResolve(t *testing.T) {
	res := NewResolver(seededStore(t))
	ctx := context.Background()

	tests := []struct {
		aud  dispatch.Audience
		want []int64
	}{
		{dispatch.AudienceTenant{TenantID: "A"}, []int64{10, 30}},
		{dispatch.AudienceTenant{TenantID: "Z"}, nil},
		{dispatch.AudienceOptIn{}, []int64{10, 20}},
		{dispatch.AudienceAll{}, []int64{10, 20, 30, 50}},
	}
	for _, tt := range tests {
		got, err := res.Resolve(ctx, tt.aud)
		if err != nil {
			t.Fatalf("%s: %v", tt.aud, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %v want %v", tt.aud, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: got %v want %v", tt.aud, got, tt.want)
			}
		}
	}
}

type failingQuerier struct{}

func (failingQuerier) QueryActiveRecipients(context.Context, storage.RecipientFilter) ([]int64, error) {
	return nil, errors.New("db down")
}

func TestResolveError(t *testing.T) {
	_, err := NewResolver(failingQuerier{}).Resolve(context.Background(), dispatch.AudienceOptIn{})
	if err == nil {
		t.Fatalf("expected store error to propagate")
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]int64{5, 1, 5, 3, 1})
	want := []int64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v", got)
		}
	}
}

func TestPruneOnce(t *testing.T) {
	st := seededStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	p := NewPruner(st, bus, logx.Nop())
	ctx := context.Background()

	flipped, err := p.Prune(ctx, 10)
	if err != nil || !flipped {
		t.Fatalf("first prune: flipped=%v err=%v", flipped, err)
	}
	flipped, err = p.Prune(ctx, 10)
	if err != nil || flipped {
		t.Fatalf("second prune must be a no-op: flipped=%v err=%v", flipped, err)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TopicRecipientPruned || e.Data.(PrunedEvent).RecipientID != 10 {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pruned event")
	}
	select {
	case e := <-events:
		t.Fatalf("expected a single event, got %+v", e)
	default:
	}

	ids, _ := NewResolver(st).Resolve(ctx, dispatch.AudienceTenant{TenantID: "A"})
	for _, id := range ids {
		if id == 10 {
			t.Fatalf("pruned recipient still resolved: %v", ids)
		}
	}
}
