package broadcast

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// PruneStatuses drops finished job statuses older than the TTL and keeps the
// map under its cap. It returns how many entries were removed.
func (s *Service) PruneStatuses() int { return s.pruneStatus(time.Now()) }

func (s *Service) pruneStatus(now time.Time) int {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	max := s.statusMax
	if max <= 0 {
		max = defaultStatusMax
	}
	ttl := s.statusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if len(s.status) == 0 {
		return 0
	}

	removed := 0
	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			removed++
			continue
		}
		if st.Running {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > ttl {
			delete(s.status, id)
			removed++
		}
	}
	if len(s.status) <= max {
		return removed
	}

	// Still too big: drop the oldest finished entries first.
	type kv struct {
		id      string
		t       time.Time
		running bool
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		items = append(items, kv{id: id, t: t, running: st.Running})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].running != items[j].running {
			return !items[i].running
		}
		return items[i].t.Before(items[j].t)
	})
	excess := len(s.status) - max
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
		removed++
	}
	return removed
}
