package workflow

import (
	"sync"

	"vtonflow/internal/models"
)

// Store holds the engine's local queue state and product cache. Queue
// changes go through Reconcile or keyed local mutations; product writes are
// per-key merges.
type Store struct {
	mu       sync.RWMutex
	seq      uint64
	queue    QueueState
	products map[string]*models.Product
}

func NewStore() *Store {
	return &Store{products: make(map[string]*models.Product)}
}

// NextSeq reserves a sequence number for a queue fetch about to start.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Store) nextLocked() uint64 {
	s.seq++
	return s.seq
}

// Apply reconciles a snapshot and reports whether it was newer than the
// local state.
func (s *Store) Apply(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Seq <= s.queue.Seq {
		return false
	}
	s.queue = Reconcile(s.queue, snap)
	return true
}

func (s *Store) State() QueueState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := QueueState{Seq: s.queue.Seq, Items: s.itemsLocked()}
	if len(s.queue.Grace) > 0 {
		st.Grace = make(map[models.ItemKey]struct{}, len(s.queue.Grace))
		for k := range s.queue.Grace {
			st.Grace[k] = struct{}{}
		}
	}
	return st
}

func (s *Store) Items() []models.QueueItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.itemsLocked()
}

func (s *Store) itemsLocked() []models.QueueItem {
	out := make([]models.QueueItem, len(s.queue.Items))
	copy(out, s.queue.Items)
	return out
}

func (s *Store) Item(key models.ItemKey) (models.QueueItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(key)
	if i < 0 {
		return models.QueueItem{}, false
	}
	return s.queue.Items[i], true
}

func (s *Store) indexLocked(key models.ItemKey) int {
	for i, it := range s.queue.Items {
		if it.Key() == key {
			return i
		}
	}
	return -1
}

// mutate applies a local change and stamps it with a fresh sequence number,
// so fetches that started before the change cannot overwrite it.
func (s *Store) mutate(fn func(q *QueueState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.queue)
	s.queue.Seq = s.nextLocked()
}

// MarkProcessing optimistically moves an item to processing and grants it
// one reconciliation of grace.
func (s *Store) MarkProcessing(key models.ItemKey) bool {
	found := false
	s.mutate(func(q *QueueState) {
		for i := range q.Items {
			if q.Items[i].Key() == key {
				q.Items[i].Status = models.StatusProcessing
				if q.Grace == nil {
					q.Grace = make(map[models.ItemKey]struct{})
				}
				q.Grace[key] = struct{}{}
				found = true
				return
			}
		}
	})
	return found
}

func (s *Store) SetStatus(key models.ItemKey, status models.Status) {
	s.mutate(func(q *QueueState) {
		for i := range q.Items {
			if q.Items[i].Key() == key {
				q.Items[i].Status = status
				return
			}
		}
	})
}

// Upsert inserts the item or replaces the one with the same key.
func (s *Store) Upsert(item models.QueueItem) {
	s.mutate(func(q *QueueState) {
		for i := range q.Items {
			if q.Items[i].Key() == item.Key() {
				q.Items[i] = item
				return
			}
		}
		q.Items = append(q.Items, item)
	})
}

func (s *Store) Remove(key models.ItemKey) {
	s.mutate(func(q *QueueState) {
		q.Items = filterItems(q.Items, func(it models.QueueItem) bool { return it.Key() != key })
		delete(q.Grace, key)
	})
}

func (s *Store) RemoveStatus(status models.Status) {
	s.mutate(func(q *QueueState) {
		q.Items = filterItems(q.Items, func(it models.QueueItem) bool { return it.Status != status })
	})
}

func filterItems(items []models.QueueItem, keep func(models.QueueItem) bool) []models.QueueItem {
	out := make([]models.QueueItem, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// Product returns a copy of the cached product.
func (s *Store) Product(id string) (*models.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// MergeProduct caches p under its id, replacing only that entry.
func (s *Store) MergeProduct(p *models.Product) {
	if p == nil || p.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p.Clone()
}

// MissingProducts returns the distinct ids in ids that are not cached.
func (s *Store) MissingProducts(ids []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := s.products[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
