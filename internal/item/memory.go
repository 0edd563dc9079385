package item

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/justfiles/justfiles/internal/events"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/metrics"
)

// MemoryStore is an in-memory Store for single-node deployments and
// tests. Batch commits hold the write lock for their whole duration,
// which gives readers the same all-or-nothing view the SQL store gets
// from a transaction.
type MemoryStore struct {
	mu          sync.RWMutex
	items       map[string]*Item
	broadcaster *events.Broadcaster
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[string]*Item),
		broadcaster: events.NewBroadcaster(),
	}
}

func (s *MemoryStore) validateParent(it *Item) error {
	if it.ParentID == RootParent {
		return nil
	}
	parent, ok := s.items[it.ParentID]
	if !ok {
		return fmt.Errorf("parent %s: %w", it.ParentID, fault.ErrNotFound)
	}
	if !parent.IsFolder() {
		return fmt.Errorf("parent %s: %w", it.ParentID, ErrNotFolder)
	}
	if parent.OwnerID != it.OwnerID {
		return fmt.Errorf("parent %s: %w", it.ParentID, ErrCrossAccount)
	}
	return nil
}

// Create inserts a new item after validating the parent invariant.
func (s *MemoryStore) Create(_ context.Context, it *Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[it.ID]; exists {
		return fmt.Errorf("item %s already exists: %w", it.ID, ErrBadItem)
	}
	if err := s.validateParent(it); err != nil {
		return err
	}

	cp := *it
	s.items[it.ID] = &cp
	metrics.SetItemCount(int64(len(s.items)))

	s.broadcaster.Publish(events.Event{
		Type:      events.EventCreate,
		ItemID:    it.ID,
		AccountID: it.OwnerID,
		ParentID:  it.ParentID,
		Name:      it.Name,
	})
	return nil
}

// Get returns a copy of the item.
func (s *MemoryStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, fault.ErrNotFound)
	}
	cp := *it
	return &cp, nil
}

// ListChildren returns the items directly under parentID for one account.
func (s *MemoryStore) ListChildren(_ context.Context, accountID, parentID string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Item
	for _, it := range s.items {
		if it.OwnerID == accountID && it.ParentID == parentID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sortItems(out)
	return out, nil
}

// ListAll returns every item owned by the account.
func (s *MemoryStore) ListAll(_ context.Context, accountID string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Item
	for _, it := range s.items {
		if it.OwnerID == accountID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sortItems(out)
	return out, nil
}

// isDescendant reports whether candidate is id itself or sits below it.
// Walks parent links, so it terminates on any acyclic forest.
func (s *MemoryStore) isDescendant(id, candidate string) bool {
	cur := candidate
	for cur != RootParent {
		if cur == id {
			return true
		}
		parent, ok := s.items[cur]
		if !ok {
			return false
		}
		cur = parent.ParentID
	}
	return false
}

// Update applies a partial update. A parent change re-validates the
// parent invariant and rejects cycles.
func (s *MemoryStore) Update(_ context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, fault.ErrNotFound)
	}
	if p.ParentID != nil && *p.ParentID != it.ParentID {
		probe := *it
		probe.ParentID = *p.ParentID
		if err := s.validateParent(&probe); err != nil {
			return err
		}
		if s.isDescendant(id, *p.ParentID) {
			return fmt.Errorf("move %s under %s: %w", id, *p.ParentID, ErrBadItem)
		}
		it.ParentID = *p.ParentID
	}
	if p.Name != nil {
		it.Name = *p.Name
	}
	eventType := events.EventUpdate
	if p.Visibility != nil {
		it.Visibility = *p.Visibility
		eventType = events.EventVisibility
	}

	s.broadcaster.Publish(events.Event{
		Type:      eventType,
		ItemID:    it.ID,
		AccountID: it.OwnerID,
		ParentID:  it.ParentID,
		Name:      it.Name,
	})
	return nil
}

// Delete removes one item. Descendants stay untouched.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, fault.ErrNotFound)
	}
	delete(s.items, id)
	metrics.SetItemCount(int64(len(s.items)))

	s.broadcaster.Publish(events.Event{
		Type:      events.EventDelete,
		ItemID:    it.ID,
		AccountID: it.OwnerID,
		ParentID:  it.ParentID,
		Name:      it.Name,
	})
	return nil
}

// ApplyBatch commits all operations or none. Validation runs before the
// first mutation; the write lock is held across the whole commit, so a
// concurrent reader never observes a partially applied batch.
func (s *MemoryStore) ApplyBatch(_ context.Context, ops []BatchOp) error {
	if len(ops) > MaxBatchOps {
		return fmt.Errorf("%d operations: %w", len(ops), fault.ErrBatchTooLarge)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		if _, ok := s.items[op.ID]; !ok {
			return fmt.Errorf("item %s: %w", op.ID, fault.ErrNotFound)
		}
		if op.SetVisibility == nil && !op.Delete {
			return fmt.Errorf("empty batch op for %s: %w", op.ID, ErrBadItem)
		}
	}

	var pending []events.Event
	for _, op := range ops {
		it := s.items[op.ID]
		switch {
		case op.Delete:
			delete(s.items, op.ID)
			pending = append(pending, events.Event{
				Type: events.EventDelete, ItemID: it.ID, AccountID: it.OwnerID,
				ParentID: it.ParentID, Name: it.Name,
			})
		case op.SetVisibility != nil:
			it.Visibility = *op.SetVisibility
			pending = append(pending, events.Event{
				Type: events.EventVisibility, ItemID: it.ID, AccountID: it.OwnerID,
				ParentID: it.ParentID, Name: it.Name,
			})
		}
	}
	metrics.SetItemCount(int64(len(s.items)))

	for _, e := range pending {
		s.broadcaster.Publish(e)
	}
	return nil
}

// Subscribe returns a live stream of change events.
func (s *MemoryStore) Subscribe(accountID string) (chan events.Event, func()) {
	ch := s.broadcaster.Subscribe(accountID)
	return ch, func() { s.broadcaster.Unsubscribe(ch) }
}

// sortItems gives deterministic output for tests; order is otherwise
// unspecified by the Store contract.
func sortItems(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
