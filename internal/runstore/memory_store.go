package runstore

import (
	"container/list"
	"context"
	"sync"
)

type entry struct {
	id  string
	rec *Record
}

// MemoryStore keeps the most recent runs in an LRU list
type MemoryStore struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	lruList *list.List
}

func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &MemoryStore{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lruList: list.New(),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}

	s.lruList.MoveToFront(elem)
	return elem.Value.(*entry).rec.clone(), nil
}

func (s *MemoryStore) Set(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[rec.ID]; ok {
		elem.Value.(*entry).rec = rec.clone()
		s.lruList.MoveToFront(elem)
		return nil
	}

	if s.lruList.Len() >= s.maxSize {
		oldest := s.lruList.Back()
		if oldest != nil {
			delete(s.items, oldest.Value.(*entry).id)
			s.lruList.Remove(oldest)
		}
	}

	elem := s.lruList.PushFront(&entry{id: rec.ID, rec: rec.clone()})
	s.items[rec.ID] = elem
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruList.Len()
}

func (s *MemoryStore) Close() error {
	return nil
}
