package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{docs: make(map[string]Document), now: now}
}

func (s *MemoryStore) Create(_ context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.ID = uuid.NewString()
	s.stamp(&doc)
	s.docs[doc.ID] = doc
	return doc, nil
}

func (s *MemoryStore) Put(_ context.Context, doc Document) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.docs[doc.ID]
	if ok && existing.OwnerID != doc.OwnerID {
		return Document{}, false, ErrForbidden
	}
	if ok {
		doc.CreatedAt = existing.CreatedAt
	}
	s.stamp(&doc)
	s.docs[doc.ID] = doc
	return doc, !ok, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Document{}
	for _, doc := range s.docs {
		if doc.OwnerID != q.OwnerID {
			continue
		}
		if doc.Deleted && !q.IncludeDeleted {
			continue
		}
		if !q.UpdatedSince.IsZero() && !doc.UpdatedAt.After(q.UpdatedSince) {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	if doc.Deleted {
		return doc, nil
	}
	doc.Deleted = true
	doc.Version++
	doc.UpdatedAt = s.now().UTC()
	s.docs[id] = doc
	return doc, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) stamp(doc *Document) {
	now := s.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
}
