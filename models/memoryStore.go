package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/possync/utils"
)

// MemoryStore is an in-process Store used by tests and by tooling dry runs.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]Document
	settings    map[string]string
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string][]Document{},
		settings:    map[string]string{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp used for documents saved without UpdatedAt.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) List(_ context.Context, collection string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.collections[collection]
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = copyDocument(d)
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, collection string, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(collection, id)
	if i < 0 {
		return nil, utils.ErrorRecordNotFound
	}
	doc := copyDocument(s.collections[collection][i])
	return &doc, nil
}

func (s *MemoryStore) Save(_ context.Context, collection string, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, 0, len(docs))
	seen := make(map[string]int, len(docs))
	for _, d := range docs {
		d = s.stamp(d)
		if i, ok := seen[d.Id]; ok {
			out[i] = d
			continue
		}
		seen[d.Id] = len(out)
		out = append(out, d)
	}
	s.collections[collection] = out
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc = s.stamp(doc)
	if i := s.indexOf(collection, doc.Id); i >= 0 {
		s.collections[collection][i] = doc
		return nil
	}
	s.collections[collection] = append(s.collections[collection], doc)
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, collection string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(collection, doc.Id) >= 0 {
		return fmt.Errorf("%s/%s: %w", collection, doc.Id, ErrDuplicateDocument)
	}
	s.collections[collection] = append(s.collections[collection], s.stamp(doc))
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, collection string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(collection, id)
	if i < 0 {
		return nil
	}
	docs := s.collections[collection]
	s.collections[collection] = append(docs[:i:i], docs[i+1:]...)
	return nil
}

func (s *MemoryStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *MemoryStore) SetSetting(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) indexOf(collection, id string) int {
	for i, d := range s.collections[collection] {
		if d.Id == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) stamp(d Document) Document {
	d = copyDocument(d)
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = s.now()
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d
}

func copyDocument(d Document) Document {
	body := make([]byte, len(d.Body))
	copy(body, d.Body)
	d.Body = body
	return d
}
