package store

import (
	"context"
	"sync"
	"time"

	"plansync/internal/merge"
)

// MemoryStore keeps documents in process. It backs tests and single-node
// development; contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	docType string
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docType: DocTypePlan, records: map[string]Record{}}
}

func (s *MemoryStore) Load(_ context.Context, vertical string) (merge.Document, merge.FieldTimestamps, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[vertical]
	if !ok {
		return merge.Document{}, merge.FieldTimestamps{}, nil
	}
	return record.Document.Clone(), record.Timestamps.Clone(), nil
}

func (s *MemoryStore) Store(_ context.Context, vertical string, doc merge.Document, ts merge.FieldTimestamps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(vertical, doc, ts)
	return nil
}

// Update holds the write lock for the whole read-modify-write.
func (s *MemoryStore) Update(_ context.Context, vertical string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := merge.Document{}
	ts := merge.FieldTimestamps{}
	if record, ok := s.records[vertical]; ok {
		doc = record.Document.Clone()
		ts = record.Timestamps.Clone()
	}
	next, nextTs, write, err := fn(doc, ts)
	if err != nil {
		return err
	}
	if write {
		s.put(vertical, next, nextTs)
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Record returns the stored record for inspection.
func (s *MemoryStore) Record(vertical string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[vertical]
	if !ok {
		return Record{}, false
	}
	record.Document = record.Document.Clone()
	record.Timestamps = record.Timestamps.Clone()
	return record, true
}

func (s *MemoryStore) put(vertical string, doc merge.Document, ts merge.FieldTimestamps) {
	s.records[vertical] = Record{
		Vertical:   vertical,
		DocType:    s.docType,
		Document:   doc.Clone(),
		Timestamps: ts.Clone(),
		UpdatedAt:  time.Now(),
	}
}
