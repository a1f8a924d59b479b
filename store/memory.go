package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/neurowrite/collab/ot"
)

type docRecord struct {
	info    DocumentInfo
	history []ot.AcceptedOp // entries for versions (info.OpsBase, ...]
}

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return fmt.Errorf("document %q: %w", id, ErrAlreadyExists)
	}
	now := time.Now()
	s.docs[id] = &docRecord{
		info: DocumentInfo{
			ID:        id,
			Content:   content,
			Version:   0,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	info := rec.info
	return &info, nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.docs))
	for _, rec := range s.docs {
		result = append(result, rec.info)
	}
	return result, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	rec.info.Content = content
	rec.info.Version = version
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendOperation(_ context.Context, id string, entry ot.AcceptedOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	rec.history = append(rec.history, entry)
	rec.info.Version = entry.Seq
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetOperations(_ context.Context, id string, fromSeq int) ([]ot.AcceptedOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if fromSeq < rec.info.OpsBase {
		return nil, fmt.Errorf("document %q version %d: %w", id, fromSeq, ErrCompacted)
	}
	offset := fromSeq - rec.info.OpsBase
	if offset > len(rec.history) {
		return nil, fmt.Errorf("invalid version %d", fromSeq)
	}
	entries := make([]ot.AcceptedOp, len(rec.history)-offset)
	copy(entries, rec.history[offset:])
	return entries, nil
}

func (s *MemoryStore) Compact(_ context.Context, id, content string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if version < rec.info.OpsBase {
		return fmt.Errorf("compact to %d below floor %d", version, rec.info.OpsBase)
	}
	keep := version - rec.info.OpsBase
	if keep > len(rec.history) {
		keep = len(rec.history)
	}
	rec.history = append([]ot.AcceptedOp(nil), rec.history[keep:]...)
	rec.info.OpsBase = version
	rec.info.Content = content
	if version > rec.info.Version {
		rec.info.Version = version
	}
	rec.info.UpdatedAt = time.Now()
	return nil
}
