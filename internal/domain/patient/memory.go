package patient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drfirst/go-patientsync/internal/infrastructure/postgres"
)

// MemoryStore is an in-process Store used by tests and local tooling. It
// keeps every written outbox entry.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]Document
	entries []*postgres.OutboxEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) FindByPatientID(_ context.Context, patientID string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[patientID]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (m *MemoryStore) Save(_ context.Context, doc *Document, entries ...*postgres.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.docs[doc.PatientID]
	switch {
	case !ok && doc.Version != 1,
		ok && current.Version != doc.Version-1:
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, doc.PatientID, doc.Version)
	}

	now := time.Now().UTC()
	if ok {
		doc.CreatedAt = current.CreatedAt
	} else {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	m.docs[doc.PatientID] = *doc

	for i, entry := range entries {
		entry.ID = int64(len(m.entries) + i + 1)
		entry.CreatedAt = now
	}
	m.entries = append(m.entries, entries...)
	return nil
}

// Entries returns the outbox entries written so far.
func (m *MemoryStore) Entries() []*postgres.OutboxEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*postgres.OutboxEntry(nil), m.entries...)
}
