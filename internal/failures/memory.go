package failures

import (
	"context"
	"sort"
	"sync"
)

type recordID struct {
	keyType KeyType
	key     string
}

type memoryStore struct {
	mu      sync.RWMutex
	records map[recordID]Record
}

// NewMemory returns a process-local Store. Records are lost on restart.
func NewMemory() Store {
	return &memoryStore{records: make(map[recordID]Record)}
}

func (s *memoryStore) Get(_ context.Context, keyType KeyType, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID{keyType, key}]
	return rec, ok, nil
}

func (s *memoryStore) ListByType(_ context.Context, keyType KeyType) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range s.records {
		if rec.KeyType == keyType {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *memoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *memoryStore) Insert(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.FailureCount <= 0 {
		record.FailureCount = 1
	}
	s.records[recordID{record.KeyType, record.Key}] = record
	return nil
}

func (s *memoryStore) Increment(_ context.Context, keyType KeyType, key string, timestamp int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := recordID{keyType, key}
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.FailureCount++
	rec.Timestamp = timestamp
	rec.LastErrorMessage = errMsg
	s.records[id] = rec
	return nil
}

func (s *memoryStore) Delete(_ context.Context, keyType KeyType, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordID{keyType, key})
	return nil
}

func (s *memoryStore) DeleteByType(_ context.Context, keyType KeyType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.records {
		if id.keyType == keyType {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *memoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[recordID]Record)
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Key != records[j].Key {
			return records[i].Key < records[j].Key
		}
		return records[i].KeyType < records[j].KeyType
	})
}
