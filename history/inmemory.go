package history

import (
	"context"
	"sort"
	"sync"

	"github.com/shaharia-lab/flutterbridge/discovery"
)

// InMemoryStorage keeps the history for the lifetime of the process.
type InMemoryStorage struct {
	records map[string]*Record
	mu      sync.RWMutex
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		records: make(map[string]*Record),
	}
}

func (s *InMemoryStorage) Record(_ context.Context, instances []discovery.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range instances {
		at := seenAt(inst)
		rec, exists := s.records[inst.URI]
		if !exists {
			rec = &Record{URI: inst.URI, FirstSeen: at}
			s.records[inst.URI] = rec
		}
		rec.Host = inst.Host
		rec.Port = inst.Port
		rec.ProjectName = inst.ProjectName
		rec.Device = inst.Device
		rec.VMVersion = inst.VMVersion
		rec.LastSeen = at
		rec.SeenCount++
	}
	return nil
}

func (s *InMemoryStorage) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].URI < out[j].URI
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStorage) Forget(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[uri]; !exists {
		return ErrNotFound
	}
	delete(s.records, uri)
	return nil
}

func (s *InMemoryStorage) Close() error { return nil }
