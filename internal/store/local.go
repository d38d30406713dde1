// internal/store/local.go
package store

import (
	"errors"
	"sync"

	"github.com/busybox42/floodmesh/pkg/types"
)

var ErrNotFound = errors.New("value not found")

// Local keeps encoded public keys in memory.
type Local struct {
	data map[types.Identity][]byte
	mu   sync.RWMutex
}

func NewLocal() *Local {
	return &Local{
		data: make(map[types.Identity][]byte),
	}
}

func (s *Local) Put(id types.Identity, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append([]byte(nil), value...)
	return nil
}

func (s *Local) Get(id types.Identity) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.data[id]; ok {
		return append([]byte(nil), value...), nil
	}
	return nil, ErrNotFound
}
