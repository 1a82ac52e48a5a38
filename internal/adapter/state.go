package adapter

import (
	"reflect"
	"sort"
	"sync"
)

// Key addresses one attribute of one local cluster.
type Key struct {
	Endpoint  uint8
	ClusterID uint16
	AttrID    uint16
}

func (k Key) less(o Key) bool {
	if k.Endpoint != o.Endpoint {
		return k.Endpoint < o.Endpoint
	}
	if k.ClusterID != o.ClusterID {
		return k.ClusterID < o.ClusterID
	}
	return k.AttrID < o.AttrID
}

// Entry is one attribute value in a snapshot.
type Entry struct {
	Key
	Value any
}

// State holds the dynamic attribute values of a device.
type State struct {
	mu     sync.RWMutex
	values map[Key]any
}

func NewState() *State {
	return &State{values: make(map[Key]any)}
}

// Get returns the current value of an attribute.
func (s *State) Get(k Key) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[k]
	return v, ok
}

// set stores v and reports whether the stored value changed.
func (s *State) set(k Key, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.values[k]
	s.values[k] = v
	return !ok || !reflect.DeepEqual(old, v)
}

// Snapshot returns every value, ordered by endpoint, cluster and attribute.
func (s *State) Snapshot() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.values))
	for k, v := range s.values {
		out = append(out, Entry{Key: k, Value: v})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.less(out[j].Key) })
	return out
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
