package history

import (
	"fmt"
	"sync"
)

// Registry links the streams that coexist over one model, typically a
// master stream and its workers.
type Registry struct {
	mu      sync.RWMutex
	streams []*Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s. A stream belongs to at most one registry.
func (r *Registry) Add(s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.registry != nil && s.registry != r {
		return fmt.Errorf("registry: stream %s already registered elsewhere", s.name)
	}
	for _, cur := range r.streams {
		if cur == s {
			return nil
		}
	}
	s.registry = r
	r.streams = append(r.streams, s)
	return nil
}

// Remove unregisters s.
func (r *Registry) Remove(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.streams {
		if cur == s {
			r.streams = append(r.streams[:i], r.streams[i+1:]...)
			s.registry = nil
			return
		}
	}
}

// Streams returns the registered streams in registration order.
func (r *Registry) Streams() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Stream(nil), r.streams...)
}

// Find returns the stream with the given name.
func (r *Registry) Find(name string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.streams {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// Siblings returns the other streams registered with s.
func (s *Stream) Siblings() []*Stream {
	if s.registry == nil {
		return nil
	}
	var out []*Stream
	for _, o := range s.registry.Streams() {
		if o != s {
			out = append(out, o)
		}
	}
	return out
}
