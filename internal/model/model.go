// Package model is an in-memory entity model driven through the history
// engine. It implements the host side of the engine boundary: content swap,
// tag assignment, stream lookup by part ownership and a JSON codec for
// stream images.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"modelhist/internal/history"
)

// ErrNotFound indicates an entity that is not in the model.
var ErrNotFound = errors.New("model: entity not found")

// Model holds the live entities.
type Model struct {
	mu       sync.RWMutex
	entities map[history.EntityID]*Entity
	nextID   history.EntityID
	parts    map[string]*history.Stream
	tags     map[history.EntityID]history.Tag
}

// New creates an empty model.
func New() *Model {
	return &Model{
		entities: make(map[history.EntityID]*Entity),
		nextID:   1,
		parts:    make(map[string]*history.Stream),
		tags:     make(map[history.EntityID]history.Tag),
	}
}

// SwapContents implements history.Host.
func (m *Model) SwapContents(prior, posterior history.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case prior != nil && posterior != nil:
		p, q := prior.(*Entity), posterior.(*Entity)
		*p, *q = *q, *p
	case prior == nil && posterior != nil:
		delete(m.entities, posterior.EntityID())
	case prior != nil:
		m.entities[prior.EntityID()] = prior.(*Entity)
	}
}

// AssignTag implements history.TagAssigner.
func (m *Model) AssignTag(e history.Entity, tag history.Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[e.EntityID()] = tag
	if live, ok := m.entities[e.EntityID()]; ok {
		live.Tag = tag
	}
}

// BindPart makes s the stream that owns the entities of part.
func (m *Model) BindPart(part string, s *history.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[part] = s
}

// FindStream implements history.StreamFinder. An entity belongs to the
// stream bound to its part; attributes without a part follow their owner.
func (m *Model) FindStream(e history.Entity, _ history.FindStrategy) *history.Stream {
	ent, ok := e.(*Entity)
	if !ok {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	part := ent.Part
	for hops := 0; part == "" && ent.Owner != 0 && hops < 16; hops++ {
		owner, ok := m.entities[ent.Owner]
		if !ok {
			break
		}
		ent, part = owner, owner.Part
	}
	return m.parts[part]
}

// Create adds a new entity and records it on ctx.
func (m *Model) Create(ctx *history.Context, kind Kind, name, part string, owner history.EntityID) (*Entity, error) {
	m.mu.Lock()
	e := &Entity{ID: m.nextID, Kind: kind, Name: name, Part: part, Owner: owner, Tag: history.NoTag}
	m.nextID++
	m.mu.Unlock()

	if err := ctx.Create(e); err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	m.mu.Lock()
	m.entities[e.ID] = e
	m.mu.Unlock()
	return e, nil
}

// Update records a backup of id when the open checkpoint has none and then
// applies fn to the live entity.
func (m *Model) Update(ctx *history.Context, id history.EntityID, fn func(*Entity)) error {
	e, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("update %d: %w", id, ErrNotFound)
	}
	if ctx.NeedsBackup(id) {
		m.mu.RLock()
		backup := e.Clone()
		m.mu.RUnlock()
		if err := ctx.Change(backup, e); err != nil {
			return fmt.Errorf("update %d: %w", id, err)
		}
	}
	m.mu.Lock()
	fn(e)
	m.mu.Unlock()
	return nil
}

// Delete removes id and records the deletion on ctx.
func (m *Model) Delete(ctx *history.Context, id history.EntityID) error {
	e, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("delete %d: %w", id, ErrNotFound)
	}
	if err := ctx.Delete(e); err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	m.mu.Lock()
	delete(m.entities, id)
	m.mu.Unlock()
	return nil
}

// Get returns the live entity.
func (m *Model) Get(id history.EntityID) (*Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	return e, ok
}

// Lookup returns the first live entity with the name.
func (m *Model) Lookup(name string) (*Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.idsLocked() {
		if e := m.entities[id]; e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Len returns the number of live entities.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// IDs returns the live entity ids in ascending order.
func (m *Model) IDs() []history.EntityID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idsLocked()
}

func (m *Model) idsLocked() []history.EntityID {
	ids := make([]history.EntityID, 0, len(m.entities))
	for id := range m.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns copies of all live entities keyed by id.
func (m *Model) Snapshot() map[history.EntityID]Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[history.EntityID]Entity, len(m.entities))
	for id, e := range m.entities {
		c := e.Clone()
		c.Tag = 0
		out[id] = *c
	}
	return out
}

// IsLive reports whether e is the live representation of its entity.
func (m *Model) IsLive(e history.Entity) bool {
	ent, ok := e.(*Entity)
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entities[ent.ID] == ent
}

// Install replaces the live entities, as after loading a stream image.
func (m *Model) Install(live []history.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entities := make(map[history.EntityID]*Entity, len(live))
	next := history.EntityID(1)
	for _, e := range live {
		ent, ok := e.(*Entity)
		if !ok {
			return fmt.Errorf("install: unexpected entity type %T", e)
		}
		entities[ent.ID] = ent
		if ent.ID >= next {
			next = ent.ID + 1
		}
	}
	m.entities = entities
	m.nextID = next
	return nil
}

// ReserveIDs makes sure new entities get ids above max.
func (m *Model) ReserveIDs(max history.EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextID <= max {
		m.nextID = max + 1
	}
}

// Codec encodes entities as JSON for stream images.
type Codec struct{}

// Encode implements history.Codec.
func (Codec) Encode(e history.Entity) (json.RawMessage, error) {
	ent, ok := e.(*Entity)
	if !ok {
		return nil, fmt.Errorf("encode: unexpected entity type %T", e)
	}
	return json.Marshal(ent)
}

// Decode implements history.Codec.
func (Codec) Decode(data json.RawMessage) (history.Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	e.Tag = history.NoTag
	return &e, nil
}

var (
	_ history.Host         = (*Model)(nil)
	_ history.TagAssigner  = (*Model)(nil)
	_ history.StreamFinder = (*Model)(nil)
	_ history.Codec        = Codec{}
)
