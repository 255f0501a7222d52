package model

import (
	"maps"

	"modelhist/internal/history"
)

// Kind classifies an entity.
type Kind string

const (
	KindBody      Kind = "body"
	KindFace      Kind = "face"
	KindEdge      Kind = "edge"
	KindAttribute Kind = "attribute"
)

// Entity is a versioned object of the in-memory model. Backups are plain
// copies sharing the ID.
type Entity struct {
	ID    history.EntityID  `json:"id"`
	Kind  Kind              `json:"kind"`
	Name  string            `json:"name,omitempty"`
	Part  string            `json:"part,omitempty"`
	Owner history.EntityID  `json:"owner,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Tag   history.Tag       `json:"-"`
}

// EntityID implements history.Entity.
func (e *Entity) EntityID() history.EntityID { return e.ID }

// IsAttribute implements history.AttributeEntity.
func (e *Entity) IsAttribute() bool { return e.Kind == KindAttribute }

// HistorySize implements history.Sizer.
func (e *Entity) HistorySize() int64 {
	n := int64(64 + len(e.Name) + len(e.Part))
	for k, v := range e.Attrs {
		n += int64(len(k) + len(v) + 16)
	}
	return n
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Attrs = maps.Clone(e.Attrs)
	return &c
}

// Equal compares contents, ignoring tags.
func (e *Entity) Equal(o *Entity) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID && e.Kind == o.Kind && e.Name == o.Name &&
		e.Part == o.Part && e.Owner == o.Owner && maps.Equal(e.Attrs, o.Attrs)
}

var (
	_ history.AttributeEntity = (*Entity)(nil)
	_ history.Sizer           = (*Entity)(nil)
)
