package history

import "fmt"

// EntityID is the stable identity of a domain entity, independent of any
// in-memory representation.
type EntityID uint64

// StateID names a model state within a stream.
type StateID int64

// Entity is a versioned domain object. Several representations (the live
// object and backup copies) may share one EntityID.
type Entity interface {
	EntityID() EntityID
}

// AttributeEntity is implemented by entities that can report whether they
// are attributes rather than topology or geometry.
type AttributeEntity interface {
	Entity
	IsAttribute() bool
}

// Sizer is implemented by entities that can report their memory footprint.
type Sizer interface {
	HistorySize() int64
}

// Host is the domain side of the engine boundary.
//
// SwapContents moves the model from the posterior side of a change to its
// prior side:
//   - both set: exchange the contents of the two representations in place
//   - prior nil: posterior leaves the model
//   - posterior nil: prior returns to the model
type Host interface {
	SwapContents(prior, posterior Entity)
}

// HostFunc adapts a function to Host.
type HostFunc func(prior, posterior Entity)

// SwapContents calls f(prior, posterior).
func (f HostFunc) SwapContents(prior, posterior Entity) { f(prior, posterior) }

// TagAssigner is optionally implemented by a Host that wants to be told
// when an entity receives a tag.
type TagAssigner interface {
	AssignTag(e Entity, tag Tag)
}

// RecordKind classifies a change record by which snapshots it holds.
type RecordKind int

const (
	// KindNone holds neither snapshot.
	KindNone RecordKind = iota
	// KindCreate holds only a posterior.
	KindCreate
	// KindChange holds both snapshots.
	KindChange
	// KindDelete holds only a prior.
	KindDelete
)

func (k RecordKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCreate:
		return "create"
	case KindChange:
		return "change"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("RecordKind(%d)", int(k))
	}
}

// kindOf derives the record kind from the snapshot pattern.
func kindOf(prior, posterior Entity) RecordKind {
	switch {
	case prior == nil && posterior == nil:
		return KindNone
	case prior == nil:
		return KindCreate
	case posterior == nil:
		return KindDelete
	default:
		return KindChange
	}
}

// Record is a read-only view of a change record.
type Record struct {
	Kind      RecordKind
	Entity    EntityID
	Prior     Entity
	Posterior Entity
}

// IsAttributeOnly reports whether the record touches an attribute entity.
func (r Record) IsAttributeOnly() bool {
	e := r.Posterior
	if e == nil {
		e = r.Prior
	}
	a, ok := e.(AttributeEntity)
	return ok && a.IsAttribute()
}

// IsNoOp reports whether rolling the record has no effect.
func (r Record) IsNoOp() bool {
	return r.Kind == KindNone
}

// Outcome is the result passed when closing a checkpoint.
type Outcome bool

const (
	// Succeeded keeps the checkpoint's changes.
	Succeeded Outcome = true
	// Failed rolls the checkpoint's changes back.
	Failed Outcome = false
)
