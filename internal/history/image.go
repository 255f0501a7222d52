package history

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ImageVersion is the current stream image layout.
const ImageVersion = 1

// Codec converts entity snapshots to and from JSON for stream images.
type Codec interface {
	Encode(e Entity) (json.RawMessage, error)
	Decode(data json.RawMessage) (Entity, error)
}

// Image is a linearized stream. Snapshots are stored once in Objects and
// referenced by index, so shared references survive a round trip.
type Image struct {
	Version   int               `json:"version"`
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	NextState StateID           `json:"next_state"`
	Active    int               `json:"active"`
	MaxStates int               `json:"max_states,omitempty"`
	Merged    []StateID         `json:"merged,omitempty"`
	NextTag   Tag               `json:"next_tag"`
	Tags      []TagImage        `json:"tags,omitempty"`
	Objects   []json.RawMessage `json:"objects"`
	// Live indexes the objects that are part of the live model.
	Live   []int        `json:"live,omitempty"`
	Deltas []DeltaImage `json:"deltas"`
}

// TagImage is one tag binding.
type TagImage struct {
	Tag    Tag      `json:"tag"`
	Entity EntityID `json:"entity"`
}

// DeltaImage is one delta state. Deltas are stored in pre-order with the
// root first; Parent and Next index into the same slice.
type DeltaImage struct {
	Parent      int               `json:"parent"`
	Next        int               `json:"next"`
	From        StateID           `json:"from"`
	To          StateID           `json:"to"`
	This        StateID           `json:"this"`
	RollsBack   bool              `json:"rolls_back,omitempty"`
	Hidden      bool              `json:"hidden,omitempty"`
	Name        string            `json:"name,omitempty"`
	Merged      []StateID         `json:"merged,omitempty"`
	Checkpoints []CheckpointImage `json:"checkpoints,omitempty"`
}

// CheckpointImage is one checkpoint, records in list order.
type CheckpointImage struct {
	Status  string        `json:"status"`
	Level   int           `json:"level"`
	Rolled  bool          `json:"rolled,omitempty"`
	Severed bool          `json:"severed,omitempty"`
	Dead    []EntityID    `json:"dead,omitempty"`
	Records []RecordImage `json:"records"`
}

// RecordImage is one record. Prior and Posterior index Objects, -1 for
// none.
type RecordImage struct {
	Entity    EntityID `json:"entity"`
	Prior     int      `json:"prior"`
	Posterior int      `json:"posterior"`
}

// Export linearizes the stream. live reports whether a snapshot is part of
// the live model; it may be nil. Entities must be comparable, which holds
// for pointer implementations.
func (s *Stream) Export(codec Codec, live func(Entity) bool) (*Image, error) {
	if s.openCount > 0 {
		return nil, fmt.Errorf("export: %w", ErrCheckpointOpen)
	}
	if s.Uncommitted() {
		return nil, fmt.Errorf("export: %w", ErrUncommitted)
	}
	img := &Image{
		Version:   ImageVersion,
		ID:        s.id.String(),
		Name:      s.name,
		NextState: s.nextState,
		MaxStates: s.maxStates,
		Merged:    append([]StateID(nil), s.merged...),
		NextTag:   s.tags.NextTag(false),
		Objects:   []json.RawMessage{},
	}
	s.tags.Each(func(t Tag, id EntityID) bool {
		img.Tags = append(img.Tags, TagImage{Tag: t, Entity: id})
		return true
	})

	index := make(map[Entity]int)
	object := func(e Entity) (int, error) {
		if e == nil {
			return -1, nil
		}
		if i, ok := index[e]; ok {
			return i, nil
		}
		raw, err := codec.Encode(e)
		if err != nil {
			return -1, fmt.Errorf("export: encode entity %d: %w", e.EntityID(), err)
		}
		i := len(img.Objects)
		img.Objects = append(img.Objects, raw)
		index[e] = i
		if live != nil && live(e) {
			img.Live = append(img.Live, i)
		}
		return i, nil
	}

	nodes := s.scan(s.root)
	pos := make(map[deltaRef]int, len(nodes))
	for i, d := range nodes {
		pos[d] = i
	}
	for _, d := range nodes {
		ds := s.deltas.Get(d)
		di := DeltaImage{
			Parent:    -1,
			Next:      -1,
			From:      ds.fwdFrom,
			To:        ds.fwdTo,
			This:      ds.this,
			RollsBack: ds.rollsBack,
			Hidden:    ds.hidden,
			Name:      ds.name,
			Merged:    append([]StateID(nil), ds.merged...),
		}
		if !ds.prev.IsZero() {
			di.Parent = pos[ds.prev]
		}
		if !ds.next.IsZero() {
			di.Next = pos[ds.next]
		}
		for _, cpRef := range s.chain(d) {
			cp := s.cps.Get(cpRef)
			ci := CheckpointImage{
				Status:  cp.status.String(),
				Level:   cp.level,
				Rolled:  cp.rolled,
				Severed: cp.severed,
				Dead:    Checkpoint{s: s, ref: cpRef}.DeadEntities(),
				Records: make([]RecordImage, 0, cp.count),
			}
			for rr := cp.head; !rr.IsZero(); {
				r := s.records.Get(rr)
				pi, err := object(r.prior)
				if err != nil {
					return nil, err
				}
				qi, err := object(r.post)
				if err != nil {
					return nil, err
				}
				ci.Records = append(ci.Records, RecordImage{Entity: r.id, Prior: pi, Posterior: qi})
				rr = r.next
			}
			di.Checkpoints = append(di.Checkpoints, ci)
		}
		img.Deltas = append(img.Deltas, di)
	}
	img.Active = pos[s.active]
	return img, nil
}

// Import rebuilds a stream from an image. It returns the stream and the
// decoded snapshots that belong to the live model, which the caller
// installs in its host.
func Import(img *Image, codec Codec, opts StreamOptions) (*Stream, []Entity, error) {
	if img.Version != ImageVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrImageVersion, img.Version)
	}
	if len(img.Deltas) == 0 || img.Deltas[0].Parent != -1 {
		return nil, nil, fmt.Errorf("%w: missing root", ErrImageCorrupt)
	}
	if img.Active < 0 || img.Active >= len(img.Deltas) {
		return nil, nil, fmt.Errorf("%w: active index %d", ErrImageCorrupt, img.Active)
	}

	objs := make([]Entity, len(img.Objects))
	for i, raw := range img.Objects {
		e, err := codec.Decode(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("import: decode object %d: %w", i, err)
		}
		objs[i] = e
	}
	object := func(i int) (Entity, error) {
		if i == -1 {
			return nil, nil
		}
		if i < 0 || i >= len(objs) {
			return nil, fmt.Errorf("%w: object index %d", ErrImageCorrupt, i)
		}
		return objs[i], nil
	}

	if opts.Name == "" {
		opts.Name = img.Name
	}
	s := NewStream(opts)
	if id, err := uuid.Parse(img.ID); err == nil {
		s.id = id
	}
	rootImg := img.Deltas[0]
	s.nextState = img.NextState
	s.reset(rootImg.To)

	refs := make([]deltaRef, len(img.Deltas))
	refs[0] = s.root
	for i, di := range img.Deltas {
		if i > 0 {
			if di.Parent < 0 || di.Parent >= i {
				return nil, nil, fmt.Errorf("%w: delta %d has parent %d", ErrImageCorrupt, i, di.Parent)
			}
			refs[i] = s.deltas.Insert(deltaState{})
			s.addChild(refs[di.Parent], refs[i])
		}
		ds := s.deltas.Get(refs[i])
		ds.fwdFrom, ds.fwdTo, ds.this = di.From, di.To, di.This
		ds.rollsBack, ds.hidden, ds.name = di.RollsBack, di.Hidden, di.Name
		ds.merged = append([]StateID(nil), di.Merged...)

		for _, ci := range di.Checkpoints {
			status, err := ParseStatus(ci.Status)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %w", ErrImageCorrupt, err)
			}
			ref := s.newCheckpoint(refs[i], status, ci.Level)
			cp := s.cps.Get(ref)
			cp.rolled, cp.severed = ci.Rolled, ci.Severed
			for _, id := range ci.Dead {
				if cp.dead == nil {
					cp.dead = make(map[EntityID]struct{})
				}
				cp.dead[id] = struct{}{}
			}
			for _, ri := range ci.Records {
				prior, err := object(ri.Prior)
				if err != nil {
					return nil, nil, err
				}
				post, err := object(ri.Posterior)
				if err != nil {
					return nil, nil, err
				}
				rec := newRecord(ref, prior, post)
				rec.id = ri.Entity
				rr := s.records.Insert(rec)
				cp = s.cps.Get(ref)
				s.appendToList(cp, rr)
				cp.byEntity[ri.Entity] = rr
				s.linkLatest(rr)
			}
		}
	}
	for i, di := range img.Deltas {
		if di.Next == -1 {
			continue
		}
		if di.Next <= 0 || di.Next >= len(refs) || img.Deltas[di.Next].Parent != i {
			return nil, nil, fmt.Errorf("%w: delta %d has next %d which is not its child", ErrImageCorrupt, i, di.Next)
		}
		s.deltas.Get(refs[i]).next = refs[di.Next]
	}
	s.active = refs[img.Active]
	s.merged = append([]StateID(nil), img.Merged...)
	if s.nextState <= s.deltas.Get(s.active).fwdTo {
		s.nextState = s.deltas.Get(s.active).fwdTo + 1
	}
	for _, d := range refs {
		if t := s.deltas.Get(d).fwdTo; t > s.currentState {
			s.currentState = t
		}
	}

	for _, ti := range img.Tags {
		if err := s.tags.Set(ti.Tag, ti.Entity); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrImageCorrupt, err)
		}
	}
	if s.tags.NextTag(false) < img.NextTag {
		s.tags.SetNextTag(img.NextTag)
	}

	if err := s.Verify(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrImageCorrupt, err)
	}

	live := make([]Entity, 0, len(img.Live))
	for _, i := range img.Live {
		e, err := object(i)
		if err != nil {
			return nil, nil, err
		}
		if e != nil {
			live = append(live, e)
		}
	}
	return s, live, nil
}
