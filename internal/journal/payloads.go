package journal

import (
	"encoding/binary"
	"errors"
	"time"

	"modelhist/internal/history"
)

// EventPayload records one completed stream operation.
type EventPayload struct {
	Kind     history.EventKind
	From     history.StateID
	To       history.StateID
	Count    int64
	Duration time.Duration
	Detail   string
}

// NewEventPayload converts a stream event.
func NewEventPayload(e history.Event) *EventPayload {
	return &EventPayload{
		Kind:     e.Kind,
		From:     e.From,
		To:       e.To,
		Count:    int64(e.Count),
		Duration: e.Duration,
		Detail:   e.Detail,
	}
}

// Event converts the payload back to a stream event for the named stream.
func (p *EventPayload) Event(stream string) history.Event {
	return history.Event{
		Kind:     p.Kind,
		Stream:   stream,
		From:     p.From,
		To:       p.To,
		Count:    int(p.Count),
		Detail:   p.Detail,
		Duration: p.Duration,
	}
}

const eventFixedSize = 1 + 8 + 8 + 8 + 8 + 2

// Serialize encodes the payload to bytes.
func (p *EventPayload) Serialize() []byte {
	detail := p.Detail
	if len(detail) > 0xffff {
		detail = detail[:0xffff]
	}
	buf := make([]byte, eventFixedSize+len(detail))
	offset := 0

	buf[offset] = byte(p.Kind)
	offset++
	binary.BigEndian.PutUint64(buf[offset:], uint64(p.From))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(p.To))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(p.Count))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(p.Duration))
	offset += 8
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(detail)))
	offset += 2
	copy(buf[offset:], detail)

	return buf
}

// DeserializeEvent decodes an event payload.
func DeserializeEvent(data []byte) (*EventPayload, error) {
	if len(data) < eventFixedSize {
		return nil, errors.New("event payload too short")
	}

	p := &EventPayload{}
	offset := 0

	p.Kind = history.EventKind(data[offset])
	offset++
	p.From = history.StateID(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	p.To = history.StateID(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	p.Count = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	p.Duration = time.Duration(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	n := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) < offset+n {
		return nil, errors.New("event payload truncated")
	}
	p.Detail = string(data[offset : offset+n])

	if !p.Kind.IsValid() {
		return nil, errors.New("event payload has unknown kind")
	}
	return p, nil
}

// SnapshotPayload records that an image of the stream was archived.
type SnapshotPayload struct {
	SnapshotID int64
	State      history.StateID
	Digest     [32]byte
}

// Serialize encodes the payload to bytes.
func (p *SnapshotPayload) Serialize() []byte {
	buf := make([]byte, 8+8+32)
	binary.BigEndian.PutUint64(buf[0:], uint64(p.SnapshotID))
	binary.BigEndian.PutUint64(buf[8:], uint64(p.State))
	copy(buf[16:], p.Digest[:])
	return buf
}

// DeserializeSnapshot decodes a snapshot payload.
func DeserializeSnapshot(data []byte) (*SnapshotPayload, error) {
	if len(data) < 8+8+32 {
		return nil, errors.New("snapshot payload too short")
	}
	p := &SnapshotPayload{
		SnapshotID: int64(binary.BigEndian.Uint64(data[0:])),
		State:      history.StateID(binary.BigEndian.Uint64(data[8:])),
	}
	copy(p.Digest[:], data[16:48])
	return p, nil
}
