// Package store archives stream images in SQLite or Badger.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modelhist/internal/history"
	"modelhist/internal/schemavalidation"
)

var (
	// ErrNotFound is returned when a snapshot does not exist.
	ErrNotFound = errors.New("store: snapshot not found")
	// ErrDigestMismatch is returned when stored image bytes do not match
	// the digest recorded at save time.
	ErrDigestMismatch = errors.New("store: digest mismatch")
	// ErrUnknownBackend is returned by Open for an unsupported backend.
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// Snapshot is one archived stream image.
type Snapshot struct {
	ID         int64           `json:"id"`
	StreamID   string          `json:"stream_id"`
	StreamName string          `json:"stream_name"`
	Label      string          `json:"label,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	State      history.StateID `json:"state"`
	StateCount int             `json:"state_count"`
	Digest     [32]byte        `json:"digest"`
	Data       []byte          `json:"-"`
}

// StateEntry indexes one delta state of an archived image.
type StateEntry struct {
	SnapshotID int64           `json:"snapshot_id"`
	State      history.StateID `json:"state"`
	Name       string          `json:"name,omitempty"`
	Records    int             `json:"records"`
	Hidden     bool            `json:"hidden,omitempty"`
}

// Archive persists stream images.
type Archive interface {
	// Save stores img and returns the snapshot metadata.
	Save(img *history.Image, label string) (*Snapshot, error)
	// Load reads a snapshot by id and verifies its digest.
	Load(id int64) (*history.Image, *Snapshot, error)
	// Latest returns the most recent snapshot of the named stream.
	Latest(stream string) (*history.Image, *Snapshot, error)
	// List returns snapshot metadata for a stream, newest first.
	// An empty stream name lists every snapshot.
	List(stream string) ([]Snapshot, error)
	// States returns the state index of a snapshot.
	States(id int64) ([]StateEntry, error)
	// Delete removes a snapshot.
	Delete(id int64) error
	Close() error
}

// Options configures an archive.
type Options struct {
	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout time.Duration
	// Validate checks images against the image schema on save and load.
	Validate bool
	// InMemory opens a Badger archive without touching disk.
	InMemory bool
	Logger   *slog.Logger
}

// Open opens an archive of the given backend ("sqlite" or "badger").
func Open(backend, path string, opts Options) (Archive, error) {
	switch backend {
	case "sqlite", "":
		return OpenSQLite(path, opts)
	case "badger":
		return OpenBadger(path, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}

// encodeImage prepares the snapshot row and state index for img.
func encodeImage(img *history.Image, label string, validate bool) (*Snapshot, []StateEntry, error) {
	if img == nil {
		return nil, nil, errors.New("store: nil image")
	}
	data, err := json.Marshal(img)
	if err != nil {
		return nil, nil, fmt.Errorf("encode image: %w", err)
	}
	if validate {
		if err := schemavalidation.Validate(data); err != nil {
			return nil, nil, err
		}
	}

	snap := &Snapshot{
		StreamID:   img.ID,
		StreamName: img.Name,
		Label:      label,
		CreatedAt:  time.Now().UTC(),
		StateCount: len(img.Deltas),
		Digest:     computeDigest(data),
		Data:       data,
	}
	if img.Active >= 0 && img.Active < len(img.Deltas) {
		snap.State = img.Deltas[img.Active].This
	}

	states := make([]StateEntry, 0, len(img.Deltas))
	for _, d := range img.Deltas {
		e := StateEntry{State: d.This, Name: d.Name, Hidden: d.Hidden}
		for _, cp := range d.Checkpoints {
			e.Records += len(cp.Records)
		}
		states = append(states, e)
	}
	return snap, states, nil
}

// decodeImage verifies and decodes a loaded snapshot.
func decodeImage(snap *Snapshot, validate bool) (*history.Image, error) {
	if err := VerifySnapshot(snap); err != nil {
		return nil, err
	}
	if validate {
		if err := schemavalidation.Validate(snap.Data); err != nil {
			return nil, err
		}
	}
	var img history.Image
	if err := json.Unmarshal(snap.Data, &img); err != nil {
		return nil, fmt.Errorf("decode image %d: %w", snap.ID, err)
	}
	return &img, nil
}

func logger(opts Options) *slog.Logger {
	if opts.Logger != nil {
		return opts.Logger
	}
	return slog.Default()
}
