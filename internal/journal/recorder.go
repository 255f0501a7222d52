package journal

import (
	"log/slog"
	"path/filepath"
	"sync"

	"modelhist/internal/history"
)

// Recorder appends stream events to a journal. It implements
// history.Observer; append failures are logged and kept for Err since
// observers cannot fail the stream operation.
type Recorder struct {
	j   *Journal
	log *slog.Logger

	mu      sync.Mutex
	err     error
	dropped uint64
}

// NewRecorder creates a recorder writing to j.
func NewRecorder(j *Journal, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{j: j, log: logger.With("journal", j.Path())}
}

// PathForStream returns the journal path of a stream inside dir.
func PathForStream(dir string, s *history.Stream) string {
	return filepath.Join(dir, s.ID().String()+".journal")
}

// Observe implements history.Observer.
func (r *Recorder) Observe(e history.Event) {
	seq, err := r.j.Append(EntryEvent, NewEventPayload(e).Serialize())
	if err != nil {
		r.fail(err)
		return
	}
	r.log.Debug("journal entry", "seq", seq, "kind", e.Kind.String(), "from", e.From, "to", e.To)
}

// RecordSnapshot notes that an image of the stream was archived.
func (r *Recorder) RecordSnapshot(p *SnapshotPayload) error {
	_, err := r.j.Append(EntrySnapshot, p.Serialize())
	if err != nil {
		r.fail(err)
	}
	return err
}

// Mark appends a free-form marker.
func (r *Recorder) Mark(label string) error {
	_, err := r.j.Append(EntryMarker, []byte(label))
	if err != nil {
		r.fail(err)
	}
	return err
}

func (r *Recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	r.dropped++
	r.log.Error("journal append failed", "error", err, "dropped", r.dropped)
}

// Err returns the first append error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Dropped returns the number of entries that could not be written.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Journal returns the underlying journal.
func (r *Recorder) Journal() *Journal { return r.j }
