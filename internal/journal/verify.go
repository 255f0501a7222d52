package journal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"modelhist/internal/history"
)

// ErrTampered is returned by Replay when a report holds entries whose MAC
// or chain did not verify.
var ErrTampered = errors.New("journal: tampered entries")

// Report summarizes a journal verification.
type Report struct {
	Path         string
	StreamID     uuid.UUID
	CreatedAt    time.Time
	BaseSequence uint64

	TotalEntries     uint64
	ValidEntries     uint64
	CorruptedEntries uint64
	TamperedEntries  uint64
	BrokenLinks      uint64
	SequenceGaps     uint64
	PartialTail      bool

	Entries   []Entry
	Snapshots []SnapshotPayload
	Warnings  []string

	FirstTimestamp time.Time
	LastTimestamp  time.Time
}

// OK reports whether every entry verified.
func (r *Report) OK() bool {
	return r.CorruptedEntries == 0 && r.TamperedEntries == 0 &&
		r.BrokenLinks == 0 && r.SequenceGaps == 0 && !r.PartialTail
}

// Verify reads a journal without locking it and checks every entry's CRC,
// sequence, chain link and MAC. Only entries that pass every check are
// kept in the report.
func Verify(path string, key []byte, logger *slog.Logger) (*Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	hdr, err := readHeader(file)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	macKey, err := deriveKey(key, hdr.StreamID)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Path:         path,
		StreamID:     hdr.StreamID,
		CreatedAt:    time.Unix(0, hdr.CreatedAt),
		BaseSequence: hdr.BaseSeq,
	}

	offset := int64(HeaderSize)
	expect := hdr.BaseSeq
	var prevHash [32]byte
	for {
		entry, err := readEntryAt(file, offset)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			logger.Warn("partial entry at journal end", "offset", offset)
			rep.PartialTail = true
			rep.Warnings = append(rep.Warnings, "partial entry at journal end")
			break
		}
		if err != nil {
			// length prefix unreadable: nothing after it can be framed
			logger.Warn("unreadable entry", "offset", offset, "error", err)
			rep.CorruptedEntries++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("unreadable entry at offset %d", offset))
			break
		}
		rep.TotalEntries++
		offset += int64(entry.Length)

		if entry.CRC32 != computeEntryCRC(entry) {
			logger.Warn("CRC mismatch", "sequence", entry.Sequence)
			rep.CorruptedEntries++
			continue
		}
		if entry.Sequence != expect {
			logger.Warn("sequence gap", "sequence", entry.Sequence, "expected", expect)
			rep.SequenceGaps++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("sequence gap before %d", entry.Sequence))
		}
		expect = entry.Sequence + 1

		linked := entry.PrevHash == prevHash
		prevHash = entry.Hash()
		if !linked {
			logger.Warn("broken hash chain", "sequence", entry.Sequence)
			rep.BrokenLinks++
		}
		if computeMAC(macKey, entry) != entry.MAC {
			logger.Warn("MAC verification failed", "sequence", entry.Sequence, "type", entry.Type)
			rep.TamperedEntries++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("tampered entry at sequence %d", entry.Sequence))
			continue
		}
		if !linked {
			continue
		}

		rep.ValidEntries++
		rep.Entries = append(rep.Entries, *entry)
		ts := time.Unix(0, entry.Timestamp)
		if rep.FirstTimestamp.IsZero() {
			rep.FirstTimestamp = ts
		}
		if ts.Before(rep.LastTimestamp) {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("timestamp went backward at sequence %d", entry.Sequence))
		}
		rep.LastTimestamp = ts

		if entry.Type == EntrySnapshot {
			if p, err := DeserializeSnapshot(entry.Payload); err == nil {
				rep.Snapshots = append(rep.Snapshots, *p)
			}
		}
	}
	return rep, nil
}

// Events decodes the event entries of a report.
func (r *Report) Events(stream string) ([]history.Event, error) {
	var events []history.Event
	for _, e := range r.Entries {
		if e.Type != EntryEvent {
			continue
		}
		p, err := DeserializeEvent(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", e.Sequence, err)
		}
		events = append(events, p.Event(stream))
	}
	return events, nil
}

// Replay feeds the verified events of a report to o in journal order. It
// refuses reports with tampered or unlinked entries.
func Replay(r *Report, stream string, o history.Observer) (int, error) {
	if r.TamperedEntries > 0 || r.BrokenLinks > 0 {
		return 0, fmt.Errorf("%w: %d tampered, %d unlinked", ErrTampered, r.TamperedEntries, r.BrokenLinks)
	}
	events, err := r.Events(stream)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		o.Observe(e)
	}
	return len(events), nil
}

// StartFresh moves a damaged journal aside so a new one can be created.
func StartFresh(path string) (string, error) {
	if !Exists(path) {
		return "", nil
	}
	backup := fmt.Sprintf("%s.corrupted.%d", path, time.Now().Unix())
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("backup corrupted journal: %w", err)
	}
	return backup, nil
}
