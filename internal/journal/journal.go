// Package journal implements an append-only operation journal for history
// streams.
//
// Every completed stream operation is appended as an entry that links to
// the previous one through a hash chain and carries a keyed BLAKE2b MAC,
// so a journal can be verified after a crash and replayed to audit what
// happened to a stream.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Version and magic constants
const (
	Version    = 1
	Magic      = "MHJL"
	HeaderSize = 64
)

// EntryType discriminates journal payloads.
type EntryType uint8

const (
	EntryEvent    EntryType = 1 // stream event
	EntrySnapshot EntryType = 2 // image archived
	EntryMarker   EntryType = 3 // free-form marker
)

var (
	ErrInvalidMagic   = errors.New("journal: invalid magic number")
	ErrInvalidVersion = errors.New("journal: unsupported version")
	ErrCorruptedEntry = errors.New("journal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("journal: broken hash chain")
	ErrInvalidMAC     = errors.New("journal: MAC verification failed")
	ErrClosed         = errors.New("journal: journal is closed")
	ErrSequenceGap    = errors.New("journal: sequence number gap detected")
	ErrLocked         = errors.New("journal: file is locked by another process")
	ErrStreamMismatch = errors.New("journal: file belongs to another stream")
)

// Header is the journal file header.
type Header struct {
	Magic     [4]byte
	Version   uint32
	StreamID  uuid.UUID
	CreatedAt int64
	BaseSeq   uint64
}

// Entry is a single journal entry.
type Entry struct {
	Length    uint32
	Sequence  uint64
	Timestamp int64
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	MAC       [32]byte
	CRC32     uint32
}

// Journal is an append-only, hash-chained operation log.
type Journal struct {
	mu sync.Mutex

	path     string
	file     *os.File
	streamID uuid.UUID
	macKey   []byte
	baseSeq  uint64

	nextSequence uint64
	lastHash     [32]byte
	closed       bool
	noSync       bool

	entryCount uint64
	byteCount  int64
}

// Open opens or creates a journal file for the given stream and takes an
// exclusive lock on it. With an empty key, entries are MACed with a key
// derived from the stream id alone.
func Open(path string, streamID uuid.UUID, key []byte) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, err
	}

	macKey, err := deriveKey(key, streamID)
	if err != nil {
		unlockFile(file)
		file.Close()
		return nil, err
	}

	j := &Journal{
		path:     path,
		file:     file,
		streamID: streamID,
		macKey:   macKey,
	}

	stat, err := file.Stat()
	if err != nil {
		j.release()
		return nil, fmt.Errorf("stat journal file: %w", err)
	}

	if stat.Size() == 0 {
		if err := j.writeHeader(file, 0); err != nil {
			j.release()
			return nil, fmt.Errorf("write header: %w", err)
		}
		j.byteCount = HeaderSize
		if _, err := file.Seek(HeaderSize, io.SeekStart); err != nil {
			j.release()
			return nil, fmt.Errorf("seek after header: %w", err)
		}
		return j, nil
	}

	hdr, err := readHeader(file)
	if err != nil {
		j.release()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr.StreamID != streamID {
		j.release()
		return nil, fmt.Errorf("%w: %s", ErrStreamMismatch, hdr.StreamID)
	}
	j.baseSeq = hdr.BaseSeq
	j.nextSequence = hdr.BaseSeq
	if err := j.scanToEnd(); err != nil {
		j.release()
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return j, nil
}

func (j *Journal) release() {
	unlockFile(j.file)
	j.file.Close()
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	copy(buf[8:24], h.StreamID[:])
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.CreatedAt))
	binary.BigEndian.PutUint64(buf[32:40], h.BaseSeq)
	// Reserved bytes 40-64 are zero
	return buf
}

func (j *Journal) writeHeader(f *os.File, baseSeq uint64) error {
	h := Header{
		Version:   Version,
		StreamID:  j.streamID,
		CreatedAt: time.Now().UnixNano(),
		BaseSeq:   baseSeq,
	}
	copy(h.Magic[:], Magic)
	if _, err := f.WriteAt(encodeHeader(h), 0); err != nil {
		return err
	}
	return f.Sync()
}

// readHeader reads and validates the journal header.
func readHeader(r io.ReaderAt) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	if string(buf[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}
	h := &Header{Version: binary.BigEndian.Uint32(buf[4:8])}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, h.Version, Version)
	}
	copy(h.Magic[:], buf[0:4])
	copy(h.StreamID[:], buf[8:24])
	h.CreatedAt = int64(binary.BigEndian.Uint64(buf[24:32]))
	h.BaseSeq = binary.BigEndian.Uint64(buf[32:40])
	return h, nil
}

// readEntryAt reads the entry starting at offset. It returns io.EOF at a
// clean end of file and io.ErrUnexpectedEOF for a partial tail.
func readEntryAt(r io.ReaderAt, offset int64) (*Entry, error) {
	lenBuf := make([]byte, 4)
	if _, err := r.ReadAt(lenBuf, offset); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	entryLen := binary.BigEndian.Uint32(lenBuf)
	if entryLen == 0 {
		return nil, io.EOF
	}
	buf := make([]byte, entryLen)
	if _, err := r.ReadAt(buf, offset); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return deserializeEntry(buf)
}

// scanToEnd positions the journal after the last intact entry. A torn or
// corrupt tail is cut off so appends continue the chain.
func (j *Journal) scanToEnd() error {
	offset := int64(HeaderSize)
	for {
		entry, err := readEntryAt(j.file, offset)
		if err != nil {
			break
		}
		if entry.CRC32 != computeEntryCRC(entry) {
			break
		}
		if entry.Sequence != j.nextSequence || entry.PrevHash != j.lastHash {
			break
		}
		j.nextSequence = entry.Sequence + 1
		j.lastHash = entry.Hash()
		j.entryCount++
		offset += int64(entry.Length)
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.byteCount = offset
	_, err := j.file.Seek(offset, io.SeekStart)
	return err
}

// SetSync controls whether Append fsyncs every entry. On by default.
func (j *Journal) SetSync(on bool) {
	j.mu.Lock()
	j.noSync = !on
	j.mu.Unlock()
}

// Append adds a new entry and, unless syncing is off, syncs it to disk.
func (j *Journal) Append(entryType EntryType, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	entry := &Entry{
		Sequence:  j.nextSequence,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  j.lastHash,
	}
	entry.MAC = computeMAC(j.macKey, entry)
	entry.CRC32 = computeEntryCRC(entry)

	data := serializeEntry(entry)
	entry.Length = uint32(len(data))

	if _, err := j.file.Write(data); err != nil {
		return 0, fmt.Errorf("write entry: %w", err)
	}
	if !j.noSync {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync entry: %w", err)
		}
	}

	j.lastHash = entry.Hash()
	j.nextSequence++
	j.entryCount++
	j.byteCount += int64(len(data))
	return entry.Sequence, nil
}

// ReadAll reads all entries, checking CRC, chain and MAC.
func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readEntries(0)
}

// ReadAfter reads entries with sequence > afterSeq.
func (j *Journal) ReadAfter(afterSeq uint64) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readEntries(afterSeq + 1)
}

func (j *Journal) readEntries(fromSeq uint64) ([]Entry, error) {
	var entries []Entry
	offset := int64(HeaderSize)
	var prevHash [32]byte
	expect := j.baseSeq

	for {
		entry, err := readEntryAt(j.file, offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read entry at offset %d: %w", offset, err)
		}
		if entry.CRC32 != computeEntryCRC(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrCorruptedEntry)
		}
		if entry.Sequence != expect {
			return nil, fmt.Errorf("entry %d, expected %d: %w", entry.Sequence, expect, ErrSequenceGap)
		}
		if entry.PrevHash != prevHash {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if !j.verifyMAC(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidMAC)
		}
		if entry.Sequence >= fromSeq {
			entries = append(entries, *entry)
		}
		prevHash = entry.Hash()
		expect++
		offset += int64(entry.Length)
	}
	return entries, nil
}

// VerifyMAC verifies an entry's MAC.
func (j *Journal) VerifyMAC(entry *Entry) bool {
	return j.verifyMAC(entry)
}

func (j *Journal) verifyMAC(entry *Entry) bool {
	expected := computeMAC(j.macKey, entry)
	return entry.MAC == expected
}

// Truncate drops entries before beforeSeq and rewrites the chain of the
// remaining ones, keeping their sequence numbers.
func (j *Journal) Truncate(beforeSeq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	entries, err := j.readEntries(beforeSeq)
	if err != nil {
		return err
	}
	base := beforeSeq
	if base < j.baseSeq {
		base = j.baseSeq
	}
	if base > j.nextSequence {
		base = j.nextSequence
	}

	newPath := j.path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		newFile.Close()
		os.Remove(newPath)
		return err
	}
	if err := j.writeHeader(newFile, base); err != nil {
		return fail(err)
	}

	var lastHash [32]byte
	size := int64(HeaderSize)
	for i := range entries {
		e := &entries[i]
		e.PrevHash = lastHash
		e.MAC = computeMAC(j.macKey, e)
		e.CRC32 = computeEntryCRC(e)
		data := serializeEntry(e)
		if _, err := newFile.WriteAt(data, size); err != nil {
			return fail(err)
		}
		size += int64(len(data))
		lastHash = e.Hash()
	}
	if err := newFile.Sync(); err != nil {
		return fail(err)
	}
	if err := lockFile(newFile); err != nil {
		return fail(err)
	}
	if err := os.Rename(newPath, j.path); err != nil {
		unlockFile(newFile)
		return fail(err)
	}
	if _, err := newFile.Seek(size, io.SeekStart); err != nil {
		return err
	}

	j.release()
	j.file = newFile
	j.baseSeq = base
	j.lastHash = lastHash
	j.entryCount = uint64(len(entries))
	j.byteCount = size
	return nil
}

// StreamID returns the stream the journal belongs to.
func (j *Journal) StreamID() uuid.UUID { return j.streamID }

// Size returns the current journal file size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.byteCount
}

// EntryCount returns the number of entries in the journal.
func (j *Journal) EntryCount() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entryCount
}

// LastSequence returns the last sequence number written, or false when
// the journal is empty.
func (j *Journal) LastSequence() (uint64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.entryCount == 0 {
		return 0, false
	}
	return j.nextSequence - 1, true
}

// Close unlocks and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	unlockFile(j.file)
	return j.file.Close()
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Exists checks if a journal file exists at the given path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Hash computes the chain hash of an entry.
func (e *Entry) Hash() [32]byte {
	h, _ := blake2b.New256(nil)
	writeEntryFields(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// computeMAC computes the keyed BLAKE2b MAC for an entry.
func computeMAC(key []byte, entry *Entry) [32]byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// key length is fixed by deriveKey
		panic(err)
	}
	writeEntryFields(h, entry)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeEntryFields(w io.Writer, e *Entry) {
	var buf [17]byte
	binary.BigEndian.PutUint64(buf[0:8], e.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Timestamp))
	buf[16] = byte(e.Type)
	w.Write(buf[:])
	w.Write(e.Payload)
	w.Write(e.PrevHash[:])
}

// computeEntryCRC computes the CRC32 for corruption detection.
func computeEntryCRC(entry *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeEntryFields(crc, entry)
	crc.Write(entry.MAC[:])
	return crc.Sum32()
}

const entryOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4

// serializeEntry serializes an entry to bytes.
func serializeEntry(entry *Entry) []byte {
	buf := make([]byte, entryOverhead+len(entry.Payload))
	offset := 0

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(buf)))
	offset += 4
	binary.BigEndian.PutUint64(buf[offset:], entry.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8
	buf[offset] = byte(entry.Type)
	offset++
	binary.BigEndian.PutUint32(buf[offset:], uint32(len(entry.Payload)))
	offset += 4
	copy(buf[offset:], entry.Payload)
	offset += len(entry.Payload)
	copy(buf[offset:], entry.PrevHash[:])
	offset += 32
	copy(buf[offset:], entry.MAC[:])
	offset += 32
	binary.BigEndian.PutUint32(buf[offset:], entry.CRC32)

	return buf
}

// deserializeEntry deserializes an entry from bytes.
func deserializeEntry(data []byte) (*Entry, error) {
	if len(data) < entryOverhead {
		return nil, errors.New("entry too short")
	}

	entry := &Entry{}
	offset := 0

	entry.Length = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	entry.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	entry.Timestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	entry.Type = EntryType(data[offset])
	offset++

	payloadLen := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	if len(data) < offset+int(payloadLen)+32+32+4 {
		return nil, errors.New("entry truncated")
	}
	entry.Payload = make([]byte, payloadLen)
	copy(entry.Payload, data[offset:offset+int(payloadLen)])
	offset += int(payloadLen)

	copy(entry.PrevHash[:], data[offset:offset+32])
	offset += 32
	copy(entry.MAC[:], data[offset:offset+32])
	offset += 32
	entry.CRC32 = binary.BigEndian.Uint32(data[offset:])

	return entry, nil
}
