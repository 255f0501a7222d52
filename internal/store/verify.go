package store

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// computeDigest hashes the encoded image bytes.
func computeDigest(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// VerifySnapshot checks that the snapshot data matches its recorded digest.
func VerifySnapshot(snap *Snapshot) error {
	computed := computeDigest(snap.Data)
	if !bytes.Equal(computed[:], snap.Digest[:]) {
		return fmt.Errorf("%w: snapshot %d: computed %x, expected %x",
			ErrDigestMismatch, snap.ID, computed, snap.Digest)
	}
	return nil
}

// VerifyAll checks every snapshot in the archive and returns the ids of
// those whose data no longer matches the recorded digest.
func VerifyAll(a Archive) ([]int64, error) {
	snaps, err := a.List("")
	if err != nil {
		return nil, err
	}
	var corrupted []int64
	for _, s := range snaps {
		full, err := rawSnapshot(a, s.ID)
		if err != nil {
			return nil, fmt.Errorf("read snapshot %d: %w", s.ID, err)
		}
		if err := VerifySnapshot(full); err != nil {
			corrupted = append(corrupted, s.ID)
		}
	}
	return corrupted, nil
}

// rawSnapshot reads a snapshot with its data and without verification.
func rawSnapshot(a Archive, id int64) (*Snapshot, error) {
	switch a := a.(type) {
	case *SQLiteArchive:
		return a.snapshot(id)
	case *BadgerArchive:
		return a.snapshot(id)
	default:
		_, snap, err := a.Load(id)
		return snap, err
	}
}
