package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"modelhist/internal/history"
)

// Key layout:
//
//	m/<id>             snapshot metadata (JSON)
//	d/<id>             image bytes
//	s/<id>             state index (JSON)
//	n/<stream>/<id>    stream name index
//
// Ids are big-endian so key order is save order.
var (
	prefixMeta   = []byte("m/")
	prefixData   = []byte("d/")
	prefixStates = []byte("s/")
	prefixName   = []byte("n/")
	sequenceKey  = []byte("seq/snapshot")
)

// BadgerArchive stores snapshots in a Badger key-value store.
type BadgerArchive struct {
	db       *badger.DB
	seq      *badger.Sequence
	validate bool
	log      *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens or creates a Badger archive in dir.
func OpenBadger(dir string, opts Options) (*BadgerArchive, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if dir == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
		bopts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open snapshot sequence: %w", err)
	}
	return &BadgerArchive{db: db, seq: seq, validate: opts.Validate, log: logger(opts)}, nil
}

// Close releases the id sequence and closes the database.
func (a *BadgerArchive) Close() error {
	var errs []error
	if a.seq != nil {
		errs = append(errs, a.seq.Release())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func idKey(prefix []byte, id int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(id))
	return k
}

func nameKey(stream string, id int64) []byte {
	return idKey(namePrefix(stream), id)
}

func namePrefix(stream string) []byte {
	return append(append(append([]byte{}, prefixName...), stream...), '/')
}

// Save stores img with its state index in one transaction.
func (a *BadgerArchive) Save(img *history.Image, label string) (*Snapshot, error) {
	snap, states, err := encodeImage(img, label, a.validate)
	if err != nil {
		return nil, err
	}
	next, err := a.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next snapshot id: %w", err)
	}
	snap.ID = int64(next) + 1
	for i := range states {
		states[i].SnapshotID = snap.ID
	}

	meta, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	index, err := json.Marshal(states)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot states: %w", err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(idKey(prefixMeta, snap.ID), meta); err != nil {
			return err
		}
		if err := txn.Set(idKey(prefixData, snap.ID), snap.Data); err != nil {
			return err
		}
		if err := txn.Set(idKey(prefixStates, snap.ID), index); err != nil {
			return err
		}
		return txn.Set(nameKey(snap.StreamName, snap.ID), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}

	a.log.Debug("snapshot saved", "id", snap.ID, "stream_name", snap.StreamName, "states", snap.StateCount)
	return snap, nil
}

// Load reads and verifies a snapshot.
func (a *BadgerArchive) Load(id int64) (*history.Image, *Snapshot, error) {
	snap, err := a.snapshot(id)
	if err != nil {
		return nil, nil, err
	}
	img, err := decodeImage(snap, a.validate)
	if err != nil {
		return nil, nil, err
	}
	return img, snap, nil
}

// Latest returns the newest snapshot of the named stream.
func (a *BadgerArchive) Latest(stream string) (*history.Image, *Snapshot, error) {
	ids, err := a.ids(namePrefix(stream))
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: stream %q", ErrNotFound, stream)
	}
	return a.Load(ids[len(ids)-1])
}

// List returns snapshot metadata, newest first.
func (a *BadgerArchive) List(stream string) ([]Snapshot, error) {
	prefix := prefixMeta
	if stream != "" {
		prefix = namePrefix(stream)
	}
	ids, err := a.ids(prefix)
	if err != nil {
		return nil, err
	}
	slices.Reverse(ids)

	snaps := make([]Snapshot, 0, len(ids))
	err = a.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			var s Snapshot
			if err := getJSON(txn, idKey(prefixMeta, id), &s); err != nil {
				return err
			}
			snaps = append(snaps, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

// States returns the state index of a snapshot ordered by state.
func (a *BadgerArchive) States(id int64) ([]StateEntry, error) {
	var states []StateEntry
	err := a.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, idKey(prefixStates, id), &states)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot states: %w", err)
	}
	slices.SortFunc(states, func(x, y StateEntry) int {
		return int(x.State - y.State)
	})
	return states, nil
}

// Delete removes a snapshot and its indexes.
func (a *BadgerArchive) Delete(id int64) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		var s Snapshot
		if err := getJSON(txn, idKey(prefixMeta, id), &s); err != nil {
			return err
		}
		for _, k := range [][]byte{
			idKey(prefixMeta, id),
			idKey(prefixData, id),
			idKey(prefixStates, id),
			nameKey(s.StreamName, id),
		} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// snapshot reads metadata and data without verifying them.
func (a *BadgerArchive) snapshot(id int64) (*Snapshot, error) {
	var s Snapshot
	err := a.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, idKey(prefixMeta, id), &s); err != nil {
			return err
		}
		item, err := txn.Get(idKey(prefixData, id))
		if err != nil {
			return err
		}
		s.Data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &s, nil
}

// ids returns the snapshot ids under prefix in ascending order.
func (a *BadgerArchive) ids(prefix []byte) ([]int64, error) {
	var ids []int64
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			if len(k) != len(prefix)+8 {
				continue
			}
			ids = append(ids, int64(binary.BigEndian.Uint64(k[len(prefix):])))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan snapshot keys: %w", err)
	}
	return ids, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
