package history

import "errors"

// Structural errors. Operations returning them have no effect.
var (
	// ErrIllegalTransition indicates an operation that the state machine of
	// a checkpoint, delta state or stream does not allow.
	ErrIllegalTransition = errors.New("history: illegal transition")

	// ErrPruneActive indicates an attempt to remove a delta state on the
	// root-to-active path.
	ErrPruneActive = errors.New("history: cannot prune the active path")

	// ErrNotRollable indicates a delta state that cannot legally be rolled.
	ErrNotRollable = errors.New("history: delta state is not rollable")

	// ErrCheckpointOpen indicates an unresolved open or suspended checkpoint.
	ErrCheckpointOpen = errors.New("history: checkpoint still open")

	// ErrCheckpointClosed indicates an operation on a closed checkpoint.
	ErrCheckpointClosed = errors.New("history: checkpoint already closed")

	// ErrNoOpenCheckpoint indicates a change recorded outside a checkpoint.
	ErrNoOpenCheckpoint = errors.New("history: no open checkpoint")

	// ErrStaleHandle indicates a handle whose value was removed or relocated.
	ErrStaleHandle = errors.New("history: stale handle")

	// ErrUnreachable indicates a state id not present in the stream.
	ErrUnreachable = errors.New("history: state not reachable")

	// ErrStateMerged indicates a state id absorbed by a merge.
	ErrStateMerged = errors.New("history: state was merged away")

	// ErrUncommitted indicates closed checkpoints that were never noted.
	ErrUncommitted = errors.New("history: uncommitted changes")

	// ErrStreamMismatch indicates a handle or pop that names another stream.
	ErrStreamMismatch = errors.New("history: stream mismatch")

	// ErrNotPushed indicates a pop without a matching push.
	ErrNotPushed = errors.New("history: stream was not pushed")

	// ErrEntityExists indicates a create of an entity that already exists
	// in the open checkpoint.
	ErrEntityExists = errors.New("history: entity already exists")

	// ErrEntityDeleted indicates a change to an entity deleted in the open
	// checkpoint.
	ErrEntityDeleted = errors.New("history: entity already deleted")

	// ErrNilEntity indicates a record with no entity.
	ErrNilEntity = errors.New("history: nil entity")
)

// Stream consistency errors.
var (
	// ErrMixedStreams indicates a checkpoint whose records belong to more
	// than one stream.
	ErrMixedStreams = errors.New("history: mixed streams")

	// ErrDistribute indicates a distribution that failed validation.
	ErrDistribute = errors.New("history: distribution failed")
)

// Tag errors.
var (
	// ErrTagNotFound indicates a tag with no live entity.
	ErrTagNotFound = errors.New("history: tag not found")

	// ErrInvalidTag indicates a negative tag.
	ErrInvalidTag = errors.New("history: invalid tag")
)

// Image errors.
var (
	// ErrImageVersion indicates an image written by an unknown version.
	ErrImageVersion = errors.New("history: unsupported image version")

	// ErrImageCorrupt indicates inconsistent image contents.
	ErrImageCorrupt = errors.New("history: corrupt image")
)
