// Package history implements the model history and rollback engine.
//
// A Stream records every change made to domain entities. Changes are grouped
// into checkpoints; committed checkpoints are sealed into delta states, each
// a named transition between two model-state ids. Delta states form a tree:
// undoing to an earlier state and committing new work starts a sibling
// branch. The engine supports:
//   - open/close/abort of nested checkpoints through an explicit Context
//   - undo/redo by walking the tree (ChangeState)
//   - pruning and merging of delta states to bound memory
//   - push/pop of alternate streams with stack discipline
//   - distribution of records across streams
//   - stable integer tags for entities
//
// Storage is arena based. Records, checkpoints and delta states are addressed
// by generation-checked handles owned by their stream, and the link from an
// entity to its latest record lives in a stream-owned side table, so entities
// never hold pointers back into the history.
//
// Nothing in this package starts goroutines. A Stream is not safe for
// concurrent use; workers that record in parallel must each own a stream and
// merge them afterwards under external serialization.
package history
