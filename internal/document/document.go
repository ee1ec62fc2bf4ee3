// Package document defines the boundary to the replicated document engine
// and ships a simple update-log engine.
//
// The session layer treats an Engine as an opaque sink for binary deltas: it
// never interprets delta bytes, it only decides whether they are admitted.
package document

import "errors"

var ErrDestroyed = errors.New("document: engine destroyed")

// Engine holds one room's replicated document in memory.
type Engine interface {
	// Apply merges a binary delta into the document and notifies observers.
	Apply(delta []byte) error

	// Snapshot encodes the full document state. A Factory given this value
	// must rebuild an equivalent engine.
	Snapshot() []byte

	// History returns the deltas a late joiner needs to replay to reach the
	// current state.
	History() [][]byte

	// OnUpdate registers fn to run after every applied delta.
	OnUpdate(fn func(delta []byte))

	// Destroy releases the document. Apply fails afterwards.
	Destroy()
}

// Factory builds an engine for a room, seeded from a prior snapshot (nil for
// a new document).
type Factory func(roomID string, snapshot []byte) (Engine, error)
