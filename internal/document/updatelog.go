package document

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const lengthPrefixSize = 4

// UpdateLog is an Engine that keeps every delta in arrival order. It relies on
// the clients' own merge logic: replaying the full log yields the document.
type UpdateLog struct {
	roomID    string
	updates   [][]byte
	observers []func([]byte)
	destroyed bool
	mu        sync.RWMutex
}

// NewUpdateLog restores a log from a snapshot produced by Snapshot.
func NewUpdateLog(roomID string, snapshot []byte) (*UpdateLog, error) {
	updates, err := DecodeUpdates(snapshot)
	if err != nil {
		return nil, fmt.Errorf("restore room %s: %w", roomID, err)
	}
	return &UpdateLog{
		roomID:  roomID,
		updates: updates,
	}, nil
}

// UpdateLogFactory adapts NewUpdateLog to a Factory.
func UpdateLogFactory(roomID string, snapshot []byte) (Engine, error) {
	return NewUpdateLog(roomID, snapshot)
}

func (l *UpdateLog) Apply(delta []byte) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrDestroyed
	}
	update := make([]byte, len(delta))
	copy(update, delta)
	l.updates = append(l.updates, update)
	observers := l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(update)
	}
	return nil
}

func (l *UpdateLog) Snapshot() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return EncodeUpdates(l.updates)
}

func (l *UpdateLog) History() [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// Copy so callers can't alias the log
	updates := make([][]byte, len(l.updates))
	copy(updates, l.updates)
	return updates
}

func (l *UpdateLog) OnUpdate(fn func(delta []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

func (l *UpdateLog) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = true
	l.updates = nil
	l.observers = nil
}

// Len reports the number of deltas held.
func (l *UpdateLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.updates)
}

// EncodeUpdates frames each update with a big-endian uint32 length.
func EncodeUpdates(updates [][]byte) []byte {
	totalSize := 0
	for _, update := range updates {
		totalSize += len(update)
	}

	merged := make([]byte, 0, totalSize+len(updates)*lengthPrefixSize)
	for _, update := range updates {
		merged = binary.BigEndian.AppendUint32(merged, uint32(len(update)))
		merged = append(merged, update...)
	}
	return merged
}

// DecodeUpdates reverses EncodeUpdates. Truncated input is an error rather
// than a silently shortened log.
func DecodeUpdates(merged []byte) ([][]byte, error) {
	var updates [][]byte
	offset := 0

	for offset < len(merged) {
		if offset+lengthPrefixSize > len(merged) {
			return nil, fmt.Errorf("truncated length prefix at offset %d", offset)
		}
		length := int(binary.BigEndian.Uint32(merged[offset:]))
		offset += lengthPrefixSize

		if offset+length > len(merged) {
			return nil, fmt.Errorf("update at offset %d overruns snapshot (%d > %d)", offset, offset+length, len(merged))
		}
		update := make([]byte, length)
		copy(update, merged[offset:offset+length])
		updates = append(updates, update)
		offset += length
	}

	return updates, nil
}
