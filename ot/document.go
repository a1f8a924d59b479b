package ot

import (
	"errors"
	"fmt"
)

// ErrCompacted reports that a requested sequence number lies below the
// document's compaction floor, so the operations are no longer replayable.
var ErrCompacted = errors.New("operations compacted")

// AcceptedOp is a committed log entry: an operation together with the
// server-assigned sequence number and the participant that authored it.
type AcceptedOp struct {
	Seq      int       `json:"seq"`
	AuthorID string    `json:"authorId"`
	Op       Operation `json:"op"`
}

// Document is the authoritative state for one collaborative session: the
// current snapshot plus the ordered log of operations accepted since the
// last compaction. Version is the sequence number of the latest accepted
// operation; a fresh document is at version 0.
//
// Document is not safe for concurrent use. The owning session goroutine is
// the only writer.
type Document struct {
	Content string

	// Version is the current sequence number. Accepted operations are
	// numbered 1, 2, ... with no gaps.
	Version int

	// BaseVersion is the sequence number the in-memory log starts after.
	// History[0], if present, carries Seq == BaseVersion+1.
	BaseVersion int

	History []AcceptedOp
}

// NewDocument creates a document at the given snapshot and version with an
// empty log.
func NewDocument(content string, version int) *Document {
	return &Document{Content: content, Version: version, BaseVersion: version}
}

// Apply commits an operation authored by authorID: the content is updated,
// the version advances, and the entry is appended to the log. The returned
// entry carries the assigned sequence number.
func (d *Document) Apply(op Operation, authorID string) (AcceptedOp, error) {
	result, err := Apply(d.Content, op)
	if err != nil {
		return AcceptedOp{}, fmt.Errorf("apply to document v%d: %w", d.Version, err)
	}
	d.Content = result
	d.Version++
	entry := AcceptedOp{Seq: d.Version, AuthorID: authorID, Op: op}
	d.History = append(d.History, entry)
	return entry, nil
}

// OpsSince returns the log entries with sequence numbers above seq, in
// order. It returns ErrCompacted if seq precedes the compaction floor and
// the tail can no longer be reconstructed.
func (d *Document) OpsSince(seq int) ([]AcceptedOp, error) {
	if seq < d.BaseVersion {
		return nil, ErrCompacted
	}
	if seq > d.Version {
		return nil, fmt.Errorf("sequence %d beyond current version %d", seq, d.Version)
	}
	tail := d.History[seq-d.BaseVersion:]
	out := make([]AcceptedOp, len(tail))
	copy(out, tail)
	return out, nil
}

// LengthAt returns the document length as it was at the given sequence
// number. The length at the current version is the snapshot length; earlier
// lengths are recovered from the base lengths of the logged operations.
func (d *Document) LengthAt(seq int) (int, error) {
	if seq == d.Version {
		return len(d.Content), nil
	}
	if seq < d.BaseVersion {
		return 0, ErrCompacted
	}
	if seq > d.Version {
		return 0, fmt.Errorf("sequence %d beyond current version %d", seq, d.Version)
	}
	// The op that took the document from seq to seq+1 consumed exactly the
	// document at seq.
	return d.History[seq-d.BaseVersion].Op.BaseLen(), nil
}

// Compact folds the log into the snapshot: the floor moves to the current
// version and the log is truncated. Replays from below the new floor will
// report ErrCompacted.
func (d *Document) Compact() {
	d.BaseVersion = d.Version
	d.History = nil
}

// LogLen returns the number of uncompacted log entries.
func (d *Document) LogLen() int { return len(d.History) }
