package store

import (
	"context"
	"errors"
	"time"

	"github.com/neurowrite/collab/ot"
)

// Sentinel errors shared by all DocumentStore implementations. Callers
// compare with errors.Is; implementations wrap these with detail.
var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")

	// ErrCompacted reports that the requested operations were folded into
	// the snapshot and can no longer be replayed.
	ErrCompacted = errors.New("operations compacted")
)

// DocumentInfo holds document metadata and content.
type DocumentInfo struct {
	ID      string
	Content string
	Version int

	// OpsBase is the compaction floor: persisted operations cover versions
	// (OpsBase, Version]. Zero means the full log is replayable.
	OpsBase   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore abstracts document persistence.
// Implementations: MemoryStore, RedisStore, FirestoreStore, and CachedStore
// as a write-behind wrapper over any of them.
type DocumentStore interface {
	Create(ctx context.Context, id, content string) error
	Get(ctx context.Context, id string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	UpdateContent(ctx context.Context, id, content string, version int) error

	// AppendOperation persists one committed log entry. The entry carries
	// its sequence number and author; authorship must survive a reload
	// because transformation breaks ties by participant ID.
	AppendOperation(ctx context.Context, id string, entry ot.AcceptedOp) error

	// GetOperations returns the log entries with sequence numbers above
	// fromSeq, in order. Returns ErrCompacted if fromSeq precedes the
	// store's compaction floor for the document.
	GetOperations(ctx context.Context, id string, fromSeq int) ([]ot.AcceptedOp, error)

	// Compact records content as the snapshot at version and discards the
	// persisted operations at or below it.
	Compact(ctx context.Context, id, content string, version int) error
}
