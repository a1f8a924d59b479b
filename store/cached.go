package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/neurowrite/collab/ot"
)

// dirtyState tracks what needs flushing for a single document.
type dirtyState struct {
	contentDirty bool // content/version needs writing to backing store
	flushedTo    int  // version of the last op already flushed to backing
	created      bool // doc created locally but not yet in backing store
}

// CachedStore wraps a backing DocumentStore with an in-memory cache.
// All reads and writes are served from the cache. Dirty documents are
// flushed to the backing store periodically in the background, so a slow
// or unreachable backend never blocks a session's accept path.
type CachedStore struct {
	cache         *MemoryStore
	backing       DocumentStore
	mu            sync.Mutex
	flushMu       sync.Mutex // serializes flushes (ticker vs Compact)
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty documents to the backing store every flushInterval.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, id, content string) error {
	if err := cs.cache.Create(ctx, id, content); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[id] = &dirtyState{contentDirty: true, created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	info, err := cs.cache.Get(ctx, id)
	if err == nil {
		return info, nil
	}
	// Cache miss — load from backing store.
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, id)
}

func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	return cs.backing.List(ctx)
}

func (cs *CachedStore) UpdateContent(ctx context.Context, id, content string, version int) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.UpdateContent(ctx, id, content, version); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedTo: cs.cacheHead(id)}
	}
	cs.dirty[id].contentDirty = true
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) AppendOperation(ctx context.Context, id string, entry ot.AcceptedOp) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}

	// Snapshot the head version before the append: if this doc was clean
	// (absent from the dirty map), everything up to here is already flushed.
	prevHead := cs.cacheHead(id)

	if err := cs.cache.AppendOperation(ctx, id, entry); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedTo: prevHead}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetOperations(ctx context.Context, id string, fromSeq int) ([]ot.AcceptedOp, error) {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetOperations(ctx, id, fromSeq)
}

// Compact flushes any pending writes for the document, then compacts both
// the cache and the backing store. Unlike the op/content path this is
// synchronous: the caller already folded its in-memory log and needs the
// persisted floor to agree.
func (cs *CachedStore) Compact(ctx context.Context, id, content string, version int) error {
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	cs.flush()
	if err := cs.backing.Compact(ctx, id, content, version); err != nil {
		return err
	}
	if err := cs.cache.Compact(ctx, id, content, version); err != nil {
		return err
	}
	cs.mu.Lock()
	if ds := cs.dirty[id]; ds != nil && ds.flushedTo < version {
		ds.flushedTo = version
	}
	cs.mu.Unlock()
	return nil
}

// cacheHead returns the version of the newest cached op for the document
// (the version the op log currently reaches).
func (cs *CachedStore) cacheHead(id string) int {
	cs.cache.mu.RLock()
	defer cs.cache.mu.RUnlock()
	rec, ok := cs.cache.docs[id]
	if !ok {
		return 0
	}
	return rec.info.OpsBase + len(rec.history)
}

// loadFromBacking loads a document and its operations from the backing store
// into the cache. It sets flushedTo so that already-persisted ops are not
// re-flushed.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	info, err := cs.backing.Get(ctx, id)
	if err != nil {
		return err
	}
	// Everything below the backing store's compaction floor is folded into
	// the snapshot; fetch only the replayable tail.
	ops, err := cs.backing.GetOperations(ctx, id, info.OpsBase)
	if err != nil {
		return err
	}

	// Write directly into cache's internal map.
	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[id]; !exists {
		cs.cache.docs[id] = &docRecord{
			info:    *info,
			history: ops,
		}
	}
	cs.cache.mu.Unlock()

	// Mark already-persisted ops as flushed.
	cs.mu.Lock()
	if cs.dirty[id] == nil {
		cs.dirty[id] = &dirtyState{flushedTo: info.Version}
	}
	cs.mu.Unlock()

	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.flushMu.Lock()
	defer cs.flushMu.Unlock()

	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]*dirtyState, len(cs.dirty))
	for id, ds := range cs.dirty {
		cp := *ds
		snapshot[id] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		// Read current state from cache.
		cs.cache.mu.RLock()
		rec, ok := cs.cache.docs[id]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		info := rec.info
		opsBase := rec.info.OpsBase
		head := opsBase + len(rec.history)
		// Copy the unflushed entries while holding the lock.
		var newOps []ot.AcceptedOp
		if ds.flushedTo < head {
			start := ds.flushedTo - opsBase
			if start < 0 {
				start = 0
			}
			newOps = make([]ot.AcceptedOp, len(rec.history)-start)
			copy(newOps, rec.history[start:])
		}
		cs.cache.mu.RUnlock()

		// 1. Create doc in backing store if needed.
		if ds.created {
			if err := cs.backing.Create(ctx, id, ""); err != nil {
				log.Printf("cached store: failed to create doc %q in backing store: %v", id, err)
				continue
			}
		}

		// 2. Flush new ops (before content, so crash-recovery can replay).
		for _, entry := range newOps {
			if err := cs.backing.AppendOperation(ctx, id, entry); err != nil {
				log.Printf("cached store: failed to flush op %d for doc %q: %v", entry.Seq, id, err)
				// Stop flushing this doc — will retry next cycle.
				break
			}
			ds.flushedTo = entry.Seq
		}

		// 3. Flush content if dirty.
		if ds.contentDirty {
			if err := cs.backing.UpdateContent(ctx, id, info.Content, info.Version); err != nil {
				log.Printf("cached store: failed to flush content for doc %q: %v", id, err)
			} else {
				ds.contentDirty = false
			}
		}

		ds.created = false

		// Update the authoritative dirty state.
		cs.mu.Lock()
		cur := cs.dirty[id]
		if cur != nil {
			if ds.flushedTo > cur.flushedTo {
				cur.flushedTo = ds.flushedTo
			}
			cur.created = ds.created
			// Only clear contentDirty if no new writes happened since snapshot.
			if !ds.contentDirty {
				cur.contentDirty = false
			}
			// Remove from dirty map if fully clean.
			if !cur.contentDirty && !cur.created && cur.flushedTo >= head {
				// Re-check the current head — new ops may have arrived.
				if cs.cacheHead(id) <= cur.flushedTo {
					delete(cs.dirty, id)
				}
			}
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}
