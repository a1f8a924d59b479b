package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/neurowrite/collab/auth"
	"github.com/neurowrite/collab/ot"
	"github.com/neurowrite/collab/store"
)

type joinRequest struct {
	client    *Client
	sessionID string
	token     string
	sinceSeq  *int
}

// Hub routes clients to sessions. It owns the session registry: sessions are
// created on first join (loading or creating the document in the store) and
// unregister themselves when they drain.
type Hub struct {
	store  store.DocumentStore
	auth   auth.Authenticator
	engine ot.Engine
	cfg    Config

	joinDoc chan joinRequest

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

func NewHub(st store.DocumentStore, a auth.Authenticator, engine ot.Engine, cfg Config) *Hub {
	return &Hub{
		store:    st,
		auth:     a,
		engine:   engine,
		cfg:      cfg,
		joinDoc:  make(chan joinRequest, 64),
		sessions: make(map[string]*Session),
	}
}

// Run processes join requests until Shutdown. Joins are the only cross-session
// operation; everything else happens inside each session's own goroutine.
func (h *Hub) Run() {
	for req := range h.joinDoc {
		h.handleJoin(req)
	}
}

func (h *Hub) handleJoin(req joinRequest) {
	// Rejoins re-enter with an already verified identity.
	if req.client.Identity.UserID == "" {
		identity, err := h.auth.Authenticate(context.Background(), req.token)
		if err != nil {
			req.client.sendError(CodeUnauthorized, "invalid auth token")
			return
		}
		req.client.Identity = identity
	}

	if req.sessionID == "" {
		req.client.sendError(CodeMalformedOperation, "join requires a sessionId")
		return
	}

	jm := joinMsg{client: req.client, sessionID: req.sessionID, sinceSeq: req.sinceSeq}
	for {
		s, err := h.sessionFor(req.sessionID)
		if err != nil {
			log.Printf("hub: cannot open session %s: %v", req.sessionID, err)
			req.client.sendError(CodePersistenceUnavailable, "document unavailable")
			return
		}
		if h.enqueueJoin(s, jm) {
			return
		}
		// The session unregistered between the lookup and the enqueue; the
		// next iteration starts a fresh one.
	}
}

// enqueueJoin hands a join to a session's goroutine. It reports false when
// the session is no longer registered: enqueueing then would land the join in
// a dead goroutine's buffer. Holding the registry lock pins the ordering —
// a registered session has not yet run its teardown sweep, so a join queued
// here is either served or re-routed by that sweep.
func (h *Hub) enqueueJoin(s *Session, jm joinMsg) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.id] != s {
		return false
	}
	select {
	case s.join <- jm:
	default:
		// The join queue is saturated.
		jm.client.sendError(CodeSessionFull, "session busy, retry")
	}
	return true
}

// sessionFor returns the live session for a document, starting one if needed.
func (h *Hub) sessionFor(id string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub is shut down")
	}
	if s, ok := h.sessions[id]; ok {
		return s, nil
	}

	doc, err := h.loadDocument(id)
	if err != nil {
		return nil, err
	}

	s := newSession(id, doc, h.engine, h.store, h.cfg, h)
	h.sessions[id] = s
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.Run()
	}()
	log.Printf("hub: session %s started at seq %d", id, doc.Version)
	return s, nil
}

// loadDocument reads a document and its persisted op tail from the store,
// creating an empty document if it does not exist yet.
func (h *Hub) loadDocument(id string) (*ot.Document, error) {
	ctx := context.Background()

	info, err := h.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if err := h.store.Create(ctx, id, ""); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		if info, err = h.store.Get(ctx, id); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	doc := ot.NewDocument(info.Content, info.Version)
	doc.BaseVersion = info.OpsBase

	entries, err := h.store.GetOperations(ctx, id, info.OpsBase)
	if err != nil && !errors.Is(err, store.ErrCompacted) {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Seq > info.Version {
			break
		}
		doc.History = append(doc.History, entry)
	}
	return doc, nil
}

// rejoin re-routes a join that raced with session teardown.
func (h *Hub) rejoin(jm joinMsg) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		jm.client.sendError(CodeSessionFull, "server shutting down")
		return
	}
	h.joinDoc <- joinRequest{client: jm.client, sessionID: jm.sessionID, sinceSeq: jm.sinceSeq}
}

// removeSession unregisters a session. Called by the session goroutine on
// teardown; a concurrent join for the same document starts a fresh session.
func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()
}

// Sessions returns the IDs of live sessions, for health reporting.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every session, persisting their state, and waits for the
// session goroutines to exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		close(s.stop)
	}
	h.wg.Wait()
	close(h.joinDoc)
}
