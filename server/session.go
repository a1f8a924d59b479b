package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/neurowrite/collab/ot"
	"github.com/neurowrite/collab/store"
)

type joinMsg struct {
	client    *Client
	sessionID string
	sinceSeq  *int
}

type opMessage struct {
	client *Client
	msg    ClientMessage
}

type cursorMessage struct {
	client       *Client
	position     int
	selectionEnd int
}

// Session manages collaboration for a single document. All joins, leaves,
// operations, and cursor updates are serialized through a single goroutine;
// that serialization is what makes sequence assignment and transformation
// correct, so nothing outside Run may touch doc or roster.
type Session struct {
	id     string
	doc    *ot.Document
	engine ot.Engine
	store  store.DocumentStore
	cfg    Config
	hub    *Hub

	roster *roster

	incoming chan opMessage
	cursors  chan cursorMessage
	join     chan joinMsg
	leave    chan *Client
	stop     chan struct{}

	// persistedSeq is the newest sequence number known to be in the store.
	persistedSeq int

	// degraded is set while the store is unreachable; editing continues
	// in memory and saves retry on a backoff.
	degraded     bool
	retryBackoff *backoff.ExponentialBackOff
	retryTimer   *time.Timer

	// drainTimer runs while the session has zero participants.
	drainTimer *time.Timer
}

func newSession(id string, doc *ot.Document, engine ot.Engine, st store.DocumentStore, cfg Config, hub *Hub) *Session {
	return &Session{
		id:           id,
		doc:          doc,
		engine:       engine,
		store:        st,
		cfg:          cfg,
		hub:          hub,
		roster:       newRoster(cfg.SessionCap),
		incoming:     make(chan opMessage, 64),
		cursors:      make(chan cursorMessage, 64),
		join:         make(chan joinMsg, 16),
		leave:        make(chan *Client, 16),
		stop:         make(chan struct{}),
		persistedSeq: doc.Version,
	}
}

// timerC returns a timer's channel, or nil (blocks forever) when unset.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Run is the session's main loop. It serializes all state transitions and
// returns once the session is destroyed or the hub shuts down.
func (s *Session) Run() {
	for {
		select {
		case jm := <-s.join:
			s.handleJoin(jm)
		case c := <-s.leave:
			s.handleLeave(c)
		case om := <-s.incoming:
			if !s.handleOp(om) {
				return
			}
		case cm := <-s.cursors:
			s.handleCursor(cm)
		case <-timerC(s.drainTimer):
			s.drainTimer = nil
			if s.roster.len() == 0 {
				s.teardown()
				return
			}
		case <-timerC(s.retryTimer):
			s.retryTimer = nil
			s.retryPersist()
		case <-s.stop:
			if err := s.persistTail(); err != nil {
				log.Printf("session %s: final save failed: %v", s.id, err)
			}
			return
		}
	}
}

func (s *Session) handleJoin(jm joinMsg) {
	c := jm.client

	if _, err := s.roster.add(c, s.doc.Version); err != nil {
		c.sendError(CodeSessionFull, "session participant cap reached")
		return
	}
	c.setSession(s)

	// A join during draining cancels teardown.
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}

	msg := ServerMessage{
		Type:         MsgJoined,
		SessionID:    s.id,
		Snapshot:     s.doc.Content,
		Seq:          s.doc.Version,
		Participants: s.roster.infos(),
	}
	if jm.sinceSeq != nil {
		// Reconnect: hand back the tail above the client's high-water mark
		// so it can catch up without replacing its buffer. If the log was
		// compacted past that point the client takes the snapshot instead.
		if ops, err := s.doc.OpsSince(*jm.sinceSeq); err == nil {
			msg.Ops = ops
		}
	}
	c.sendMsg(msg)

	if s.degraded {
		c.sendMsg(ServerMessage{Type: MsgWarning, Code: CodePersistenceUnavailable, Message: "document saves are delayed"})
	}

	s.roster.broadcast(ServerMessage{
		Type:         MsgPresence,
		SessionID:    s.id,
		Participants: s.roster.infos(),
	}, c.ID)
}

func (s *Session) handleLeave(c *Client) {
	if s.roster.remove(c.ID) == nil {
		return
	}
	// The connection stays open: a leave only exits the session, and the
	// client may join again (here or elsewhere) on the same socket.
	c.setSession(nil)

	s.roster.broadcast(ServerMessage{
		Type:         MsgPresence,
		SessionID:    s.id,
		Participants: s.roster.infos(),
	}, "")

	if s.roster.len() == 0 {
		s.drainTimer = time.NewTimer(s.cfg.GracePeriod)
	}
}

// handleOp runs the accept path for one submitted operation. It returns
// false only on a log invariant violation, which destroys the session.
func (s *Session) handleOp(om opMessage) bool {
	p := s.roster.get(om.client.ID)
	if p == nil {
		om.client.sendError(CodeUnauthorized, "not joined to this session")
		return true
	}

	reject := func(code, message string) {
		om.client.sendMsg(ServerMessage{Type: MsgRejected, Code: code, Message: message, Seq: s.doc.Version})
	}

	baseSeq := om.msg.BaseSeq
	baseLen, err := s.doc.LengthAt(baseSeq)
	if err != nil {
		reject(CodeStaleBase, fmt.Sprintf("base %d unresolvable: %v", baseSeq, err))
		return true
	}

	op, err := expandEdit(om.msg.Op, baseLen)
	if err != nil {
		reject(CodeMalformedOperation, err.Error())
		return true
	}

	transformed, err := s.engine.TransformIncoming(op, om.client.ID, baseSeq, s.doc.History)
	if err != nil {
		log.Printf("session %s: transform error for %s: %v", s.id, om.client.ID, err)
		reject(CodeMalformedOperation, "operation could not be transformed")
		return true
	}
	if baseSeq < s.doc.Version {
		log.Printf("session %s: rebased op from %s across %d ops: %s -> %s",
			s.id, om.client.ID, s.doc.Version-baseSeq, op, transformed)
	}

	entry, err := s.doc.Apply(transformed, om.client.ID)
	if err != nil {
		// A validated, transformed op that fails to apply means the log
		// invariant is broken. Tear the session down; clients resync from
		// the last durable snapshot.
		log.Printf("session %s: log invariant violated: %v", s.id, err)
		s.fail()
		return false
	}

	s.persistEntry(entry)

	p.lastAck = entry.Seq
	om.client.sendMsg(ServerMessage{Type: MsgAccepted, Seq: entry.Seq})

	broadcastOp := entry.Op
	s.roster.broadcast(ServerMessage{
		Type:      MsgOpAccepted,
		SessionID: s.id,
		Seq:       entry.Seq,
		Op:        &broadcastOp,
		AuthorID:  om.client.ID,
	}, om.client.ID)

	s.maybeCompact()
	return true
}

func (s *Session) handleCursor(cm cursorMessage) {
	p := s.roster.get(cm.client.ID)
	if p == nil {
		return
	}
	p.position = cm.position
	p.selectionEnd = cm.selectionEnd

	s.roster.broadcast(ServerMessage{
		Type:          MsgCursorMoved,
		SessionID:     s.id,
		ParticipantID: cm.client.ID,
		Position:      cm.position,
		SelectionEnd:  cm.selectionEnd,
	}, cm.client.ID)
}

// expandEdit turns a position-based wire edit into a component operation
// against a document of baseLen, validating ranges.
func expandEdit(e EditOp, baseLen int) (ot.Operation, error) {
	switch e.Type {
	case EditInsert:
		if e.Text == "" {
			return ot.Operation{}, fmt.Errorf("insert with empty text")
		}
		if e.Position < 0 || e.Position > baseLen {
			return ot.Operation{}, fmt.Errorf("insert position %d out of range [0,%d]", e.Position, baseLen)
		}
		return ot.NewInsert(e.Position, e.Text, baseLen), nil
	case EditDelete:
		if e.Length <= 0 {
			return ot.Operation{}, fmt.Errorf("delete length %d must be positive", e.Length)
		}
		if e.Position < 0 || e.Position+e.Length > baseLen {
			return ot.Operation{}, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", e.Position, e.Position+e.Length, baseLen)
		}
		return ot.NewDelete(e.Position, e.Length, baseLen), nil
	default:
		return ot.Operation{}, fmt.Errorf("unknown edit type %q", e.Type)
	}
}

// persistEntry writes one accepted op through to the store. On failure the
// session enters degraded mode: editing continues in memory and the tail is
// retried on a backoff.
func (s *Session) persistEntry(entry ot.AcceptedOp) {
	if s.degraded {
		// The retry loop will pick this entry up from the log.
		return
	}
	ctx := context.Background()
	if err := s.store.AppendOperation(ctx, s.id, entry); err != nil {
		s.enterDegraded(err)
		return
	}
	// The op is durable even if the content write below fails; persistedSeq
	// guards against re-appending it on retry.
	s.persistedSeq = entry.Seq
	if err := s.store.UpdateContent(ctx, s.id, s.doc.Content, s.doc.Version); err != nil {
		s.enterDegraded(err)
	}
}

// persistTail writes every op above persistedSeq, then the content.
func (s *Session) persistTail() error {
	ctx := context.Background()
	if s.persistedSeq < s.doc.Version {
		tail, err := s.doc.OpsSince(s.persistedSeq)
		if err != nil {
			return err
		}
		for _, entry := range tail {
			if err := s.store.AppendOperation(ctx, s.id, entry); err != nil {
				return err
			}
			s.persistedSeq = entry.Seq
		}
	}
	return s.store.UpdateContent(ctx, s.id, s.doc.Content, s.doc.Version)
}

func (s *Session) enterDegraded(err error) {
	log.Printf("session %s: store unavailable: %v", s.id, err)
	if !s.degraded {
		s.degraded = true
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry until the store comes back
		s.retryBackoff = bo
		s.roster.broadcast(ServerMessage{
			Type:    MsgWarning,
			Code:    CodePersistenceUnavailable,
			Message: "document saves are delayed",
		}, "")
	}
	s.retryTimer = time.NewTimer(s.retryBackoff.NextBackOff())
}

func (s *Session) retryPersist() {
	if err := s.persistTail(); err != nil {
		s.retryTimer = time.NewTimer(s.retryBackoff.NextBackOff())
		return
	}
	log.Printf("session %s: store recovered, %d ops persisted", s.id, s.persistedSeq)
	s.degraded = false
	s.retryBackoff = nil
}

// maybeCompact folds the in-memory log into the snapshot once it exceeds
// the configured threshold. Compaction requires a fully persisted log:
// unpersisted entries must stay replayable for the retry loop.
func (s *Session) maybeCompact() {
	if s.cfg.CompactThreshold <= 0 || s.doc.LogLen() < s.cfg.CompactThreshold {
		return
	}
	if s.degraded || s.persistedSeq < s.doc.Version {
		return
	}
	if err := s.store.Compact(context.Background(), s.id, s.doc.Content, s.doc.Version); err != nil {
		s.enterDegraded(err)
		return
	}
	s.doc.Compact()
	log.Printf("session %s: log compacted at seq %d", s.id, s.doc.Version)
}

// teardown destroys an empty session after the grace period: final save,
// removal from the hub, and a sweep that re-routes any join that raced
// with destruction.
func (s *Session) teardown() {
	if err := s.persistTail(); err != nil {
		log.Printf("session %s: save on teardown failed: %v", s.id, err)
	}
	s.hub.removeSession(s)
	log.Printf("session %s: destroyed after grace period", s.id)
	s.requeueJoins()
}

// fail tears the session down after a fatal invariant violation. All
// participants are disconnected and must resync from the store.
func (s *Session) fail() {
	s.roster.broadcast(ServerMessage{
		Type:    MsgError,
		Code:    CodeSessionReset,
		Message: "session reset, resynchronize",
	}, "")
	for _, p := range s.roster.order {
		p.client.setSession(nil)
		p.client.closeSend()
	}
	s.hub.removeSession(s)
	s.requeueJoins()
}

// requeueJoins hands buffered join requests back to the hub, which will
// spin up a fresh session for them.
func (s *Session) requeueJoins() {
	for {
		select {
		case jm := <-s.join:
			go s.hub.rejoin(jm)
		default:
			return
		}
	}
}
