package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SignalMessage is an opaque WebRTC signaling envelope. The relay reads only
// the addressing fields; offers, answers, and ICE candidates pass through in
// Payload untouched.
type SignalMessage struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"sessionId,omitempty"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	FromPeerID   string          `json:"fromPeerId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type signalPeer struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (p *signalPeer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// SignalRelay forwards signaling messages between peers of the same session.
// It keeps no state beyond the live connections: a message to an unknown or
// departed peer is dropped, and the sender discovers that through its own
// connection timeout.
type SignalRelay struct {
	mu       sync.Mutex
	sessions map[string]map[string]*signalPeer
}

func NewSignalRelay() *SignalRelay {
	return &SignalRelay{sessions: make(map[string]map[string]*signalPeer)}
}

func (r *SignalRelay) register(sessionID string, p *signalPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.sessions[sessionID]
	if !ok {
		peers = make(map[string]*signalPeer)
		r.sessions[sessionID] = peers
	}
	if old, ok := peers[p.id]; ok {
		old.conn.Close()
	}
	peers[p.id] = p
}

func (r *SignalRelay) unregister(sessionID string, p *signalPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.sessions[sessionID]
	if peers[p.id] == p {
		delete(peers, p.id)
		if len(peers) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

func (r *SignalRelay) lookup(sessionID, peerID string) *signalPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID][peerID]
}

// Serve pumps one peer's signaling connection until it closes. The peer's
// identity and session are fixed at connect time; addressing fields inside
// messages cannot override them.
func (r *SignalRelay) Serve(sessionID, peerID string, conn *websocket.Conn) {
	p := &signalPeer{id: peerID, conn: conn}
	r.register(sessionID, p)
	defer func() {
		r.unregister(sessionID, p)
		conn.Close()
	}()

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				p.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("signal peer %s read error: %v", peerID, err)
			}
			return
		}

		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.TargetPeerID == "" || msg.TargetPeerID == peerID {
			continue
		}

		target := r.lookup(sessionID, msg.TargetPeerID)
		if target == nil {
			// Target gone or never existed. Dropping silently is deliberate:
			// the sender's ICE machinery handles unreachable peers.
			continue
		}

		msg.FromPeerID = peerID
		msg.SessionID = sessionID
		out, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := target.write(out); err != nil {
			target.conn.Close()
		}
	}
}

// Peers returns the connected peer IDs for a session, for health reporting.
func (r *SignalRelay) Peers(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions[sessionID]))
	for id := range r.sessions[sessionID] {
		ids = append(ids, id)
	}
	return ids
}
