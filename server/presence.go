package server

import (
	"errors"
	"time"
)

var errSessionFull = errors.New("session full")

// participant is the session-side state for one joined client: cursor,
// selection, and the high-water mark of operations the client has seen.
type participant struct {
	client       *Client
	joinedAt     time.Time
	position     int
	selectionEnd int
	lastAck      int
}

// roster is the join-ordered participant set for one session. It is owned
// by the session goroutine, which serializes all access, so it carries no
// lock of its own.
type roster struct {
	cap   int
	order []*participant
	byID  map[string]*participant
}

func newRoster(cap int) *roster {
	return &roster{cap: cap, byID: make(map[string]*participant)}
}

// add registers a client at the given sequence high-water mark. Returns
// errSessionFull when the participant cap is reached.
func (r *roster) add(c *Client, lastAck int) (*participant, error) {
	if r.cap > 0 && len(r.order) >= r.cap {
		return nil, errSessionFull
	}
	p := &participant{client: c, joinedAt: time.Now(), lastAck: lastAck}
	r.order = append(r.order, p)
	r.byID[c.ID] = p
	return p, nil
}

// remove drops a client from the roster. Returns nil if it was not present.
func (r *roster) remove(clientID string) *participant {
	p, ok := r.byID[clientID]
	if !ok {
		return nil
	}
	delete(r.byID, clientID)
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p
}

func (r *roster) get(clientID string) *participant {
	return r.byID[clientID]
}

func (r *roster) len() int { return len(r.order) }

// infos returns presence entries in join order.
func (r *roster) infos() []ParticipantInfo {
	infos := make([]ParticipantInfo, 0, len(r.order))
	for _, p := range r.order {
		infos = append(infos, p.client.Info())
	}
	return infos
}

// broadcast queues a message for every participant except the one with
// excludeID (empty string excludes nobody).
func (r *roster) broadcast(msg ServerMessage, excludeID string) {
	for _, p := range r.order {
		if p.client.ID == excludeID {
			continue
		}
		p.client.sendMsg(msg)
	}
}
