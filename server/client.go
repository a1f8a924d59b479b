package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neurowrite/collab/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

// Client represents a single WebSocket connection on the collaboration
// endpoint. Identity is set by the hub once the join token is verified.
type Client struct {
	ID       string
	Identity auth.Identity

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// The session this client is currently in (nil if not joined), and
	// whether the send channel has been closed. Sends race with teardown,
	// so both live under the same lock.
	mu         sync.Mutex
	session    *Session
	sendClosed bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// closeSend closes the send channel exactly once. After this every sendMsg
// is a silent no-op, so late messages cannot panic on a closed channel.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		if s := c.currentSession(); s != nil {
			s.leave <- c
		}
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("client %s read error: %v", c.ID, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(CodeMalformedOperation, "invalid message format")
			continue
		}

		switch msg.Type {
		case MsgJoin:
			c.hub.joinDoc <- joinRequest{client: c, sessionID: msg.SessionID, token: msg.AuthToken, sinceSeq: msg.SinceSeq}
		case MsgOp:
			s := c.currentSession()
			if s == nil {
				c.sendError(CodeUnauthorized, "not joined to a session")
				continue
			}
			s.incoming <- opMessage{client: c, msg: msg}
		case MsgCursor:
			s := c.currentSession()
			if s == nil {
				continue
			}
			s.cursors <- cursorMessage{client: c, position: msg.Position, selectionEnd: msg.SelectionEnd}
		case MsgLeave:
			if s := c.currentSession(); s != nil {
				s.leave <- c
			}
		default:
			c.sendError(CodeMalformedOperation, "unknown message type: "+msg.Type)
		}
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMsg queues a message for delivery. Delivery is at-most-once: if the
// client's queue is full the connection is closed instead of blocking the
// session, forcing the client to reconnect and resynchronize.
func (c *Client) sendMsg(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg.Encode():
	default:
		log.Printf("client %s send queue full, dropping connection", c.ID)
		c.conn.Close()
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Code: code, Message: message})
}

func (c *Client) Info() ParticipantInfo {
	return ParticipantInfo{
		ID:     c.ID,
		UserID: c.Identity.UserID,
		Name:   c.Identity.Name,
		Color:  c.Identity.Color,
	}
}
