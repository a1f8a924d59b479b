package server

import (
	"encoding/json"

	"github.com/neurowrite/collab/ot"
)

// Message kinds exchanged over the collaboration WebSocket. The set is
// closed: the client read loop dispatches exhaustively and rejects anything
// else.
const (
	// client → server
	MsgJoin   = "join"
	MsgOp     = "op"
	MsgCursor = "cursor"
	MsgLeave  = "leave"

	// server → client
	MsgJoined      = "joined"
	MsgAccepted    = "accepted"
	MsgRejected    = "rejected"
	MsgOpAccepted  = "operationAccepted"
	MsgCursorMoved = "cursorMoved"
	MsgPresence    = "presenceChanged"
	MsgWarning     = "warning"
	MsgError       = "error"
)

// Error codes carried by rejected/warning/error messages.
const (
	CodeUnauthorized           = "unauthorized"
	CodeSessionFull            = "session_full"
	CodeStaleBase              = "stale_base"
	CodeMalformedOperation     = "malformed_operation"
	CodePersistenceUnavailable = "persistence_unavailable"
	CodeSessionReset           = "session_reset"
)

// Edit kinds accepted on the wire.
const (
	EditInsert = "insert"
	EditDelete = "delete"
)

// EditOp is a position-based edit as clients express it. The session
// expands it into a component operation against the document length at its
// base sequence number.
type EditOp struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`   // insert only
	Length   int    `json:"length,omitempty"` // delete only
}

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	AuthToken string `json:"authToken,omitempty"`

	// SinceSeq, on join, asks for the op tail above this sequence number
	// (reconnect resync). Nil means a fresh join.
	SinceSeq *int `json:"sinceSeq,omitempty"`

	BaseSeq int    `json:"baseSeq"`
	Op      EditOp `json:"op,omitempty"`

	Position     int `json:"position"`
	SelectionEnd int `json:"selectionEnd"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	Snapshot string `json:"snapshot"`
	Seq      int    `json:"seq"`

	Op       *ot.Operation   `json:"op,omitempty"`
	Ops      []ot.AcceptedOp `json:"ops,omitempty"`
	AuthorID string          `json:"authorId,omitempty"`

	ParticipantID string `json:"participantId,omitempty"`
	Position      int    `json:"position,omitempty"`
	SelectionEnd  int    `json:"selectionEnd,omitempty"`

	Participants []ParticipantInfo `json:"participants,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParticipantInfo describes a connected participant for presence lists.
type ParticipantInfo struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
