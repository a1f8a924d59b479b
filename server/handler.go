package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/neurowrite/collab/auth"
	"github.com/neurowrite/collab/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHandler builds the HTTP routing table: the collaboration and signaling
// WebSocket endpoints plus the document listing and health endpoints.
func NewHandler(hub *Hub, relay *SignalRelay, a auth.Authenticator, st store.DocumentStore) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws/collaboration", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		client := newClient(hub, conn)
		go client.WritePump()
		go client.ReadPump()
	})

	// Signaling connections authenticate up front via query parameters:
	// there is no join handshake on this endpoint, only relayed envelopes.
	r.HandleFunc("/ws/signal", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		token := q.Get("token")
		sessionID := q.Get("session")
		peerID := q.Get("peer")
		if sessionID == "" || peerID == "" {
			http.Error(w, "session and peer are required", http.StatusBadRequest)
			return
		}
		if _, err := a.Authenticate(req.Context(), token); err != nil {
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		relay.Serve(sessionID, peerID, conn)
	})

	r.HandleFunc("/api/documents", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		docs, err := st.List(ctx)
		if err != nil {
			http.Error(w, "document listing unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": len(hub.Sessions()),
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
