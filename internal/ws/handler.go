package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/peterje/dbgmcp/internal/repl"
	"github.com/peterje/dbgmcp/internal/sessions"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is a JSON control frame from the client. Plain text frames that
// are not a Message are sent to the session as a command.
type Message struct {
	Type    string  `json:"type"`
	Command string  `json:"command,omitempty"`
	Pattern string  `json:"pattern,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`
}

// Message types.
const (
	TypeCommand = "command"
	TypeWait    = "wait"
	TypeOutput  = "output"
	TypeError   = "error"
)

// Reply answers every client frame.
type Reply struct {
	Type   string `json:"type"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Handler struct {
	log     logr.Logger
	manager sessions.Manager
}

func NewHandler(log logr.Logger, manager sessions.Manager) *Handler {
	return &Handler{log: log, manager: manager}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if !h.exists(sessionID) {
		h.log.V(1).Info("session not found", "session", sessionID)
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "upgrade failed", "session", sessionID)
		return
	}
	defer conn.Close()

	log := h.log.WithValues("session", sessionID)
	log.Info("client connected")
	defer log.Info("client disconnected")

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			log.V(1).Info("read from client failed", "error", err.Error())
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		reply, gone := h.handle(r.Context(), sessionID, msg)
		if err := conn.WriteJSON(reply); err != nil {
			log.Error(err, "write to client failed")
			return
		}
		if gone {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return
		}
	}
}

// handle runs one client frame. gone reports that the session no longer
// exists.
func (h *Handler) handle(ctx context.Context, id string, msg []byte) (reply Reply, gone bool) {
	var m Message
	if json.Unmarshal(msg, &m) != nil || m.Type == "" {
		m = Message{Type: TypeCommand, Command: string(msg)}
	}

	var out string
	var err error
	switch m.Type {
	case TypeCommand:
		out, err = h.manager.Execute(ctx, id, m.Command)
	case TypeWait:
		timeout := time.Duration(m.Timeout * float64(time.Second))
		if timeout <= 0 {
			timeout = repl.DefaultTimeout
		}
		out, err = h.manager.Wait(ctx, id, m.Pattern, timeout)
	default:
		return Reply{Type: TypeError, Error: "unknown message type " + m.Type}, false
	}
	if err != nil {
		return Reply{Type: TypeError, Output: out, Error: err.Error()}, errors.Is(err, sessions.ErrSessionNotFound)
	}
	return Reply{Type: TypeOutput, Output: out}, false
}

func (h *Handler) exists(id string) bool {
	for _, info := range h.manager.List() {
		if info.ID == id {
			return true
		}
	}
	return false
}
