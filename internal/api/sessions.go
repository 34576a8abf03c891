package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/history"
	"github.com/peterje/dbgmcp/internal/models"
	"github.com/peterje/dbgmcp/internal/repl"
	"github.com/peterje/dbgmcp/internal/sessions"
)

// discardTimeout bounds stopping a session whose creation failed.
const discardTimeout = 10 * time.Second

type SessionsHandler struct {
	log     logr.Logger
	manager sessions.Manager
	flavors flavor.Set
	history *history.Store
}

// NewSessionsHandler serves the session routes. store may be nil, in which
// case only live sessions are listed and transcripts are unavailable.
func NewSessionsHandler(log logr.Logger, manager sessions.Manager, flavors flavor.Set, store *history.Store) *SessionsHandler {
	return &SessionsHandler{log: log, manager: manager, flavors: flavors, history: store}
}

// sessionView merges a live session with its history record.
type sessionView struct {
	ID        string     `json:"id"`
	Program   string     `json:"program"`
	Args      []string   `json:"args"`
	Prompt    string     `json:"prompt"`
	PID       *int       `json:"pid"`
	Live      bool       `json:"live"`
	State     string     `json:"state"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StoppedAt *time.Time `json:"stopped_at"`
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	live := h.manager.List()
	views := make([]sessionView, 0, len(live))
	liveIDs := make(map[string]struct{}, len(live))
	for _, info := range live {
		pid := info.PID
		views = append(views, sessionView{
			ID:        info.ID,
			Program:   info.Program,
			Args:      info.Args,
			Prompt:    info.Prompt,
			PID:       &pid,
			Live:      true,
			State:     info.State,
			Status:    models.StatusRunning,
			CreatedAt: info.CreatedAt,
		})
		liveIDs[info.ID] = struct{}{}
	}

	if h.history != nil {
		records, err := h.history.Sessions(0)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, rec := range records {
			if _, ok := liveIDs[rec.ID]; ok && rec.Status == models.StatusRunning {
				continue
			}
			views = append(views, sessionView{
				ID:        rec.ID,
				Program:   rec.Program,
				Args:      rec.Args,
				Prompt:    rec.Prompt,
				PID:       rec.PID,
				State:     repl.StateTerminated.String(),
				Status:    rec.Status,
				Error:     rec.Error,
				CreatedAt: rec.CreatedAt,
				StoppedAt: rec.StoppedAt,
			})
		}
	}
	WriteJSON(w, http.StatusOK, views)
}

type createRequest struct {
	Flavor      string   `json:"flavor"`
	Program     string   `json:"program"`
	Args        []string `json:"args"`
	Prompt      string   `json:"prompt"`
	QuitCommand string   `json:"quit_command"`
	WaitFor     string   `json:"wait_for"`
	Timeout     float64  `json:"timeout"`
	Terminal    bool     `json:"terminal"`
	Dir         string   `json:"dir"`
}

type createResponse struct {
	ID     string `json:"id"`
	Banner string `json:"banner"`
	PID    int    `json:"pid"`
}

// HandleCreate starts a session. With a flavor, program names the target:
// TargetInArgs flavors get it on their command line, loading flavors get it
// through their load commands once the session is up.
func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Timeout < 0 {
		WriteError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}

	var spec sessions.StartSpec
	var load []string
	if body.Flavor != "" {
		f, ok := h.flavors.Get(body.Flavor)
		if !ok {
			WriteError(w, http.StatusBadRequest, "unknown flavor "+body.Flavor)
			return
		}
		var err error
		spec, err = f.StartSpec(body.Program, body.Args)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !f.TargetInArgs && body.Program != "" {
			if !f.CanLoad() {
				WriteError(w, http.StatusBadRequest, f.Name+" cannot load a program")
				return
			}
			load = f.LoadCommands(body.Program, body.Args)
		}
	} else {
		if body.Program == "" {
			WriteError(w, http.StatusBadRequest, "flavor or program is required")
			return
		}
		if body.Prompt == "" {
			WriteError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		spec = sessions.StartSpec{
			Prefix:      "repl",
			Program:     body.Program,
			Args:        body.Args,
			Prompt:      body.Prompt,
			QuitCommand: body.QuitCommand,
		}
	}
	if body.WaitFor != "" {
		spec.WaitFor = body.WaitFor
	}
	if body.Timeout > 0 {
		spec.Timeout = time.Duration(body.Timeout * float64(time.Second))
	}
	if body.Terminal {
		spec.Terminal = true
	}
	spec.Dir = body.Dir

	res, err := h.manager.Start(r.Context(), spec)
	if err != nil {
		WriteFailure(w, err)
		return
	}

	banner := res.Banner
	for _, cmd := range load {
		out, err := h.manager.Execute(r.Context(), res.ID, cmd)
		banner += out
		if err != nil {
			h.log.Error(err, "failed to load program", "session", res.ID, "program", body.Program)
			h.discard(r.Context(), res.ID)
			WriteFailure(w, err)
			return
		}
	}

	h.log.Info("session created", "session", res.ID, "program", spec.Program)
	WriteJSON(w, http.StatusCreated, createResponse{ID: res.ID, Banner: banner, PID: res.PID})
}

// discard stops a session the client never received an id for.
func (h *SessionsHandler) discard(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	if err := h.manager.Stop(ctx, id); err != nil {
		h.log.Error(err, "failed to stop session after failed create", "session", id)
	}
}

type outputResponse struct {
	Output string `json:"output"`
}

func (h *SessionsHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	out, err := h.manager.Execute(r.Context(), id, body.Command)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, outputResponse{Output: out})
}

func (h *SessionsHandler) HandleWait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Pattern string  `json:"pattern"`
		Timeout float64 `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Timeout < 0 {
		WriteError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}
	timeout := time.Duration(body.Timeout * float64(time.Second))
	if timeout == 0 {
		timeout = repl.DefaultTimeout
	}
	out, err := h.manager.Wait(r.Context(), id, body.Pattern, timeout)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, outputResponse{Output: out})
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.Stop(r.Context(), id); err != nil {
		WriteFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	entries, err := h.history.Transcript(r.PathValue("id"))
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}
