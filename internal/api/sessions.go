package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/user/gdbrelay/internal/db"
	"github.com/user/gdbrelay/internal/session"
)

type commandRequest struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

type logsResponse struct {
	SessionID string           `json:"session_id"`
	Logs      []*db.SessionLog `json:"logs"`
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := make([]session.Info, 0)
	for _, s := range h.sessions.List() {
		info, err := s.Info()
		if err != nil {
			// Destroyed between List and Info.
			continue
		}
		infos = append(infos, info)
	}
	jsonResponse(w, http.StatusOK, infos)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	jsonResponse(w, http.StatusOK, snap)
}

// submitCommand queues an action on a session, creating the session if it
// does not exist yet, exactly as a websocket client would.
func (h *handler) submitCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		jsonError(w, http.StatusBadRequest, "action is required")
		return
	}

	id := r.PathValue("id")
	s := h.sessions.GetOrCreate(id)
	if err := s.Submit(req.Action, req.Args); err != nil {
		jsonError(w, http.StatusConflict, "session is closed")
		return
	}
	jsonResponse(w, http.StatusAccepted, map[string]string{"status": "queued", "session_id": id})
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Destroy(id); err != nil {
		if session.IsNotFound(err) {
			jsonError(w, http.StatusNotFound, "session not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("destroyed session", zap.String("session", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sessionLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if h.journal != nil {
		logs, err := h.journal.ListLogs(r.Context(), id, limit)
		if err != nil {
			h.logger.Error("list journal logs", zap.String("session", id), zap.Error(err))
			jsonError(w, http.StatusInternalServerError, "failed to read logs")
			return
		}
		jsonResponse(w, http.StatusOK, logsResponse{SessionID: id, Logs: logs})
		return
	}

	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	entries, err := s.Logs()
	if err != nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	logs := lo.Map(entries, func(e session.LogEntry, _ int) *db.SessionLog {
		ts, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
		return &db.SessionLog{SessionID: id, Level: e.Level, Text: e.Text, CreatedAt: ts}
	})
	jsonResponse(w, http.StatusOK, logsResponse{SessionID: id, Logs: logs})
}

func (h *handler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return s, true
}
