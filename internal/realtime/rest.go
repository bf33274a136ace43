package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"cbos/internal/event"
	"cbos/internal/protocol"
	"cbos/internal/session"
)

type createSessionRequest struct {
	Slug      string `json:"slug"`
	Path      string `json:"path"`
	Transport string `json:"transport"`
}

type sendInputRequest struct {
	Text string `json:"text"`
}

type statusResponse struct {
	Total  int                   `json:"total"`
	States map[session.State]int `json:"states"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := protocol.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeAlreadyExists, protocol.CodeAlreadyRunning:
		status = http.StatusConflict
	case protocol.CodeInvalidMessage:
		status = http.StatusBadRequest
	case protocol.CodeSpawnFailed:
		status = http.StatusBadGateway
	case protocol.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "code": protocol.CodeInvalidMessage})
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": h.ClientCount()})
}

func (h *Hub) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.ctrl.List()
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hub) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Slug == "" || req.Path == "" {
		badRequest(w, "slug and path are required")
		return
	}

	sess, err := h.ctrl.Create(r.Context(), req.Slug, req.Path, session.Transport(req.Transport))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts := h.ctrl.Counts()
	resp := statusResponse{States: counts}
	for _, n := range counts {
		resp.Total += n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ctrl.Get(r.PathValue("slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Hub) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if err := h.ctrl.Delete(r.Context(), slug); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "slug": slug})
}

func (h *Hub) handleSendInput(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Text == "" {
		badRequest(w, "text is required")
		return
	}

	if err := h.ctrl.SendInput(r.Context(), slug, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, protocol.NewSendResult(slug, nil))
}

func (h *Hub) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ok, err := h.ctrl.Interrupt(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewInterruptResult(slug, ok))
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	category := event.Category(r.URL.Query().Get("category"))

	events, err := h.ctrl.Events(slug, limit, category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewEvents(slug, events))
}
