package handlers

import (
	"net/http"
	"strconv"

	"groupmesh/services"
)

type HistoryHandler struct {
	svc        *services.MessageService
	sessionSvc *services.SessionService
}

func NewHistoryHandler(s *services.MessageService, a *services.SessionService) *HistoryHandler {
	return &HistoryHandler{svc: s, sessionSvc: a}
}

func (h *HistoryHandler) WithAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			respondWithError(w, "Unauthorized", "Missing Authorization header (token only)", http.StatusUnauthorized)
			return
		}
		uid, uname, err := h.sessionSvc.Verify(token)
		if err != nil {
			respondWithError(w, "Unauthorized", "Invalid token", http.StatusUnauthorized)
			return
		}
		r.Header.Set("X-User-ID", uid)
		r.Header.Set("X-Username", uname)
		next(w, r)
	}
}

// ListMessages serves stored history over HTTP. 404 when retention is off.
func (h *HistoryHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, "Method not allowed", "Use GET method", http.StatusMethodNotAllowed)
		return
	}

	if !h.svc.Retains() {
		respondWithError(w, "History disabled", "Server does not retain message history", http.StatusNotFound)
		return
	}

	groupID := r.URL.Query().Get("groupId")
	if groupID == "" {
		respondWithError(w, "Missing parameter", "groupId query parameter is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	msgs, err := h.svc.List(groupID, limit)
	if err != nil {
		respondWithError(w, "Failed to fetch messages", err.Error(), http.StatusNotFound)
		return
	}

	respondWithSuccess(w, msgs)
}
