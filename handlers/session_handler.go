package handlers

import (
	"encoding/json"
	"net/http"

	"groupmesh/services"
)

type SessionHandler struct {
	svc *services.SessionService
}

func NewSessionHandler(s *services.SessionService) *SessionHandler { return &SessionHandler{svc: s} }

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// Create exchanges a self-asserted user name for a session token. No
// password, no verification; the token only exists so reconnects carry the
// same user id.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, "Method not allowed", "Use POST method", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserName string `json:"userName"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, "Invalid JSON", "Bad request format", http.StatusBadRequest)
		return
	}

	token, userID, err := h.svc.Create(req.UserName)
	if err != nil {
		respondWithError(w, "Session creation failed", err.Error(), http.StatusBadRequest)
		return
	}

	respondWithSuccess(w, map[string]interface{}{
		"token":    token,
		"userId":   userID,
		"userName": req.UserName,
	})
}

func respondWithError(w http.ResponseWriter, error, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func respondWithSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
	})
}
