package notifier

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Handler is a stub transactional-email endpoint. It accepts sends and logs
// them; the real provider integration lives outside this repo.
type Handler struct {
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.To == "" {
		h.writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	messageID := uuid.New().String()
	h.logger.Info("email sent", "to", req.To, "subject", req.Subject, "message_id", messageID)

	h.writeJSON(w, http.StatusOK, sendResponse{Status: "sent", MessageID: messageID})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
