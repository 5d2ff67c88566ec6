package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"inbox-assistant/internal/interaction"
	"inbox-assistant/internal/storage"
)

type sendRequest struct {
	UserID   string   `json:"user_id"`
	Message  string   `json:"message"`
	Messages []string `json:"messages"`
}

type sendResponse struct {
	UserID string `json:"user_id"`
	// Status is "ok", or "wait" when an identical message is still being
	// answered and no reply was produced for this one.
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Reply  string `json:"reply,omitempty"`
}

type historyMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TurnIndex int64     `json:"turn_index"`
	CreatedAt time.Time `json:"created_at"`
}

type historyResponse struct {
	UserID   string           `json:"user_id"`
	Messages []historyMessage `json:"messages"`
}

type profileRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	messages := req.Messages
	if strings.TrimSpace(req.Message) != "" {
		messages = append(messages, req.Message)
	}
	userID := s.userID(req.UserID)

	reply, err := s.assistant.Submit(r.Context(), userID, messages...)
	if errors.Is(err, interaction.ErrEmptyMessage) {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("chat turn failed")
		Error(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	resp := sendResponse{UserID: userID, Status: "ok", Kind: string(reply.Kind), Reply: reply.Text}
	if reply.Kind == interaction.OutcomeWait {
		resp.Status = "wait"
		resp.Reply = ""
	}
	JSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r.URL.Query().Get("user_id"))
	entries, err := s.assistant.History(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to read history")
		Error(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	resp := historyResponse{UserID: userID, Messages: make([]historyMessage, 0, len(entries))}
	for _, e := range entries {
		if e.Role != storage.RoleUser && e.Role != storage.RoleAssistant {
			continue
		}
		resp.Messages = append(resp.Messages, historyMessage{
			Role:      string(e.Role),
			Content:   e.Content,
			TurnIndex: e.TurnIndex,
			CreatedAt: e.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r.URL.Query().Get("user_id"))
	if err := s.assistant.ClearHistory(r.Context(), userID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to clear history")
		Error(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cleared", "user_id": userID})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.UserName)
	if name == "" {
		Error(w, http.StatusBadRequest, "user_name is required")
		return
	}
	userID := s.userID(req.UserID)
	if err := s.assistant.SetUserName(r.Context(), userID, name); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to save profile")
		Error(w, http.StatusInternalServerError, "failed to save profile")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "user_id": userID, "user_name": name})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r.URL.Query().Get("user_id"))
	names, err := s.assistant.Agents(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list agents")
		Error(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if names == nil {
		names = []string{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"user_id": userID, "agents": names})
}
