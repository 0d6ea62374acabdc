package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/middleware"
	"github.com/veilchat/backend/internal/service"
)

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}

	var in service.CreateConversationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	in.OwnerID = principal.UserID

	rec, err := s.conversations.Create(r.Context(), in)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.conversations.Get(r.Context(), mux.Vars(r)["conversationId"])
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	members, err := s.conversations.Participants(r.Context(), mux.Vars(r)["conversationId"])
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participants": members})
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID string `json:"userId"`
		Role   string `json:"role,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}

	conversationID := mux.Vars(r)["conversationId"]
	if err := s.conversations.AddParticipant(r.Context(), conversationID, in.UserID, in.Role); err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added", "userId": in.UserID})
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.conversations.RemoveParticipant(r.Context(), vars["conversationId"], vars["userId"]); err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "userId": vars["userId"]})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}

	var in service.SendInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	in.SenderID = principal.UserID

	result, err := s.messages.Send(r.Context(), in)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.messages.Get(r.Context(), mux.Vars(r)["messageId"])
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeKindError(w, r, core.Ef(core.KindValidationFailed, "limit must be a non-negative integer, got %q", raw))
			return
		}
		limit = parsed
	}

	result, err := s.messages.List(r.Context(),
		mux.Vars(r)["conversationId"], r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}
	s.hub.HandleWS(principal.UserID, w, r)
}

// principalMiddleware attaches the principal forwarded by the fronting auth
// proxy. The pipeline never inspects credentials itself.
func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal := &core.Principal{
			UserID:    userID,
			DeviceID:  r.Header.Get("X-Device-ID"),
			SessionID: r.Header.Get("X-Session-ID"),
			Scope:     r.Header.Get("X-Scope"),
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithPrincipal(r.Context(), principal)))
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// kindStatus maps taxonomy kinds onto HTTP statuses.
func kindStatus(kind core.Kind) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindValidationFailed:
		return http.StatusBadRequest
	case core.KindConflict, core.KindPreconditionFailed:
		return http.StatusConflict
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindTransientAdapter:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	var kindErr *core.Error
	if errors.As(err, &kindErr) {
		middleware.WriteError(w, r, kindStatus(kindErr.Kind), string(kindErr.Kind), kindErr.Message)
		return
	}
	s.logger.Error("[API] unclassified error", "path", r.URL.Path, "error", err)
	middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error")
}
