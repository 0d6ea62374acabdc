package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/participant"
	"github.com/veilchat/backend/internal/storage"
)

// ConversationNamespace is the records namespace conversations live in.
const ConversationNamespace = "conversations"

// CreateConversationInput creates a conversation owned by the caller.
type CreateConversationInput struct {
	Title          string   `json:"title,omitempty"`
	OwnerID        string   `json:"ownerId"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

// ConversationService manages conversation records and membership. Every
// membership change bumps the participant cache version so authorization
// converges across instances.
type ConversationService struct {
	facade  *storage.Facade
	members *participant.PostgresReader
	cache   *participant.Cache
	logger  *slog.Logger
}

// NewConversationService wires the membership write path.
func NewConversationService(facade *storage.Facade, members *participant.PostgresReader, cache *participant.Cache, logger *slog.Logger) *ConversationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationService{facade: facade, members: members, cache: cache, logger: logger}
}

// Create stores the conversation record and enrolls the owner plus any
// initial participants.
func (s *ConversationService) Create(ctx context.Context, in CreateConversationInput) (storage.Record, error) {
	if in.OwnerID == "" {
		return storage.Record{}, core.E(core.KindValidationFailed, "ownerId is required")
	}

	conversationID := uuid.NewString()
	rec, err := s.facade.UpsertRecord(ctx, ConversationNamespace, storage.Record{
		ID: conversationID,
		Data: map[string]interface{}{
			"title":     in.Title,
			"ownerId":   in.OwnerID,
			"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}, storage.UpsertOptions{}, storage.CallOptions{})
	if err != nil {
		return storage.Record{}, err
	}

	if err := s.members.Add(ctx, conversationID, in.OwnerID, core.RoleOwner); err != nil {
		return storage.Record{}, core.Wrap(core.KindTransientAdapter, "enroll owner", err)
	}
	for _, userID := range in.ParticipantIDs {
		if userID == in.OwnerID {
			continue
		}
		if err := s.members.Add(ctx, conversationID, userID, core.RoleMember); err != nil {
			return storage.Record{}, core.Wrap(core.KindTransientAdapter, "enroll participant", err)
		}
	}

	s.logger.Info("[ConversationService] conversation created",
		"conversation", conversationID, "owner", in.OwnerID, "participants", len(in.ParticipantIDs))
	return rec, nil
}

// Get reads one conversation through the facade.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (storage.Record, error) {
	return s.facade.GetRecord(ctx,
		storage.ObjectReference{Namespace: ConversationNamespace, ID: conversationID},
		storage.ReadOptions{})
}

// Participants lists active members from the source of truth.
func (s *ConversationService) Participants(ctx context.Context, conversationID string) ([]core.Participant, error) {
	return s.members.ListActive(ctx, conversationID)
}

// AddParticipant enrolls a member and invalidates the cached membership.
func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, userID, role string) error {
	if userID == "" {
		return core.E(core.KindValidationFailed, "userId is required")
	}
	if role == "" {
		role = core.RoleMember
	}
	if role != core.RoleMember && role != core.RoleAdmin && role != core.RoleOwner {
		return core.Ef(core.KindValidationFailed, "unknown role %q", role)
	}

	if err := s.members.Add(ctx, conversationID, userID, role); err != nil {
		return core.Wrap(core.KindTransientAdapter, "add participant", err)
	}
	return s.invalidate(ctx, conversationID)
}

// RemoveParticipant departs a member and invalidates the cached membership.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	if userID == "" {
		return core.E(core.KindValidationFailed, "userId is required")
	}
	if err := s.members.Remove(ctx, conversationID, userID); err != nil {
		return core.Wrap(core.KindTransientAdapter, "remove participant", err)
	}
	return s.invalidate(ctx, conversationID)
}

func (s *ConversationService) invalidate(ctx context.Context, conversationID string) error {
	if err := s.cache.Invalidate(ctx, conversationID); err != nil {
		// The versioned entry ages out on its TTL; authorization stays
		// correct, just slower to converge.
		s.logger.Warn("[ConversationService] cache invalidation failed",
			"conversation", conversationID, "error", err)
	}
	return nil
}
