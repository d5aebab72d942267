package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to end users.
// - Callers should treat audit logging as best-effort: an audit failure must
//   never fail a call transition.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallTransition records one call status transition.
func (s *Service) LogCallTransition(ctx context.Context, callID, expertID, actorUserID, fromStatus, toStatus, message string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeCallTransition,
		ActorUserID: actorUserID,
		CallID:      callID,
		ExpertID:    expertID,
		FromStatus:  fromStatus,
		ToStatus:    toStatus,
		Message:     message,
	})
}

// LogAdminAction records a privileged manual action (e.g. a support credit).
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		Message:     message,
		Metadata:    metadata,
	})
}
