package app

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"civicpulse/api/internal/notify"
	"civicpulse/api/internal/store"
)

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

type Notification struct {
	ID         string
	Kind       store.ActionKind
	Title      string
	Body       string
	PetitionID *string
	PollID     *string
	Read       bool
	CreatedAt  time.Time
}

type NotificationPage struct {
	Items       []Notification
	Page        int
	Limit       int
	Total       int
	UnreadCount int
}

// NotificationsForUser pages through the action logs of every petition and
// poll userID created, newest first.
func (s *Service) NotificationsForUser(ctx context.Context, userID string, page, limit int) (NotificationPage, error) {
	ctx, span := tracer.Start(ctx, "app.NotificationsForUser", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	// Keeps (page-1)*limit from overflowing into a negative offset.
	if page > math.MaxInt/limit {
		page = math.MaxInt / limit
	}
	result := NotificationPage{Items: []Notification{}, Page: page, Limit: limit}

	petitionIDs, pollIDs, err := s.store.OwnedResourceIDs(ctx, userID)
	if err != nil {
		return NotificationPage{}, err
	}
	if len(petitionIDs) == 0 && len(pollIDs) == 0 {
		return result, nil
	}

	logs, err := s.store.ListActionLogsForResources(ctx, petitionIDs, pollIDs, limit, (page-1)*limit)
	if err != nil {
		return NotificationPage{}, err
	}
	result.Total = logs.Total
	result.UnreadCount = logs.Unread
	for _, entry := range logs.Items {
		derived := notify.Derive(entry)
		result.Items = append(result.Items, Notification{
			ID:         entry.ID,
			Kind:       entry.Kind,
			Title:      derived.Title,
			Body:       derived.Body,
			PetitionID: entry.PetitionID,
			PollID:     entry.PollID,
			Read:       entry.Read,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return result, nil
}

// MarkRead is idempotent for the record's owner.
func (s *Service) MarkRead(ctx context.Context, userID, logID string) error {
	entry, owner, err := s.store.GetActionLogWithOwner(ctx, logID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("Notification not found")
		}
		return err
	}
	if owner != userID {
		return forbiddenError("Not your notification")
	}
	if entry.Read {
		return nil
	}
	return s.store.MarkActionLogRead(ctx, logID)
}

// MarkAllRead marks every unread record on userID's resources and returns
// how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	petitionIDs, pollIDs, err := s.store.OwnedResourceIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(petitionIDs) == 0 && len(pollIDs) == 0 {
		return 0, nil
	}
	return s.store.MarkActionLogsReadForResources(ctx, petitionIDs, pollIDs)
}
