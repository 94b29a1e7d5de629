package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"civicpulse/api/internal/config"
	"civicpulse/api/internal/rbac"
	"civicpulse/api/internal/session"
	"civicpulse/api/internal/store"
	"civicpulse/api/internal/util"
)

var tracer = otel.Tracer("civicpulse/api/internal/app")

// Principal is the authenticated caller of an operation.
type Principal struct {
	ID   string
	Name string
	Role rbac.Role
}

func (p Principal) Can(action rbac.Action) bool {
	return rbac.Can(p.Role, action)
}

type dataStore interface {
	Ping(context.Context) error
	UpsertUser(context.Context, store.User) error
	GetUser(context.Context, string) (store.User, error)

	CreatePetition(context.Context, store.Petition) error
	GetPetition(context.Context, string) (store.Petition, error)
	ListPetitionTimeline(context.Context, string) ([]store.TimelineEntry, error)
	ListInternalNotes(context.Context, string) ([]store.InternalNote, error)
	UpdatePetitionContent(context.Context, store.Petition) (bool, error)
	DeletePetition(context.Context, string) error
	UpdatePetitionStatus(context.Context, store.StatusChange) (store.ActionLog, error)
	SetPetitionVerification(context.Context, store.VerificationChange) (store.ActionLog, error)
	AddOfficialResponse(context.Context, store.OfficialResponse) (*store.ActionLog, error)

	InsertSignature(context.Context, string, string) error
	CountSignatures(context.Context, string) (int, error)

	CreatePoll(context.Context, store.Poll) error
	GetPoll(context.Context, string) (store.Poll, error)
	ClosePoll(context.Context, store.PollClose) (bool, error)
	ToggleVote(context.Context, string, string, int) (bool, error)
	PollVoteCounts(context.Context, string, int) ([]int, error)
	UserPollSelections(context.Context, string, string) ([]int, error)

	OwnedResourceIDs(context.Context, string) ([]string, []string, error)
	GetActionLogWithOwner(context.Context, string) (store.ActionLog, string, error)
	ListActionLogsForResources(context.Context, []string, []string, int, int) (store.ActionLogPage, error)
	MarkActionLogRead(context.Context, string) error
	MarkActionLogsReadForResources(context.Context, []string, []string) (int64, error)
	ListActionLogsFiltered(context.Context, store.ActionLogFilter) ([]store.ActionLog, error)
	PurgeActionLogsBefore(context.Context, time.Time) (int64, error)
}

type tokenRevoker interface {
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(context.Context) error
}

// ActionPublisher forwards committed action logs to downstream consumers.
type ActionPublisher interface {
	PublishActionLog(context.Context, store.ActionLog) error
}

type Service struct {
	cfg         config.Config
	store       dataStore
	revocations tokenRevoker
	events      ActionPublisher
	now         func() time.Time
}

// New wires the service. revocations may be nil, which disables logout
// revocation checks; events may be nil, which disables the action-log feed.
func New(cfg config.Config, dataStore *store.PostgresStore, revocations *session.RedisStore, events ActionPublisher) *Service {
	svc := &Service{
		cfg:    cfg,
		store:  dataStore,
		events: events,
		now:    time.Now,
	}
	if revocations != nil {
		svc.revocations = revocations
	}
	return svc
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// Ping checks the database and, when configured, Redis.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.revocations != nil {
		checks["redis"] = s.revocations.Ping(ctx)
	}
	return checks
}

// officialAttribution resolves the acting official's display identity once,
// at write time, from their profile.
func (s *Service) officialAttribution(ctx context.Context, caller Principal) store.OfficialAttribution {
	attribution := store.OfficialAttribution{Name: caller.Name}
	user, err := s.store.GetUser(ctx, caller.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("official profile lookup failed", "user_id", caller.ID, "error", err)
		}
		return attribution
	}
	if user.DisplayName != "" {
		attribution.Name = user.DisplayName
	}
	attribution.Department = user.Department
	attribution.Position = user.Position
	return attribution
}

// publish forwards a committed record to the feed. Failures are logged and
// never fail the operation.
func (s *Service) publish(ctx context.Context, entry store.ActionLog) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishActionLog(ctx, entry); err != nil {
		slog.Warn("action log publish failed", "log_id", entry.ID, "kind", entry.Kind, "error", err)
	}
}

func newLogID() string {
	return util.NewID("log")
}

func stringPtr(value string) *string {
	return &value
}
