package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Role        string
	Department  string
	Position    string
	Location    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PetitionStatus string

const (
	StatusActive      PetitionStatus = "active"
	StatusUnderReview PetitionStatus = "under_review"
	StatusInProgress  PetitionStatus = "in_progress"
	StatusClosed      PetitionStatus = "closed"
	StatusSuccessful  PetitionStatus = "successful"
	StatusRejected    PetitionStatus = "rejected"
	StatusExpired     PetitionStatus = "expired"
)

var PetitionStatuses = []PetitionStatus{
	StatusActive,
	StatusUnderReview,
	StatusInProgress,
	StatusClosed,
	StatusSuccessful,
	StatusRejected,
	StatusExpired,
}

func (s PetitionStatus) Valid() bool {
	for _, candidate := range PetitionStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

type Petition struct {
	ID               string
	CreatorID        string
	Title            string
	Description      string
	Category         string
	Location         string
	SignatureGoal    int
	Status           PetitionStatus
	Verified         bool
	VerifiedBy       *string
	VerifiedAt       *time.Time
	VerificationNote string
	ReviewedBy       *string
	ReviewedAt       *time.Time
	OfficialResponse string
	ResponseType     string
	// SignaturesCount is computed from the signatures table on every read.
	SignaturesCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TimelineEntry struct {
	ID         int64
	PetitionID string
	Status     PetitionStatus
	Note       string
	OfficialID string
	CreatedAt  time.Time
}

type InternalNote struct {
	ID           int64
	PetitionID   string
	Note         string
	ResponseType string
	Public       bool
	AuthorID     string
	CreatedAt    time.Time
}

type PollStatus string

const (
	PollActive PollStatus = "active"
	PollClosed PollStatus = "closed"
)

type Poll struct {
	ID        string
	CreatorID string
	Question  string
	Options   []string
	Status    PollStatus
	ClosedBy  *string
	ClosedAt  *time.Time
	CreatedAt time.Time
}

type ActionKind string

const (
	// ActionLegacy marks records written before kinds existed; they are
	// classified from their free-text action.
	ActionLegacy        ActionKind = ""
	ActionStatusChanged ActionKind = "status_changed"
	ActionVerified      ActionKind = "verified"
	ActionUnverified    ActionKind = "unverified"
	ActionResponseAdded ActionKind = "response_added"
	ActionPollClosed    ActionKind = "poll_closed"
)

// ActionLog is an append-only audit record. ActorID is the owner of the
// affected resource; the official who acted is recorded in Metadata.
type ActionLog struct {
	ID         string
	Kind       ActionKind
	Action     string
	ActorID    string
	PetitionID *string
	PollID     *string
	Metadata   ActionMetadata
	Read       bool
	CreatedAt  time.Time

	// Current titles of the related resources, filled by list queries.
	PetitionTitle string
	PollTitle     string
}

type ActionLogPage struct {
	Items  []ActionLog
	Total  int
	Unread int
}

type ActionLogFilter struct {
	Kind       string
	PetitionID string
	PollID     string
	ActorID    string
	Unread     bool
	Limit      int
	Offset     int
}

// StatusChange is applied atomically by UpdatePetitionStatus.
type StatusChange struct {
	PetitionID string
	Status     PetitionStatus
	Note       string
	OfficialID string
	Log        ActionLog
	// Allowed, when set, is checked against the locked current status.
	Allowed func(from PetitionStatus) bool
}

type VerificationChange struct {
	PetitionID string
	Verified   bool
	Note       string
	OfficialID string
	Log        ActionLog
}

// OfficialResponse always lands in internal notes; Log is written only when
// the response is public.
type OfficialResponse struct {
	PetitionID   string
	Message      string
	ResponseType string
	Public       bool
	OfficialID   string
	Log          *ActionLog
}

type PollClose struct {
	PollID   string
	ClosedBy string
	Log      *ActionLog
}
