package rbac

type Role string
type Action string

const (
	RoleCitizen   Role = "citizen"
	RoleOfficial  Role = "public-official"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionParticipate    Action = "participate"
	ActionReviewPetition Action = "petition.review"
	ActionReadInternal   Action = "petition.read_internal"
	ActionClosePoll      Action = "poll.close_any"
	ActionAuditRead      Action = "audit.read"
	ActionAuditSweep     Action = "audit.sweep"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action != ActionAuditSweep
	case RoleOfficial:
		return action == ActionParticipate || action == ActionReviewPetition || action == ActionReadInternal || action == ActionClosePoll
	case RoleCitizen:
		return action == ActionParticipate
	default:
		return false
	}
}

// IsOfficial reports whether the role carries official review capability.
func IsOfficial(role Role) bool {
	return Can(role, ActionReviewPetition)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCitizen, RoleOfficial, RoleModerator, RoleAdmin:
		return Role(role)
	case "official":
		return RoleOfficial
	default:
		return RoleCitizen
	}
}
