// Package notify turns stored action-log records into the notification text
// shown to the owner of the affected petition or poll.
package notify

import (
	"fmt"
	"strings"

	"civicpulse/api/internal/store"
)

const (
	TitleApproved      = "Petition Approved"
	TitleRejected      = "Petition Rejected"
	TitleVerified      = "✓ Petition Verified"
	TitleUnverified    = "Petition Unverified"
	TitleUnderReview   = "Petition Under Review"
	TitleResponseAdded = "Official Response Added"
	TitleClosed        = "Petition Closed"
	TitleForwarded     = "Petition Forwarded"
	TitlePollClosed    = "Poll Closed"
	TitleStatusUpdated = "Status Updated"
	TitleOfficial      = "Official Update"
)

type Notification struct {
	Title string
	Body  string
}

// OfficialTitle renders "Name (Position, Department)" when both are known,
// otherwise just the name, or "Official".
func OfficialTitle(official store.OfficialAttribution) string {
	name := strings.TrimSpace(official.Name)
	if name == "" {
		name = "Official"
	}
	position := strings.TrimSpace(official.Position)
	department := strings.TrimSpace(official.Department)
	if position != "" && department != "" {
		return fmt.Sprintf("%s (%s, %s)", name, position, department)
	}
	return name
}

// Derive depends only on the record; the same record always yields the same
// notification.
func Derive(entry store.ActionLog) Notification {
	official := OfficialTitle(entry.Metadata.Official)
	subject := petitionSubject(entry)

	switch entry.Kind {
	case store.ActionStatusChanged:
		return deriveStatusChange(entry, subject, official)
	case store.ActionVerified:
		return verified(entry, subject, official)
	case store.ActionUnverified:
		return unverified(entry, subject, official)
	case store.ActionResponseAdded:
		return responseAdded(entry, subject, official)
	case store.ActionPollClosed:
		return Notification{
			Title: TitlePollClosed,
			Body:  fmt.Sprintf("%s was closed by %s", pollSubject(entry), official),
		}
	default:
		return deriveLegacy(entry, subject, official)
	}
}

// deriveStatusChange classifies a status change the same way the action text
// "Updated petition status to <status>" is classified by legacyRules.
func deriveStatusChange(entry store.ActionLog, subject, official string) Notification {
	switch store.PetitionStatus(entry.Metadata.NewStatus) {
	case store.StatusRejected:
		return Notification{Title: TitleRejected, Body: fmt.Sprintf("%s was rejected by %s", subject, official)}
	case store.StatusUnderReview:
		return Notification{Title: TitleUnderReview, Body: fmt.Sprintf("%s is now under review by %s", subject, official)}
	case store.StatusClosed:
		return Notification{Title: TitleClosed, Body: fmt.Sprintf("%s was closed by %s", subject, official)}
	default:
		return statusUpdated(entry, official)
	}
}

type legacyRule struct {
	matches func(action string) bool
	derive  func(entry store.ActionLog, subject, official string) Notification
}

func contains(substr string) func(string) bool {
	return func(action string) bool { return strings.Contains(action, substr) }
}

// Evaluated in order, first match wins. "unverified" contains "verified", so
// the verified rule excludes it explicitly, and approved/rejected come before
// the generic status rule.
var legacyRules = []legacyRule{
	{contains("approved"), func(_ store.ActionLog, subject, official string) Notification {
		return Notification{Title: TitleApproved, Body: fmt.Sprintf("%s was approved by %s", subject, official)}
	}},
	{contains("rejected"), func(_ store.ActionLog, subject, official string) Notification {
		return Notification{Title: TitleRejected, Body: fmt.Sprintf("%s was rejected by %s", subject, official)}
	}},
	{func(action string) bool {
		return strings.Contains(action, "verified petition") && !strings.Contains(action, "unverified")
	}, verified},
	{contains("unverified"), unverified},
	{func(action string) bool {
		return strings.Contains(action, "under_review") || strings.Contains(action, "under review")
	}, func(_ store.ActionLog, subject, official string) Notification {
		return Notification{Title: TitleUnderReview, Body: fmt.Sprintf("%s is now under review by %s", subject, official)}
	}},
	{contains("response"), responseAdded},
	{contains("closed"), func(_ store.ActionLog, subject, official string) Notification {
		return Notification{Title: TitleClosed, Body: fmt.Sprintf("%s was closed by %s", subject, official)}
	}},
	{contains("forwarded"), func(_ store.ActionLog, subject, official string) Notification {
		return Notification{Title: TitleForwarded, Body: fmt.Sprintf("%s was forwarded by %s", subject, official)}
	}},
	{contains("status"), func(entry store.ActionLog, _, official string) Notification {
		return statusUpdated(entry, official)
	}},
}

func deriveLegacy(entry store.ActionLog, subject, official string) Notification {
	action := strings.ToLower(entry.Action)
	for _, rule := range legacyRules {
		if rule.matches(action) {
			return rule.derive(entry, subject, official)
		}
	}
	return Notification{Title: TitleOfficial, Body: fmt.Sprintf("%s: %s", official, entry.Action)}
}

func verified(entry store.ActionLog, subject, official string) Notification {
	body := fmt.Sprintf("%s was verified by %s", subject, official)
	if note := strings.TrimSpace(entry.Metadata.VerificationNote); note != "" {
		body += "\nNote: " + note
	}
	return Notification{Title: TitleVerified, Body: body}
}

func unverified(entry store.ActionLog, subject, official string) Notification {
	body := fmt.Sprintf("%s was marked as invalid by %s", subject, official)
	if note := strings.TrimSpace(entry.Metadata.VerificationNote); note != "" {
		body += "\nReason: " + note
	}
	return Notification{Title: TitleUnverified, Body: body}
}

func responseAdded(entry store.ActionLog, subject, official string) Notification {
	body := fmt.Sprintf("%s added a response to %s", official, lowerFirst(subject))
	if message := strings.TrimSpace(entry.Metadata.ResponseMessage); message != "" {
		body += "\n" + message
	}
	return Notification{Title: TitleResponseAdded, Body: body}
}

func statusUpdated(entry store.ActionLog, official string) Notification {
	status := entry.Metadata.NewStatus
	if status == "" {
		status = "updated"
	}
	return Notification{
		Title: TitleStatusUpdated,
		Body:  fmt.Sprintf("%s updated your petition status: %s", official, status),
	}
}

// petitionSubject prefers the title joined at read time and falls back to
// the one recorded with the action.
func petitionSubject(entry store.ActionLog) string {
	title := entry.PetitionTitle
	if title == "" {
		title = entry.Metadata.PetitionTitle
	}
	if title == "" {
		return "Your petition"
	}
	return fmt.Sprintf("Your petition %q", title)
}

func pollSubject(entry store.ActionLog) string {
	title := entry.PollTitle
	if title == "" {
		title = entry.Metadata.PollTitle
	}
	if title == "" {
		return "Your poll"
	}
	return fmt.Sprintf("Your poll %q", title)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
