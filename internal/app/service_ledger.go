package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"civicpulse/api/internal/rbac"
	"civicpulse/api/internal/store"
	"civicpulse/api/internal/util"
)

const (
	minPollOptions = 2
	maxPollOptions = 10
)

type PollResults struct {
	Poll       store.Poll
	Counts     []int
	TotalVotes int
	// Selected lists the option indexes the viewer currently holds.
	Selected []int
}

// Sign records caller's signature and returns the new count. A repeat
// signature is rejected by the store's unique key, and the conflict carries
// the current count.
func (s *Service) Sign(ctx context.Context, caller Principal, petitionID string) (int, error) {
	if !caller.Can(rbac.ActionParticipate) {
		return 0, forbiddenError("Not allowed to sign petitions")
	}
	petition, err := s.loadPetition(ctx, petitionID)
	if err != nil {
		return 0, err
	}
	if petition.CreatorID == caller.ID {
		return 0, forbiddenError("You cannot sign your own petition")
	}

	if err := s.store.InsertSignature(ctx, petitionID, caller.ID); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return 0, err
		}
		count, countErr := s.store.CountSignatures(ctx, petitionID)
		if countErr != nil {
			return 0, countErr
		}
		return count, conflictError("ALREADY_SIGNED", "You have already signed this petition", map[string]any{
			"signaturesCount": count,
		})
	}
	return s.store.CountSignatures(ctx, petitionID)
}

func (s *Service) loadPoll(ctx context.Context, pollID string) (store.Poll, error) {
	poll, err := s.store.GetPoll(ctx, pollID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Poll{}, notFoundError("Poll not found")
		}
		return store.Poll{}, err
	}
	return poll, nil
}

func (s *Service) CreatePoll(ctx context.Context, caller Principal, question string, options []string) (store.Poll, error) {
	if !caller.Can(rbac.ActionParticipate) {
		return store.Poll{}, forbiddenError("Not allowed to create polls")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return store.Poll{}, validationError("question is required")
	}
	cleaned := make([]string, 0, len(options))
	for _, option := range options {
		option = strings.TrimSpace(option)
		if option == "" {
			return store.Poll{}, validationError("poll options cannot be blank")
		}
		cleaned = append(cleaned, option)
	}
	if len(cleaned) < minPollOptions || len(cleaned) > maxPollOptions {
		return store.Poll{}, validationError(fmt.Sprintf("a poll needs between %d and %d options", minPollOptions, maxPollOptions))
	}

	poll := store.Poll{
		ID:        util.NewID("poll"),
		CreatorID: caller.ID,
		Question:  question,
		Options:   cleaned,
		Status:    store.PollActive,
	}
	if err := s.store.CreatePoll(ctx, poll); err != nil {
		return store.Poll{}, err
	}
	return s.loadPoll(ctx, poll.ID)
}

// Vote toggles caller's vote on one option. Votes on different options of
// the same poll are independent.
func (s *Service) Vote(ctx context.Context, caller Principal, pollID string, optionIndex int) (PollResults, error) {
	if !caller.Can(rbac.ActionParticipate) {
		return PollResults{}, forbiddenError("Not allowed to vote")
	}
	poll, err := s.loadPoll(ctx, pollID)
	if err != nil {
		return PollResults{}, err
	}
	if poll.Status == store.PollClosed {
		return PollResults{}, domainError(http.StatusBadRequest, "POLL_CLOSED", "This poll is closed", nil)
	}
	if optionIndex < 0 || optionIndex >= len(poll.Options) {
		return PollResults{}, validationError(fmt.Sprintf("optionIndex must be between 0 and %d", len(poll.Options)-1))
	}
	if _, err := s.store.ToggleVote(ctx, pollID, caller.ID, optionIndex); err != nil {
		return PollResults{}, err
	}
	return s.pollResults(ctx, poll, caller.ID)
}

func (s *Service) PollResults(ctx context.Context, caller Principal, pollID string) (PollResults, error) {
	poll, err := s.loadPoll(ctx, pollID)
	if err != nil {
		return PollResults{}, err
	}
	return s.pollResults(ctx, poll, caller.ID)
}

func (s *Service) pollResults(ctx context.Context, poll store.Poll, viewerID string) (PollResults, error) {
	counts, err := s.store.PollVoteCounts(ctx, poll.ID, len(poll.Options))
	if err != nil {
		return PollResults{}, err
	}
	results := PollResults{Poll: poll, Counts: counts, Selected: []int{}}
	for _, count := range counts {
		results.TotalVotes += count
	}
	if viewerID != "" {
		selected, err := s.store.UserPollSelections(ctx, poll.ID, viewerID)
		if err != nil {
			return PollResults{}, err
		}
		results.Selected = selected
	}
	return results, nil
}

// ClosePoll may be called by the poll's creator or an official. When an
// official closes someone else's poll the creator is notified.
func (s *Service) ClosePoll(ctx context.Context, caller Principal, pollID string) (store.Poll, error) {
	poll, err := s.loadPoll(ctx, pollID)
	if err != nil {
		return store.Poll{}, err
	}
	ownsPoll := poll.CreatorID == caller.ID
	if !ownsPoll && !caller.Can(rbac.ActionClosePoll) {
		return store.Poll{}, forbiddenError("Only the creator or an official can close this poll")
	}
	if poll.Status == store.PollClosed {
		return poll, nil
	}

	change := store.PollClose{PollID: pollID, ClosedBy: caller.ID}
	if !ownsPoll {
		change.Log = &store.ActionLog{
			ID:      newLogID(),
			Kind:    store.ActionPollClosed,
			Action:  "Closed poll",
			ActorID: poll.CreatorID,
			PollID:  stringPtr(pollID),
			Metadata: store.ActionMetadata{
				Official:  s.officialAttribution(ctx, caller),
				PollTitle: poll.Question,
			},
		}
	}
	closed, err := s.store.ClosePoll(ctx, change)
	if err != nil {
		return store.Poll{}, err
	}
	if closed && change.Log != nil {
		entry := *change.Log
		entry.CreatedAt = s.clock()
		s.publish(ctx, entry)
	}
	return s.loadPoll(ctx, pollID)
}
