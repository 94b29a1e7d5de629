package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"civicpulse/api/internal/store"
)

type voteKey struct {
	pollID string
	userID string
	option int
}

// memStore is an in-memory dataStore. It enforces the same uniqueness and
// locking guarantees the Postgres store gets from its keys and row locks.
type memStore struct {
	mu sync.Mutex

	users      map[string]store.User
	petitions  map[string]store.Petition
	timeline   map[string][]store.TimelineEntry
	notes      map[string][]store.InternalNote
	signatures map[string]map[string]struct{}
	polls      map[string]store.Poll
	votes      map[voteKey]struct{}
	logs       []store.ActionLog

	base time.Time
	seq  int

	pingFn        func(context.Context) error
	getPetitionFn func(context.Context, string) (store.Petition, error)
	listLogsCalls int
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[string]store.User{},
		petitions:  map[string]store.Petition{},
		timeline:   map[string][]store.TimelineEntry{},
		notes:      map[string][]store.InternalNote{},
		signatures: map[string]map[string]struct{}{},
		polls:      map[string]store.Poll{},
		votes:      map[voteKey]struct{}{},
		base:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp. Callers hold mu.
func (m *memStore) tick() time.Time {
	m.seq++
	return m.base.Add(time.Duration(m.seq) * time.Second)
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) UpsertUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUser(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) CreatePetition(_ context.Context, petition store.Petition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	petition.CreatedAt = now
	petition.UpdatedAt = now
	m.petitions[petition.ID] = petition
	return nil
}

func (m *memStore) GetPetition(ctx context.Context, petitionID string) (store.Petition, error) {
	if m.getPetitionFn != nil {
		return m.getPetitionFn(ctx, petitionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	petition, ok := m.petitions[petitionID]
	if !ok {
		return store.Petition{}, sql.ErrNoRows
	}
	petition.SignaturesCount = len(m.signatures[petitionID])
	return petition, nil
}

func (m *memStore) ListPetitionTimeline(_ context.Context, petitionID string) ([]store.TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TimelineEntry{}, m.timeline[petitionID]...), nil
}

func (m *memStore) ListInternalNotes(_ context.Context, petitionID string) ([]store.InternalNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.InternalNote{}, m.notes[petitionID]...), nil
}

func (m *memStore) UpdatePetitionContent(_ context.Context, petition store.Petition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.petitions[petition.ID]
	if !ok || current.Status != store.StatusActive {
		return false, nil
	}
	current.Title = petition.Title
	current.Description = petition.Description
	current.Category = petition.Category
	current.Location = petition.Location
	current.SignatureGoal = petition.SignatureGoal
	current.UpdatedAt = m.tick()
	m.petitions[petition.ID] = current
	return true, nil
}

func (m *memStore) DeletePetition(_ context.Context, petitionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.petitions[petitionID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.petitions, petitionID)
	delete(m.signatures, petitionID)
	delete(m.timeline, petitionID)
	delete(m.notes, petitionID)
	return nil
}

func (m *memStore) UpdatePetitionStatus(_ context.Context, change store.StatusChange) (store.ActionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	petition, ok := m.petitions[change.PetitionID]
	if !ok {
		return store.ActionLog{}, sql.ErrNoRows
	}
	previous := petition.Status
	if change.Allowed != nil && !change.Allowed(previous) {
		return store.ActionLog{}, &store.TransitionError{From: previous, To: change.Status}
	}
	now := m.tick()
	petition.Status = change.Status
	petition.ReviewedBy = stringPtr(change.OfficialID)
	petition.ReviewedAt = &now
	petition.UpdatedAt = now
	m.petitions[change.PetitionID] = petition
	m.timeline[change.PetitionID] = append(m.timeline[change.PetitionID], store.TimelineEntry{
		ID:         int64(m.seq),
		PetitionID: change.PetitionID,
		Status:     change.Status,
		Note:       change.Note,
		OfficialID: change.OfficialID,
		CreatedAt:  now,
	})

	entry := change.Log
	entry.Metadata.PreviousStatus = string(previous)
	entry.CreatedAt = now
	m.logs = append(m.logs, entry)
	return entry, nil
}

func (m *memStore) SetPetitionVerification(_ context.Context, change store.VerificationChange) (store.ActionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	petition, ok := m.petitions[change.PetitionID]
	if !ok {
		return store.ActionLog{}, sql.ErrNoRows
	}
	now := m.tick()
	petition.Verified = change.Verified
	petition.VerifiedBy = stringPtr(change.OfficialID)
	petition.VerifiedAt = &now
	petition.VerificationNote = change.Note
	m.petitions[change.PetitionID] = petition

	entry := change.Log
	entry.CreatedAt = now
	m.logs = append(m.logs, entry)
	return entry, nil
}

func (m *memStore) AddOfficialResponse(_ context.Context, response store.OfficialResponse) (*store.ActionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	petition, ok := m.petitions[response.PetitionID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	now := m.tick()
	m.notes[response.PetitionID] = append(m.notes[response.PetitionID], store.InternalNote{
		ID:           int64(m.seq),
		PetitionID:   response.PetitionID,
		Note:         response.Message,
		ResponseType: response.ResponseType,
		Public:       response.Public,
		AuthorID:     response.OfficialID,
		CreatedAt:    now,
	})
	if !response.Public {
		return nil, nil
	}
	petition.OfficialResponse = response.Message
	petition.ResponseType = response.ResponseType
	petition.ReviewedBy = stringPtr(response.OfficialID)
	petition.ReviewedAt = &now
	m.petitions[response.PetitionID] = petition
	if response.Log == nil {
		return nil, nil
	}
	entry := *response.Log
	entry.CreatedAt = now
	m.logs = append(m.logs, entry)
	return &entry, nil
}

func (m *memStore) InsertSignature(_ context.Context, petitionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.petitions[petitionID]; !ok {
		return sql.ErrNoRows
	}
	signers := m.signatures[petitionID]
	if signers == nil {
		signers = map[string]struct{}{}
		m.signatures[petitionID] = signers
	}
	if _, exists := signers[userID]; exists {
		return store.ErrDuplicate
	}
	signers[userID] = struct{}{}
	return nil
}

func (m *memStore) CountSignatures(_ context.Context, petitionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signatures[petitionID]), nil
}

func (m *memStore) CreatePoll(_ context.Context, poll store.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	poll.CreatedAt = m.tick()
	m.polls[poll.ID] = poll
	return nil
}

func (m *memStore) GetPoll(_ context.Context, pollID string) (store.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	poll, ok := m.polls[pollID]
	if !ok {
		return store.Poll{}, sql.ErrNoRows
	}
	return poll, nil
}

func (m *memStore) ClosePoll(_ context.Context, change store.PollClose) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	poll, ok := m.polls[change.PollID]
	if !ok || poll.Status != store.PollActive {
		return false, nil
	}
	now := m.tick()
	poll.Status = store.PollClosed
	poll.ClosedBy = stringPtr(change.ClosedBy)
	poll.ClosedAt = &now
	m.polls[change.PollID] = poll
	if change.Log != nil {
		entry := *change.Log
		entry.CreatedAt = now
		m.logs = append(m.logs, entry)
	}
	return true, nil
}

func (m *memStore) ToggleVote(_ context.Context, pollID, userID string, option int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey{pollID: pollID, userID: userID, option: option}
	if _, exists := m.votes[key]; exists {
		delete(m.votes, key)
		return false, nil
	}
	m.votes[key] = struct{}{}
	return true, nil
}

func (m *memStore) PollVoteCounts(_ context.Context, pollID string, options int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make([]int, options)
	for key := range m.votes {
		if key.pollID == pollID && key.option < options {
			counts[key.option]++
		}
	}
	return counts, nil
}

func (m *memStore) UserPollSelections(_ context.Context, pollID, userID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	selected := []int{}
	for key := range m.votes {
		if key.pollID == pollID && key.userID == userID {
			selected = append(selected, key.option)
		}
	}
	sort.Ints(selected)
	return selected, nil
}

func (m *memStore) OwnedResourceIDs(_ context.Context, userID string) ([]string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var petitionIDs, pollIDs []string
	for id, petition := range m.petitions {
		if petition.CreatorID == userID {
			petitionIDs = append(petitionIDs, id)
		}
	}
	for id, poll := range m.polls {
		if poll.CreatorID == userID {
			pollIDs = append(pollIDs, id)
		}
	}
	sort.Strings(petitionIDs)
	sort.Strings(pollIDs)
	return petitionIDs, pollIDs, nil
}

// ownerOf mirrors the store's COALESCE(petition creator, poll creator, actor).
func (m *memStore) ownerOf(entry store.ActionLog) string {
	if entry.PetitionID != nil {
		if petition, ok := m.petitions[*entry.PetitionID]; ok {
			return petition.CreatorID
		}
	}
	if entry.PollID != nil {
		if poll, ok := m.polls[*entry.PollID]; ok {
			return poll.CreatorID
		}
	}
	return entry.ActorID
}

func (m *memStore) withTitles(entry store.ActionLog) store.ActionLog {
	if entry.PetitionID != nil {
		entry.PetitionTitle = m.petitions[*entry.PetitionID].Title
	}
	if entry.PollID != nil {
		entry.PollTitle = m.polls[*entry.PollID].Question
	}
	return entry
}

func (m *memStore) GetActionLogWithOwner(_ context.Context, logID string) (store.ActionLog, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.logs {
		if entry.ID == logID {
			return m.withTitles(entry), m.ownerOf(entry), nil
		}
	}
	return store.ActionLog{}, "", sql.ErrNoRows
}

func (m *memStore) matchesResources(entry store.ActionLog, petitionIDs, pollIDs []string) bool {
	if entry.PetitionID != nil && containsString(petitionIDs, *entry.PetitionID) {
		return true
	}
	return entry.PollID != nil && containsString(pollIDs, *entry.PollID)
}

func (m *memStore) ListActionLogsForResources(_ context.Context, petitionIDs, pollIDs []string, limit, offset int) (store.ActionLogPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listLogsCalls++
	page := store.ActionLogPage{Items: []store.ActionLog{}}
	var matched []store.ActionLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		entry := m.logs[i]
		if !m.matchesResources(entry, petitionIDs, pollIDs) {
			continue
		}
		page.Total++
		if !entry.Read {
			page.Unread++
		}
		matched = append(matched, m.withTitles(entry))
	}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = append(page.Items, matched[offset:end]...)
	}
	return page, nil
}

func (m *memStore) MarkActionLogRead(_ context.Context, logID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.logs {
		if m.logs[i].ID == logID {
			m.logs[i].Read = true
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memStore) MarkActionLogsReadForResources(_ context.Context, petitionIDs, pollIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed int64
	for i := range m.logs {
		if !m.logs[i].Read && m.matchesResources(m.logs[i], petitionIDs, pollIDs) {
			m.logs[i].Read = true
			changed++
		}
	}
	return changed, nil
}

func (m *memStore) ListActionLogsFiltered(_ context.Context, filter store.ActionLogFilter) ([]store.ActionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	items := []store.ActionLog{}
	skipped := 0
	for i := len(m.logs) - 1; i >= 0 && len(items) < limit; i-- {
		entry := m.logs[i]
		switch {
		case filter.Kind != "" && string(entry.Kind) != filter.Kind:
			continue
		case filter.PetitionID != "" && (entry.PetitionID == nil || *entry.PetitionID != filter.PetitionID):
			continue
		case filter.PollID != "" && (entry.PollID == nil || *entry.PollID != filter.PollID):
			continue
		case filter.ActorID != "" && entry.ActorID != filter.ActorID:
			continue
		case filter.Unread && entry.Read:
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		items = append(items, m.withTitles(entry))
	}
	return items, nil
}

func (m *memStore) PurgeActionLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var removed int64
	for _, entry := range m.logs {
		if entry.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	m.logs = kept
	return removed, nil
}

func (m *memStore) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

type fakePublisher struct {
	mu        sync.Mutex
	published []store.ActionLog
	err       error
}

func (f *fakePublisher) PublishActionLog(_ context.Context, entry store.ActionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, entry)
	return f.err
}
