package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"civicpulse/api/internal/rbac"
	"civicpulse/api/internal/store"
	"civicpulse/api/internal/util"
)

const (
	minSignatureGoal = 10
	maxSignatureGoal = 100000
)

type CreatePetitionInput struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	Location      string `json:"location"`
	SignatureGoal int    `json:"signatureGoal"`
}

// PetitionPatch carries the fields a creator may edit. Anything else in the
// request body is ignored.
type PetitionPatch struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Category      *string `json:"category"`
	Location      *string `json:"location"`
	SignatureGoal *int    `json:"signatureGoal"`
}

type PetitionDetail struct {
	Petition      store.Petition
	Timeline      []store.TimelineEntry
	InternalNotes []store.InternalNote
}

var allowedResponseTypes = map[string]struct{}{
	"acknowledgment": {},
	"update":         {},
	"resolution":     {},
	"rejection":      {},
	"information":    {},
}

// strictTransitions is enforced only when STRICT_TRANSITIONS is set. By
// default officials may move a petition between any two statuses.
var strictTransitions = map[store.PetitionStatus][]store.PetitionStatus{
	store.StatusActive:      {store.StatusUnderReview, store.StatusClosed, store.StatusRejected, store.StatusExpired},
	store.StatusUnderReview: {store.StatusActive, store.StatusInProgress, store.StatusSuccessful, store.StatusRejected, store.StatusClosed},
	store.StatusInProgress:  {store.StatusSuccessful, store.StatusRejected, store.StatusClosed},
	store.StatusSuccessful:  {store.StatusClosed},
	store.StatusRejected:    {store.StatusUnderReview, store.StatusClosed},
	store.StatusExpired:     {store.StatusClosed},
	store.StatusClosed:      {},
}

func transitionAllowed(from, to store.PetitionStatus) bool {
	for _, candidate := range strictTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func validatePetitionFields(p store.Petition) error {
	var missing []string
	for _, field := range []struct{ name, value string }{
		{"title", p.Title},
		{"description", p.Description},
		{"category", p.Category},
		{"location", p.Location},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if p.SignatureGoal == 0 {
		missing = append(missing, "signatureGoal")
	}
	if len(missing) > 0 {
		return validationError("missing required fields: " + strings.Join(missing, ", "))
	}
	if p.SignatureGoal < minSignatureGoal || p.SignatureGoal > maxSignatureGoal {
		return validationError(fmt.Sprintf("signatureGoal must be between %d and %d", minSignatureGoal, maxSignatureGoal))
	}
	return nil
}

func (s *Service) loadPetition(ctx context.Context, petitionID string) (store.Petition, error) {
	petition, err := s.store.GetPetition(ctx, petitionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Petition{}, notFoundError("Petition not found")
		}
		return store.Petition{}, err
	}
	return petition, nil
}

func (s *Service) CreatePetition(ctx context.Context, caller Principal, input CreatePetitionInput) (store.Petition, error) {
	if !caller.Can(rbac.ActionParticipate) {
		return store.Petition{}, forbiddenError("Not allowed to create petitions")
	}
	petition := store.Petition{
		ID:            util.NewID("pet"),
		CreatorID:     caller.ID,
		Title:         strings.TrimSpace(input.Title),
		Description:   strings.TrimSpace(input.Description),
		Category:      strings.TrimSpace(input.Category),
		Location:      strings.TrimSpace(input.Location),
		SignatureGoal: input.SignatureGoal,
		Status:        store.StatusActive,
	}
	if err := validatePetitionFields(petition); err != nil {
		return store.Petition{}, err
	}
	if err := s.store.CreatePetition(ctx, petition); err != nil {
		return store.Petition{}, err
	}
	return s.loadPetition(ctx, petition.ID)
}

func (s *Service) GetPetition(ctx context.Context, caller Principal, petitionID string) (PetitionDetail, error) {
	petition, err := s.loadPetition(ctx, petitionID)
	if err != nil {
		return PetitionDetail{}, err
	}
	timeline, err := s.store.ListPetitionTimeline(ctx, petitionID)
	if err != nil {
		return PetitionDetail{}, err
	}
	detail := PetitionDetail{Petition: petition, Timeline: timeline}
	if caller.Can(rbac.ActionReadInternal) {
		notes, err := s.store.ListInternalNotes(ctx, petitionID)
		if err != nil {
			return PetitionDetail{}, err
		}
		detail.InternalNotes = notes
	}
	return detail, nil
}

func (s *Service) EditPetition(ctx context.Context, caller Principal, petitionID string, patch PetitionPatch) (store.Petition, error) {
	petition, err := s.loadPetition(ctx, petitionID)
	if err != nil {
		return store.Petition{}, err
	}
	if petition.CreatorID != caller.ID {
		return store.Petition{}, forbiddenError("Only the creator can edit this petition")
	}
	if petition.Status != store.StatusActive {
		return store.Petition{}, forbiddenError("Only active petitions can be edited")
	}

	if patch.Title != nil {
		petition.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Description != nil {
		petition.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Category != nil {
		petition.Category = strings.TrimSpace(*patch.Category)
	}
	if patch.Location != nil {
		petition.Location = strings.TrimSpace(*patch.Location)
	}
	if patch.SignatureGoal != nil {
		petition.SignatureGoal = *patch.SignatureGoal
	}
	if err := validatePetitionFields(petition); err != nil {
		return store.Petition{}, err
	}

	updated, err := s.store.UpdatePetitionContent(ctx, petition)
	if err != nil {
		return store.Petition{}, err
	}
	if !updated {
		// an official moved it out of active in the meantime
		return store.Petition{}, forbiddenError("Only active petitions can be edited")
	}
	return s.loadPetition(ctx, petitionID)
}

func (s *Service) DeletePetition(ctx context.Context, caller Principal, petitionID string) error {
	petition, err := s.loadPetition(ctx, petitionID)
	if err != nil {
		return err
	}
	if petition.CreatorID != caller.ID {
		return forbiddenError("Only the creator can delete this petition")
	}
	if err := s.store.DeletePetition(ctx, petitionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("Petition not found")
		}
		return err
	}
	return nil
}

// UpdateStatus sets a petition's status. The previous status recorded in the
// action log is captured by the store under a row lock, so concurrent callers
// each see their own prior value.
func (s *Service) UpdateStatus(ctx context.Context, caller Principal, petitionID string, status store.PetitionStatus, note string) (store.ActionLog, error) {
	ctx, span := tracer.Start(ctx, "app.UpdateStatus", trace.WithAttributes(
		attribute.String("petition.id", petitionID),
		attribute.String("petition.status", string(status)),
	))
	defer span.End()

	if !caller.Can(rbac.ActionReviewPetition) {
		return store.ActionLog{}, forbiddenError("Only officials can update petition status")
	}
	if !status.Valid() {
		return store.ActionLog{}, validationError(fmt.Sprintf("invalid status %q", status))
	}
	petition, err := s.loadPetition(ctx, petitionID)
	if err != nil {
		return store.ActionLog{}, err
	}

	note = strings.TrimSpace(note)
	change := store.StatusChange{
		PetitionID: petitionID,
		Status:     status,
		Note:       note,
		OfficialID: caller.ID,
		Log: store.ActionLog{
			ID:         newLogID(),
			Kind:       store.ActionStatusChanged,
			Action:     fmt.Sprintf("Updated petition status to %s", status),
			ActorID:    petition.CreatorID,
			PetitionID: stringPtr(petitionID),
			Metadata: store.ActionMetadata{
				Official:      s.officialAttribution(ctx, caller),
				PetitionTitle: petition.Title,
				NewStatus:     string(status),
				Note:          note,
			},
		},
	}
	if s.cfg.StrictTransitions {
		change.Allowed = func(from store.PetitionStatus) bool { return transitionAllowed(from, status) }
	}
	entry, err := s.store.UpdatePetitionStatus(ctx, change)
	if err != nil {
		var refused *store.TransitionError
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.ActionLog{}, notFoundError("Petition not found")
		case errors.As(err, &refused):
			return store.ActionLog{}, validationError(refused.Error())
		}
		return store.ActionLog{}, err
	}
	s.publish(ctx, entry)
	return entry, nil
}

func (s *Service) VerifyPetition(ctx context.Context, caller Principal, petitionID string, verified bool, note string) (store.ActionLog, error) {
	ctx, span := tracer.Start(ctx, "app.VerifyPetition", trace.WithAttributes(
		attribute.String("petition.id", petitionID),
		attribute.Bool("petition.verified", verified),
	))
	defer span.End()

	if !caller.Can(rbac.ActionReviewPetition) {
		return store.ActionLog{}, forbiddenError("Only officials can verify petitions")
	}
	petition, err := s.loadPetition(ctx, petitionID)
	if err != nil {
		return store.ActionLog{}, err
	}

	kind, action := store.ActionVerified, "Verified petition"
	if !verified {
		kind, action = store.ActionUnverified, "Unverified petition"
	}
	note = strings.TrimSpace(note)
	entry, err := s.store.SetPetitionVerification(ctx, store.VerificationChange{
		PetitionID: petitionID,
		Verified:   verified,
		Note:       note,
		OfficialID: caller.ID,
		Log: store.ActionLog{
			ID:         newLogID(),
			Kind:       kind,
			Action:     action,
			ActorID:    petition.CreatorID,
			PetitionID: stringPtr(petitionID),
			Metadata: store.ActionMetadata{
				Official:         s.officialAttribution(ctx, caller),
				PetitionTitle:    petition.Title,
				VerificationNote: note,
			},
		},
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ActionLog{}, notFoundError("Petition not found")
		}
		return store.ActionLog{}, err
	}
	s.publish(ctx, entry)
	return entry, nil
}

// AddOfficialResponse always records an internal note. Unless isPublic is
// explicitly false it also becomes the petition's public response and is
// logged for the creator.
func (s *Service) AddOfficialResponse(ctx context.Context, caller Principal, petitionID, message, responseType string, isPublic *bool) (*store.ActionLog, error) {
	ctx, span := tracer.Start(ctx, "app.AddOfficialResponse", trace.WithAttributes(attribute.String("petition.id", petitionID)))
	defer span.End()

	if !caller.Can(rbac.ActionReviewPetition) {
		return nil, forbiddenError("Only officials can respond to petitions")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, validationError("message is required")
	}
	responseType = strings.ToLower(strings.TrimSpace(responseType))
	if responseType == "" {
		responseType = "update"
	}
	if _, ok := allowedResponseTypes[responseType]; !ok {
		return nil, validationError("type must be one of acknowledgment, update, resolution, rejection, information")
	}
	petition, err := s.loadPetition(ctx, petitionID)
	if err != nil {
		return nil, err
	}

	public := isPublic == nil || *isPublic
	response := store.OfficialResponse{
		PetitionID:   petitionID,
		Message:      message,
		ResponseType: responseType,
		Public:       public,
		OfficialID:   caller.ID,
	}
	if public {
		response.Log = &store.ActionLog{
			ID:         newLogID(),
			Kind:       store.ActionResponseAdded,
			Action:     "Added official response",
			ActorID:    petition.CreatorID,
			PetitionID: stringPtr(petitionID),
			Metadata: store.ActionMetadata{
				Official:        s.officialAttribution(ctx, caller),
				PetitionTitle:   petition.Title,
				ResponseType:    responseType,
				ResponseMessage: message,
			},
		}
	}

	entry, err := s.store.AddOfficialResponse(ctx, response)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		s.publish(ctx, *entry)
	}
	return entry, nil
}
