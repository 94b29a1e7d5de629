package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"civicpulse/api/internal/auth"
	"civicpulse/api/internal/notify"
	"civicpulse/api/internal/rbac"
	"civicpulse/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	router     chi.Router
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.router = s.buildRouter()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

type sessionKey struct{}

func (s *HTTPServer) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Post("/session/logout", s.handleLogout)

			r.Post("/petitions", s.handleCreatePetition)
			r.Get("/petitions/{id}", s.handleGetPetition)
			r.Patch("/petitions/{id}", s.handleEditPetition)
			r.Delete("/petitions/{id}", s.handleDeletePetition)
			r.Post("/petitions/{id}/signatures", s.handleSign)
			r.Put("/petitions/{id}/status", s.handleUpdateStatus)
			r.Put("/petitions/{id}/verification", s.handleVerify)
			r.Post("/petitions/{id}/responses", s.handleAddResponse)

			r.Post("/polls", s.handleCreatePoll)
			r.Get("/polls/{id}/results", s.handlePollResults)
			r.Post("/polls/{id}/votes", s.handleVote)
			r.Post("/polls/{id}/close", s.handleClosePoll)

			r.Get("/notifications", s.handleNotifications)
			r.Post("/notifications/read-all", s.handleMarkAllRead)
			r.Post("/notifications/{id}/read", s.handleMarkRead)

			r.Get("/admin/action-logs", s.handleAdminActionLogs)
			r.Post("/admin/action-logs/sweep", s.handleAdminSweep)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Content-Type", "application/json")
		if requestID := middleware.GetReqID(r.Context()); requestID != "" {
			header.Set("X-Request-ID", requestID)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCreatePetition(w http.ResponseWriter, r *http.Request) {
	var input CreatePetitionInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	petition, err := s.service.CreatePetition(r.Context(), sessionFrom(r).Principal, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"petition": petitionPayload(petition)})
}

func (s *HTTPServer) handleGetPetition(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetPetition(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := petitionPayload(detail.Petition)
	timeline := make([]map[string]any, 0, len(detail.Timeline))
	for _, entry := range detail.Timeline {
		timeline = append(timeline, map[string]any{
			"status":   entry.Status,
			"date":     entry.CreatedAt,
			"note":     entry.Note,
			"official": entry.OfficialID,
		})
	}
	payload["timeline"] = timeline
	if detail.InternalNotes != nil {
		notes := make([]map[string]any, 0, len(detail.InternalNotes))
		for _, note := range detail.InternalNotes {
			notes = append(notes, map[string]any{
				"note":     note.Note,
				"type":     note.ResponseType,
				"isPublic": note.Public,
				"author":   note.AuthorID,
				"date":     note.CreatedAt,
			})
		}
		payload["internalNotes"] = notes
	}
	writeJSON(w, http.StatusOK, map[string]any{"petition": payload})
}

func (s *HTTPServer) handleEditPetition(w http.ResponseWriter, r *http.Request) {
	var patch PetitionPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	petition, err := s.service.EditPetition(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"petition": petitionPayload(petition)})
}

func (s *HTTPServer) handleDeletePetition(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePetition(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSign(w http.ResponseWriter, r *http.Request) {
	count, err := s.service.Sign(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"signaturesCount": count})
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	entry, err := s.service.UpdateStatus(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"), store.PetitionStatus(strings.TrimSpace(body.Status)), body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"previousStatus": entry.Metadata.PreviousStatus,
		"status":         entry.Metadata.NewStatus,
		"actionLog":      actionLogPayload(entry),
	})
}

func (s *HTTPServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Verified *bool  `json:"verified"`
		Note     string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Verified == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "verified is required", nil)
		return
	}
	entry, err := s.service.VerifyPetition(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"), *body.Verified, body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": *body.Verified, "actionLog": actionLogPayload(entry)})
}

func (s *HTTPServer) handleAddResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		IsPublic *bool  `json:"isPublic"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	entry, err := s.service.AddOfficialResponse(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"), body.Message, body.Type, body.IsPublic)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := map[string]any{"ok": true, "public": entry != nil}
	if entry != nil {
		response["actionLog"] = actionLogPayload(*entry)
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	poll, err := s.service.CreatePoll(r.Context(), sessionFrom(r).Principal, body.Question, body.Options)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"poll": pollPayload(poll)})
}

func (s *HTTPServer) handlePollResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.service.PollResults(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResultsPayload(results))
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OptionIndex *int `json:"optionIndex"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.OptionIndex == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "optionIndex is required", nil)
		return
	}
	results, err := s.service.Vote(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"), *body.OptionIndex)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResultsPayload(results))
}

func (s *HTTPServer) handleClosePoll(w http.ResponseWriter, r *http.Request) {
	poll, err := s.service.ClosePoll(r.Context(), sessionFrom(r).Principal, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"poll": pollPayload(poll)})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", defaultNotificationLimit)
	result, err := s.service.NotificationsForUser(r.Context(), sessionFrom(r).Principal.ID, page, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, map[string]any{
			"id":         item.ID,
			"kind":       item.Kind,
			"title":      item.Title,
			"body":       item.Body,
			"petitionId": item.PetitionID,
			"pollId":     item.PollID,
			"read":       item.Read,
			"createdAt":  item.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"page":        result.Page,
		"limit":       result.Limit,
		"total":       result.Total,
		"unreadCount": result.UnreadCount,
	})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.service.MarkRead(r.Context(), sessionFrom(r).Principal.ID, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	changed, err := s.service.MarkAllRead(r.Context(), sessionFrom(r).Principal.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": changed})
}

func (s *HTTPServer) handleAdminActionLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ActionLogFilter{
		Kind:       strings.TrimSpace(query.Get("kind")),
		PetitionID: strings.TrimSpace(query.Get("petitionId")),
		PollID:     strings.TrimSpace(query.Get("pollId")),
		ActorID:    strings.TrimSpace(query.Get("actorId")),
		Unread:     query.Get("unread") == "true",
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	logs, err := s.service.ListActionLogs(r.Context(), sessionFrom(r).Principal, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(logs))
	for _, entry := range logs {
		items = append(items, actionLogPayload(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	caller := sessionFrom(r).Principal
	if !caller.Can(rbac.ActionAuditSweep) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	var body struct {
		OlderThanDays int `json:"olderThanDays"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	maxAge := s.service.cfg.ActionLogRetention
	if body.OlderThanDays != 0 {
		maxAge = time.Duration(body.OlderThanDays) * 24 * time.Hour
	}
	removed, err := s.service.SweepActionLogs(r.Context(), maxAge)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func petitionPayload(p store.Petition) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"creator":          p.CreatorID,
		"title":            p.Title,
		"description":      p.Description,
		"category":         p.Category,
		"location":         p.Location,
		"signatureGoal":    p.SignatureGoal,
		"signaturesCount":  p.SignaturesCount,
		"status":           p.Status,
		"verified":         p.Verified,
		"verifiedBy":       p.VerifiedBy,
		"verifiedAt":       p.VerifiedAt,
		"verificationNote": p.VerificationNote,
		"reviewedBy":       p.ReviewedBy,
		"reviewedAt":       p.ReviewedAt,
		"officialResponse": p.OfficialResponse,
		"responseType":     p.ResponseType,
		"createdAt":        p.CreatedAt,
		"updatedAt":        p.UpdatedAt,
	}
}

func pollPayload(p store.Poll) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"creator":   p.CreatorID,
		"question":  p.Question,
		"options":   p.Options,
		"status":    p.Status,
		"closedBy":  p.ClosedBy,
		"closedAt":  p.ClosedAt,
		"createdAt": p.CreatedAt,
	}
}

func pollResultsPayload(results PollResults) map[string]any {
	return map[string]any{
		"poll":       pollPayload(results.Poll),
		"counts":     results.Counts,
		"totalVotes": results.TotalVotes,
		"selected":   results.Selected,
	}
}

func actionLogPayload(entry store.ActionLog) map[string]any {
	derived := notify.Derive(entry)
	return map[string]any{
		"id":         entry.ID,
		"kind":       entry.Kind,
		"action":     entry.Action,
		"actor":      entry.ActorID,
		"petitionId": entry.PetitionID,
		"pollId":     entry.PollID,
		"metadata":   entry.Metadata,
		"read":       entry.Read,
		"createdAt":  entry.CreatedAt,
		"title":      derived.Title,
		"body":       derived.Body,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// fail writes the error response. Unexpected errors are logged with detail
// and reported generically.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
