package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertActionLog(ctx context.Context, q rowQueryer, entry ActionLog) (time.Time, error) {
	var createdAt time.Time
	err := q.QueryRowContext(ctx, `
		INSERT INTO action_logs (id, kind, action, actor_id, petition_id, poll_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING created_at
	`, entry.ID, string(entry.Kind), entry.Action, entry.ActorID, entry.PetitionID, entry.PollID, entry.Metadata).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("insert action log: %w", err)
	}
	return createdAt, nil
}

func (s *PostgresStore) InsertActionLog(ctx context.Context, entry ActionLog) (ActionLog, error) {
	created, err := insertActionLog(ctx, s.db, entry)
	if err != nil {
		return ActionLog{}, err
	}
	entry.CreatedAt = created
	return entry, nil
}

const actionLogColumns = `
	l.id, l.kind, l.action, l.actor_id, l.petition_id, l.poll_id, l.metadata, l.read, l.created_at,
	COALESCE(p.title, ''), COALESCE(po.question, '')`

const actionLogJoins = `
	FROM action_logs l
	LEFT JOIN petitions p ON p.id = l.petition_id
	LEFT JOIN polls po ON po.id = l.poll_id`

func scanActionLog(row interface{ Scan(...any) error }, extra ...any) (ActionLog, error) {
	var entry ActionLog
	var kind string
	var petitionID, pollID sql.NullString
	dest := []any{
		&entry.ID,
		&kind,
		&entry.Action,
		&entry.ActorID,
		&petitionID,
		&pollID,
		&entry.Metadata,
		&entry.Read,
		&entry.CreatedAt,
		&entry.PetitionTitle,
		&entry.PollTitle,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return ActionLog{}, err
	}
	entry.Kind = ActionKind(kind)
	entry.PetitionID = nullableString(petitionID)
	entry.PollID = nullableString(pollID)
	return entry, nil
}

// GetActionLogWithOwner loads a record and resolves its owner: the related
// petition's creator, else the related poll's creator, else the actor.
func (s *PostgresStore) GetActionLogWithOwner(ctx context.Context, logID string) (ActionLog, string, error) {
	var owner string
	row := s.db.QueryRowContext(ctx, `
		SELECT `+actionLogColumns+`, COALESCE(p.creator_id, po.creator_id, l.actor_id)
		`+actionLogJoins+`
		WHERE l.id=$1
	`, logID)
	entry, err := scanActionLog(row, &owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActionLog{}, "", err
		}
		return ActionLog{}, "", fmt.Errorf("get action log: %w", err)
	}
	return entry, owner, nil
}

// ListActionLogsForResources pages through records related to any of the
// given petitions or polls, newest first.
func (s *PostgresStore) ListActionLogsForResources(ctx context.Context, petitionIDs, pollIDs []string, limit, offset int) (ActionLogPage, error) {
	petitionIDs, pollIDs = nonNil(petitionIDs), nonNil(pollIDs)
	page := ActionLogPage{Items: make([]ActionLog, 0)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int, (COUNT(*) FILTER (WHERE NOT read))::int
		FROM action_logs
		WHERE petition_id = ANY($1::text[]) OR poll_id = ANY($2::text[])
	`, petitionIDs, pollIDs).Scan(&page.Total, &page.Unread)
	if err != nil {
		return ActionLogPage{}, fmt.Errorf("count action logs: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionLogColumns+`
		`+actionLogJoins+`
		WHERE l.petition_id = ANY($1::text[]) OR l.poll_id = ANY($2::text[])
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT $3 OFFSET $4
	`, petitionIDs, pollIDs, limit, offset)
	if err != nil {
		return ActionLogPage{}, fmt.Errorf("list action logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanActionLog(rows)
		if err != nil {
			return ActionLogPage{}, fmt.Errorf("scan action log: %w", err)
		}
		page.Items = append(page.Items, entry)
	}
	if err := rows.Err(); err != nil {
		return ActionLogPage{}, fmt.Errorf("iterate action logs: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) MarkActionLogRead(ctx context.Context, logID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE action_logs SET read=TRUE WHERE id=$1 AND NOT read`, logID); err != nil {
		return fmt.Errorf("mark action log read: %w", err)
	}
	return nil
}

// MarkActionLogsReadForResources flips every unread record related to the
// given resources and returns how many changed.
func (s *PostgresStore) MarkActionLogsReadForResources(ctx context.Context, petitionIDs, pollIDs []string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE action_logs
		SET read=TRUE
		WHERE NOT read
		  AND (petition_id = ANY($1::text[]) OR poll_id = ANY($2::text[]))
	`, nonNil(petitionIDs), nonNil(pollIDs))
	if err != nil {
		return 0, fmt.Errorf("mark action logs read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark action logs read rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) ListActionLogsFiltered(ctx context.Context, filter ActionLogFilter) ([]ActionLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+actionLogColumns+`
		`+actionLogJoins+`
		WHERE ($1='' OR l.kind=$1)
		  AND ($2='' OR l.petition_id=$2)
		  AND ($3='' OR l.poll_id=$3)
		  AND ($4='' OR l.actor_id=$4)
		  AND (NOT $5::boolean OR NOT l.read)
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT $6 OFFSET $7
	`, filter.Kind, filter.PetitionID, filter.PollID, filter.ActorID, filter.Unread, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list action logs filtered: %w", err)
	}
	defer rows.Close()

	items := make([]ActionLog, 0)
	for rows.Next() {
		entry, err := scanActionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan filtered action log: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filtered action logs: %w", err)
	}
	return items, nil
}

// PurgeActionLogsBefore deletes records created before cutoff.
func (s *PostgresStore) PurgeActionLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM action_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge action logs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge action logs rows: %w", err)
	}
	return affected, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
