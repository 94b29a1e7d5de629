package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	role := user.Role
	if role == "" {
		role = "citizen"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role, department, position, location)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			display_name=EXCLUDED.display_name,
			role=EXCLUDED.role,
			department=EXCLUDED.department,
			position=EXCLUDED.position,
			location=EXCLUDED.location,
			updated_at=NOW()
	`, user.ID, user.DisplayName, role, user.Department, user.Position, user.Location)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, department, position, location, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Role, &user.Department, &user.Position, &user.Location, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreatePetition(ctx context.Context, petition Petition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO petitions (id, creator_id, title, description, category, location, signature_goal, status, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
	`, petition.ID, petition.CreatorID, petition.Title, petition.Description, petition.Category, petition.Location, petition.SignatureGoal, string(petition.Status))
	if err != nil {
		return fmt.Errorf("insert petition: %w", err)
	}
	return nil
}

const petitionColumns = `
	p.id, p.creator_id, p.title, p.description, p.category, p.location, p.signature_goal,
	p.status, p.verified, p.verified_by, p.verified_at, p.verification_note,
	p.reviewed_by, p.reviewed_at, p.official_response, p.response_type,
	(SELECT COUNT(*) FROM signatures sg WHERE sg.petition_id = p.id)::int,
	p.created_at, p.updated_at`

func scanPetition(row interface{ Scan(...any) error }) (Petition, error) {
	var p Petition
	var status string
	var verifiedBy, reviewedBy sql.NullString
	var verifiedAt, reviewedAt sql.NullTime
	if err := row.Scan(
		&p.ID,
		&p.CreatorID,
		&p.Title,
		&p.Description,
		&p.Category,
		&p.Location,
		&p.SignatureGoal,
		&status,
		&p.Verified,
		&verifiedBy,
		&verifiedAt,
		&p.VerificationNote,
		&reviewedBy,
		&reviewedAt,
		&p.OfficialResponse,
		&p.ResponseType,
		&p.SignaturesCount,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Petition{}, err
	}
	p.Status = PetitionStatus(status)
	p.VerifiedBy = nullableString(verifiedBy)
	p.VerifiedAt = nullableTime(verifiedAt)
	p.ReviewedBy = nullableString(reviewedBy)
	p.ReviewedAt = nullableTime(reviewedAt)
	return p, nil
}

func (s *PostgresStore) GetPetition(ctx context.Context, petitionID string) (Petition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+petitionColumns+` FROM petitions p WHERE p.id=$1`, petitionID)
	petition, err := scanPetition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Petition{}, err
		}
		return Petition{}, fmt.Errorf("get petition: %w", err)
	}
	return petition, nil
}

func (s *PostgresStore) ListPetitionTimeline(ctx context.Context, petitionID string) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, petition_id, status, note, official_id, created_at
		FROM petition_timeline
		WHERE petition_id=$1
		ORDER BY created_at ASC, id ASC
	`, petitionID)
	if err != nil {
		return nil, fmt.Errorf("list petition timeline: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineEntry, 0)
	for rows.Next() {
		var item TimelineEntry
		var status string
		if err := rows.Scan(&item.ID, &item.PetitionID, &status, &item.Note, &item.OfficialID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		item.Status = PetitionStatus(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate petition timeline: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListInternalNotes(ctx context.Context, petitionID string) ([]InternalNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, petition_id, note, response_type, is_public, author_id, created_at
		FROM petition_internal_notes
		WHERE petition_id=$1
		ORDER BY created_at ASC, id ASC
	`, petitionID)
	if err != nil {
		return nil, fmt.Errorf("list internal notes: %w", err)
	}
	defer rows.Close()

	items := make([]InternalNote, 0)
	for rows.Next() {
		var item InternalNote
		if err := rows.Scan(&item.ID, &item.PetitionID, &item.Note, &item.ResponseType, &item.Public, &item.AuthorID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan internal note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate internal notes: %w", err)
	}
	return items, nil
}

// UpdatePetitionContent writes the editable fields. It only applies while
// the petition is still active and reports whether a row changed.
func (s *PostgresStore) UpdatePetitionContent(ctx context.Context, petition Petition) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE petitions
		SET title=$2, description=$3, category=$4, location=$5, signature_goal=$6, updated_at=NOW()
		WHERE id=$1 AND status='active'
	`, petition.ID, petition.Title, petition.Description, petition.Category, petition.Location, petition.SignatureGoal)
	if err != nil {
		return false, fmt.Errorf("update petition content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update petition content rows: %w", err)
	}
	return affected > 0, nil
}

// DeletePetition removes the petition and its signatures. Action logs that
// reference it are kept.
func (s *PostgresStore) DeletePetition(ctx context.Context, petitionID string) error {
	return s.inTx(ctx, "delete petition", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM signatures WHERE petition_id=$1`, petitionID); err != nil {
			return fmt.Errorf("delete petition signatures: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM petitions WHERE id=$1`, petitionID)
		if err != nil {
			return fmt.Errorf("delete petition: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete petition rows: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// UpdatePetitionStatus locks the petition row, records its current status as
// the change's previous status, then writes the new status, one timeline
// entry and the action log in the same transaction.
func (s *PostgresStore) UpdatePetitionStatus(ctx context.Context, change StatusChange) (ActionLog, error) {
	logEntry := change.Log
	err := s.inTx(ctx, "update petition status", func(tx *sql.Tx) error {
		var previous string
		err := tx.QueryRowContext(ctx, `SELECT status FROM petitions WHERE id=$1 FOR UPDATE`, change.PetitionID).Scan(&previous)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("lock petition: %w", err)
		}
		if change.Allowed != nil && !change.Allowed(PetitionStatus(previous)) {
			return &TransitionError{From: PetitionStatus(previous), To: change.Status}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE petitions
			SET status=$2, reviewed_by=$3, reviewed_at=NOW(), updated_at=NOW()
			WHERE id=$1
		`, change.PetitionID, string(change.Status), change.OfficialID); err != nil {
			return fmt.Errorf("update petition status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO petition_timeline (petition_id, status, note, official_id)
			VALUES ($1, $2, $3, $4)
		`, change.PetitionID, string(change.Status), change.Note, change.OfficialID); err != nil {
			return fmt.Errorf("insert timeline entry: %w", err)
		}

		logEntry.Metadata.PreviousStatus = previous
		created, err := insertActionLog(ctx, tx, logEntry)
		if err != nil {
			return err
		}
		logEntry.CreatedAt = created
		return nil
	})
	if err != nil {
		return ActionLog{}, err
	}
	return logEntry, nil
}

func (s *PostgresStore) SetPetitionVerification(ctx context.Context, change VerificationChange) (ActionLog, error) {
	logEntry := change.Log
	err := s.inTx(ctx, "set petition verification", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE petitions
			SET verified=$2, verified_by=$3, verified_at=NOW(), verification_note=$4, updated_at=NOW()
			WHERE id=$1
		`, change.PetitionID, change.Verified, change.OfficialID, change.Note)
		if err != nil {
			return fmt.Errorf("update petition verification: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update petition verification rows: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		created, err := insertActionLog(ctx, tx, logEntry)
		if err != nil {
			return err
		}
		logEntry.CreatedAt = created
		return nil
	})
	if err != nil {
		return ActionLog{}, err
	}
	return logEntry, nil
}

func (s *PostgresStore) AddOfficialResponse(ctx context.Context, response OfficialResponse) (*ActionLog, error) {
	var logEntry *ActionLog
	err := s.inTx(ctx, "add official response", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO petition_internal_notes (petition_id, note, response_type, is_public, author_id)
			VALUES ($1, $2, $3, $4, $5)
		`, response.PetitionID, response.Message, response.ResponseType, response.Public, response.OfficialID); err != nil {
			return fmt.Errorf("insert internal note: %w", err)
		}
		if !response.Public {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE petitions
			SET official_response=$2, response_type=$3, reviewed_by=$4, reviewed_at=NOW(), updated_at=NOW()
			WHERE id=$1
		`, response.PetitionID, response.Message, response.ResponseType, response.OfficialID); err != nil {
			return fmt.Errorf("set official response: %w", err)
		}
		if response.Log == nil {
			return nil
		}
		entry := *response.Log
		created, err := insertActionLog(ctx, tx, entry)
		if err != nil {
			return err
		}
		entry.CreatedAt = created
		logEntry = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logEntry, nil
}

func (s *PostgresStore) InsertSignature(ctx context.Context, petitionID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signatures (petition_id, user_id)
		VALUES ($1, $2)
	`, petitionID, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountSignatures(ctx context.Context, petitionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signatures WHERE petition_id=$1`, petitionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count signatures: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreatePoll(ctx context.Context, poll Poll) error {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return fmt.Errorf("marshal poll options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polls (id, creator_id, question, options, status)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, poll.ID, poll.CreatorID, poll.Question, string(options), string(poll.Status))
	if err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPoll(ctx context.Context, pollID string) (Poll, error) {
	var poll Poll
	var status string
	var optionsRaw []byte
	var closedBy sql.NullString
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, creator_id, question, options, status, closed_by, closed_at, created_at
		FROM polls
		WHERE id=$1
	`, pollID).Scan(&poll.ID, &poll.CreatorID, &poll.Question, &optionsRaw, &status, &closedBy, &closedAt, &poll.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Poll{}, err
		}
		return Poll{}, fmt.Errorf("get poll: %w", err)
	}
	if err := json.Unmarshal(optionsRaw, &poll.Options); err != nil {
		return Poll{}, fmt.Errorf("decode poll options: %w", err)
	}
	poll.Status = PollStatus(status)
	poll.ClosedBy = nullableString(closedBy)
	poll.ClosedAt = nullableTime(closedAt)
	return poll, nil
}

// ClosePoll closes an active poll and, when given, records the action log.
// It reports false when the poll was already closed.
func (s *PostgresStore) ClosePoll(ctx context.Context, change PollClose) (bool, error) {
	closed := false
	err := s.inTx(ctx, "close poll", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE polls
			SET status='closed', closed_by=$2, closed_at=NOW()
			WHERE id=$1 AND status='active'
		`, change.PollID, change.ClosedBy)
		if err != nil {
			return fmt.Errorf("close poll: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("close poll rows: %w", err)
		}
		if affected == 0 {
			return nil
		}
		closed = true
		if change.Log != nil {
			if _, err := insertActionLog(ctx, tx, *change.Log); err != nil {
				return err
			}
		}
		return nil
	})
	return closed, err
}

// ToggleVote removes the (poll, user, option) vote if present and inserts it
// otherwise, as a single statement. It reports whether the vote exists after
// the call, which includes a concurrent insert of the same vote winning.
func (s *PostgresStore) ToggleVote(ctx context.Context, pollID, userID string, optionIndex int) (bool, error) {
	var voted bool
	err := s.db.QueryRowContext(ctx, `
		WITH removed AS (
			DELETE FROM poll_votes
			WHERE poll_id=$1 AND user_id=$2 AND option_index=$3
			RETURNING 1
		), inserted AS (
			INSERT INTO poll_votes (poll_id, user_id, option_index)
			SELECT $1, $2, $3
			WHERE NOT EXISTS (SELECT 1 FROM removed)
			ON CONFLICT (poll_id, user_id, option_index) DO NOTHING
			RETURNING 1
		)
		SELECT NOT EXISTS (SELECT 1 FROM removed)
	`, pollID, userID, optionIndex).Scan(&voted)
	if err != nil {
		return false, fmt.Errorf("toggle vote: %w", err)
	}
	return voted, nil
}

// PollVoteCounts returns one count per option index in [0, optionCount).
func (s *PostgresStore) PollVoteCounts(ctx context.Context, pollID string, optionCount int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT option_index, COUNT(*)::int
		FROM poll_votes
		WHERE poll_id=$1
		GROUP BY option_index
	`, pollID)
	if err != nil {
		return nil, fmt.Errorf("count poll votes: %w", err)
	}
	defer rows.Close()

	counts := make([]int, optionCount)
	for rows.Next() {
		var index, count int
		if err := rows.Scan(&index, &count); err != nil {
			return nil, fmt.Errorf("scan poll vote count: %w", err)
		}
		if index >= 0 && index < optionCount {
			counts[index] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poll vote counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) UserPollSelections(ctx context.Context, pollID, userID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT option_index
		FROM poll_votes
		WHERE poll_id=$1 AND user_id=$2
		ORDER BY option_index
	`, pollID, userID)
	if err != nil {
		return nil, fmt.Errorf("list poll selections: %w", err)
	}
	defer rows.Close()

	selections := make([]int, 0)
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("scan poll selection: %w", err)
		}
		selections = append(selections, index)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poll selections: %w", err)
	}
	return selections, nil
}

// OwnedResourceIDs returns the ids of petitions and polls created by userID.
func (s *PostgresStore) OwnedResourceIDs(ctx context.Context, userID string) ([]string, []string, error) {
	petitionIDs, err := s.listIDs(ctx, `SELECT id FROM petitions WHERE creator_id=$1`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list owned petitions: %w", err)
	}
	pollIDs, err := s.listIDs(ctx, `SELECT id FROM polls WHERE creator_id=$1`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list owned polls: %w", err)
	}
	return petitionIDs, pollIDs, nil
}

func (s *PostgresStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func nullableString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullableTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}
