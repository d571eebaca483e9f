package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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

const draftColumns = `d.id, d.share_token, d.form_type, d.status, d.title, d.created_at, d.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner, extra ...any) (Draft, error) {
	var item Draft
	dest := append([]any{
		&item.ID,
		&item.ShareToken,
		&item.FormType,
		&item.Status,
		&item.Title,
		&item.CreatedAt,
		&item.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Draft{}, err
	}
	return item, nil
}

func decodeBody(raw []byte) (Body, error) {
	body := Body{}
	if len(raw) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode draft body: %w", err)
	}
	return body, nil
}

func encodeBody(fields Body) (string, error) {
	if fields == nil {
		fields = Body{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode draft body: %w", err)
	}
	return string(encoded), nil
}

// InsertDraft creates the draft row and its empty body in one transaction.
func (s *PostgresStore) InsertDraft(ctx context.Context, item Draft) (Draft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Draft{}, fmt.Errorf("begin insert draft: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	formType := item.FormType
	if formType == "" {
		formType = FormTypeInnerMeeting
	}
	status := item.Status
	if status == "" {
		status = StatusDraft
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO drafts (id, share_token, form_type, status, title)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, item.ID, item.ShareToken, formType, status, item.Title).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Draft{}, fmt.Errorf("insert draft: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO draft_bodies (draft_id) VALUES ($1)`, item.ID); err != nil {
		return Draft{}, fmt.Errorf("insert draft body: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Draft{}, fmt.Errorf("commit insert draft: %w", err)
	}
	item.FormType = formType
	item.Status = status
	return item, nil
}

func (s *PostgresStore) GetDraftByToken(ctx context.Context, token string) (Draft, Body, error) {
	return s.getDraft(ctx, `d.share_token = $1`, token)
}

func (s *PostgresStore) GetDraft(ctx context.Context, draftID string) (Draft, Body, error) {
	return s.getDraft(ctx, `d.id = $1`, draftID)
}

func (s *PostgresStore) getDraft(ctx context.Context, where string, arg string) (Draft, Body, error) {
	var raw []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT `+draftColumns+`, COALESCE(b.fields, '{}'::jsonb)
		FROM drafts d
		LEFT JOIN draft_bodies b ON b.draft_id = d.id
		WHERE `+where, arg)
	item, err := scanDraft(row, &raw)
	if err != nil {
		return Draft{}, nil, err
	}
	body, err := decodeBody(raw)
	if err != nil {
		return Draft{}, nil, err
	}
	return item, body, nil
}

// MergeDraftFields applies fields on top of the stored body. Keys absent from
// fields are left untouched. A non-nil title replaces the draft title.
func (s *PostgresStore) MergeDraftFields(ctx context.Context, draftID string, fields Body, title *string) (Draft, error) {
	encoded, err := encodeBody(fields)
	if err != nil {
		return Draft{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Draft{}, fmt.Errorf("begin merge draft fields: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE drafts d
		SET title = COALESCE($2, d.title), updated_at = NOW()
		WHERE d.id = $1
		RETURNING `+draftColumns, draftID, title)
	item, err := scanDraft(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Draft{}, err
		}
		return Draft{}, fmt.Errorf("touch draft: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE draft_bodies
		SET fields = fields || $2::jsonb, updated_at = NOW()
		WHERE draft_id = $1
	`, draftID, encoded); err != nil {
		return Draft{}, fmt.Errorf("merge draft fields: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Draft{}, fmt.Errorf("commit merge draft fields: %w", err)
	}
	return item, nil
}

// CompleteDraft writes the final fields and flips status to completed, but
// only while the draft is still in draft status. It reports whether the
// transition happened.
func (s *PostgresStore) CompleteDraft(ctx context.Context, draftID string, fields Body, title *string) (bool, error) {
	encoded, err := encodeBody(fields)
	if err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete draft: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE drafts
		SET status = 'completed', title = COALESCE($2, title), updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`, draftID, title)
	if err != nil {
		return false, fmt.Errorf("complete draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete draft rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE draft_bodies
		SET fields = fields || $2::jsonb, updated_at = NOW()
		WHERE draft_id = $1
	`, draftID, encoded); err != nil {
		return false, fmt.Errorf("write final draft fields: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete draft: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ArchiveDraft(ctx context.Context, draftID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE drafts
		SET status = 'archived', updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`, draftID)
	if err != nil {
		return false, fmt.Errorf("archive draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive draft rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDrafts(ctx context.Context, status string) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+`
		FROM drafts d
		WHERE d.form_type = 'inner_meeting' AND ($1 = '' OR d.status = $1)
		ORDER BY d.created_at DESC, d.id DESC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	items := make([]Draft, 0)
	for rows.Next() {
		item, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, draftID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.draft_id, p.contact_id, p.role, p.created_at,
			c.id, c.first_name, c.last_name, c.hebrew_first_name, c.hebrew_last_name, c.email
		FROM draft_participants p
		JOIN contacts c ON c.id = p.contact_id
		WHERE p.draft_id = $1
		ORDER BY p.role, p.id
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(
			&item.DraftID,
			&item.ContactID,
			&item.Role,
			&item.CreatedAt,
			&item.Contact.ID,
			&item.Contact.FirstName,
			&item.Contact.LastName,
			&item.Contact.HebrewFirstName,
			&item.Contact.HebrewLastName,
			&item.Contact.Email,
		); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

// ReplaceParticipants swaps the holders of one role on a draft.
func (s *PostgresStore) ReplaceParticipants(ctx context.Context, draftID, role string, contactIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace participants: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_participants WHERE draft_id = $1 AND role = $2`, draftID, role); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, contactID := range contactIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO draft_participants (draft_id, contact_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (draft_id, contact_id, role) DO NOTHING
		`, draftID, contactID, role); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace participants: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityEntry) (ActivityEntry, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO draft_activity_log (draft_id, actor_email, actor_name, action_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, entry.DraftID, entry.ActorEmail, entry.ActorName, entry.ActionType).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return ActivityEntry{}, fmt.Errorf("insert activity: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, draftID string) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, draft_id, actor_email, actor_name, action_type, created_at
		FROM draft_activity_log
		WHERE draft_id = $1
		ORDER BY created_at DESC, id DESC
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityEntry, 0)
	for rows.Next() {
		var item ActivityEntry
		if err := rows.Scan(&item.ID, &item.DraftID, &item.ActorEmail, &item.ActorName, &item.ActionType, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

const contactColumns = `id, first_name, last_name, hebrew_first_name, hebrew_last_name, email`

func scanContact(row rowScanner) (Contact, error) {
	var item Contact
	err := row.Scan(&item.ID, &item.FirstName, &item.LastName, &item.HebrewFirstName, &item.HebrewLastName, &item.Email)
	return item, err
}

func (s *PostgresStore) GetContactByEmail(ctx context.Context, email string) (Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email)))
	return scanContact(row)
}

// UpsertContact inserts item or updates the contact already registered
// under its email. The stored contact is returned with its id.
func (s *PostgresStore) UpsertContact(ctx context.Context, item Contact) (Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, first_name, last_name, hebrew_first_name, hebrew_last_name, email)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			hebrew_first_name = EXCLUDED.hebrew_first_name,
			hebrew_last_name = EXCLUDED.hebrew_last_name,
			updated_at = NOW()
		RETURNING `+contactColumns+`
	`, item.ID, item.FirstName, item.LastName, item.HebrewFirstName, item.HebrewLastName, strings.ToLower(strings.TrimSpace(item.Email)))
	stored, err := scanContact(row)
	if err != nil {
		return Contact{}, fmt.Errorf("upsert contact: %w", err)
	}
	return stored, nil
}

// SearchContacts matches q against english and hebrew names and email.
// An empty q lists contacts ordered by hebrew first name.
func (s *PostgresStore) SearchContacts(ctx context.Context, q string, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE $1 = ''
			OR first_name ILIKE '%' || $1 || '%'
			OR last_name ILIKE '%' || $1 || '%'
			OR hebrew_first_name ILIKE '%' || $1 || '%'
			OR hebrew_last_name ILIKE '%' || $1 || '%'
			OR email ILIKE '%' || $1 || '%'
		ORDER BY hebrew_first_name, id
		LIMIT $2
	`, strings.TrimSpace(q), limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()

	items := make([]Contact, 0)
	for rows.Next() {
		item, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveAuthSession(ctx context.Context, tokenHash string, user AuthUser, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (token_hash, email, name, hebrew_name, contact_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_hash) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			hebrew_name = EXCLUDED.hebrew_name,
			contact_id = EXCLUDED.contact_id,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL
	`, tokenHash, user.Email, user.Name, user.HebrewName, user.ContactID, expiresAt)
	if err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupAuthSession(ctx context.Context, tokenHash string) (AuthUser, error) {
	var user AuthUser
	err := s.db.QueryRowContext(ctx, `
		SELECT email, name, hebrew_name, contact_id
		FROM auth_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&user.Email, &user.Name, &user.HebrewName, &user.ContactID)
	if err != nil {
		return AuthUser{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAuthSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE auth_sessions SET revoked_at = NOW() WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke auth session: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
