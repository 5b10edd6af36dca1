package casefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"caseflow/caseref"
)

// Store defines the data access the engine requires. Mutating methods take
// the engine's transaction so a command's writes commit or roll back as one.
type Store interface {
	Get(ctx context.Context, id string) (Case, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error)
	Insert(ctx context.Context, tx pgx.Tx, c Case, entry StatusEntry) (Case, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, c Case, entry StatusEntry, note *Note) error
	UpdateFields(ctx context.Context, tx pgx.Tx, c Case) error
	AppendNote(ctx context.Context, tx pgx.Tx, caseID string, note Note, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filters Filters) ([]Case, int, error)
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const caseColumns = `id, case_ref, kind, owner_id, status, title, description, category, goal, is_public, resolution, invitation, created_at, updated_at`

func (s *PGStore) Get(ctx context.Context, id string) (Case, error) {
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE id = $1`, caseColumns)
	c, err := scanCase(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("casefile: get case: %w", err)
	}
	if err := s.loadChildren(ctx, s.pool, &c); err != nil {
		return Case{}, err
	}
	return c, nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE id = $1 FOR UPDATE`, caseColumns)
	c, err := scanCase(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("casefile: get case for update: %w", err)
	}
	if err := s.loadChildren(ctx, tx, &c); err != nil {
		return Case{}, err
	}
	return c, nil
}

// Insert writes the case row, its first history entry, and the engagement
// shadow row. A duplicate case_ref surfaces as caseref.ErrReferenceCollision
// so creation can retry reference issuance.
func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, c Case, entry StatusEntry) (Case, error) {
	const query = `
		INSERT INTO cases (id, case_ref, kind, owner_id, status, title, description, category, goal, is_public, resolution, invitation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := tx.Exec(ctx, query,
		c.ID, c.Ref, c.Kind, c.OwnerID, c.Status,
		c.Title, c.Description, c.Category, c.Goal, c.IsPublic,
		c.Resolution, invitationJSON(c.Invitation), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "cases_case_ref_key" {
			return Case{}, caseref.ErrReferenceCollision
		}
		return Case{}, fmt.Errorf("casefile: insert case: %w", err)
	}

	if err := insertHistory(ctx, tx, c.ID, entry); err != nil {
		return Case{}, err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO case_engagement (case_id) VALUES ($1)`, c.ID); err != nil {
		return Case{}, fmt.Errorf("casefile: insert engagement row: %w", err)
	}

	return c, nil
}

// ApplyTransition persists the full mutable state of the case, appends the
// history entry, and optionally inserts a note produced by the command, all
// inside the caller's transaction.
func (s *PGStore) ApplyTransition(ctx context.Context, tx pgx.Tx, c Case, entry StatusEntry, note *Note) error {
	const query = `
		UPDATE cases
		SET status = $2,
		    title = $3,
		    description = $4,
		    category = $5,
		    goal = $6,
		    is_public = $7,
		    resolution = $8,
		    invitation = $9,
		    updated_at = $10
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		c.ID, c.Status, c.Title, c.Description, c.Category, c.Goal, c.IsPublic,
		c.Resolution, invitationJSON(c.Invitation), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("casefile: update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := insertHistory(ctx, tx, c.ID, entry); err != nil {
		return err
	}

	if note != nil {
		if err := s.AppendNote(ctx, tx, c.ID, *note, c.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) UpdateFields(ctx context.Context, tx pgx.Tx, c Case) error {
	const query = `
		UPDATE cases
		SET title = $2, description = $3, category = $4, goal = $5, is_public = $6, updated_at = $7
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query, c.ID, c.Title, c.Description, c.Category, c.Goal, c.IsPublic, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("casefile: update fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) AppendNote(ctx context.Context, tx pgx.Tx, caseID string, note Note, updatedAt time.Time) error {
	const query = `
		INSERT INTO case_notes (id, case_id, content, author_id, visibility, created_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6)
	`
	if _, err := tx.Exec(ctx, query, note.ID, caseID, note.Content, note.AuthorID, note.Visibility, note.CreatedAt); err != nil {
		return fmt.Errorf("casefile: insert note: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE cases SET updated_at = $2 WHERE id = $1`, caseID, updatedAt); err != nil {
		return fmt.Errorf("casefile: touch case: %w", err)
	}
	return nil
}

// Delete removes the record and its dependent history, notes, and engagement
// data (cascade).
func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("casefile: delete case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, filters Filters) ([]Case, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := "1=1"
	args := []any{}
	if filters.OwnerID != "" {
		args = append(args, filters.OwnerID)
		where += fmt.Sprintf(" AND owner_id=$%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status=$%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		caseColumns, where, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("casefile: list cases: %w", err)
	}
	defer rows.Close()

	list := []Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("casefile: scan case: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("casefile: iterate cases: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM cases WHERE %s`, where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("casefile: count cases: %w", err)
	}

	return list, total, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PGStore) loadChildren(ctx context.Context, q querier, c *Case) error {
	rows, err := q.Query(ctx, `
		SELECT status, note, created_at
		FROM case_status_history
		WHERE case_id = $1
		ORDER BY id
	`, c.ID)
	if err != nil {
		return fmt.Errorf("casefile: load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e StatusEntry
		if err := rows.Scan(&e.Status, &e.Note, &e.CreatedAt); err != nil {
			return fmt.Errorf("casefile: scan history: %w", err)
		}
		c.History = append(c.History, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("casefile: iterate history: %w", err)
	}
	rows.Close()

	noteRows, err := q.Query(ctx, `
		SELECT id, content, COALESCE(author_id::text, ''), visibility, created_at
		FROM case_notes
		WHERE case_id = $1
		ORDER BY created_at, id
	`, c.ID)
	if err != nil {
		return fmt.Errorf("casefile: load notes: %w", err)
	}
	defer noteRows.Close()
	for noteRows.Next() {
		var n Note
		if err := noteRows.Scan(&n.ID, &n.Content, &n.AuthorID, &n.Visibility, &n.CreatedAt); err != nil {
			return fmt.Errorf("casefile: scan note: %w", err)
		}
		c.Notes = append(c.Notes, n)
	}
	if err := noteRows.Err(); err != nil {
		return fmt.Errorf("casefile: iterate notes: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, caseID string, entry StatusEntry) error {
	const query = `
		INSERT INTO case_status_history (case_id, status, note, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, query, caseID, entry.Status, entry.Note, entry.CreatedAt); err != nil {
		return fmt.Errorf("casefile: insert history entry: %w", err)
	}
	return nil
}

func scanCase(row pgx.Row) (Case, error) {
	var (
		c       Case
		invJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.Ref, &c.Kind, &c.OwnerID, &c.Status,
		&c.Title, &c.Description, &c.Category, &c.Goal, &c.IsPublic,
		&c.Resolution, &invJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Case{}, err
	}
	if len(invJSON) > 0 {
		var inv Invitation
		if err := json.Unmarshal(invJSON, &inv); err != nil {
			return Case{}, fmt.Errorf("casefile: decode invitation: %w", err)
		}
		c.Invitation = &inv
	}
	return c, nil
}

func invitationJSON(inv *Invitation) []byte {
	if inv == nil {
		return nil
	}
	b, err := json.Marshal(inv)
	if err != nil {
		panic(err)
	}
	return b
}
