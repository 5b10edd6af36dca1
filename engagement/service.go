package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action is an idempotent sentiment toggle on a publicly visible case.
type Action string

const (
	ActionLike      Action = "like"
	ActionUnlike    Action = "unlike"
	ActionDislike   Action = "dislike"
	ActionUndislike Action = "undislike"
)

func validAction(a Action) bool {
	switch a {
	case ActionLike, ActionUnlike, ActionDislike, ActionUndislike:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound      = errors.New("engagement: case not found")
	ErrNotPublic     = errors.New("engagement: case is not public")
	ErrInvalidAction = errors.New("engagement: invalid action")
	// ErrStoreUnavailable signals a transient storage failure. Callers may
	// retry with backoff.
	ErrStoreUnavailable = errors.New("engagement: store unavailable")
)

// mapStoreErr folds timeouts and connection-level failures into
// ErrStoreUnavailable so a hung store surfaces as a bounded, retryable error.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. Class 57: operator intervention,
		// e.g. an admin terminating the backend.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}

// Totals are the recomputed sentiment counts after a mutation.
type Totals struct {
	Likes    int
	Dislikes int
}

// Service mutates the engagement counters of publicly visible cases. An
// identifier lives in at most one of the liked/disliked sets; counts are
// always recomputed from set cardinality, never incremented independently.
type Service struct {
	pool         *pgxpool.Pool
	storeTimeout time.Duration
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool, storeTimeout: 5 * time.Second}
}

func (s *Service) WithStoreTimeout(d time.Duration) *Service {
	if d > 0 {
		s.storeTimeout = d
	}
	return s
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// Toggle applies a sentiment action for the identifier and returns the fresh
// totals. Re-applying the same action is a no-op.
func (s *Service) Toggle(ctx context.Context, caseID string, action Action, identifier string) (Totals, error) {
	if !validAction(action) {
		return Totals{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if identifier == "" {
		return Totals{}, fmt.Errorf("engagement: identifier required")
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(opCtx)
	if err != nil {
		return Totals{}, mapStoreErr(fmt.Errorf("engagement: begin tx: %w", err))
	}
	defer tx.Rollback(opCtx)

	if err := s.guardPublic(opCtx, tx, caseID); err != nil {
		return Totals{}, err
	}

	// Like removes the identifier from the disliked set (and vice versa) so
	// it can never appear in both.
	const mutate = `
		UPDATE case_engagement SET
			liked_by = CASE
				WHEN $2 = 'like' AND NOT ($3 = ANY(liked_by)) THEN array_append(liked_by, $3)
				WHEN $2 IN ('unlike', 'dislike') THEN array_remove(liked_by, $3)
				ELSE liked_by END,
			disliked_by = CASE
				WHEN $2 = 'dislike' AND NOT ($3 = ANY(disliked_by)) THEN array_append(disliked_by, $3)
				WHEN $2 IN ('undislike', 'like') THEN array_remove(disliked_by, $3)
				ELSE disliked_by END
		WHERE case_id = $1
	`
	if _, err := tx.Exec(opCtx, mutate, caseID, action, identifier); err != nil {
		return Totals{}, mapStoreErr(fmt.Errorf("engagement: apply %s: %w", action, err))
	}

	var totals Totals
	const recount = `
		UPDATE case_engagement
		SET likes = cardinality(liked_by), dislikes = cardinality(disliked_by)
		WHERE case_id = $1
		RETURNING likes, dislikes
	`
	if err := tx.QueryRow(opCtx, recount, caseID).Scan(&totals.Likes, &totals.Dislikes); err != nil {
		return Totals{}, mapStoreErr(fmt.Errorf("engagement: recount: %w", err))
	}

	if err := tx.Commit(opCtx); err != nil {
		return Totals{}, mapStoreErr(fmt.Errorf("engagement: commit: %w", err))
	}
	return totals, nil
}

// RecordView counts a view once per identifier. Views are monotonic; there is
// no un-view.
func (s *Service) RecordView(ctx context.Context, caseID, identifier string) (int, error) {
	if identifier == "" {
		return 0, fmt.Errorf("engagement: identifier required")
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(opCtx)
	if err != nil {
		return 0, mapStoreErr(fmt.Errorf("engagement: begin tx: %w", err))
	}
	defer tx.Rollback(opCtx)

	if err := s.guardPublic(opCtx, tx, caseID); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(opCtx, `
		UPDATE case_engagement
		SET viewed_by = array_append(viewed_by, $2)
		WHERE case_id = $1 AND NOT ($2 = ANY(viewed_by))
	`, caseID, identifier); err != nil {
		return 0, mapStoreErr(fmt.Errorf("engagement: record view: %w", err))
	}

	var views int
	if err := tx.QueryRow(opCtx, `
		UPDATE case_engagement
		SET views = cardinality(viewed_by)
		WHERE case_id = $1
		RETURNING views
	`, caseID).Scan(&views); err != nil {
		return 0, mapStoreErr(fmt.Errorf("engagement: recount views: %w", err))
	}

	if err := tx.Commit(opCtx); err != nil {
		return 0, mapStoreErr(fmt.Errorf("engagement: commit view: %w", err))
	}
	return views, nil
}

// Totals reads the current counters without mutating them.
func (s *Service) Totals(ctx context.Context, caseID string) (Totals, int, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		totals Totals
		views  int
	)
	err := s.pool.QueryRow(opCtx, `
		SELECT likes, dislikes, views FROM case_engagement WHERE case_id = $1
	`, caseID).Scan(&totals.Likes, &totals.Dislikes, &views)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Totals{}, 0, ErrNotFound
		}
		return Totals{}, 0, mapStoreErr(fmt.Errorf("engagement: read totals: %w", err))
	}
	return totals, views, nil
}

func (s *Service) guardPublic(ctx context.Context, tx pgx.Tx, caseID string) error {
	var isPublic bool
	err := tx.QueryRow(ctx, `SELECT is_public FROM cases WHERE id = $1 FOR UPDATE`, caseID).Scan(&isPublic)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return mapStoreErr(fmt.Errorf("engagement: check case: %w", err))
	}
	if !isPublic {
		return ErrNotPublic
	}
	return nil
}
