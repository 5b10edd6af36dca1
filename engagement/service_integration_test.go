package engagement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestToggle_Integration exercises the sentiment sets against a real
// PostgreSQL via DATABASE_URL, including idempotent re-application and the
// like/dislike exclusivity rule.
func TestToggle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'case_engagement')`,
	).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; apply migrations first")
	}

	caseID := seedPublicCase(ctx, t, pool, true)
	privateID := seedPublicCase(ctx, t, pool, false)
	svc := NewService(pool)

	totals, err := svc.Toggle(ctx, caseID, ActionLike, "u1")
	if err != nil {
		t.Fatalf("like: %v", err)
	}
	if totals.Likes != 1 || totals.Dislikes != 0 {
		t.Fatalf("after like: %+v", totals)
	}

	// Re-applying the same action is a no-op.
	totals, err = svc.Toggle(ctx, caseID, ActionLike, "u1")
	if err != nil {
		t.Fatalf("second like: %v", err)
	}
	if totals.Likes != 1 {
		t.Fatalf("expected like to stay at 1, got %+v", totals)
	}

	// Disliking moves the identifier across sets.
	totals, err = svc.Toggle(ctx, caseID, ActionDislike, "u1")
	if err != nil {
		t.Fatalf("dislike: %v", err)
	}
	if totals.Likes != 0 || totals.Dislikes != 1 {
		t.Fatalf("after dislike: %+v", totals)
	}

	totals, err = svc.Toggle(ctx, caseID, ActionUndislike, "u1")
	if err != nil {
		t.Fatalf("undislike: %v", err)
	}
	if totals.Likes != 0 || totals.Dislikes != 0 {
		t.Fatalf("after undislike: %+v", totals)
	}

	// Views count each identifier once and never decrease.
	for i := 0; i < 2; i++ {
		views, err := svc.RecordView(ctx, caseID, "viewer-1")
		if err != nil {
			t.Fatalf("record view: %v", err)
		}
		if views != 1 {
			t.Fatalf("expected 1 view, got %d", views)
		}
	}
	views, err := svc.RecordView(ctx, caseID, "viewer-2")
	if err != nil {
		t.Fatalf("record view: %v", err)
	}
	if views != 2 {
		t.Fatalf("expected 2 views, got %d", views)
	}

	if _, err := svc.Toggle(ctx, privateID, ActionLike, "u1"); !errors.Is(err, ErrNotPublic) {
		t.Fatalf("expected ErrNotPublic for private case, got %v", err)
	}
	if _, err := svc.Toggle(ctx, uuid.NewString(), ActionLike, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown case, got %v", err)
	}
	if _, err := svc.Toggle(ctx, caseID, "explode", "u1"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func seedPublicCase(ctx context.Context, t *testing.T, pool *pgxpool.Pool, public bool) string {
	t.Helper()
	id := uuid.NewString()
	ref := fmt.Sprintf("C-3999-%d", time.Now().UnixNano())
	_, err := pool.Exec(ctx, `
		INSERT INTO cases (id, case_ref, kind, status, title, description, category, is_public, created_at, updated_at)
		VALUES ($1, $2, 'dispute', 'ongoing', 'seed', 'seed', 'seed', $3, now(), now())
	`, id, ref, public)
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	_, err = pool.Exec(ctx, `INSERT INTO case_engagement (case_id) VALUES ($1)`, id)
	if err != nil {
		t.Fatalf("seed engagement row: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM cases WHERE id = $1`, id)
	})
	return id
}
