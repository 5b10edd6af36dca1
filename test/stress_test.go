package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"caseflow/casefile"
	"caseflow/caseref"
	"caseflow/engagement"
	"caseflow/notify"
	"caseflow/test/actors"
	"caseflow/test/chaos"
	"caseflow/test/infra"
	"caseflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actor groups")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// TestCaseLifecycleConcurrency runs competing submitters, reviewers,
// schedulers, responders, and sentiment togglers against one database while
// invariant oracles poll for violations: duplicate references, orphaned
// invitations, drifting counters, wedged outbox rows.
func TestCaseLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	log := zerolog.Nop()
	engine := casefile.NewEngine(pool, casefile.NewStore(pool), caseref.NewGenerator(pool), notify.NewOutboxEmitter(pool), casefile.Config{}, log)
	sentiment := engagement.NewService(pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		ownerID := seedData.owners[i%len(seedData.owners)]
		g.Go(func() error { return actors.Submitter(ctx2, engine, ownerID, stop) })
		g.Go(func() error { return actors.Responder(ctx2, engine, pool, ownerID, stop) })
	}
	g.Go(func() error { return actors.Reviewer(ctx2, engine, pool, seedData.staffID, stop) })
	g.Go(func() error { return actors.Scheduler(ctx2, engine, pool, seedData.staffID, stop) })
	g.Go(func() error { return actors.Finisher(ctx2, engine, pool, seedData.staffID, stop) })
	g.Go(func() error { return actors.SentimentToggler(ctx2, sentiment, pool, stop) })

	// Drain the outbox concurrently so O8 exercises the dispatcher.
	dispCtx, dispCancel := context.WithCancel(ctx2)
	defer dispCancel()
	dispatcher := notify.NewDispatcher(pool, notify.LogSender{Log: log}, log).WithInterval(100 * time.Millisecond)
	go func() { _ = dispatcher.Run(dispCtx) }()

	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	dispCancel()
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	owners  []string
	staffID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	for i := 0; i < 4; i++ {
		id := uuid.NewString()
		if _, err := pool.Exec(ctx, `
			INSERT INTO users (id, email, full_name, password_hash, role, created_at, updated_at)
			VALUES ($1, $2, 'Stress Owner', 'x', 'citizen', now(), now())
		`, id, fmt.Sprintf("owner%d-%d@example.com", i, rand.Int63())); err != nil {
			t.Fatalf("seed owner: %v", err)
		}
		s.owners = append(s.owners, id)
	}
	s.staffID = uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO users (id, email, full_name, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, 'Stress Staff', 'x', 'staff', now(), now())
	`, s.staffID, fmt.Sprintf("staff-%d@example.com", rand.Int63())); err != nil {
		t.Fatalf("seed staff: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"cases", `SELECT id, case_ref, status, resolution, updated_at FROM cases ORDER BY updated_at DESC LIMIT 50`},
		{"case_status_history", `SELECT id, case_id, status, created_at FROM case_status_history ORDER BY id DESC LIMIT 50`},
		{"case_engagement", `SELECT case_id, likes, dislikes, views FROM case_engagement ORDER BY case_id LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			t.Logf("%v", vals)
		}
		rows.Close()
	}
}
