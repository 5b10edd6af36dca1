package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"caseflow/casefile"
	"caseflow/engagement"
)

// The actors drive the public engine API, not raw SQL, so every invariant the
// oracles check is produced by the same code paths production traffic takes.
// Commands racing each other are expected to fail with conflicts; only
// unexpected error classes abort the run.

func commandRejected(err error) bool {
	return errors.Is(err, casefile.ErrConflictingState) ||
		errors.Is(err, casefile.ErrValidation) ||
		errors.Is(err, casefile.ErrForbidden) ||
		errors.Is(err, casefile.ErrNotFound) ||
		errors.Is(err, casefile.ErrStoreUnavailable)
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// Submitter creates cases of both kinds, some as drafts it immediately
// submits, hammering the reference generator.
func Submitter(ctx context.Context, engine *casefile.Engine, ownerID string, stop <-chan struct{}) error {
	owner := casefile.Actor{ID: ownerID, Role: "citizen"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		params := casefile.CreateParams{
			OwnerID:     ownerID,
			Title:       fmt.Sprintf("stress case %d", rand.Int63()),
			Description: "generated under concurrent load",
			IsPublic:    rand.Intn(2) == 0,
			AsDraft:     rand.Intn(4) == 0,
		}
		if rand.Intn(2) == 0 {
			params.Kind = casefile.KindDispute
			params.Category = "property"
		} else {
			params.Kind = casefile.KindAidInitiative
			params.Goal = "community goal"
		}

		c, err := engine.Create(ctx, params)
		if err != nil && !commandRejected(err) {
			return fmt.Errorf("submitter create: %w", err)
		}
		if err == nil && c.Status == casefile.StatusDraft {
			if _, err := engine.Transition(ctx, c.ID, casefile.Submit{}, owner); err != nil && !commandRejected(err) {
				return fmt.Errorf("submitter submit: %w", err)
			}
		}
		pause(10, 20)
	}
}

// Reviewer approves or rejects whatever is pending review.
func Reviewer(ctx context.Context, engine *casefile.Engine, pool *pgxpool.Pool, staffID string, stop <-chan struct{}) error {
	staff := casefile.Actor{ID: staffID, Role: "staff"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomCase(ctx, pool, casefile.StatusPendingReview, "")
		if err != nil {
			return err
		}
		if id != "" {
			var cmd casefile.Command = casefile.Approve{}
			if rand.Intn(3) == 0 {
				cmd = casefile.Reject{Note: "insufficient detail, please revise"}
			}
			if _, err := engine.Transition(ctx, id, cmd, staff); err != nil && !commandRejected(err) {
				return fmt.Errorf("reviewer: %w", err)
			}
		}
		pause(15, 30)
	}
}

// Scheduler sends invitations and resolves owner proposals on cases approved
// for scheduling.
func Scheduler(ctx context.Context, engine *casefile.Engine, pool *pgxpool.Pool, staffID string, stop <-chan struct{}) error {
	staff := casefile.Actor{ID: staffID, Role: "staff"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomCase(ctx, pool, casefile.StatusApprovedForScheduling, "")
		if err != nil {
			return err
		}
		if id != "" {
			var cmd casefile.Command
			switch rand.Intn(3) {
			case 0:
				cmd = casefile.Invite{Date: "2026-09-01", Time: "10:00", Location: "Town hall"}
			case 1:
				cmd = casefile.RespondToProposal{Response: casefile.ResponseAccepted}
			default:
				cmd = casefile.RespondToProposal{Response: casefile.ResponseRejected, Message: "slot unavailable"}
			}
			if _, err := engine.Transition(ctx, id, cmd, staff); err != nil && !commandRejected(err) {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
		pause(15, 30)
	}
}

// Responder plays the owner side of the scheduling negotiation for the cases
// it owns.
func Responder(ctx context.Context, engine *casefile.Engine, pool *pgxpool.Pool, ownerID string, stop <-chan struct{}) error {
	owner := casefile.Actor{ID: ownerID, Role: "citizen"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomCase(ctx, pool, casefile.StatusApprovedForScheduling, ownerID)
		if err != nil {
			return err
		}
		if id != "" {
			var cmd casefile.Command = casefile.RespondToInvitation{Response: casefile.ResponseAccepted}
			if rand.Intn(2) == 0 {
				cmd = casefile.RespondToInvitation{
					Response:     casefile.ResponseRejected,
					ProposedDate: "2026-09-05",
					ProposedTime: "14:00",
					Reason:       "unavailable that day",
				}
			}
			if _, err := engine.Transition(ctx, id, cmd, owner); err != nil && !commandRejected(err) {
				return fmt.Errorf("responder: %w", err)
			}
		}
		pause(20, 40)
	}
}

// Finisher activates ongoing cases and closes whatever has run its course.
func Finisher(ctx context.Context, engine *casefile.Engine, pool *pgxpool.Pool, staffID string, stop <-chan struct{}) error {
	staff := casefile.Actor{ID: staffID, Role: "staff"}
	resolutions := []casefile.Resolution{
		casefile.ResolutionSuccess,
		casefile.ResolutionUnresolved,
		casefile.ResolutionCancelled,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomCase(ctx, pool, casefile.StatusOngoing, "")
		if err != nil {
			return err
		}
		if id != "" {
			var cmd casefile.Command = casefile.Activate{}
			if rand.Intn(2) == 0 {
				cmd = casefile.Close{Resolution: resolutions[rand.Intn(len(resolutions))]}
			}
			if _, err := engine.Transition(ctx, id, cmd, staff); err != nil && !commandRejected(err) {
				return fmt.Errorf("finisher: %w", err)
			}
		}
		pause(25, 50)
	}
}

// SentimentToggler flips likes and dislikes on random public cases from a set
// of synthetic identities.
func SentimentToggler(ctx context.Context, svc *engagement.Service, pool *pgxpool.Pool, stop <-chan struct{}) error {
	actions := []engagement.Action{
		engagement.ActionLike,
		engagement.ActionUnlike,
		engagement.ActionDislike,
		engagement.ActionUndislike,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, err := randomPublicCase(ctx, pool)
		if err != nil {
			return err
		}
		if id != "" {
			identifier := fmt.Sprintf("stress-user-%d", rand.Intn(10))
			action := actions[rand.Intn(len(actions))]
			if _, err := svc.Toggle(ctx, id, action, identifier); err != nil && errors.Is(err, engagement.ErrInvalidAction) {
				return fmt.Errorf("sentiment toggle: %w", err)
			}
			if rand.Intn(2) == 0 {
				// Severed backends surface here under chaos; the next round
				// retries with a fresh connection.
				_, _ = svc.RecordView(ctx, id, identifier)
			}
		}
		pause(10, 25)
	}
}

func randomCase(ctx context.Context, pool *pgxpool.Pool, status casefile.Status, ownerID string) (string, error) {
	query := `SELECT id FROM cases WHERE status = $1 ORDER BY random() LIMIT 1`
	args := []any{status}
	if ownerID != "" {
		query = `SELECT id FROM cases WHERE status = $1 AND owner_id = $2 ORDER BY random() LIMIT 1`
		args = append(args, ownerID)
	}
	var id string
	err := pool.QueryRow(ctx, query, args...).Scan(&id)
	if err != nil {
		// Transient pick failures (no rows, severed backend) just mean no work
		// this round.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", nil
	}
	return id, nil
}

func randomPublicCase(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var id string
	if err := pool.QueryRow(ctx, `SELECT id FROM cases WHERE is_public ORDER BY random() LIMIT 1`).Scan(&id); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", nil
	}
	return id, nil
}
