package casefile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"caseflow/notify"
)

// Config is the explicit engine configuration, owned by the process bootstrap.
type Config struct {
	// StoreTimeout bounds every store call; expiry surfaces as
	// ErrStoreUnavailable instead of hanging.
	StoreTimeout time.Duration
	// RefAttempts bounds reference re-issuance when creation hits a
	// uniqueness violation at the case-record layer.
	RefAttempts int
	// RefBackoff is the pause between reference re-issuance attempts.
	RefBackoff time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.RefAttempts <= 0 {
		cfg.RefAttempts = 3
	}
	if cfg.RefBackoff <= 0 {
		cfg.RefBackoff = 50 * time.Millisecond
	}
	return cfg
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RefIssuer hands out unique case references; consulted once per creation.
type RefIssuer interface {
	Next(ctx context.Context, year int) (string, error)
}

// Engine validates and applies every case command: creation, status
// transitions, the scheduling negotiation, notes, and deletion. It is safe
// for concurrent use; per-record consistency comes from row locks at the
// store, not in-process state.
type Engine struct {
	pool    TxBeginner
	store   Store
	refs    RefIssuer
	emitter notify.Emitter
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
	idGen   func() string
}

func NewEngine(pool TxBeginner, store Store, refs RefIssuer, emitter notify.Emitter, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		pool:    pool,
		store:   store,
		refs:    refs,
		emitter: emitter,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
		idGen:   func() string { return uuid.NewString() },
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// emit fans out events after commit. Failures are logged and swallowed; they
// never surface as command failures.
func (e *Engine) emit(ctx context.Context, events []notify.Event) {
	if e.emitter == nil {
		return
	}
	for _, ev := range events {
		if err := e.emitter.Emit(ctx, ev); err != nil {
			e.log.Warn().Err(err).Str("topic", ev.Topic).Msg("notification emit failed")
		}
	}
}

// transitionEffect is what a command application produces besides the mutated
// case: the history annotation, an optional note, and notifications.
type transitionEffect struct {
	historyNote *string
	note        *Note
	events      []notify.Event
}

// Transition validates the command against the current status and actor,
// applies it, appends the history entry, and emits notifications. Every
// failure leaves the record unchanged.
func (e *Engine) Transition(ctx context.Context, caseID string, cmd Command, actor Actor) (Case, error) {
	if caseID == "" {
		return Case{}, validationf("case id required")
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	tx, err := e.pool.Begin(opCtx)
	if err != nil {
		return Case{}, mapStoreErr(fmt.Errorf("casefile: begin tx: %w", err))
	}
	defer tx.Rollback(opCtx)

	c, err := e.store.GetForUpdate(opCtx, tx, caseID)
	if err != nil {
		return Case{}, mapStoreErr(err)
	}

	if err := checkActor(cmd, c, actor); err != nil {
		return Case{}, err
	}
	if !statusAllows(cmd, c.Status) {
		return Case{}, conflictf(cmd.name(), c.Status)
	}

	now := e.now()
	effect, err := e.apply(&c, cmd, actor, now)
	if err != nil {
		return Case{}, err
	}

	entry := StatusEntry{Status: c.Status, Note: effect.historyNote, CreatedAt: now}
	c.UpdatedAt = now
	c.History = append(c.History, entry)
	if effect.note != nil {
		c.Notes = append(c.Notes, *effect.note)
	}

	if err := e.store.ApplyTransition(opCtx, tx, c, entry, effect.note); err != nil {
		return Case{}, mapStoreErr(err)
	}
	if err := tx.Commit(opCtx); err != nil {
		return Case{}, mapStoreErr(fmt.Errorf("casefile: commit transition: %w", err))
	}

	e.emit(ctx, effect.events)
	return c, nil
}

func (e *Engine) apply(c *Case, cmd Command, actor Actor, now time.Time) (transitionEffect, error) {
	switch cmd := cmd.(type) {
	case Submit:
		if err := validateSubmittable(*c); err != nil {
			return transitionEffect{}, err
		}
		c.Status = StatusPendingReview
		return transitionEffect{
			events: adminEvents(*c, "case.submitted", fmt.Sprintf("case %s submitted for review", c.Ref)),
		}, nil

	case Approve:
		c.Status = StatusApprovedForScheduling
		return transitionEffect{
			events: ownerEvents(*c, "case.approved", fmt.Sprintf("case %s approved for scheduling", c.Ref)),
		}, nil

	case Reject:
		if strings.TrimSpace(cmd.Note) == "" {
			return transitionEffect{}, validationf("rejection note required")
		}
		c.Status = StatusRejected
		c.Invitation = nil
		note := &Note{
			ID:         e.idGen(),
			Content:    cmd.Note,
			AuthorID:   actor.ID,
			Visibility: VisibilityOwnerVisible,
			CreatedAt:  now,
		}
		return transitionEffect{
			historyNote: ptr(cmd.Note),
			note:        note,
			events:      ownerEvents(*c, "case.rejected", fmt.Sprintf("case %s was rejected", c.Ref)),
		}, nil

	case Resubmit:
		cmd.Patch.apply(c)
		if err := validateSubmittable(*c); err != nil {
			return transitionEffect{}, err
		}
		c.Status = StatusPendingReview
		return transitionEffect{
			historyNote: ptr("resubmitted after rejection"),
			events:      adminEvents(*c, "case.resubmitted", fmt.Sprintf("case %s resubmitted after rejection", c.Ref)),
		}, nil

	case Invite:
		if strings.TrimSpace(cmd.Date) == "" || strings.TrimSpace(cmd.Time) == "" || strings.TrimSpace(cmd.Location) == "" {
			return transitionEffect{}, validationf("invitation requires date, time, and location")
		}
		// A fresh invite replaces the document wholesale, discarding any
		// outstanding owner proposal.
		c.Invitation = &Invitation{Date: cmd.Date, Time: cmd.Time, Location: cmd.Location}
		c.Status = StatusApprovedForScheduling
		return transitionEffect{
			historyNote: ptr(fmt.Sprintf("meeting proposed for %s %s", cmd.Date, cmd.Time)),
			events:      ownerEvents(*c, "case.invited", fmt.Sprintf("meeting proposed for case %s", c.Ref)),
		}, nil

	case Revert:
		c.Status = StatusPendingReview
		c.Invitation = nil
		return transitionEffect{
			events: ownerEvents(*c, "case.reverted", fmt.Sprintf("case %s returned to review", c.Ref)),
		}, nil

	case RespondToInvitation:
		if c.Invitation == nil {
			return transitionEffect{}, conflictf(cmd.name(), c.Status)
		}
		if c.Invitation.UserResponse != nil {
			// One outstanding proposal at a time; the admin must resolve it
			// before the owner responds again.
			return transitionEffect{}, fmt.Errorf("%w: a proposal is already awaiting admin resolution", ErrConflictingState)
		}
		switch cmd.Response {
		case ResponseAccepted:
			c.Status = StatusOngoing
			return transitionEffect{
				historyNote: ptr("meeting accepted by owner"),
				events:      adminEvents(*c, "case.invitation_accepted", fmt.Sprintf("owner accepted the meeting for case %s", c.Ref)),
			}, nil
		case ResponseRejected:
			if strings.TrimSpace(cmd.ProposedDate) == "" || strings.TrimSpace(cmd.ProposedTime) == "" {
				return transitionEffect{}, validationf("a rejection must carry a proposed date and time")
			}
			inv := *c.Invitation
			inv.UserResponse = &UserResponse{
				Status:       ResponseRejected,
				ProposedDate: cmd.ProposedDate,
				ProposedTime: cmd.ProposedTime,
				Reason:       cmd.Reason,
			}
			c.Invitation = &inv
			return transitionEffect{
				historyNote: ptr(fmt.Sprintf("owner proposed %s %s instead", cmd.ProposedDate, cmd.ProposedTime)),
				events:      adminEvents(*c, "case.invitation_rejected", fmt.Sprintf("owner proposed a new time for case %s", c.Ref)),
			}, nil
		default:
			return transitionEffect{}, validationf("invalid response %q", cmd.Response)
		}

	case RespondToProposal:
		if c.Invitation == nil || c.Invitation.UserResponse == nil {
			return transitionEffect{}, fmt.Errorf("%w: no owner proposal to resolve", ErrConflictingState)
		}
		resp := c.Invitation.UserResponse
		switch cmd.Response {
		case ResponseAccepted:
			inv := *c.Invitation
			inv.Date = resp.ProposedDate
			inv.Time = resp.ProposedTime
			inv.UserResponse = nil
			c.Invitation = &inv
			c.Status = StatusOngoing
			return transitionEffect{
				historyNote: ptr(fmt.Sprintf("meeting rescheduled to %s %s", inv.Date, inv.Time)),
				events:      ownerEvents(*c, "case.proposal_accepted", fmt.Sprintf("your proposed time for case %s was accepted", c.Ref)),
			}, nil
		case ResponseRejected:
			inv := *c.Invitation
			inv.UserResponse = nil
			c.Invitation = &inv
			var note *string
			if strings.TrimSpace(cmd.Message) != "" {
				note = ptr(cmd.Message)
			}
			return transitionEffect{
				historyNote: note,
				events:      ownerEvents(*c, "case.proposal_rejected", fmt.Sprintf("your proposed time for case %s was declined", c.Ref)),
			}, nil
		default:
			return transitionEffect{}, validationf("invalid response %q", cmd.Response)
		}

	case Activate:
		c.Status = StatusCaseActive
		c.Invitation = nil
		return transitionEffect{
			historyNote: ptr("meeting held, case in active handling"),
			events:      ownerEvents(*c, "case.active", fmt.Sprintf("case %s is now in active handling", c.Ref)),
		}, nil

	case Close:
		if !validResolution(cmd.Resolution) {
			return transitionEffect{}, validationf("invalid resolution %q", cmd.Resolution)
		}
		res := cmd.Resolution
		c.Status = StatusClosed
		c.Resolution = &res
		c.Invitation = nil
		return transitionEffect{
			historyNote: ptr(fmt.Sprintf("closed: %s", res)),
			events:      ownerEvents(*c, "case.closed", fmt.Sprintf("case %s was closed (%s)", c.Ref, res)),
		}, nil

	default:
		return transitionEffect{}, fmt.Errorf("casefile: unknown command %T", cmd)
	}
}

func ownerEvents(c Case, topic, message string) []notify.Event {
	if c.OwnerID == nil {
		return nil
	}
	return []notify.Event{{
		Topic:     topic,
		Recipient: "owner:" + *c.OwnerID,
		Message:   message,
		Link:      "/cases/" + c.ID,
	}}
}

func adminEvents(c Case, topic, message string) []notify.Event {
	return []notify.Event{{
		Topic:     topic,
		Recipient: "admins",
		Message:   message,
		Link:      "/cases/" + c.ID,
	}}
}

func ptr(s string) *string { return &s }
