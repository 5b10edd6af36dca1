package casefile

import (
	"context"
	"fmt"

	"caseflow/caseref"
	"caseflow/notify"
)

// CreateParams carries the owner submission. AsDraft parks the case in Draft
// without required-field checks; otherwise it lands directly in
// PendingReview.
type CreateParams struct {
	Kind        Kind
	OwnerID     string
	Title       string
	Description string
	Category    string
	Goal        string
	IsPublic    bool
	AsDraft     bool
}

// Create issues a reference and persists the new case with its first history
// entry in one transaction. Creation is all-or-nothing: a failed reference
// increment aborts without a partial case record, and a reference collision
// at the case-record layer retries issuance a bounded number of times.
func (e *Engine) Create(ctx context.Context, params CreateParams) (Case, error) {
	if params.Kind != KindDispute && params.Kind != KindAidInitiative {
		return Case{}, validationf("unknown kind %q", params.Kind)
	}
	if params.OwnerID == "" {
		// Anonymous submission is allowed for aid initiatives only, and an
		// anonymous draft could never be finalized.
		if params.Kind != KindAidInitiative {
			return Case{}, validationf("owner required for dispute cases")
		}
		if params.AsDraft {
			return Case{}, validationf("anonymous submissions cannot be drafts")
		}
	}

	c := Case{
		ID:          e.idGen(),
		Kind:        params.Kind,
		Title:       params.Title,
		Description: params.Description,
		Category:    params.Category,
		Goal:        params.Goal,
		IsPublic:    params.IsPublic,
		Status:      StatusDraft,
	}
	if params.OwnerID != "" {
		owner := params.OwnerID
		c.OwnerID = &owner
	}
	if !params.AsDraft {
		if err := validateSubmittable(c); err != nil {
			return Case{}, err
		}
		c.Status = StatusPendingReview
	}

	year := e.now().Year()

	var created Case
	err := caseref.Retry(ctx, e.cfg.RefAttempts, e.cfg.RefBackoff, func() error {
		opCtx, cancel := e.opContext(ctx)
		defer cancel()

		ref, err := e.refs.Next(opCtx, year)
		if err != nil {
			return mapStoreErr(fmt.Errorf("casefile: issue reference: %w", err))
		}
		c.Ref = ref

		now := e.now()
		c.CreatedAt = now
		c.UpdatedAt = now
		entry := StatusEntry{Status: c.Status, CreatedAt: now}
		c.History = []StatusEntry{entry}

		tx, err := e.pool.Begin(opCtx)
		if err != nil {
			return mapStoreErr(fmt.Errorf("casefile: begin tx: %w", err))
		}
		defer tx.Rollback(opCtx)

		inserted, err := e.store.Insert(opCtx, tx, c, entry)
		if err != nil {
			return mapStoreErr(err)
		}
		if err := tx.Commit(opCtx); err != nil {
			return mapStoreErr(fmt.Errorf("casefile: commit create: %w", err))
		}
		created = inserted
		return nil
	})
	if err != nil {
		return Case{}, err
	}

	if created.Status == StatusPendingReview {
		e.emit(ctx, []notify.Event{{
			Topic:     "case.submitted",
			Recipient: "admins",
			Message:   fmt.Sprintf("case %s submitted for review", created.Ref),
			Link:      "/cases/" + created.ID,
		}})
	}
	return created, nil
}
