package casefile

import (
	"context"
	"fmt"
	"strings"
)

// Get returns the case with notes redacted for the actor: non-admins never
// see admin-only notes.
func (e *Engine) Get(ctx context.Context, caseID string, actor Actor) (Case, error) {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	c, err := e.store.Get(opCtx, caseID)
	if err != nil {
		return Case{}, mapStoreErr(err)
	}
	if !isAdminRole(actor.Role) && !c.IsPublic && !c.ownedBy(actor.ID) {
		return Case{}, ErrForbidden
	}
	return redactFor(c, actor), nil
}

func (e *Engine) List(ctx context.Context, filters Filters, actor Actor) ([]Case, int, error) {
	if !isAdminRole(actor.Role) {
		// Non-admins only ever list their own cases.
		filters.OwnerID = actor.ID
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	list, total, err := e.store.List(opCtx, filters)
	if err != nil {
		return nil, 0, mapStoreErr(err)
	}
	return list, total, nil
}

// UpdateFields applies owner edits to the narrative/category fields. Permitted
// only in Draft, PendingReview, and Rejected; editing a rejected case
// additionally resubmits it for review.
func (e *Engine) UpdateFields(ctx context.Context, caseID string, patch FieldPatch, actor Actor) (Case, error) {
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
	if !c.ownedBy(actor.ID) {
		return Case{}, ErrForbidden
	}

	switch c.Status {
	case StatusDraft, StatusPendingReview:
		patch.apply(&c)
		c.UpdatedAt = e.now()
		if err := e.store.UpdateFields(opCtx, tx, c); err != nil {
			return Case{}, mapStoreErr(err)
		}
		if err := tx.Commit(opCtx); err != nil {
			return Case{}, mapStoreErr(fmt.Errorf("casefile: commit edit: %w", err))
		}
		return c, nil
	case StatusRejected:
		now := e.now()
		effect, err := e.apply(&c, Resubmit{Patch: patch}, actor, now)
		if err != nil {
			return Case{}, err
		}
		entry := StatusEntry{Status: c.Status, Note: effect.historyNote, CreatedAt: now}
		c.UpdatedAt = now
		c.History = append(c.History, entry)
		if err := e.store.ApplyTransition(opCtx, tx, c, entry, nil); err != nil {
			return Case{}, mapStoreErr(err)
		}
		if err := tx.Commit(opCtx); err != nil {
			return Case{}, mapStoreErr(fmt.Errorf("casefile: commit resubmit: %w", err))
		}
		e.emit(ctx, effect.events)
		return c, nil
	default:
		return Case{}, conflictf("edit", c.Status)
	}
}

// AddNote appends a note. Owner-authored notes are always admin-only; only an
// admin may mark a note owner-visible.
func (e *Engine) AddNote(ctx context.Context, caseID, content string, visibility Visibility, actor Actor) (Case, error) {
	if strings.TrimSpace(content) == "" {
		return Case{}, validationf("note content required")
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
	if !isAdminRole(actor.Role) && !c.ownedBy(actor.ID) {
		return Case{}, ErrForbidden
	}

	vis := VisibilityAdminOnly
	if visibility == VisibilityOwnerVisible && isAdminRole(actor.Role) {
		vis = VisibilityOwnerVisible
	}

	now := e.now()
	note := Note{
		ID:         e.idGen(),
		Content:    content,
		AuthorID:   actor.ID,
		Visibility: vis,
		CreatedAt:  now,
	}

	if err := e.store.AppendNote(opCtx, tx, c.ID, note, now); err != nil {
		return Case{}, mapStoreErr(err)
	}
	if err := tx.Commit(opCtx); err != nil {
		return Case{}, mapStoreErr(fmt.Errorf("casefile: commit note: %w", err))
	}

	c.Notes = append(c.Notes, note)
	c.UpdatedAt = now

	if vis == VisibilityOwnerVisible {
		e.emit(ctx, ownerEvents(c, "case.note_added", fmt.Sprintf("new note on case %s", c.Ref)))
	}
	return c, nil
}

// Delete removes the case unconditionally, whatever its status: owners may
// delete their own cases, admins any case. Dependent history, notes, and
// engagement data go with it.
func (e *Engine) Delete(ctx context.Context, caseID string, actor Actor) error {
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	c, err := e.store.Get(opCtx, caseID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !isAdminRole(actor.Role) && !c.ownedBy(actor.ID) {
		return ErrForbidden
	}
	if err := e.store.Delete(opCtx, caseID); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

func redactFor(c Case, actor Actor) Case {
	if isAdminRole(actor.Role) {
		return c
	}
	visible := make([]Note, 0, len(c.Notes))
	for _, n := range c.Notes {
		if n.Visibility == VisibilityOwnerVisible {
			visible = append(visible, n)
		}
	}
	c.Notes = visible
	return c
}
