package casefile

import (
	"time"

	"caseflow/auth"
)

// Kind distinguishes the two submission flavours. It is immutable after
// creation and governs which optional fields are mandatory.
type Kind string

const (
	KindDispute       Kind = "dispute"
	KindAidInitiative Kind = "aid_initiative"
)

// Status drives all permission and transition logic.
type Status string

const (
	StatusDraft                 Status = "draft"
	StatusPendingReview         Status = "pending_review"
	StatusApprovedForScheduling Status = "approved_for_scheduling"
	StatusOngoing               Status = "ongoing"
	StatusRejected              Status = "rejected"
	StatusCaseActive            Status = "case_active"
	StatusClosed                Status = "closed"
)

// Resolution is set exactly once, when a case is closed.
type Resolution string

const (
	ResolutionSuccess    Resolution = "resolved_successfully"
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionCancelled  Resolution = "cancelled_by_user"
)

func validResolution(r Resolution) bool {
	switch r {
	case ResolutionSuccess, ResolutionUnresolved, ResolutionCancelled:
		return true
	default:
		return false
	}
}

type Visibility string

const (
	VisibilityAdminOnly    Visibility = "admin_only"
	VisibilityOwnerVisible Visibility = "owner_visible"
)

type ResponseStatus string

const (
	ResponseAccepted ResponseStatus = "accepted"
	ResponseRejected ResponseStatus = "rejected"
)

// UserResponse is the owner's outstanding answer to an invitation. At most one
// exists at a time; it is cleared when the admin resolves the proposal.
type UserResponse struct {
	Status       ResponseStatus `json:"status"`
	ProposedDate string         `json:"proposed_date,omitempty"`
	ProposedTime string         `json:"proposed_time,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Invitation is the admin-proposed meeting attached to a case under
// scheduling. It is persisted as a single document so it is cleared or
// replaced wholesale, never partially written.
type Invitation struct {
	Date         string        `json:"date"`
	Time         string        `json:"time"`
	Location     string        `json:"location"`
	UserResponse *UserResponse `json:"user_response,omitempty"`
}

// StatusEntry is one row of the append-only audit trail. The last entry's
// status always equals the case's current status.
type StatusEntry struct {
	Status    Status
	Note      *string
	CreatedAt time.Time
}

type Note struct {
	ID         string
	Content    string
	AuthorID   string
	Visibility Visibility
	CreatedAt  time.Time
}

// Case is the central entity tracked from submission to closure.
type Case struct {
	ID          string
	Ref         string
	Kind        Kind
	OwnerID     *string
	Status      Status
	Title       string
	Description string
	Category    string
	Goal        string
	IsPublic    bool
	Resolution  *Resolution
	Invitation  *Invitation
	History     []StatusEntry
	Notes       []Note
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c *Case) ownedBy(actorID string) bool {
	return actorID != "" && c.OwnerID != nil && *c.OwnerID == actorID
}

// FieldPatch carries the owner-editable narrative/category fields. Nil fields
// are left untouched.
type FieldPatch struct {
	Title       *string
	Description *string
	Category    *string
	Goal        *string
	IsPublic    *bool
}

func (p FieldPatch) apply(c *Case) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Category != nil {
		c.Category = *p.Category
	}
	if p.Goal != nil {
		c.Goal = *p.Goal
	}
	if p.IsPublic != nil {
		c.IsPublic = *p.IsPublic
	}
}

// Actor identifies who is issuing a command.
type Actor struct {
	ID   string
	Role auth.Role
}

func isAdminRole(r auth.Role) bool {
	return r == auth.RoleStaff || r == auth.RoleAdmin
}

// Filters narrows case listings.
type Filters struct {
	OwnerID  string
	Status   Status
	Page     int
	PageSize int
}
