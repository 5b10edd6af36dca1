package casefile

import (
	"fmt"
	"strings"
)

// allowedFrom lists the statuses a command may be issued from. A command
// against any other status fails with ErrConflictingState; there are no
// silent no-ops.
func allowedFrom(cmd Command) []Status {
	switch cmd.(type) {
	case Submit:
		return []Status{StatusDraft}
	case Approve, Reject:
		return []Status{StatusPendingReview}
	case Resubmit:
		return []Status{StatusRejected}
	case Invite:
		return []Status{StatusPendingReview, StatusApprovedForScheduling}
	case Revert:
		return []Status{StatusApprovedForScheduling, StatusRejected}
	case RespondToInvitation, RespondToProposal:
		return []Status{StatusApprovedForScheduling}
	case Activate:
		return []Status{StatusOngoing}
	case Close:
		return []Status{StatusOngoing, StatusApprovedForScheduling, StatusCaseActive}
	default:
		return nil
	}
}

func statusAllows(cmd Command, s Status) bool {
	for _, from := range allowedFrom(cmd) {
		if from == s {
			return true
		}
	}
	return false
}

// checkActor enforces who may issue which command: owner-side commands require
// the acting user to own the case, admin-side commands require a staff or
// admin role.
func checkActor(cmd Command, c Case, actor Actor) error {
	switch cmd.(type) {
	case Submit, Resubmit, RespondToInvitation:
		if !c.ownedBy(actor.ID) {
			return ErrForbidden
		}
	case Approve, Reject, Invite, Revert, RespondToProposal, Activate, Close:
		if !isAdminRole(actor.Role) {
			return ErrForbidden
		}
	default:
		return fmt.Errorf("casefile: unknown command %T", cmd)
	}
	return nil
}

// validateSubmittable checks the fields a case must carry before leaving
// draft, per kind.
func validateSubmittable(c Case) error {
	if strings.TrimSpace(c.Title) == "" {
		return validationf("title required")
	}
	if strings.TrimSpace(c.Description) == "" {
		return validationf("description required")
	}
	switch c.Kind {
	case KindDispute:
		if strings.TrimSpace(c.Category) == "" {
			return validationf("category required for dispute cases")
		}
	case KindAidInitiative:
		if strings.TrimSpace(c.Goal) == "" {
			return validationf("goal required for aid initiatives")
		}
	default:
		return validationf("unknown kind %q", c.Kind)
	}
	return nil
}
