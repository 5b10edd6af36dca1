package casefile

// Command is one of the tagged transition commands accepted by
// Engine.Transition. Each carries only the fields its transition needs, so an
// invalid field/state combination does not type-check.
type Command interface {
	name() string
}

// Submit finalizes a draft, moving it to pending review. Issued by the owner.
type Submit struct{}

func (Submit) name() string { return "submit" }

// Approve moves a case under review into scheduling. Issued by an admin.
type Approve struct{}

func (Approve) name() string { return "approve" }

// Reject declines a case under review. The note is mandatory and is recorded
// as an owner-visible note so the reasoning reaches the submitter.
type Reject struct {
	Note string
}

func (Reject) name() string { return "reject" }

// Resubmit edits a rejected case and returns it to review. Issued by the
// owner.
type Resubmit struct {
	Patch FieldPatch
}

func (Resubmit) name() string { return "resubmit" }

// Invite proposes (or re-proposes) a meeting. A fresh invite replaces the
// invitation wholesale, discarding any outstanding owner proposal.
type Invite struct {
	Date     string
	Time     string
	Location string
}

func (Invite) name() string { return "invite" }

// Revert sends a case back to pending review, clearing the invitation.
type Revert struct{}

func (Revert) name() string { return "revert" }

// RespondToInvitation is the owner's answer to the pending invitation. A
// rejection must carry a counter-proposal.
type RespondToInvitation struct {
	Response     ResponseStatus
	ProposedDate string
	ProposedTime string
	Reason       string
}

func (RespondToInvitation) name() string { return "respond_to_invitation" }

// RespondToProposal is the admin's resolution of the owner's counter-proposal.
type RespondToProposal struct {
	Response ResponseStatus
	Message  string
}

func (RespondToProposal) name() string { return "respond_to_proposal" }

// Activate marks the scheduled meeting as held and the case as actively
// worked. Issued by an admin.
type Activate struct{}

func (Activate) name() string { return "activate" }

// Close ends the case with a final resolution.
type Close struct {
	Resolution Resolution
}

func (Close) name() string { return "close" }
