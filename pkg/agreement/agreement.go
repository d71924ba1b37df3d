// Package agreement owns the Agreement state machine: creation from an
// accepted proposal chain, the three-signature handshake (proposed,
// approved, committed) and termination with reason codes. Terminal
// transitions are idempotent so redelivered bus messages settle on the
// same state.
package agreement

import (
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/identity"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/types"
)

// State advances one way; Terminated, Cancelled, Rejected and Expired
// are terminal.
type State int

const (
	// StateProposed: the requestor created and signed the agreement.
	StateProposed State = iota
	// StatePending: the provider received it but has not decided.
	StatePending
	// StateApproved: both signatures attached, the contract is binding.
	StateApproved
	// StateCancelled: withdrawn by the requestor before approval.
	StateCancelled
	// StateRejected: declined by the provider.
	StateRejected
	// StateExpired: validTo elapsed before approval.
	StateExpired
	// StateTerminated: ended by either party after approval.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateProposed:
		return "proposed"
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateCancelled:
		return "cancelled"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "terminated"
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateCancelled, StateRejected, StateExpired, StateTerminated:
		return true
	}
	return false
}

// Agreement is the binding contract distilled from an accepted
// proposal chain. Signature fields are write-once.
type Agreement struct {
	CreationTS        time.Time
	ValidTo           time.Time
	ApprovedTS        *time.Time
	ID                ids.AgreementID
	OfferProposalID   ids.ProposalID
	DemandProposalID  ids.ProposalID
	ProviderID        types.NodeID
	RequestorID       types.NodeID
	State             State
	ProposedSig       *identity.Signature
	ApprovedSig       *identity.Signature
	CommittedSig      *identity.Signature
	TerminationReason string
}

// FinalProposalID returns the terminal proposal under the given
// party's numbering.
func (a *Agreement) FinalProposalID(owner types.Owner) ids.ProposalID {
	if owner == types.OwnerProvider {
		return a.OfferProposalID
	}
	return a.DemandProposalID
}

// ValidateID recomputes the agreement hash against its claimed
// terminal proposal and creation time.
func (a *Agreement) ValidateID() error {
	return a.ID.ValidateAgreement(a.OfferProposalID, a.CreationTS)
}

func (a *Agreement) Expired(now time.Time) bool {
	return !a.ValidTo.After(now)
}

// signingDigest is the canonical byte encoding every agreement
// signature covers. It contains only role-symmetric fields so both
// parties derive identical bytes independently.
func (a *Agreement) signingDigest() ([]byte, error) {
	core := struct {
		ID               string       `json:"id"`
		OfferProposalID  string       `json:"offerProposalId"`
		DemandProposalID string       `json:"demandProposalId"`
		ProviderID       types.NodeID `json:"providerId"`
		RequestorID      types.NodeID `json:"requestorId"`
		CreationTS       time.Time    `json:"creationTs"`
		ValidTo          time.Time    `json:"validTo"`
	}{
		ID:               a.ID.WithOwner(types.OwnerRequestor).String(),
		OfferProposalID:  a.OfferProposalID.String(),
		DemandProposalID: a.DemandProposalID.String(),
		ProviderID:       a.ProviderID,
		RequestorID:      a.RequestorID,
		CreationTS:       a.CreationTS.UTC(),
		ValidTo:          a.ValidTo.UTC(),
	}
	raw, err := json.Marshal(core)
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "canonicalizing agreement %s", a.ID)
	}
	return canonical, nil
}

// commitDigest binds the requestor's committed signature to the
// provider's approval.
func (a *Agreement) commitDigest() ([]byte, error) {
	if a.ApprovedSig == nil {
		return nil, apierr.New(apierr.KindConflict, "agreement %s has no approval signature", a.ID)
	}
	base, err := a.signingDigest()
	if err != nil {
		return nil, err
	}
	return append(base, a.ApprovedSig.Sig...), nil
}

// terminationDigest binds a termination signature to its reason.
func (a *Agreement) terminationDigest(reason string) ([]byte, error) {
	base, err := a.signingDigest()
	if err != nil {
		return nil, err
	}
	return append(base, []byte(reason)...), nil
}

func (a *Agreement) clone() Agreement {
	cp := *a
	if a.ApprovedTS != nil {
		ts := *a.ApprovedTS
		cp.ApprovedTS = &ts
	}
	return cp
}
