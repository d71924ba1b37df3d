// Package negotiation implements the counter-proposal protocol: two
// symmetric engines (provider side, requestor side) that own the
// Proposal state machine and drive chains of counter-offers to
// acceptance or terminal rejection over the message bus.
package negotiation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/types"
)

// ProposalState advances forward only; a new negotiation round is a
// new child Proposal, never a regression.
type ProposalState int

const (
	// StateInitial: produced by the matcher from a mutual match.
	StateInitial ProposalState = iota
	// StateDraft: a live counter-offer awaiting the other party.
	StateDraft
	// StateRejected: terminal.
	StateRejected
	// StateAccepted: both sides accepted the same terminal round.
	StateAccepted
	// StateExpired: deadline elapsed or parent subscription withdrawn.
	StateExpired
)

func (s ProposalState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateDraft:
		return "draft"
	case StateRejected:
		return "rejected"
	case StateAccepted:
		return "accepted"
	default:
		return "expired"
	}
}

func (s ProposalState) Terminal() bool {
	return s == StateRejected || s == StateAccepted || s == StateExpired
}

// Negotiation ties one proposal chain to its Offer/Demand pair and the
// two negotiating nodes. Node ids are kept here redundantly so the
// record outlives store cleanup of the subscriptions themselves.
type Negotiation struct {
	ID          string
	OfferID     ids.SubscriptionID
	DemandID    ids.SubscriptionID
	RequestorID types.NodeID
	ProviderID  types.NodeID
	// SubscriptionID is our side's own subscription in this pair.
	SubscriptionID ids.SubscriptionID
	AgreementID    *ids.AgreementID
}

func newNegotiationID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Proposal is one round's snapshot of negotiated terms.
type Proposal struct {
	CreationTS    time.Time
	ExpirationTS  time.Time
	Properties    *props.Set
	Constraints   string
	NegotiationID string
	ID            ids.ProposalID
	PrevID        *ids.ProposalID
	Issuer        types.Issuer
	State         ProposalState
}

func (p *Proposal) Expired(now time.Time) bool {
	return !p.ExpirationTS.After(now)
}
