package negotiation

import (
	"time"

	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/store"
	"github.com/veridix/agora/pkg/types"
)

// Topics are role-addressed: a message goes to the topic of the role
// that handles it. Every proposal id on the wire is in the sender's
// local numbering; the receiver translates on ingress.
const (
	topicPrefix = "market/negotiation/"

	opInitial = "initial"
	opCounter = "counter"
	opAccept  = "accept"
	opReject  = "reject"
)

func roleTopic(role types.Owner, op string) string {
	if role == types.OwnerProvider {
		return topicPrefix + "provider/" + op
	}
	return topicPrefix + "requestor/" + op
}

// proposalContent is the negotiated-terms snapshot carried by counter
// proposals.
type proposalContent struct {
	CreationTS   time.Time  `json:"creationTs"`
	ExpirationTS time.Time  `json:"expirationTs"`
	Properties   *props.Set `json:"properties"`
	Constraints  string     `json:"constraints"`
}

// initialProposalMsg opens a chain: the requestor's first counter to
// the matcher-generated initial proposal. It carries the requestor's
// full Demand so the provider can validate its content hash
// independently before reacting.
type initialProposalMsg struct {
	ProposalID ids.ProposalID     `json:"proposalId"`
	OfferID    ids.SubscriptionID `json:"offerId"`
	Demand     store.Demand       `json:"demand"`
	Content    proposalContent    `json:"content"`
}

type counterProposalMsg struct {
	// PrevProposalID is the sender's id for the round being countered;
	// the receiver translates it and checks it against its chain head.
	PrevProposalID ids.ProposalID  `json:"prevProposalId"`
	ProposalID     ids.ProposalID  `json:"proposalId"`
	Content        proposalContent `json:"content"`
}

type acceptMsg struct {
	ProposalID ids.ProposalID `json:"proposalId"`
}

type rejectMsg struct {
	ProposalID ids.ProposalID `json:"proposalId"`
	Reason     string         `json:"reason"`
}
