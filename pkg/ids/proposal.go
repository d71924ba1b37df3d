package ids

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/types"
)

// Fractional seconds keep ids unique across negotiation rounds that
// land inside the same second.
const proposalTSLayout = "2006-01-02 15:04:05.000000"

// ProposalID identifies one negotiation round. The hash binds the
// originating Offer and Demand ids plus the round's creation timestamp;
// the owner tag records which side's local view this id belongs to.
//
// The hash input is role-symmetric, so Translate only flips the tag and
// the involution Translate(Translate(id)) == id holds by construction.
type ProposalID struct {
	hash  string
	owner types.Owner
}

// AgreementID is derived from the terminal proposal pair exactly the
// way ProposalID is derived from the Offer/Demand pair.
type AgreementID = ProposalID

// NewProposalID derives the id for a proposal created at creationTS
// from the given subscription pair, under owner's local numbering.
func NewProposalID(offerID, demandID SubscriptionID, creationTS time.Time, owner types.Owner) ProposalID {
	return ProposalID{owner: owner, hash: proposalHash(offerID, demandID, creationTS)}
}

func proposalHash(offerID, demandID SubscriptionID, creationTS time.Time) string {
	hasher := sha3.New256()
	hasher.Write([]byte(offerID.String()))
	hasher.Write([]byte(demandID.String()))
	hasher.Write([]byte(creationTS.UTC().Format(proposalTSLayout)))
	return hex.EncodeToString(hasher.Sum(nil))
}

// NewAgreementID derives the agreement id from the terminal proposal
// of an accepted chain, under owner's numbering. The hash covers both
// parties' views of the final proposal, so the input is role-symmetric
// and Translate applies to agreement ids unchanged.
func NewAgreementID(final ProposalID, creationTS time.Time, owner types.Owner) AgreementID {
	return AgreementID{owner: owner, hash: agreementHash(final, creationTS)}
}

func agreementHash(final ProposalID, creationTS time.Time) string {
	hasher := sha3.New256()
	hasher.Write([]byte(final.WithOwner(types.OwnerProvider).String()))
	hasher.Write([]byte(final.WithOwner(types.OwnerRequestor).String()))
	hasher.Write([]byte(creationTS.UTC().Format(proposalTSLayout)))
	return hex.EncodeToString(hasher.Sum(nil))
}

// ValidateAgreement recomputes the agreement hash from the claimed
// terminal proposal and creation time.
func (id AgreementID) ValidateAgreement(final ProposalID, creationTS time.Time) error {
	h := agreementHash(final, creationTS)
	if id.hash != h {
		return apierr.New(apierr.KindIdentifierMismatch, "agreement id %s has unexpected hash, want %s", id, h)
	}
	return nil
}

// ParseProposalID parses the "P-hash" / "R-hash" string form.
func ParseProposalID(s string) (ProposalID, error) {
	tag, hash, ok := strings.Cut(s, "-")
	if !ok {
		return ProposalID{}, apierr.New(apierr.KindValidation, "proposal id %q has invalid format", s)
	}
	owner, err := types.ParseOwner(tag)
	if err != nil {
		return ProposalID{}, apierr.New(apierr.KindValidation, "proposal id %q has invalid owner tag", s)
	}
	if len(hash) != hashHexLen || !isHex(hash) {
		return ProposalID{}, apierr.New(apierr.KindValidation, "proposal id %q has invalid hash", s)
	}
	return ProposalID{owner: owner, hash: hash}, nil
}

func (id ProposalID) Owner() types.Owner {
	return id.owner
}

// Translate yields the counterparty's canonical identifier for the
// same logical proposal.
func (id ProposalID) Translate() ProposalID {
	id.owner = id.owner.Swap()
	return id
}

// WithOwner returns the id under the given owner's numbering.
func (id ProposalID) WithOwner(owner types.Owner) ProposalID {
	id.owner = owner
	return id
}

// Validate recomputes the hash from the claimed content and rejects
// mismatches as tampering.
func (id ProposalID) Validate(offerID, demandID SubscriptionID, creationTS time.Time) error {
	h := proposalHash(offerID, demandID, creationTS)
	if id.hash != h {
		return apierr.New(apierr.KindIdentifierMismatch, "proposal id %s has unexpected hash, want %s", id, h)
	}
	return nil
}

func (id ProposalID) String() string {
	return id.owner.String() + "-" + id.hash
}

func (id ProposalID) IsZero() bool {
	return id.hash == ""
}

func (id ProposalID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ProposalID) UnmarshalText(b []byte) error {
	parsed, err := ParseProposalID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
