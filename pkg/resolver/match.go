package resolver

import "github.com/veridix/agora/pkg/props"

// Outcome is the result of mutually matching an Offer/Demand pair.
type Outcome int

const (
	// Rejected: at least one side's constraints evaluate to False.
	// No further negotiation.
	Rejected Outcome = iota
	// Indeterminate: neither side is False but at least one is
	// Undefined; negotiation may continue by supplying the missing
	// properties.
	Indeterminate
	// Matched: both sides' constraints evaluate to True.
	Matched
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Indeterminate:
		return "indeterminate"
	default:
		return "rejected"
	}
}

// MatchResult carries the outcome plus the property keys each side
// failed to resolve, which drives counter-proposals that ask the other
// party to supply them.
type MatchResult struct {
	// DemandUnresolved lists offer property keys the demand's
	// constraints referenced but could not resolve.
	DemandUnresolved []string
	// OfferUnresolved lists demand property keys the offer's
	// constraints referenced but could not resolve.
	OfferUnresolved []string
	Outcome         Outcome
}

// Match evaluates demand.constraints against offer.properties and
// offer.constraints against demand.properties.
func Match(offerProps *props.Set, offerConstraints *Expr, demandProps *props.Set, demandConstraints *Expr) MatchResult {
	demandResult, demandMissing := demandConstraints.Eval(offerProps)
	offerResult, offerMissing := offerConstraints.Eval(demandProps)

	res := MatchResult{
		DemandUnresolved: demandMissing,
		OfferUnresolved:  offerMissing,
	}

	switch {
	case demandResult == False || offerResult == False:
		res.Outcome = Rejected
	case demandResult == Undefined || offerResult == Undefined:
		res.Outcome = Indeterminate
	default:
		res.Outcome = Matched
	}
	return res
}
