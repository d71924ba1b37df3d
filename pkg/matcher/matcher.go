// Package matcher pairs freshly registered Offers and Demands, runs
// the resolver's mutual match over each candidate pair, and emits
// matched pairs as draft proposals for the negotiation engine.
package matcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/resolver"
	"github.com/veridix/agora/pkg/store"
)

const draftBufSize = 256

// DraftProposal is a mutually matched Offer/Demand pair ready for
// negotiation.
type DraftProposal struct {
	Offer  store.Offer
	Demand store.Demand
	Result resolver.MatchResult
}

// Matcher scans the opposite local collection on every subscribe and
// on every discovery ingest. Indeterminate pairs are retained and
// re-evaluated when a re-broadcast of the offer arrives or either
// side's properties are updated while both subscriptions live.
type Matcher struct {
	store  *store.SubscriptionStore
	drafts chan DraftProposal
	log    *zap.SugaredLogger

	mu      sync.Mutex
	pending map[ids.SubscriptionID][]pendingPair
}

type pendingPair struct {
	offerID  ids.SubscriptionID
	demandID ids.SubscriptionID
}

func New(st *store.SubscriptionStore) *Matcher {
	return &Matcher{
		store:   st,
		drafts:  make(chan DraftProposal, draftBufSize),
		pending: make(map[ids.SubscriptionID][]pendingPair),
		log:     zap.S().Named("matcher"),
	}
}

// Drafts is the stream of matched pairs.
func (m *Matcher) Drafts() <-chan DraftProposal {
	return m.drafts
}

// AddOffer registers an offer and matches it against all active local
// demands.
func (m *Matcher) AddOffer(ctx context.Context, offer store.Offer) error {
	if err := m.store.CreateOffer(ctx, offer); err != nil {
		return err
	}

	demands, err := m.store.ActiveDemands(ctx)
	if err != nil {
		return err
	}
	for _, demand := range demands {
		m.evaluate(offer, demand)
	}
	return nil
}

// AddDemand registers a demand and matches it against all active
// offers, local and discovered.
func (m *Matcher) AddDemand(ctx context.Context, demand store.Demand) error {
	if err := m.store.CreateDemand(ctx, demand); err != nil {
		return err
	}

	offers, err := m.store.ActiveOffers(ctx)
	if err != nil {
		return err
	}
	for _, offer := range offers {
		m.evaluate(offer, demand)
	}
	return nil
}

// ReceiveRemoteOffer ingests an offer learned via discovery. Remote
// offers are matched like local ones but are never listed by this
// node's publish-side APIs.
func (m *Matcher) ReceiveRemoteOffer(ctx context.Context, offer store.Offer) {
	offer.Local = false
	err := m.AddOffer(ctx, offer)
	if err != nil && !apierr.IsKind(err, apierr.KindAlreadyExists) {
		m.log.Debugw("failed ingesting remote offer", "id", offer.ID, "err", err)
	}
}

// Unsubscribed drops retained indeterminate pairs for a withdrawn
// subscription.
func (m *Matcher) Unsubscribed(id ids.SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

func (m *Matcher) evaluate(offer store.Offer, demand store.Demand) {
	offerExpr, err := resolver.Parse(offer.Constraints)
	if err != nil {
		m.log.Debugw("offer has unparsable constraints", "id", offer.ID, "err", err)
		return
	}
	demandExpr, err := resolver.Parse(demand.Constraints)
	if err != nil {
		m.log.Debugw("demand has unparsable constraints", "id", demand.ID, "err", err)
		return
	}

	result := resolver.Match(offer.Properties, offerExpr, demand.Properties, demandExpr)
	switch result.Outcome {
	case resolver.Matched:
		select {
		case m.drafts <- DraftProposal{Offer: offer, Demand: demand, Result: result}:
		default:
			m.log.Warnw("draft queue full, dropping match", "offer", offer.ID, "demand", demand.ID)
		}

	case resolver.Indeterminate:
		m.mu.Lock()
		pair := pendingPair{offerID: offer.ID, demandID: demand.ID}
		m.pending[offer.ID] = append(m.pending[offer.ID], pair)
		m.pending[demand.ID] = append(m.pending[demand.ID], pair)
		m.mu.Unlock()
		m.log.Debugw("indeterminate match retained",
			"offer", offer.ID, "demand", demand.ID,
			"demandUnresolved", result.DemandUnresolved,
			"offerUnresolved", result.OfferUnresolved)

	case resolver.Rejected:
	}
}

// Reevaluate re-runs matching for retained indeterminate pairs
// involving the given subscription. Pairs that stay indeterminate are
// re-retained by evaluate; pairs whose other side is gone are dropped.
func (m *Matcher) Reevaluate(ctx context.Context, id ids.SubscriptionID) {
	m.mu.Lock()
	pairs := append([]pendingPair(nil), m.pending[id]...)
	delete(m.pending, id)
	// Each pair is indexed under both ids; purge the other key so a
	// re-retained pair is not registered twice.
	for _, pair := range pairs {
		other := pair.offerID
		if other == id {
			other = pair.demandID
		}
		m.dropPairLocked(other, pair)
	}
	m.mu.Unlock()

	for _, pair := range pairs {
		offer, err := m.store.Offer(ctx, pair.offerID)
		if err != nil {
			continue
		}
		demand, err := m.store.Demand(ctx, pair.demandID)
		if err != nil {
			continue
		}
		m.evaluate(offer, demand)
	}
}

// dropPairLocked requires m.mu held.
func (m *Matcher) dropPairLocked(key ids.SubscriptionID, pair pendingPair) {
	kept := m.pending[key][:0]
	for _, p := range m.pending[key] {
		if p != pair {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(m.pending, key)
	} else {
		m.pending[key] = kept
	}
}
