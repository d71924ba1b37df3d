// Package market assembles the store, matcher, discovery, negotiation
// engines and agreement managers into one node-facing facade: the
// operations a REST or CLI layer calls.
package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/agreement"
	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/bus"
	"github.com/veridix/agora/pkg/discovery"
	"github.com/veridix/agora/pkg/identity"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/matcher"
	"github.com/veridix/agora/pkg/negotiation"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/resolver"
	"github.com/veridix/agora/pkg/store"
	"github.com/veridix/agora/pkg/types"
)

const (
	DefaultSubscriptionTTL = time.Hour
	DefaultSweepInterval   = time.Minute
)

// Config aggregates the tunables of every market component.
type Config struct {
	SubscriptionTTL time.Duration
	SweepInterval   time.Duration
	Discovery       discovery.Config
	Negotiation     negotiation.Config
	Agreement       agreement.Config
}

func (c Config) withDefaults() Config {
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = DefaultSubscriptionTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Market is one node's view of the marketplace. It always runs both
// roles: the provider side serves the node's offers, the requestor
// side its demands.
type Market struct {
	identity  *identity.Identity
	bus       bus.Bus
	store     *store.SubscriptionStore
	matcher   *matcher.Matcher
	discovery *discovery.Discovery
	events    *negotiation.EventQueue
	provider  *negotiation.Engine
	requestor *negotiation.Engine
	provAgr   *agreement.Manager
	reqAgr    *agreement.Manager
	cfg       Config
	log       *zap.SugaredLogger
}

func New(ident *identity.Identity, b bus.Bus, st *store.SubscriptionStore, cfg Config) *Market {
	cfg = cfg.withDefaults()

	m := &Market{
		identity: ident,
		bus:      b,
		store:    st,
		matcher:  matcher.New(st),
		events:   negotiation.NewEventQueue(),
		cfg:      cfg,
		log:      zap.S().Named("market"),
	}
	m.provider = negotiation.NewEngine(types.OwnerProvider, b, st, m.events, nil, cfg.Negotiation)
	m.requestor = negotiation.NewEngine(types.OwnerRequestor, b, st, m.events, m.onAccepted, cfg.Negotiation)
	m.provAgr = agreement.NewManager(types.OwnerProvider, ident, b, m.events, m.provider, cfg.Agreement)
	m.reqAgr = agreement.NewManager(types.OwnerRequestor, ident, b, m.events, m.requestor, cfg.Agreement)
	m.discovery = discovery.New(b, st, cfg.Discovery, m.matcher.ReceiveRemoteOffer, m.matcher.Reevaluate, m.onRemoteUnsubscribe)
	return m
}

// Start wires the bus handlers and launches the background loops:
// matcher draft consumption, the discovery broadcast tick and the
// expiry sweep. They all stop when ctx is cancelled.
func (m *Market) Start(ctx context.Context) {
	m.provider.Start()
	m.requestor.Start()
	m.provAgr.Start()
	m.reqAgr.Start()
	m.discovery.Start(ctx)

	go m.negotiateLoop(ctx)
	go m.sweepLoop(ctx)
	m.log.Infow("market started", "node", m.bus.NodeID())
}

// PublishOffer derives a content-addressed id for the offer, stores it
// and matches it against known demands. Discovery picks it up on the
// next broadcast tick.
func (m *Market) PublishOffer(ctx context.Context, properties *props.Set, constraints string) (ids.SubscriptionID, error) {
	if _, err := resolver.Parse(constraints); err != nil {
		return ids.SubscriptionID{}, err
	}
	now := time.Now()
	exp := now.Add(m.cfg.SubscriptionTTL)
	id, err := ids.NewSubscriptionID(properties, constraints, m.bus.NodeID(), now, exp)
	if err != nil {
		return ids.SubscriptionID{}, err
	}
	offer := store.Offer{
		CreationTS:   now,
		ExpirationTS: exp,
		Properties:   properties,
		Constraints:  constraints,
		ID:           id,
		NodeID:       m.bus.NodeID(),
		Local:        true,
	}
	m.events.Register(id)
	if err := m.matcher.AddOffer(ctx, offer); err != nil {
		m.events.Unregister(id)
		return ids.SubscriptionID{}, err
	}
	m.log.Infow("offer published", "id", id)
	return id, nil
}

// PublishDemand derives a content-addressed id for the demand, stores
// it and matches it against every known offer.
func (m *Market) PublishDemand(ctx context.Context, properties *props.Set, constraints string) (ids.SubscriptionID, error) {
	if _, err := resolver.Parse(constraints); err != nil {
		return ids.SubscriptionID{}, err
	}
	now := time.Now()
	exp := now.Add(m.cfg.SubscriptionTTL)
	id, err := ids.NewSubscriptionID(properties, constraints, m.bus.NodeID(), now, exp)
	if err != nil {
		return ids.SubscriptionID{}, err
	}
	demand := store.Demand{
		CreationTS:   now,
		ExpirationTS: exp,
		Properties:   properties,
		Constraints:  constraints,
		ID:           id,
		NodeID:       m.bus.NodeID(),
	}
	m.events.Register(id)
	if err := m.matcher.AddDemand(ctx, demand); err != nil {
		m.events.Unregister(id)
		return ids.SubscriptionID{}, err
	}
	m.log.Infow("demand published", "id", id)
	return id, nil
}

// Unsubscribe withdraws a local subscription: live negotiations under
// it expire, its event queue closes, and for offers the withdrawal is
// propagated to peers immediately. Discovered foreign offers cannot be
// withdrawn through here; only their publisher's gossip retracts them.
func (m *Market) Unsubscribe(ctx context.Context, id ids.SubscriptionID) error {
	isOffer := true
	offer, err := m.store.Offer(ctx, id)
	switch {
	case err == nil:
		if !offer.Local {
			return apierr.New(apierr.KindNotFound, "offer %s was not published by this node", id)
		}
		err = m.store.MarkOfferUnsubscribed(ctx, id)
	case apierr.IsKind(err, apierr.KindNotFound):
		isOffer = false
		var demand store.Demand
		demand, err = m.store.Demand(ctx, id)
		if err == nil {
			if demand.NodeID != m.bus.NodeID() {
				return apierr.New(apierr.KindNotFound, "demand %s was not published by this node", id)
			}
			err = m.store.MarkDemandUnsubscribed(ctx, id)
		}
	}
	if err != nil {
		return err
	}

	m.matcher.Unsubscribed(id)
	m.provider.SubscriptionWithdrawn(id)
	m.requestor.SubscriptionWithdrawn(id)
	m.events.Unregister(id)
	if isOffer {
		m.discovery.BroadcastUnsubscribe(ctx, id)
	}
	m.log.Infow("unsubscribed", "id", id)
	return nil
}

// CollectEvents long-polls the subscription's queue. A timeout is not
// an error: the caller gets an empty slice and polls again.
func (m *Market) CollectEvents(ctx context.Context, id ids.SubscriptionID, timeout time.Duration, maxEvents int) ([]negotiation.Event, error) {
	return m.events.Collect(ctx, id, timeout, maxEvents)
}

// CounterProposal extends a negotiation chain with modified terms.
func (m *Market) CounterProposal(ctx context.Context, propID ids.ProposalID, properties *props.Set, constraints string) (ids.ProposalID, error) {
	eng, err := m.engineFor(propID)
	if err != nil {
		return ids.ProposalID{}, err
	}
	return eng.CounterProposal(ctx, propID, properties, constraints)
}

// AcceptProposal accepts the counterparty's latest round as final.
func (m *Market) AcceptProposal(ctx context.Context, propID ids.ProposalID) error {
	eng, err := m.engineFor(propID)
	if err != nil {
		return err
	}
	return eng.AcceptProposal(ctx, propID)
}

// RejectProposal terminally rejects the counterparty's latest round.
func (m *Market) RejectProposal(ctx context.Context, propID ids.ProposalID, reason string) error {
	eng, err := m.engineFor(propID)
	if err != nil {
		return err
	}
	return eng.RejectProposal(ctx, propID, reason)
}

// GetProposal returns one negotiation round with its chain record.
func (m *Market) GetProposal(propID ids.ProposalID) (negotiation.Proposal, negotiation.Negotiation, error) {
	eng, err := m.engineFor(propID)
	if err != nil {
		return negotiation.Proposal{}, negotiation.Negotiation{}, err
	}
	return eng.Proposal(propID)
}

// ApproveAgreement signs and confirms a pending agreement (provider
// side).
func (m *Market) ApproveAgreement(ctx context.Context, aid ids.AgreementID) error {
	return m.provAgr.Approve(ctx, aid)
}

// RejectAgreement declines a pending agreement (provider side).
func (m *Market) RejectAgreement(ctx context.Context, aid ids.AgreementID, reason string) error {
	return m.provAgr.Reject(ctx, aid, reason)
}

// CancelAgreement withdraws a proposed agreement before approval
// (requestor side).
func (m *Market) CancelAgreement(ctx context.Context, aid ids.AgreementID, reason string) error {
	return m.reqAgr.Cancel(ctx, aid, reason)
}

// TerminateAgreement ends an approved agreement from whichever side
// tracks it.
func (m *Market) TerminateAgreement(ctx context.Context, aid ids.AgreementID, reason string) error {
	mgr, err := m.managerFor(aid)
	if err != nil {
		return err
	}
	return mgr.Terminate(ctx, aid, reason)
}

// GetAgreement returns the current state of an agreement.
func (m *Market) GetAgreement(aid ids.AgreementID) (agreement.Agreement, error) {
	mgr, err := m.managerFor(aid)
	if err != nil {
		return agreement.Agreement{}, err
	}
	return mgr.Get(aid)
}

// ListAgreements returns every agreement either side tracks.
func (m *Market) ListAgreements() []agreement.Agreement {
	out := m.provAgr.List()
	return append(out, m.reqAgr.List()...)
}

// engineFor routes an id to the engine whose numbering it carries.
func (m *Market) engineFor(propID ids.ProposalID) (*negotiation.Engine, error) {
	switch propID.Owner() {
	case types.OwnerProvider:
		return m.provider, nil
	case types.OwnerRequestor:
		return m.requestor, nil
	}
	return nil, apierr.New(apierr.KindValidation, "proposal %s has no owner tag", propID)
}

func (m *Market) managerFor(aid ids.AgreementID) (*agreement.Manager, error) {
	switch aid.Owner() {
	case types.OwnerProvider:
		return m.provAgr, nil
	case types.OwnerRequestor:
		return m.reqAgr, nil
	}
	return nil, apierr.New(apierr.KindValidation, "agreement %s has no owner tag", aid)
}

// onAccepted fires on the requestor engine when a chain closes
// accepted: it spawns the agreement and proposes it to the provider.
func (m *Market) onAccepted(ctx context.Context, neg negotiation.Negotiation, final negotiation.Proposal) {
	if _, err := m.reqAgr.Create(ctx, neg, final); err != nil {
		m.log.Warnw("failed proposing agreement", "negotiation", neg.ID, "err", err)
	}
}

func (m *Market) onRemoteUnsubscribe(ctx context.Context, id ids.SubscriptionID) {
	err := m.store.MarkOfferUnsubscribed(ctx, id)
	if err != nil && !apierr.IsKind(err, apierr.KindNotFound) {
		m.log.Debugw("failed marking remote offer unsubscribed", "id", id, "err", err)
	}
	m.matcher.Unsubscribed(id)
	m.provider.SubscriptionWithdrawn(id)
	m.requestor.SubscriptionWithdrawn(id)
}

// negotiateLoop opens a requestor-side chain for every matched pair
// the matcher emits.
func (m *Market) negotiateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case draft := <-m.matcher.Drafts():
			if draft.Demand.NodeID != m.bus.NodeID() {
				continue // their demand, their negotiation
			}
			if err := m.requestor.StartNegotiation(draft.Offer, draft.Demand); err != nil {
				m.log.Debugw("failed opening negotiation", "offer", draft.Offer.ID, "demand", draft.Demand.ID, "err", err)
			}
		}
	}
}

// sweepLoop enforces expiry deadlines without network round-trips.
func (m *Market) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.store.Clean(ctx)
			m.provider.SweepExpired(now)
			m.requestor.SweepExpired(now)
			m.provAgr.SweepExpired(now)
			m.reqAgr.SweepExpired(now)
		}
	}
}
