package negotiation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/bus"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/store"
	"github.com/veridix/agora/pkg/types"
)

const (
	DefaultProposalTTL       = time.Hour
	DefaultTerminalRetention = time.Hour
)

// AcceptedFn fires once per negotiation when both sides have accepted
// the same round. The requestor side uses it to open the agreement.
type AcceptedFn func(ctx context.Context, neg Negotiation, final Proposal)

type Config struct {
	// ProposalTTL bounds the lifetime of proposals we issue.
	ProposalTTL time.Duration
	// TerminalRetention is how long settled chains stay queryable
	// before the sweep drops them.
	TerminalRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = DefaultProposalTTL
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}
	return c
}

// Engine drives one side of the counter-proposal protocol. A node runs
// two instances, one per role; the wire protocol is symmetric except
// for the chain-opening message, which only flows requestor to
// provider.
//
// All proposal ids in a chain are stored under our own numbering;
// every id arriving on the bus is in the sender's numbering and gets
// translated exactly once on ingress.
type Engine struct {
	role       types.Owner
	bus        bus.Bus
	store      *store.SubscriptionStore
	events     *EventQueue
	onAccepted AcceptedFn
	cfg        Config
	log        *zap.SugaredLogger
	now        func() time.Time

	mu         sync.Mutex
	chains     map[string]*chain
	byProposal map[ids.ProposalID]string
	bySub      map[ids.SubscriptionID][]string
	byPair     map[pairKey]string
}

type pairKey struct {
	offerID  ids.SubscriptionID
	demandID ids.SubscriptionID
}

// chain is one negotiation's proposal history. Each chain has its own
// lock so concurrent negotiations never serialize on each other; the
// engine lock only guards the indexes.
type chain struct {
	mu        sync.Mutex
	neg       Negotiation
	rounds    []*Proposal
	settledAt time.Time // set by the sweep when the head is first seen terminal
}

func (c *chain) head() *Proposal {
	return c.rounds[len(c.rounds)-1]
}

func (c *chain) counterparty() types.NodeID {
	if c.neg.RequestorID == c.neg.ProviderID {
		return c.neg.RequestorID
	}
	if c.neg.SubscriptionID == c.neg.DemandID {
		return c.neg.ProviderID
	}
	return c.neg.RequestorID
}

func NewEngine(role types.Owner, b bus.Bus, st *store.SubscriptionStore, events *EventQueue, onAccepted AcceptedFn, cfg Config) *Engine {
	return &Engine{
		role:       role,
		bus:        b,
		store:      st,
		events:     events,
		onAccepted: onAccepted,
		cfg:        cfg.withDefaults(),
		log:        zap.S().Named("negotiation").With("role", role),
		now:        time.Now,
		chains:     make(map[string]*chain),
		byProposal: make(map[ids.ProposalID]string),
		bySub:      make(map[ids.SubscriptionID][]string),
		byPair:     make(map[pairKey]string),
	}
}

// Start registers the engine's inbound handlers on the bus.
func (e *Engine) Start() {
	if e.role == types.OwnerProvider {
		e.bus.Handle(roleTopic(e.role, opInitial), e.handleInitial)
	}
	e.bus.Handle(roleTopic(e.role, opCounter), e.handleCounter)
	e.bus.Handle(roleTopic(e.role, opAccept), e.handleAccept)
	e.bus.Handle(roleTopic(e.role, opReject), e.handleReject)
}

// StartNegotiation seeds a requestor-side chain from a matched pair.
// The initial proposal mirrors the provider's offer content so the
// requestor sees the terms it would be countering. Nothing goes over
// the wire until the requestor counters. Duplicate pairs are ignored.
func (e *Engine) StartNegotiation(offer store.Offer, demand store.Demand) error {
	if e.role != types.OwnerRequestor {
		return apierr.New(apierr.KindValidation, "only the requestor side opens negotiations")
	}
	if demand.NodeID != e.bus.NodeID() {
		return apierr.New(apierr.KindValidation, "demand %s is not ours", demand.ID)
	}

	e.mu.Lock()
	key := pairKey{offerID: offer.ID, demandID: demand.ID}
	if _, ok := e.byPair[key]; ok {
		e.mu.Unlock()
		return nil
	}

	now := e.now()
	initial := &Proposal{
		CreationTS:    now,
		ExpirationTS:  minTime(offer.ExpirationTS, now.Add(e.cfg.ProposalTTL)),
		Properties:    offer.Properties.Clone(),
		Constraints:   offer.Constraints,
		NegotiationID: newNegotiationID(),
		ID:            ids.NewProposalID(offer.ID, demand.ID, now, e.role),
		Issuer:        types.IssuerThem,
		State:         StateInitial,
	}
	c := &chain{
		neg: Negotiation{
			ID:             initial.NegotiationID,
			OfferID:        offer.ID,
			DemandID:       demand.ID,
			RequestorID:    demand.NodeID,
			ProviderID:     offer.NodeID,
			SubscriptionID: demand.ID,
		},
		rounds: []*Proposal{initial},
	}
	e.indexLocked(c, initial.ID)
	e.byPair[key] = c.neg.ID
	e.mu.Unlock()

	e.events.Push(demand.ID, Event{
		Timestamp:  now,
		Kind:       EventProposal,
		ProposalID: initial.ID,
		Proposal:   snapshot(initial),
	})
	e.log.Debugw("negotiation opened", "negotiation", c.neg.ID, "offer", offer.ID, "demand", demand.ID)
	return nil
}

// indexLocked requires e.mu held.
func (e *Engine) indexLocked(c *chain, id ids.ProposalID) {
	e.chains[c.neg.ID] = c
	e.byProposal[id] = c.neg.ID
	e.bySub[c.neg.SubscriptionID] = append(e.bySub[c.neg.SubscriptionID], c.neg.ID)
}

func (e *Engine) lookup(id ids.ProposalID) (*chain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	negID, ok := e.byProposal[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "unknown proposal %s", id)
	}
	return e.chains[negID], nil
}

// Proposal returns a round's snapshot together with its negotiation
// record.
func (e *Engine) Proposal(id ids.ProposalID) (Proposal, Negotiation, error) {
	c, err := e.lookup(id)
	if err != nil {
		return Proposal{}, Negotiation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.rounds {
		if p.ID == id {
			return *snapshot(p), c.neg, nil
		}
	}
	return Proposal{}, Negotiation{}, apierr.New(apierr.KindNotFound, "unknown proposal %s", id)
}

// SetAgreementID records the agreement spawned from an accepted chain.
func (e *Engine) SetAgreementID(negID string, aid ids.AgreementID) {
	e.mu.Lock()
	c, ok := e.chains[negID]
	e.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.neg.AgreementID = &aid
	c.mu.Unlock()
}

// CounterProposal issues a new round extending prevID with our terms
// and delivers it to the counterparty. prevID must be the chain head.
func (e *Engine) CounterProposal(ctx context.Context, prevID ids.ProposalID, properties *props.Set, constraints string) (ids.ProposalID, error) {
	c, err := e.lookup(prevID)
	if err != nil {
		return ids.ProposalID{}, err
	}

	c.mu.Lock()
	head := c.head()
	if head.State.Terminal() {
		c.mu.Unlock()
		return ids.ProposalID{}, apierr.New(apierr.KindConflict, "negotiation %s is %s", c.neg.ID, head.State)
	}
	if head.ID != prevID {
		c.mu.Unlock()
		return ids.ProposalID{}, apierr.New(apierr.KindStaleProposal, "proposal %s is not the chain head", prevID)
	}
	if head.Issuer != types.IssuerThem {
		c.mu.Unlock()
		return ids.ProposalID{}, apierr.New(apierr.KindValidation, "cannot counter our own proposal %s", prevID)
	}
	now := e.now()
	if head.Expired(now) {
		head.State = StateExpired
		c.mu.Unlock()
		return ids.ProposalID{}, apierr.New(apierr.KindConflict, "proposal %s expired", prevID)
	}

	opening := head.State == StateInitial
	prevState := head.State
	next := &Proposal{
		CreationTS:    now,
		ExpirationTS:  now.Add(e.cfg.ProposalTTL),
		Properties:    properties.Clone(),
		Constraints:   constraints,
		NegotiationID: c.neg.ID,
		ID:            ids.NewProposalID(c.neg.OfferID, c.neg.DemandID, now, e.role),
		PrevID:        &head.ID,
		Issuer:        types.IssuerUs,
		State:         StateDraft,
	}
	head.State = StateDraft
	c.rounds = append(c.rounds, next)
	neg := c.neg
	dest := c.counterparty()
	c.mu.Unlock()

	e.mu.Lock()
	e.byProposal[next.ID] = neg.ID
	e.mu.Unlock()

	// A round whose send failed never reached the counterparty; unwind
	// it so a retry reuses the same head.
	unwind := func() {
		c.mu.Lock()
		if n := len(c.rounds); n > 0 && c.rounds[n-1] == next {
			c.rounds = c.rounds[:n-1]
			head.State = prevState
		}
		c.mu.Unlock()
		e.mu.Lock()
		delete(e.byProposal, next.ID)
		e.mu.Unlock()
	}

	content := proposalContent{
		CreationTS:   next.CreationTS,
		ExpirationTS: next.ExpirationTS,
		Properties:   next.Properties,
		Constraints:  next.Constraints,
	}
	if opening {
		demand, derr := e.store.Demand(ctx, neg.DemandID)
		if derr != nil {
			unwind()
			return ids.ProposalID{}, derr
		}
		err = bus.Call(ctx, e.bus, dest, roleTopic(e.role.Swap(), opInitial), initialProposalMsg{
			ProposalID: next.ID,
			OfferID:    neg.OfferID,
			Demand:     demand,
			Content:    content,
		})
	} else {
		err = bus.Call(ctx, e.bus, dest, roleTopic(e.role.Swap(), opCounter), counterProposalMsg{
			PrevProposalID: head.ID,
			ProposalID:     next.ID,
			Content:        content,
		})
	}
	if err != nil {
		unwind()
		return ids.ProposalID{}, err
	}
	return next.ID, nil
}

// AcceptProposal accepts the counterparty's round as final. If the
// counterparty has already (implicitly) accepted it, the chain closes
// accepted on both sides.
func (e *Engine) AcceptProposal(ctx context.Context, propID ids.ProposalID) error {
	c, err := e.lookup(propID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	head := c.head()
	if head.State.Terminal() {
		c.mu.Unlock()
		return apierr.New(apierr.KindConflict, "negotiation %s is %s", c.neg.ID, head.State)
	}
	if head.ID != propID {
		c.mu.Unlock()
		return apierr.New(apierr.KindStaleProposal, "proposal %s is not the chain head", propID)
	}
	if head.Issuer != types.IssuerThem {
		c.mu.Unlock()
		return apierr.New(apierr.KindValidation, "cannot accept our own proposal %s", propID)
	}
	if head.Expired(e.now()) {
		head.State = StateExpired
		c.mu.Unlock()
		return apierr.New(apierr.KindConflict, "proposal %s expired", propID)
	}
	if head.State == StateInitial {
		c.mu.Unlock()
		return apierr.New(apierr.KindValidation, "initial proposal %s must be countered first", propID)
	}
	head.State = StateAccepted
	neg := c.neg
	final := *snapshot(head)
	dest := c.counterparty()
	c.mu.Unlock()

	if err := bus.Call(ctx, e.bus, dest, roleTopic(e.role.Swap(), opAccept), acceptMsg{ProposalID: propID}); err != nil {
		c.mu.Lock()
		head.State = StateDraft
		c.mu.Unlock()
		return err
	}
	if e.onAccepted != nil {
		e.onAccepted(ctx, neg, final)
	}
	return nil
}

// RejectProposal terminally rejects the counterparty's round.
func (e *Engine) RejectProposal(ctx context.Context, propID ids.ProposalID, reason string) error {
	c, err := e.lookup(propID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	head := c.head()
	if head.State.Terminal() {
		c.mu.Unlock()
		return apierr.New(apierr.KindConflict, "negotiation %s is %s", c.neg.ID, head.State)
	}
	if head.ID != propID {
		c.mu.Unlock()
		return apierr.New(apierr.KindStaleProposal, "proposal %s is not the chain head", propID)
	}
	sentOverWire := head.Issuer == types.IssuerThem && head.State != StateInitial
	head.State = StateRejected
	dest := c.counterparty()
	c.mu.Unlock()

	if sentOverWire {
		// Best effort: the chain is terminal locally either way.
		if err := bus.Call(ctx, e.bus, dest, roleTopic(e.role.Swap(), opReject), rejectMsg{ProposalID: propID, Reason: reason}); err != nil {
			e.log.Debugw("reject delivery failed", "proposal", propID, "err", err)
		}
	}
	return nil
}

// SubscriptionWithdrawn expires every live chain under the given
// subscription.
func (e *Engine) SubscriptionWithdrawn(id ids.SubscriptionID) {
	e.mu.Lock()
	negIDs := append([]string(nil), e.bySub[id]...)
	delete(e.bySub, id)
	e.mu.Unlock()

	for _, negID := range negIDs {
		e.mu.Lock()
		c, ok := e.chains[negID]
		e.mu.Unlock()
		if !ok {
			continue
		}
		c.mu.Lock()
		if !c.head().State.Terminal() {
			c.head().State = StateExpired
		}
		c.mu.Unlock()
	}
}

// SweepExpired marks chains whose head passed its deadline and reports
// how many it expired. Chains that have been terminal for a full
// retention window are dropped from the indexes.
func (e *Engine) SweepExpired(now time.Time) int {
	e.mu.Lock()
	all := make([]*chain, 0, len(e.chains))
	for _, c := range e.chains {
		all = append(all, c)
	}
	e.mu.Unlock()

	expired := 0
	var settled []*chain
	for _, c := range all {
		c.mu.Lock()
		head := c.head()
		if !head.State.Terminal() && head.Expired(now) {
			head.State = StateExpired
			expired++
		}
		if head.State.Terminal() {
			if c.settledAt.IsZero() {
				c.settledAt = now
			} else if now.Sub(c.settledAt) >= e.cfg.TerminalRetention {
				settled = append(settled, c)
			}
		}
		c.mu.Unlock()
	}
	for _, c := range settled {
		e.drop(c)
	}
	if expired > 0 {
		e.log.Debugw("expired negotiations", "count", expired)
	}
	return expired
}

// drop removes a settled chain from every index.
func (e *Engine) drop(c *chain) {
	c.mu.Lock()
	neg := c.neg
	roundIDs := make([]ids.ProposalID, 0, len(c.rounds))
	for _, p := range c.rounds {
		roundIDs = append(roundIDs, p.ID)
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.chains, neg.ID)
	for _, id := range roundIDs {
		delete(e.byProposal, id)
	}
	delete(e.byPair, pairKey{offerID: neg.OfferID, demandID: neg.DemandID})
	subs := e.bySub[neg.SubscriptionID]
	for i, negID := range subs {
		if negID == neg.ID {
			e.bySub[neg.SubscriptionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(e.bySub[neg.SubscriptionID]) == 0 {
		delete(e.bySub, neg.SubscriptionID)
	}
}

func (e *Engine) handleInitial(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg initialProposalMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed initial proposal"))
	}
	if err := msg.Demand.ValidateID(); err != nil {
		return bus.AckErr(err)
	}
	if msg.Demand.NodeID != from {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "demand %s not owned by sender %s", msg.Demand.ID, from))
	}
	offer, err := e.store.Offer(ctx, msg.OfferID)
	if err != nil {
		return bus.AckErr(err)
	}
	if !offer.Local {
		return bus.AckErr(apierr.New(apierr.KindNotFound, "offer %s is not ours", msg.OfferID))
	}
	if msg.ProposalID.Owner() != e.role.Swap() {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "proposal %s has unexpected owner tag", msg.ProposalID))
	}
	if err := msg.ProposalID.Validate(msg.OfferID, msg.Demand.ID, msg.Content.CreationTS); err != nil {
		return bus.AckErr(err)
	}

	ours := msg.ProposalID.Translate()
	now := e.now()
	round := &Proposal{
		CreationTS:    msg.Content.CreationTS,
		ExpirationTS:  msg.Content.ExpirationTS,
		Properties:    msg.Content.Properties,
		Constraints:   msg.Content.Constraints,
		NegotiationID: newNegotiationID(),
		ID:            ours,
		Issuer:        types.IssuerThem,
		State:         StateDraft,
	}

	e.mu.Lock()
	if _, ok := e.byProposal[ours]; ok {
		e.mu.Unlock()
		return bus.AckOK() // duplicate delivery
	}
	c := &chain{
		neg: Negotiation{
			ID:             round.NegotiationID,
			OfferID:        msg.OfferID,
			DemandID:       msg.Demand.ID,
			RequestorID:    msg.Demand.NodeID,
			ProviderID:     offer.NodeID,
			SubscriptionID: msg.OfferID,
		},
		rounds: []*Proposal{round},
	}
	e.indexLocked(c, ours)
	e.mu.Unlock()

	e.events.Push(msg.OfferID, Event{
		Timestamp:  now,
		Kind:       EventProposal,
		ProposalID: ours,
		Proposal:   snapshot(round),
	})
	return bus.AckOK()
}

func (e *Engine) handleCounter(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg counterProposalMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed counter proposal"))
	}
	if msg.ProposalID.Owner() != e.role.Swap() || msg.PrevProposalID.Owner() != e.role.Swap() {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "proposal %s has unexpected owner tag", msg.ProposalID))
	}

	prev := msg.PrevProposalID.Translate()
	c, err := e.lookup(prev)
	if err != nil {
		return bus.AckErr(apierr.New(apierr.KindStaleProposal, "unknown previous proposal %s", prev))
	}

	c.mu.Lock()
	if from != c.counterparty() {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "node %s is not party to negotiation %s", from, c.neg.ID))
	}
	head := c.head()
	if head.State.Terminal() {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindConflict, "negotiation %s is %s", c.neg.ID, head.State))
	}
	if head.ID != prev {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindStaleProposal, "proposal %s is not the chain head", prev))
	}
	if err := msg.ProposalID.Validate(c.neg.OfferID, c.neg.DemandID, msg.Content.CreationTS); err != nil {
		c.mu.Unlock()
		return bus.AckErr(err)
	}
	ours := msg.ProposalID.Translate()
	round := &Proposal{
		CreationTS:    msg.Content.CreationTS,
		ExpirationTS:  msg.Content.ExpirationTS,
		Properties:    msg.Content.Properties,
		Constraints:   msg.Content.Constraints,
		NegotiationID: c.neg.ID,
		ID:            ours,
		PrevID:        &head.ID,
		Issuer:        types.IssuerThem,
		State:         StateDraft,
	}
	head.State = StateDraft
	c.rounds = append(c.rounds, round)
	subID := c.neg.SubscriptionID
	negID := c.neg.ID
	c.mu.Unlock()

	e.mu.Lock()
	e.byProposal[ours] = negID
	e.mu.Unlock()

	e.events.Push(subID, Event{
		Timestamp:  e.now(),
		Kind:       EventProposal,
		ProposalID: ours,
		Proposal:   snapshot(round),
	})
	return bus.AckOK()
}

func (e *Engine) handleAccept(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg acceptMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed accept"))
	}
	if msg.ProposalID.Owner() != e.role.Swap() {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "proposal %s has unexpected owner tag", msg.ProposalID))
	}

	ours := msg.ProposalID.Translate()
	c, err := e.lookup(ours)
	if err != nil {
		return bus.AckErr(apierr.New(apierr.KindStaleProposal, "unknown proposal %s", ours))
	}

	c.mu.Lock()
	if from != c.counterparty() {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "node %s is not party to negotiation %s", from, c.neg.ID))
	}
	head := c.head()
	if head.ID != ours {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindStaleProposal, "proposal %s is not the chain head", ours))
	}
	if head.State == StateAccepted {
		c.mu.Unlock()
		return bus.AckOK() // duplicate delivery
	}
	if head.State.Terminal() {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindConflict, "negotiation %s is %s", c.neg.ID, head.State))
	}
	if head.Issuer != types.IssuerUs {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindValidation, "proposal %s was not issued by us", ours))
	}
	head.State = StateAccepted
	neg := c.neg
	final := *snapshot(head)
	c.mu.Unlock()

	if e.onAccepted != nil {
		e.onAccepted(ctx, neg, final)
	}
	return bus.AckOK()
}

func (e *Engine) handleReject(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg rejectMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed reject"))
	}

	ours := msg.ProposalID.Translate()
	c, err := e.lookup(ours)
	if err != nil {
		return bus.AckErr(apierr.New(apierr.KindStaleProposal, "unknown proposal %s", ours))
	}

	c.mu.Lock()
	if from != c.counterparty() {
		c.mu.Unlock()
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "node %s is not party to negotiation %s", from, c.neg.ID))
	}
	head := c.head()
	if head.State.Terminal() {
		c.mu.Unlock()
		return bus.AckOK() // already settled locally
	}
	head.State = StateRejected
	subID := c.neg.SubscriptionID
	c.mu.Unlock()

	e.events.Push(subID, Event{
		Timestamp:  e.now(),
		Kind:       EventProposalRejected,
		ProposalID: ours,
		Reason:     msg.Reason,
	})
	return bus.AckOK()
}

func snapshot(p *Proposal) *Proposal {
	cp := *p
	if p.Properties != nil {
		cp.Properties = p.Properties.Clone()
	}
	return &cp
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
