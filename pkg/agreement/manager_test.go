package agreement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/bus"
	"github.com/veridix/agora/pkg/identity"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/negotiation"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/store"
	"github.com/veridix/agora/pkg/types"
)

type accepted struct {
	neg   negotiation.Negotiation
	final negotiation.Proposal
}

// party is one side's full negotiation and agreement stack.
type party struct {
	ident    *identity.Identity
	store    *store.SubscriptionStore
	events   *negotiation.EventQueue
	engine   *negotiation.Engine
	mgr      *Manager
	accepted chan accepted
}

func newParty(t *testing.T, net *bus.Network, role types.Owner, cfg Config) *party {
	t.Helper()
	ident, err := identity.Generate()
	require.NoError(t, err)

	p := &party{
		ident:    ident,
		store:    store.NewInMemory(),
		events:   negotiation.NewEventQueue(),
		accepted: make(chan accepted, 1),
	}
	ep := net.Join(ident.NodeID())
	onAccepted := func(_ context.Context, neg negotiation.Negotiation, final negotiation.Proposal) {
		p.accepted <- accepted{neg: neg, final: final}
	}
	p.engine = negotiation.NewEngine(role, ep, p.store, p.events, onAccepted, negotiation.Config{})
	p.engine.Start()
	p.mgr = NewManager(role, ident, ep, p.events, p.engine, cfg)
	p.mgr.Start()
	return p
}

type fixture struct {
	provider, requestor *party
	offer               store.Offer
	demand              store.Demand

	// The requestor's view of the accepted chain.
	neg   negotiation.Negotiation
	final negotiation.Proposal
}

func collectOne(t *testing.T, p *party, sub ids.SubscriptionID) negotiation.Event {
	t.Helper()
	evs, err := p.events.Collect(context.Background(), sub, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	return evs[0]
}

// newFixture negotiates one offer/demand pair to acceptance on both
// sides.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	net := bus.NewNetwork()

	f := &fixture{
		provider:  newParty(t, net, types.OwnerProvider, cfg),
		requestor: newParty(t, net, types.OwnerRequestor, cfg),
	}

	now := time.Now()
	offerProps := props.New()
	offerProps.Put("golem.inf.mem.gib", float64(8))
	offerID, err := ids.NewSubscriptionID(offerProps, "(&)", f.provider.ident.NodeID(), now, now.Add(time.Hour))
	require.NoError(t, err)
	f.offer = store.Offer{
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
		Properties:   offerProps,
		Constraints:  "(&)",
		ID:           offerID,
		NodeID:       f.provider.ident.NodeID(),
		Local:        true,
	}
	require.NoError(t, f.provider.store.CreateOffer(ctx, f.offer))
	f.provider.events.Register(f.offer.ID)

	demandProps := props.New()
	demandID, err := ids.NewSubscriptionID(demandProps, "(golem.inf.mem.gib>=2)", f.requestor.ident.NodeID(), now, now.Add(time.Hour))
	require.NoError(t, err)
	f.demand = store.Demand{
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
		Properties:   demandProps,
		Constraints:  "(golem.inf.mem.gib>=2)",
		ID:           demandID,
		NodeID:       f.requestor.ident.NodeID(),
	}
	require.NoError(t, f.requestor.store.CreateDemand(ctx, f.demand))
	f.requestor.events.Register(f.demand.ID)

	require.NoError(t, f.requestor.engine.StartNegotiation(f.offer, f.demand))
	initialID := collectOne(t, f.requestor, f.demand.ID).ProposalID

	_, err = f.requestor.engine.CounterProposal(ctx, initialID, f.demand.Properties, f.demand.Constraints)
	require.NoError(t, err)
	provView := collectOne(t, f.provider, f.offer.ID).ProposalID

	_, err = f.provider.engine.CounterProposal(ctx, provView, f.offer.Properties, f.offer.Constraints)
	require.NoError(t, err)
	reqView := collectOne(t, f.requestor, f.demand.ID).ProposalID

	require.NoError(t, f.requestor.engine.AcceptProposal(ctx, reqView))
	acc := <-f.requestor.accepted
	<-f.provider.accepted
	f.neg = acc.neg
	f.final = acc.final
	return f
}

// proposeAgreement runs Create and returns both sides' agreement ids.
func proposeAgreement(t *testing.T, f *fixture) (reqAid, provAid ids.AgreementID) {
	t.Helper()
	aid, err := f.requestor.mgr.Create(context.Background(), f.neg, f.final)
	require.NoError(t, err)

	ev := collectOne(t, f.provider, f.offer.ID)
	require.Equal(t, negotiation.EventAgreementProposed, ev.Kind)
	require.NotNil(t, ev.AgreementID)
	require.Equal(t, aid.Translate(), *ev.AgreementID)
	return aid, *ev.AgreementID
}

func TestAgreementHandshake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	reqAid, provAid := proposeAgreement(t, f)

	provA, err := f.provider.mgr.Get(provAid)
	require.NoError(t, err)
	assert.Equal(t, StatePending, provA.State)
	require.NotNil(t, provA.ProposedSig)

	require.NoError(t, f.provider.mgr.Approve(ctx, provAid))

	provA, err = f.provider.mgr.Get(provAid)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, provA.State)
	require.NotNil(t, provA.ApprovedSig)
	require.NotNil(t, provA.CommittedSig)

	reqA, err := f.requestor.mgr.Get(reqAid)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, reqA.State)
	require.NotNil(t, reqA.CommittedSig)
	assert.Equal(t, provA.CommittedSig.Sig, reqA.CommittedSig.Sig)

	ev := collectOne(t, f.requestor, f.demand.ID)
	assert.Equal(t, negotiation.EventAgreementApproved, ev.Kind)

	// Re-approval is a no-op once settled.
	require.NoError(t, f.provider.mgr.Approve(ctx, provAid))
}

func TestCreateRequiresAcceptedProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	draft := f.final
	draft.State = negotiation.StateDraft
	_, err := f.requestor.mgr.Create(ctx, f.neg, draft)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))

	_, err = f.provider.mgr.Create(ctx, f.neg, f.final)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestRejectAgreement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	reqAid, provAid := proposeAgreement(t, f)

	require.NoError(t, f.provider.mgr.Reject(ctx, provAid, "capacity committed"))
	require.NoError(t, f.provider.mgr.Reject(ctx, provAid, "capacity committed"))

	provA, err := f.provider.mgr.Get(provAid)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, provA.State)
	assert.Equal(t, "capacity committed", provA.TerminationReason)

	reqA, err := f.requestor.mgr.Get(reqAid)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, reqA.State)
}

func TestCancelAgreement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	reqAid, provAid := proposeAgreement(t, f)

	require.NoError(t, f.requestor.mgr.Cancel(ctx, reqAid, "found a better offer"))

	provA, err := f.provider.mgr.Get(provAid)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, provA.State)

	err = f.provider.mgr.Approve(ctx, provAid)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestTerminateFromEitherSide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	reqAid, provAid := proposeAgreement(t, f)
	require.NoError(t, f.provider.mgr.Approve(ctx, provAid))

	require.NoError(t, f.requestor.mgr.Terminate(ctx, reqAid, "work finished"))

	provA, err := f.provider.mgr.Get(provAid)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, provA.State)
	assert.Equal(t, "work finished", provA.TerminationReason)

	// Idempotent from both sides.
	require.NoError(t, f.requestor.mgr.Terminate(ctx, reqAid, "work finished"))
	require.NoError(t, f.provider.mgr.Terminate(ctx, provAid, "work finished"))
}

func TestTerminateRequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	reqAid, _ := proposeAgreement(t, f)

	err := f.requestor.mgr.Terminate(ctx, reqAid, "too soon")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestSweepExpiredAgreements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Validity: time.Millisecond})

	_, provAid := proposeAgreement(t, f)

	assert.Equal(t, 1, f.requestor.mgr.SweepExpired(time.Now().Add(time.Second)))
	assert.Equal(t, 1, f.provider.mgr.SweepExpired(time.Now().Add(time.Second)))

	err := f.provider.mgr.Approve(ctx, provAid)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestSweepEvictsSettledAgreements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	reqAid, provAid := proposeAgreement(t, f)
	require.NoError(t, f.provider.mgr.Reject(ctx, provAid, "price too low"))

	// The first sweep observing the terminal agreement starts the
	// retention clock; it stays queryable meanwhile.
	now := time.Now()
	f.provider.mgr.SweepExpired(now)
	_, err := f.provider.mgr.Get(provAid)
	require.NoError(t, err)

	f.provider.mgr.SweepExpired(now.Add(2 * time.Hour))
	_, err = f.provider.mgr.Get(provAid)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
	assert.Empty(t, f.provider.mgr.List())

	// The requestor side settles and evicts independently.
	f.requestor.mgr.SweepExpired(now)
	f.requestor.mgr.SweepExpired(now.Add(2 * time.Hour))
	_, err = f.requestor.mgr.Get(reqAid)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}
