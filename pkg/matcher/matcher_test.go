package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/store"
	"github.com/veridix/agora/pkg/types"
)

func testNode(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func makeOffer(t *testing.T, node types.NodeID, mem float64) store.Offer {
	t.Helper()
	now := time.Now()
	ps := props.New()
	ps.Put("golem.inf.mem.gib", mem)

	id, err := ids.NewSubscriptionID(ps, "(&)", node, now, now.Add(time.Hour))
	require.NoError(t, err)
	return store.Offer{
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
		Properties:   ps,
		Constraints:  "(&)",
		ID:           id,
		NodeID:       node,
		Local:        true,
	}
}

func makeDemand(t *testing.T, node types.NodeID, constraints string) store.Demand {
	t.Helper()
	now := time.Now()
	ps := props.New()

	id, err := ids.NewSubscriptionID(ps, constraints, node, now, now.Add(time.Hour))
	require.NoError(t, err)
	return store.Demand{
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
		Properties:   ps,
		Constraints:  constraints,
		ID:           id,
		NodeID:       node,
	}
}

func TestMutualMatchEmitsDraft(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory())

	offer := makeOffer(t, testNode(1), 8)
	demand := makeDemand(t, testNode(2), "(golem.inf.mem.gib>=2)")

	require.NoError(t, m.AddOffer(ctx, offer))
	require.NoError(t, m.AddDemand(ctx, demand))

	select {
	case draft := <-m.Drafts():
		assert.Equal(t, offer.ID, draft.Offer.ID)
		assert.Equal(t, demand.ID, draft.Demand.ID)
	default:
		t.Fatal("expected a draft proposal")
	}
}

func TestRejectedPairEmitsNothing(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory())

	require.NoError(t, m.AddOffer(ctx, makeOffer(t, testNode(1), 8)))
	require.NoError(t, m.AddDemand(ctx, makeDemand(t, testNode(2), "(golem.inf.mem.gib>=64)")))

	select {
	case draft := <-m.Drafts():
		t.Fatalf("unexpected draft %v", draft)
	default:
	}
	assert.Empty(t, m.pending)
}

func TestIndeterminatePairRetained(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory())

	offer := makeOffer(t, testNode(1), 8)
	demand := makeDemand(t, testNode(2), "(golem.inf.storage.gib>=10)")

	require.NoError(t, m.AddOffer(ctx, offer))
	require.NoError(t, m.AddDemand(ctx, demand))

	select {
	case draft := <-m.Drafts():
		t.Fatalf("unexpected draft %v", draft)
	default:
	}

	// Retained under both sides so either withdrawal can clear it.
	m.mu.Lock()
	assert.Len(t, m.pending[offer.ID], 1)
	assert.Len(t, m.pending[demand.ID], 1)
	m.mu.Unlock()

	m.Unsubscribed(offer.ID)
	m.mu.Lock()
	assert.NotContains(t, m.pending, offer.ID)
	m.mu.Unlock()
}

func TestReevaluateDropsDeadPairs(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemory()
	m := New(st)

	offer := makeOffer(t, testNode(1), 8)
	demand := makeDemand(t, testNode(2), "(golem.inf.storage.gib>=10)")
	require.NoError(t, m.AddOffer(ctx, offer))
	require.NoError(t, m.AddDemand(ctx, demand))

	require.NoError(t, st.MarkOfferUnsubscribed(ctx, offer.ID))
	m.Reevaluate(ctx, demand.ID)

	m.mu.Lock()
	assert.NotContains(t, m.pending, demand.ID)
	m.mu.Unlock()

	select {
	case draft := <-m.Drafts():
		t.Fatalf("unexpected draft %v", draft)
	default:
	}
}

func TestReevaluateConvertsResolvedPair(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory())

	offer := makeOffer(t, testNode(1), 8)
	demand := makeDemand(t, testNode(2), "(golem.inf.storage.gib>=10)")
	require.NoError(t, m.AddOffer(ctx, offer))
	require.NoError(t, m.AddDemand(ctx, demand))

	select {
	case draft := <-m.Drafts():
		t.Fatalf("unexpected draft %v", draft)
	default:
	}

	// The offer gains the property the demand was parked on.
	offer.Properties.Put("golem.inf.storage.gib", float64(100))
	m.Reevaluate(ctx, offer.ID)

	select {
	case draft := <-m.Drafts():
		assert.Equal(t, offer.ID, draft.Offer.ID)
		assert.Equal(t, demand.ID, draft.Demand.ID)
	default:
		t.Fatal("expected a draft proposal")
	}
	m.mu.Lock()
	assert.Empty(t, m.pending)
	m.mu.Unlock()
}

func TestReevaluateKeepsUnresolvedPairOnce(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory())

	offer := makeOffer(t, testNode(1), 8)
	demand := makeDemand(t, testNode(2), "(golem.inf.storage.gib>=10)")
	require.NoError(t, m.AddOffer(ctx, offer))
	require.NoError(t, m.AddDemand(ctx, demand))

	// Still indeterminate: the pair must be re-retained under both
	// ids without duplicating either entry.
	m.Reevaluate(ctx, offer.ID)
	m.Reevaluate(ctx, demand.ID)

	m.mu.Lock()
	assert.Len(t, m.pending[offer.ID], 1)
	assert.Len(t, m.pending[demand.ID], 1)
	m.mu.Unlock()
}

func TestRemoteOfferIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := New(store.NewInMemory())

	offer := makeOffer(t, testNode(3), 8)
	demand := makeDemand(t, testNode(2), "(golem.inf.mem.gib>=2)")
	require.NoError(t, m.AddDemand(ctx, demand))

	m.ReceiveRemoteOffer(ctx, offer)
	m.ReceiveRemoteOffer(ctx, offer)

	var drafts int
	for {
		select {
		case draft := <-m.Drafts():
			assert.False(t, draft.Offer.Local)
			drafts++
		default:
			assert.Equal(t, 1, drafts)
			return
		}
	}
}
