package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridix/agora/pkg/bus"
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

func makeOffer(t *testing.T, node types.NodeID, ttl time.Duration) store.Offer {
	t.Helper()
	now := time.Now()
	ps := props.New()
	ps.Put("golem.inf.mem.gib", float64(8))

	id, err := ids.NewSubscriptionID(ps, "(&)", node, now, now.Add(ttl))
	require.NoError(t, err)
	return store.Offer{
		CreationTS:   now,
		ExpirationTS: now.Add(ttl),
		Properties:   ps,
		Constraints:  "(&)",
		ID:           id,
		NodeID:       node,
		Local:        true,
	}
}

// testPeer is one gossip participant recording what it learns.
type testPeer struct {
	disc  *Discovery
	store *store.SubscriptionStore

	mu       sync.Mutex
	offers   []store.Offer
	known    []ids.SubscriptionID
	unsubbed []ids.SubscriptionID
}

func newTestPeer(ctx context.Context, net *bus.Network, node types.NodeID) *testPeer {
	p := &testPeer{store: store.NewInMemory()}
	p.disc = New(net.Join(node), p.store, Config{},
		func(_ context.Context, offer store.Offer) {
			p.mu.Lock()
			p.offers = append(p.offers, offer)
			p.mu.Unlock()
		},
		func(_ context.Context, id ids.SubscriptionID) {
			p.mu.Lock()
			p.known = append(p.known, id)
			p.mu.Unlock()
		},
		func(_ context.Context, id ids.SubscriptionID) {
			p.mu.Lock()
			p.unsubbed = append(p.unsubbed, id)
			p.mu.Unlock()
		})
	p.disc.Start(ctx)
	return p
}

func (p *testPeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offers)
}

func (p *testPeer) knownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.known)
}

func (p *testPeer) unsubCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.unsubbed)
}

func TestBroadcastPropagatesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := bus.NewNetwork()
	a := newTestPeer(ctx, net, testNode(1))
	b := newTestPeer(ctx, net, testNode(2))
	c := newTestPeer(ctx, net, testNode(3))

	offer := makeOffer(t, testNode(1), time.Hour)
	require.NoError(t, a.store.CreateOffer(ctx, offer))

	a.disc.BroadcastOnce(ctx)

	require.Eventually(t, func() bool {
		return b.offerCount() == 1 && c.offerCount() == 1
	}, time.Second, 5*time.Millisecond)

	// B and C each re-broadcast the fresh offer; the seen set must
	// keep those hops from delivering it again, and the publisher
	// must not ingest its own offer.
	a.disc.BroadcastOnce(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.offerCount())
	assert.Equal(t, 1, c.offerCount())
	assert.Equal(t, 0, a.offerCount())
}

func TestHandleOffersDropsExpiredAndForged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := bus.NewNetwork()
	a := newTestPeer(ctx, net, testNode(1))

	expired := makeOffer(t, testNode(2), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	forged := makeOffer(t, testNode(2), time.Hour)
	forged.Properties.Put("golem.inf.mem.gib", float64(64))

	raw, err := json.Marshal([]store.Offer{expired, forged})
	require.NoError(t, err)
	a.disc.handleOffers(ctx, testNode(2), raw)

	assert.Equal(t, 0, a.offerCount())
}

func TestHandleOffersSkipsKnown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := bus.NewNetwork()
	a := newTestPeer(ctx, net, testNode(1))

	offer := makeOffer(t, testNode(2), time.Hour)
	offer.Local = false
	require.NoError(t, a.store.CreateOffer(ctx, offer))

	raw, err := json.Marshal([]store.Offer{offer})
	require.NoError(t, err)
	a.disc.handleOffers(ctx, testNode(2), raw)

	assert.Equal(t, 0, a.offerCount())
}

func TestRebroadcastOfKnownOfferTriggersReevaluation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := bus.NewNetwork()
	a := newTestPeer(ctx, net, testNode(1))

	offer := makeOffer(t, testNode(2), time.Hour)
	offer.Local = false
	require.NoError(t, a.store.CreateOffer(ctx, offer))

	raw, err := json.Marshal([]store.Offer{offer})
	require.NoError(t, err)

	// Each arrival of an offer we hold re-kicks matching, even when
	// the seen set has already absorbed the id for relay purposes.
	a.disc.handleOffers(ctx, testNode(2), raw)
	a.disc.handleOffers(ctx, testNode(2), raw)

	assert.Equal(t, 0, a.offerCount())
	require.Equal(t, 2, a.knownCount())
	a.mu.Lock()
	assert.Equal(t, offer.ID, a.known[0])
	a.mu.Unlock()

	// Expired re-broadcasts do not.
	stale := makeOffer(t, testNode(2), time.Millisecond)
	stale.Local = false
	time.Sleep(5 * time.Millisecond)
	raw, err = json.Marshal([]store.Offer{stale})
	require.NoError(t, err)
	a.disc.handleOffers(ctx, testNode(2), raw)
	assert.Equal(t, 2, a.knownCount())
}

func TestUnsubscribePropagatesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := bus.NewNetwork()
	a := newTestPeer(ctx, net, testNode(1))
	b := newTestPeer(ctx, net, testNode(2))

	offer := makeOffer(t, testNode(1), time.Hour)
	a.disc.BroadcastUnsubscribe(ctx, offer.ID)

	require.Eventually(t, func() bool {
		return b.unsubCount() == 1
	}, time.Second, 5*time.Millisecond)
	b.mu.Lock()
	assert.Equal(t, offer.ID, b.unsubbed[0])
	b.mu.Unlock()

	// Repeats are absorbed by the seen set.
	a.disc.BroadcastUnsubscribe(ctx, offer.ID)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.unsubCount())
}
