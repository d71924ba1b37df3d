// Package discovery gossips locally published Offers across peer
// nodes. Each node periodically broadcasts a bounded random sample of
// active offers; receivers deduplicate by subscription id and
// re-broadcast only never-seen offers, so propagation is eventual
// without flooding. Unsubscriptions propagate immediately, off the
// periodic tick, because a proposal against a withdrawn offer must
// fail fast.
package discovery

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/bus"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/store"
	"github.com/veridix/agora/pkg/types"
	"github.com/veridix/agora/pkg/util"
)

const (
	TopicOffers       = "market/offers"
	TopicUnsubscribes = "market/unsubscribes"

	DefaultMeanBroadcastInterval = 3 * time.Minute
	DefaultMaxBroadcastOffers    = 50
	DefaultBroadcastJitter       = 0.5
	DefaultSeenTTL               = time.Hour
	defaultSeenSize              = 8192
)

type Config struct {
	MeanBroadcastInterval time.Duration
	BroadcastJitter       float64
	MaxBroadcastOffers    int
	SeenTTL               time.Duration
	SeenSize              int
}

func (c Config) withDefaults() Config {
	if c.MeanBroadcastInterval <= 0 {
		c.MeanBroadcastInterval = DefaultMeanBroadcastInterval
	}
	if c.BroadcastJitter <= 0 {
		c.BroadcastJitter = DefaultBroadcastJitter
	}
	if c.MaxBroadcastOffers <= 0 {
		c.MaxBroadcastOffers = DefaultMaxBroadcastOffers
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.SeenSize <= 0 {
		c.SeenSize = defaultSeenSize
	}
	return c
}

// OfferHandler receives offers newly learned from the network.
type OfferHandler func(ctx context.Context, offer store.Offer)

// KnownOfferHandler fires when a re-broadcast of an offer we already
// hold arrives. The matcher uses it to re-run retained indeterminate
// pairs.
type KnownOfferHandler func(ctx context.Context, id ids.SubscriptionID)

// UnsubscribeHandler receives remotely propagated unsubscriptions.
type UnsubscribeHandler func(ctx context.Context, id ids.SubscriptionID)

type unsubscribeMsg struct {
	IDs []ids.SubscriptionID `json:"ids"`
}

// Discovery owns the broadcast state for one node. Its lifecycle is
// tied to node startup/shutdown, never process-global.
type Discovery struct {
	bus           bus.Bus
	store         *store.SubscriptionStore
	seen          *expirable.LRU[string, struct{}]
	onOffer       OfferHandler
	onKnownOffer  KnownOfferHandler
	onUnsubscribe UnsubscribeHandler
	log           *zap.SugaredLogger
	conf          Config
}

func New(b bus.Bus, st *store.SubscriptionStore, conf Config, onOffer OfferHandler, onKnownOffer KnownOfferHandler, onUnsubscribe UnsubscribeHandler) *Discovery {
	conf = conf.withDefaults()
	return &Discovery{
		bus:           b,
		store:         st,
		conf:          conf,
		seen:          expirable.NewLRU[string, struct{}](conf.SeenSize, nil, conf.SeenTTL),
		onOffer:       onOffer,
		onKnownOffer:  onKnownOffer,
		onUnsubscribe: onUnsubscribe,
		log:           zap.S().Named("discovery"),
	}
}

// Start subscribes to the gossip topics and runs the periodic
// broadcast until ctx is canceled.
func (d *Discovery) Start(ctx context.Context) {
	d.bus.Subscribe(TopicOffers, d.handleOffers)
	d.bus.Subscribe(TopicUnsubscribes, d.handleUnsubscribes)

	go d.broadcastLoop(ctx)
}

func (d *Discovery) broadcastLoop(ctx context.Context) {
	ticker := util.NewJitterTicker(ctx, d.conf.MeanBroadcastInterval, d.conf.BroadcastJitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.BroadcastOnce(ctx)
		}
	}
}

// BroadcastOnce publishes our own active offers padded with a random
// sample of known foreign offers, capped at MaxBroadcastOffers.
// Relaying foreign offers is what carries them beyond one hop.
func (d *Discovery) BroadcastOnce(ctx context.Context) {
	ours, err := d.store.LocalActiveOffers(ctx)
	if err != nil {
		d.log.Warnw("failed listing local offers", "err", err)
		return
	}
	all, err := d.store.ActiveOffers(ctx)
	if err != nil {
		d.log.Warnw("failed listing active offers", "err", err)
		return
	}

	batch := sampleOffers(ours, all, d.conf.MaxBroadcastOffers)
	if len(batch) == 0 {
		return
	}

	raw, err := json.Marshal(batch)
	if err != nil {
		d.log.Errorw("failed encoding offer broadcast", "err", err)
		return
	}
	if err := d.bus.Publish(ctx, TopicOffers, raw); err != nil {
		d.log.Warnw("offer broadcast failed", "err", err)
		return
	}
	d.log.Debugw("broadcasted offers", "count", len(batch), "ours", len(ours))
}

// BroadcastUnsubscribe propagates an unsubscription immediately.
func (d *Discovery) BroadcastUnsubscribe(ctx context.Context, id ids.SubscriptionID) {
	raw, err := json.Marshal(unsubscribeMsg{IDs: []ids.SubscriptionID{id}})
	if err != nil {
		d.log.Errorw("failed encoding unsubscribe", "err", err)
		return
	}
	if err := d.bus.Publish(ctx, TopicUnsubscribes, raw); err != nil {
		d.log.Warnw("unsubscribe broadcast failed", "id", id, "err", err)
	}
}

func (d *Discovery) handleOffers(ctx context.Context, from types.NodeID, payload []byte) {
	var offers []store.Offer
	if err := json.Unmarshal(payload, &offers); err != nil {
		d.log.Debugw("malformed offer broadcast", "from", from, "err", err)
		return
	}

	now := time.Now()
	var fresh []store.Offer
	for _, offer := range offers {
		key := offer.ID.String()
		_, dup := d.seen.Get(key)
		d.seen.Add(key, struct{}{})

		if offer.Expired(now) {
			continue
		}
		if d.store.KnowsOffer(ctx, offer.ID) {
			// A re-broadcast of an offer we hold: matching may be
			// parked on unresolved properties, give it another pass.
			if d.onKnownOffer != nil {
				d.onKnownOffer(ctx, offer.ID)
			}
			continue
		}
		if dup {
			continue
		}
		if offer.NodeID == d.bus.NodeID() {
			// Our own offer relayed back to us.
			continue
		}
		if err := offer.ValidateID(); err != nil {
			d.log.Warnw("dropping offer with mismatched id", "from", from, "id", offer.ID, "err", err)
			continue
		}

		offer.Local = false
		fresh = append(fresh, offer)
	}

	if len(fresh) == 0 {
		return
	}

	for _, offer := range fresh {
		d.onOffer(ctx, offer)
	}

	// Gossip hop: forward only what we had never seen.
	raw, err := json.Marshal(fresh)
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, TopicOffers, raw); err != nil {
		d.log.Debugw("re-broadcast failed", "err", err)
	}
}

func (d *Discovery) handleUnsubscribes(ctx context.Context, from types.NodeID, payload []byte) {
	var msg unsubscribeMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.log.Debugw("malformed unsubscribe broadcast", "from", from, "err", err)
		return
	}

	var fresh []ids.SubscriptionID
	for _, id := range msg.IDs {
		key := "unsub/" + id.String()
		if _, dup := d.seen.Get(key); dup {
			continue
		}
		d.seen.Add(key, struct{}{})
		fresh = append(fresh, id)
		d.onUnsubscribe(ctx, id)
	}

	if len(fresh) == 0 {
		return
	}
	raw, err := json.Marshal(unsubscribeMsg{IDs: fresh})
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, TopicUnsubscribes, raw); err != nil {
		d.log.Debugw("unsubscribe re-broadcast failed", "err", err)
	}
}

// sampleOffers returns all our offers plus a random sample of the
// remainder, capped at max.
func sampleOffers(ours, all []store.Offer, limit int) []store.Offer {
	if len(ours) >= limit {
		return ours[:limit]
	}

	batch := append([]store.Offer(nil), ours...)
	inBatch := make(map[string]struct{}, len(ours))
	for _, offer := range ours {
		inBatch[offer.ID.String()] = struct{}{}
	}

	var foreign []store.Offer
	for _, offer := range all {
		if _, ok := inBatch[offer.ID.String()]; !ok {
			foreign = append(foreign, offer)
		}
	}
	rand.Shuffle(len(foreign), func(i, j int) {
		foreign[i], foreign[j] = foreign[j], foreign[i]
	})

	room := limit - len(batch)
	if room > len(foreign) {
		room = len(foreign)
	}
	return append(batch, foreign[:room]...)
}
