package store

import (
	"context"
	"sync"
	"time"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/ids"
)

// MemOfferDAO is the default in-memory offer DAO.
type MemOfferDAO struct {
	offers map[ids.SubscriptionID]Offer
	mu     sync.RWMutex
}

func NewMemOfferDAO() *MemOfferDAO {
	return &MemOfferDAO{offers: make(map[ids.SubscriptionID]Offer)}
}

func (d *MemOfferDAO) Create(_ context.Context, offer Offer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.offers[offer.ID]; exists {
		return apierr.New(apierr.KindAlreadyExists, "offer %s already exists", offer.ID)
	}
	d.offers[offer.ID] = offer
	return nil
}

func (d *MemOfferDAO) Get(_ context.Context, id ids.SubscriptionID) (Offer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	offer, ok := d.offers[id]
	if !ok {
		return Offer{}, apierr.New(apierr.KindNotFound, "offer %s not found", id)
	}
	return offer, nil
}

func (d *MemOfferDAO) MarkUnsubscribed(_ context.Context, id ids.SubscriptionID, ts time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	offer, ok := d.offers[id]
	if !ok {
		return apierr.New(apierr.KindNotFound, "offer %s not found", id)
	}
	if offer.Unsubscribed {
		return apierr.New(apierr.KindUnsubscribed, "offer %s already unsubscribed", id)
	}
	offer.Unsubscribed = true
	offer.UnsubscribedTS = ts
	d.offers[id] = offer
	return nil
}

func (d *MemOfferDAO) ListActive(_ context.Context, now time.Time, localOnly bool) ([]Offer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var active []Offer
	for _, offer := range d.offers {
		if offer.Unsubscribed || offer.Expired(now) {
			continue
		}
		if localOnly && !offer.Local {
			continue
		}
		active = append(active, offer)
	}
	return active, nil
}

func (d *MemOfferDAO) Clean(_ context.Context, now time.Time, grace time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, offer := range d.offers {
		switch {
		case offer.Unsubscribed && now.Sub(offer.UnsubscribedTS) > grace:
		case offer.Expired(now.Add(-grace)):
		default:
			continue
		}
		delete(d.offers, id)
		removed++
	}
	return removed, nil
}

// MemDemandDAO is the default in-memory demand DAO.
type MemDemandDAO struct {
	demands map[ids.SubscriptionID]Demand
	mu      sync.RWMutex
}

func NewMemDemandDAO() *MemDemandDAO {
	return &MemDemandDAO{demands: make(map[ids.SubscriptionID]Demand)}
}

func (d *MemDemandDAO) Create(_ context.Context, demand Demand) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.demands[demand.ID]; exists {
		return apierr.New(apierr.KindAlreadyExists, "demand %s already exists", demand.ID)
	}
	d.demands[demand.ID] = demand
	return nil
}

func (d *MemDemandDAO) Get(_ context.Context, id ids.SubscriptionID) (Demand, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	demand, ok := d.demands[id]
	if !ok {
		return Demand{}, apierr.New(apierr.KindNotFound, "demand %s not found", id)
	}
	return demand, nil
}

func (d *MemDemandDAO) MarkUnsubscribed(_ context.Context, id ids.SubscriptionID, ts time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	demand, ok := d.demands[id]
	if !ok {
		return apierr.New(apierr.KindNotFound, "demand %s not found", id)
	}
	if demand.Unsubscribed {
		return apierr.New(apierr.KindUnsubscribed, "demand %s already unsubscribed", id)
	}
	demand.Unsubscribed = true
	demand.UnsubscribedTS = ts
	d.demands[id] = demand
	return nil
}

func (d *MemDemandDAO) ListActive(_ context.Context, now time.Time) ([]Demand, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var active []Demand
	for _, demand := range d.demands {
		if demand.Unsubscribed || demand.Expired(now) {
			continue
		}
		active = append(active, demand)
	}
	return active, nil
}

func (d *MemDemandDAO) Clean(_ context.Context, now time.Time, grace time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, demand := range d.demands {
		switch {
		case demand.Unsubscribed && now.Sub(demand.UnsubscribedTS) > grace:
		case demand.Expired(now.Add(-grace)):
		default:
			continue
		}
		delete(d.demands, id)
		removed++
	}
	return removed, nil
}

var (
	_ OfferDAO  = (*MemOfferDAO)(nil)
	_ DemandDAO = (*MemDemandDAO)(nil)
)
