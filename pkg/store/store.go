package store

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/ids"
)

// DefaultUnsubscribeGrace is how long soft-deleted subscriptions are
// retained so late-arriving proposals against them are rejected with a
// clear reason instead of "not found".
const DefaultUnsubscribeGrace = 10 * time.Minute

// SubscriptionStore is the shared collection of Offers and Demands
// the matcher queries and discovery samples.
type SubscriptionStore struct {
	offers  OfferDAO
	demands DemandDAO
	log     *zap.SugaredLogger
	grace   time.Duration
}

func New(offers OfferDAO, demands DemandDAO, grace time.Duration) *SubscriptionStore {
	if grace <= 0 {
		grace = DefaultUnsubscribeGrace
	}
	return &SubscriptionStore{
		offers:  offers,
		demands: demands,
		grace:   grace,
		log:     zap.S().Named("store"),
	}
}

// NewInMemory builds a store over the default in-memory DAOs.
func NewInMemory() *SubscriptionStore {
	return New(NewMemOfferDAO(), NewMemDemandDAO(), DefaultUnsubscribeGrace)
}

// NewPostgres builds a durable store over db, creating the schema if
// needed.
func NewPostgres(ctx context.Context, db *sql.DB, grace time.Duration) (*SubscriptionStore, error) {
	if err := InitPgSchema(ctx, db); err != nil {
		return nil, err
	}
	return New(NewPgOfferDAO(db), NewPgDemandDAO(db), grace), nil
}

func (s *SubscriptionStore) CreateOffer(ctx context.Context, offer Offer) error {
	if err := offer.ValidateID(); err != nil {
		return err
	}
	return s.offers.Create(ctx, offer)
}

func (s *SubscriptionStore) CreateDemand(ctx context.Context, demand Demand) error {
	if err := demand.ValidateID(); err != nil {
		return err
	}
	return s.demands.Create(ctx, demand)
}

// Offer returns the active offer for id. Soft-deleted offers inside
// the grace period surface as KindUnsubscribed.
func (s *SubscriptionStore) Offer(ctx context.Context, id ids.SubscriptionID) (Offer, error) {
	offer, err := s.offers.Get(ctx, id)
	if err != nil {
		return Offer{}, err
	}
	if offer.Unsubscribed {
		return Offer{}, apierr.New(apierr.KindUnsubscribed, "offer %s has been unsubscribed", id)
	}
	if offer.Expired(time.Now()) {
		return Offer{}, apierr.New(apierr.KindNotFound, "offer %s has expired", id)
	}
	return offer, nil
}

func (s *SubscriptionStore) Demand(ctx context.Context, id ids.SubscriptionID) (Demand, error) {
	demand, err := s.demands.Get(ctx, id)
	if err != nil {
		return Demand{}, err
	}
	if demand.Unsubscribed {
		return Demand{}, apierr.New(apierr.KindUnsubscribed, "demand %s has been unsubscribed", id)
	}
	if demand.Expired(time.Now()) {
		return Demand{}, apierr.New(apierr.KindNotFound, "demand %s has expired", id)
	}
	return demand, nil
}

// KnowsOffer reports whether the offer exists in any state, including
// soft-deleted. Discovery dedup uses this.
func (s *SubscriptionStore) KnowsOffer(ctx context.Context, id ids.SubscriptionID) bool {
	_, err := s.offers.Get(ctx, id)
	return err == nil
}

func (s *SubscriptionStore) MarkOfferUnsubscribed(ctx context.Context, id ids.SubscriptionID) error {
	return s.offers.MarkUnsubscribed(ctx, id, time.Now())
}

func (s *SubscriptionStore) MarkDemandUnsubscribed(ctx context.Context, id ids.SubscriptionID) error {
	return s.demands.MarkUnsubscribed(ctx, id, time.Now())
}

func (s *SubscriptionStore) ActiveOffers(ctx context.Context) ([]Offer, error) {
	return s.offers.ListActive(ctx, time.Now(), false)
}

func (s *SubscriptionStore) LocalActiveOffers(ctx context.Context) ([]Offer, error) {
	return s.offers.ListActive(ctx, time.Now(), true)
}

func (s *SubscriptionStore) ActiveDemands(ctx context.Context) ([]Demand, error) {
	return s.demands.ListActive(ctx, time.Now())
}

// Clean sweeps expired entries and unsubscribed entries past the
// grace period from both collections.
func (s *SubscriptionStore) Clean(ctx context.Context) {
	now := time.Now()
	offersRemoved, err := s.offers.Clean(ctx, now, s.grace)
	if err != nil {
		s.log.Warnw("offer sweep failed", "err", err)
	}
	demandsRemoved, err := s.demands.Clean(ctx, now, s.grace)
	if err != nil {
		s.log.Warnw("demand sweep failed", "err", err)
	}
	if offersRemoved > 0 || demandsRemoved > 0 {
		s.log.Debugw("swept subscriptions", "offers", offersRemoved, "demands", demandsRemoved)
	}
}
