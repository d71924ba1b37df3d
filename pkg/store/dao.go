package store

import (
	"context"
	"time"

	"github.com/veridix/agora/pkg/ids"
)

// OfferDAO is the narrow data-access contract for offers. Every
// mutation is atomic with respect to concurrent reads of the same id.
type OfferDAO interface {
	Create(ctx context.Context, offer Offer) error
	Get(ctx context.Context, id ids.SubscriptionID) (Offer, error)
	MarkUnsubscribed(ctx context.Context, id ids.SubscriptionID, ts time.Time) error
	// ListActive returns non-expired, non-unsubscribed offers.
	ListActive(ctx context.Context, now time.Time, localOnly bool) ([]Offer, error)
	// Clean deletes expired offers and unsubscribed offers whose
	// grace period has elapsed, returning the number removed.
	Clean(ctx context.Context, now time.Time, grace time.Duration) (int, error)
}

// DemandDAO mirrors OfferDAO for the requestor-side collection.
type DemandDAO interface {
	Create(ctx context.Context, demand Demand) error
	Get(ctx context.Context, id ids.SubscriptionID) (Demand, error)
	MarkUnsubscribed(ctx context.Context, id ids.SubscriptionID, ts time.Time) error
	ListActive(ctx context.Context, now time.Time) ([]Demand, error)
	Clean(ctx context.Context, now time.Time, grace time.Duration) (int, error)
}
