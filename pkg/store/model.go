// Package store holds the node's active Offers and Demands: the unit
// the matcher queries and the discovery protocol samples. Mutations go
// through narrow per-entity DAOs so the backing engine can be swapped
// (in-memory by default, Postgres for durable deployments).
package store

import (
	"time"

	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/types"
)

// Offer is a published capability advertisement. Immutable after
// creation except for the soft unsubscribed flag.
type Offer struct {
	CreationTS     time.Time          `json:"creationTs"`
	ExpirationTS   time.Time          `json:"expirationTs"`
	UnsubscribedTS time.Time          `json:"-"`
	Properties     *props.Set         `json:"properties"`
	Constraints    string             `json:"constraints"`
	ID             ids.SubscriptionID `json:"id"`
	NodeID         types.NodeID       `json:"nodeId"`
	Unsubscribed   bool               `json:"-"`
	// Local is set for offers published through this node's own API,
	// cleared for offers learned via discovery.
	Local bool `json:"-"`
}

// Demand is a published capability request, held only while the local
// subscription is active.
type Demand struct {
	CreationTS     time.Time          `json:"creationTs"`
	ExpirationTS   time.Time          `json:"expirationTs"`
	UnsubscribedTS time.Time          `json:"-"`
	Properties     *props.Set         `json:"properties"`
	Constraints    string             `json:"constraints"`
	ID             ids.SubscriptionID `json:"id"`
	NodeID         types.NodeID       `json:"nodeId"`
	Unsubscribed   bool               `json:"-"`
}

// ValidateID recomputes the offer's content hash against its id.
func (o *Offer) ValidateID() error {
	return o.ID.Validate(o.Properties, o.Constraints, o.NodeID, o.CreationTS, o.ExpirationTS)
}

func (o *Offer) Expired(now time.Time) bool {
	return !o.ExpirationTS.After(now)
}

func (d *Demand) ValidateID() error {
	return d.ID.Validate(d.Properties, d.Constraints, d.NodeID, d.CreationTS, d.ExpirationTS)
}

func (d *Demand) Expired(now time.Time) bool {
	return !d.ExpirationTS.After(now)
}
