// Package node assembles a running marketplace node: identity,
// configuration, QUIC transport, subscription store and the market
// facade, with lifecycle management.
package node

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veridix/agora/pkg/agreement"
	"github.com/veridix/agora/pkg/bus"
	"github.com/veridix/agora/pkg/config"
	"github.com/veridix/agora/pkg/discovery"
	"github.com/veridix/agora/pkg/identity"
	"github.com/veridix/agora/pkg/market"
	"github.com/veridix/agora/pkg/negotiation"
	"github.com/veridix/agora/pkg/store"
	"github.com/veridix/agora/pkg/types"
)

// Node is one marketplace participant. It always runs both market
// roles over a single transport.
type Node struct {
	identity  *identity.Identity
	transport *bus.Transport
	store     *store.SubscriptionStore
	market    *market.Market
	db        *sql.DB
	log       *zap.SugaredLogger
}

// New loads (or generates) the node identity under stateDir, opens the
// transport and assembles the market. A configured Postgres DSN makes
// the subscription store durable; otherwise it is in-memory.
func New(stateDir string, cfg *config.Config) (*Node, error) {
	ident, err := identity.Load(stateDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	transport, err := bus.NewTransport(ident, cfg.Port())
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}

	peers, err := cfg.ResolvedPeers()
	if err != nil {
		transport.Close()
		return nil, err
	}
	for nodeID, addrs := range peers {
		for _, addr := range addrs {
			transport.AddPeer(nodeID, addr)
		}
	}

	var (
		st *store.SubscriptionStore
		db *sql.DB
	)
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			transport.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st, err = store.NewPostgres(context.Background(), db, store.DefaultUnsubscribeGrace)
		if err != nil {
			db.Close()
			transport.Close()
			return nil, err
		}
	} else {
		st = store.NewInMemory()
	}

	mkt := market.New(ident, transport, st, market.Config{
		SubscriptionTTL: cfg.Market.SubscriptionTTL,
		SweepInterval:   cfg.Market.SweepInterval,
		Discovery: discovery.Config{
			MeanBroadcastInterval: cfg.Market.BroadcastInterval,
			MaxBroadcastOffers:    cfg.Market.MaxBroadcastOffers,
		},
		Negotiation: negotiation.Config{ProposalTTL: cfg.Market.ProposalTTL},
		Agreement:   agreement.Config{Validity: cfg.Market.AgreementValidity},
	})

	return &Node{
		identity:  ident,
		transport: transport,
		store:     st,
		market:    mkt,
		db:        db,
		log:       zap.S().Named("node"),
	}, nil
}

func (n *Node) NodeID() types.NodeID {
	return n.identity.NodeID()
}

func (n *Node) Market() *market.Market {
	return n.market
}

func (n *Node) Addr() string {
	return n.transport.Addr().String()
}

// Run starts the market and serves the transport until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.log.Infow("node starting", "id", n.NodeID(), "addr", n.Addr())

	n.market.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.transport.Serve(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return n.transport.Close()
	})

	err := g.Wait()
	if n.db != nil {
		n.db.Close()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
