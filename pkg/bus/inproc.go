package bus

import (
	"context"
	"sync"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/types"
)

// Network is an in-process bus shared by test nodes. Endpoints bind by
// NodeID; point-to-point calls run the destination handler on a fresh
// goroutine so sender deadlines are honored.
type Network struct {
	endpoints map[types.NodeID]*Endpoint
	mu        sync.RWMutex
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[types.NodeID]*Endpoint)}
}

// Join binds a new endpoint for nodeID.
func (n *Network) Join(nodeID types.NodeID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep := &Endpoint{
		net:         n,
		nodeID:      nodeID,
		handlers:    make(map[string]HandlerFn),
		subscribers: make(map[string][]SubscriberFn),
	}
	n.endpoints[nodeID] = ep
	return ep
}

func (n *Network) lookup(nodeID types.NodeID) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[nodeID]
	return ep, ok
}

func (n *Network) remove(nodeID types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, nodeID)
}

func (n *Network) others(nodeID types.NodeID) []*Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]*Endpoint, 0, len(n.endpoints))
	for id, ep := range n.endpoints {
		if id == nodeID {
			continue
		}
		peers = append(peers, ep)
	}
	return peers
}

// Endpoint is one node's attachment to an in-process Network.
type Endpoint struct {
	net         *Network
	handlers    map[string]HandlerFn
	subscribers map[string][]SubscriberFn
	nodeID      types.NodeID
	mu          sync.RWMutex
}

func (e *Endpoint) NodeID() types.NodeID {
	return e.nodeID
}

func (e *Endpoint) Handle(topic string, h HandlerFn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[topic] = h
}

func (e *Endpoint) Subscribe(topic string, fn SubscriberFn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[topic] = append(e.subscribers[topic], fn)
}

func (e *Endpoint) Send(ctx context.Context, dest types.NodeID, topic string, payload []byte) ([]byte, error) {
	target, ok := e.net.lookup(dest)
	if !ok {
		return nil, apierr.New(apierr.KindTransport, "destination %s not bound", dest)
	}

	target.mu.RLock()
	h, ok := target.handlers[topic]
	target.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.KindTransport, "no handler for topic %q on %s", topic, dest)
	}

	type reply struct {
		payload []byte
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		payload, err := h(ctx, e.nodeID, payload)
		done <- reply{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, apierr.Wrap(apierr.KindTimeout, ctx.Err(), "call to %s on %q timed out", dest, topic)
	case r := <-done:
		return r.payload, r.err
	}
}

func (e *Endpoint) Publish(ctx context.Context, topic string, payload []byte) error {
	// Delivery outlives the publisher's call.
	ctx = context.WithoutCancel(ctx)
	for _, peer := range e.net.others(e.nodeID) {
		peer.mu.RLock()
		subs := append([]SubscriberFn(nil), peer.subscribers[topic]...)
		peer.mu.RUnlock()

		for _, fn := range subs {
			go fn(ctx, e.nodeID, payload)
		}
	}
	return nil
}

func (e *Endpoint) Close() error {
	e.net.remove(e.nodeID)
	return nil
}

var _ Bus = (*Endpoint)(nil)
