package bus

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/identity"
	"github.com/veridix/agora/pkg/types"
)

const maxFrameLen = 4 << 20 // negotiation payloads are small JSON; anything bigger is hostile

type envelopeKind string

const (
	kindRequest envelopeKind = "req"
	kindPublish envelopeKind = "pub"
)

type envelope struct {
	Topic   string          `json:"topic"`
	Kind    envelopeKind    `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Transport is the QUIC-backed bus. Peer identity is the ed25519 key
// behind a self-signed TLS certificate; both dial directions verify
// the presented key hashes to the expected NodeID.
type Transport struct {
	cert        tls.Certificate
	qt          *quic.Transport
	listener    *quic.Listener
	log         *zap.SugaredLogger
	handlers    map[string]HandlerFn
	subscribers map[string][]SubscriberFn
	peers       map[types.NodeID]string // addr
	conns       map[types.NodeID]*quic.Conn
	nodeID      types.NodeID
	mu          sync.RWMutex
	closeOnce   sync.Once
}

// NewTransport binds a QUIC listener on port under the node's
// identity.
func NewTransport(ident *identity.Identity, port int) (*Transport, error) {
	cert, err := generateIdentityCert(ident.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("generate identity cert: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp %d: %w", port, err)
	}

	qt := &quic.Transport{Conn: conn}
	ln, err := qt.Listen(newServerTLSConfig(cert), &quic.Config{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	return &Transport{
		nodeID:      ident.NodeID(),
		cert:        cert,
		qt:          qt,
		listener:    ln,
		log:         zap.S().Named("bus"),
		handlers:    make(map[string]HandlerFn),
		subscribers: make(map[string][]SubscriberFn),
		peers:       make(map[types.NodeID]string),
		conns:       make(map[types.NodeID]*quic.Conn),
	}, nil
}

func (t *Transport) NodeID() types.NodeID {
	return t.nodeID
}

// AddPeer registers a peer's dial address.
func (t *Transport) AddPeer(nodeID types.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[nodeID] = addr
}

// Peers lists registered peer ids.
func (t *Transport) Peers() []types.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]types.NodeID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	return peers
}

func (t *Transport) Handle(topic string, h HandlerFn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[topic] = h
}

func (t *Transport) Subscribe(topic string, fn SubscriberFn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[topic] = append(t.subscribers[topic], fn)
}

// Serve accepts inbound connections until ctx is canceled.
func (t *Transport) Serve(ctx context.Context) error {
	for {
		qc, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go t.serveConn(ctx, qc)
	}
}

func (t *Transport) serveConn(ctx context.Context, qc *quic.Conn) {
	from, err := nodeIDFromConn(qc)
	if err != nil {
		t.log.Warnw("rejecting connection", "err", err)
		_ = qc.CloseWithError(1, "identity rejected")
		return
	}

	for {
		stream, err := qc.AcceptStream(ctx)
		if err != nil {
			return
		}
		go t.serveStream(ctx, from, stream)
	}
}

func (t *Transport) serveStream(ctx context.Context, from types.NodeID, stream *quic.Stream) {
	defer stream.Close()

	env, err := readFrame(stream)
	if err != nil {
		t.log.Debugw("bad frame", "from", from, "err", err)
		return
	}

	switch env.Kind {
	case kindPublish:
		t.mu.RLock()
		subs := append([]SubscriberFn(nil), t.subscribers[env.Topic]...)
		t.mu.RUnlock()
		for _, fn := range subs {
			fn(ctx, from, env.Payload)
		}

	case kindRequest:
		t.mu.RLock()
		h, ok := t.handlers[env.Topic]
		t.mu.RUnlock()

		reply := envelope{Topic: env.Topic, Kind: kindRequest}
		if !ok {
			reply.Error = fmt.Sprintf("no handler for topic %q", env.Topic)
		} else if payload, err := h(ctx, from, env.Payload); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Payload = payload
		}
		if err := writeFrame(stream, reply); err != nil {
			t.log.Debugw("failed writing reply", "to", from, "err", err)
		}
	}
}

func (t *Transport) Send(ctx context.Context, dest types.NodeID, topic string, payload []byte) ([]byte, error) {
	qc, err := t.connTo(ctx, dest)
	if err != nil {
		return nil, err
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		t.dropConn(dest, qc)
		return nil, wrapSendErr(ctx, err, dest, topic)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := writeFrame(stream, envelope{Topic: topic, Kind: kindRequest, Payload: payload}); err != nil {
		return nil, wrapSendErr(ctx, err, dest, topic)
	}

	reply, err := readFrame(stream)
	if err != nil {
		return nil, wrapSendErr(ctx, err, dest, topic)
	}
	if reply.Error != "" {
		return nil, apierr.New(apierr.KindTransport, "remote error from %s on %q: %s", dest, topic, reply.Error)
	}
	return reply.Payload, nil
}

func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	env := envelope{Topic: topic, Kind: kindPublish, Payload: payload}

	var firstErr error
	for _, dest := range t.Peers() {
		qc, err := t.connTo(ctx, dest)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		stream, err := qc.OpenStreamSync(ctx)
		if err != nil {
			t.dropConn(dest, qc)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := writeFrame(stream, env); err != nil && firstErr == nil {
			firstErr = err
		}
		_ = stream.Close()
	}
	return firstErr
}

func (t *Transport) connTo(ctx context.Context, dest types.NodeID) (*quic.Conn, error) {
	t.mu.RLock()
	qc, ok := t.conns[dest]
	addr, known := t.peers[dest]
	t.mu.RUnlock()

	if ok && qc.Context().Err() == nil {
		return qc, nil
	}
	if !known {
		return nil, apierr.New(apierr.KindTransport, "unknown peer %s", dest)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransport, err, "resolve peer %s", dest)
	}

	qc, err = t.qt.Dial(ctx, udpAddr, newExpectedPeerTLSConfig(t.cert, dest), &quic.Config{})
	if err != nil {
		return nil, wrapSendErr(ctx, err, dest, "dial")
	}

	t.mu.Lock()
	t.conns[dest] = qc
	t.mu.Unlock()
	return qc, nil
}

func (t *Transport) dropConn(dest types.NodeID, qc *quic.Conn) {
	t.mu.Lock()
	if curr, ok := t.conns[dest]; ok && curr == qc {
		delete(t.conns, dest)
	}
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		for _, qc := range t.conns {
			_ = qc.CloseWithError(0, "shutdown")
		}
		t.conns = make(map[types.NodeID]*quic.Conn)
		t.mu.Unlock()
		err = t.listener.Close()
	})
	return err
}

// Addr returns the bound UDP address.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

func wrapSendErr(ctx context.Context, err error, dest types.NodeID, topic string) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindTimeout, err, "call to %s on %q timed out", dest, topic)
	}
	return apierr.Wrap(apierr.KindTransport, err, "call to %s on %q failed", dest, topic)
}

func writeFrame(w io.Writer, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(raw) > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", len(raw))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(raw)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func readFrame(r io.Reader) (envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameLen {
		return envelope{}, fmt.Errorf("frame too large: %d bytes", n)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

var _ Bus = (*Transport)(nil)
