package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/types"
)

func testNode(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func TestSendRoundTrip(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))
	b := net.Join(testNode(2))

	b.Handle("echo", func(_ context.Context, from types.NodeID, payload []byte) ([]byte, error) {
		assert.Equal(t, a.NodeID(), from)
		return payload, nil
	})

	reply, err := a.Send(context.Background(), b.NodeID(), "echo", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)
}

func TestSendUnknownDestination(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))

	_, err := a.Send(context.Background(), testNode(9), "echo", nil)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTransport))
}

func TestSendNoHandler(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))
	b := net.Join(testNode(2))

	_, err := a.Send(context.Background(), b.NodeID(), "unbound", nil)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTransport))
}

func TestSendHonorsDeadline(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))
	b := net.Join(testNode(2))

	release := make(chan struct{})
	b.Handle("slow", func(context.Context, types.NodeID, []byte) ([]byte, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Send(ctx, b.NodeID(), "slow", nil)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTimeout))
}

func TestPublishFansOut(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))
	b := net.Join(testNode(2))
	c := net.Join(testNode(3))

	var got atomic.Int32
	sub := func(_ context.Context, from types.NodeID, payload []byte) {
		assert.Equal(t, a.NodeID(), from)
		assert.Equal(t, []byte("news"), payload)
		got.Add(1)
	}
	b.Subscribe("topic", sub)
	c.Subscribe("topic", sub)
	// The publisher's own subscription must not hear its broadcast.
	a.Subscribe("topic", func(context.Context, types.NodeID, []byte) {
		t.Error("publisher received its own broadcast")
	})

	require.NoError(t, a.Publish(context.Background(), "topic", []byte("news")))

	require.Eventually(t, func() bool {
		return got.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestClosedEndpointUnreachable(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))
	b := net.Join(testNode(2))
	b.Handle("echo", func(_ context.Context, _ types.NodeID, p []byte) ([]byte, error) {
		return p, nil
	})

	require.NoError(t, b.Close())
	_, err := a.Send(context.Background(), b.NodeID(), "echo", nil)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTransport))
}

func TestCallRestoresRemoteKind(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))
	b := net.Join(testNode(2))

	b.Handle("op", func(context.Context, types.NodeID, []byte) ([]byte, error) {
		return AckErr(apierr.New(apierr.KindStaleProposal, "round superseded"))
	})

	err := Call(context.Background(), a, b.NodeID(), "op", struct{}{})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindStaleProposal))
	assert.Contains(t, err.Error(), "round superseded")
}

func TestCallReplyCarriesPayload(t *testing.T) {
	net := NewNetwork()
	a := net.Join(testNode(1))
	b := net.Join(testNode(2))

	type countedAck struct {
		Ack
		Count int `json:"count"`
	}

	b.Handle("op", func(context.Context, types.NodeID, []byte) ([]byte, error) {
		return json.Marshal(countedAck{Ack: Ack{OK: true}, Count: 7})
	})

	reply, err := CallReply[countedAck](context.Background(), a, b.NodeID(), "op", struct{}{})
	require.NoError(t, err)
	require.NoError(t, reply.Err(b.NodeID()))
	assert.Equal(t, 7, reply.Count)
}

func TestKindFromStringRoundTrip(t *testing.T) {
	for k := apierr.KindValidation; k <= apierr.KindInternal; k++ {
		assert.Equal(t, k, kindFromString(k.String()))
	}
	assert.Equal(t, apierr.KindInternal, kindFromString("no-such-kind"))
}
