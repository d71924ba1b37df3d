package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/types"
)

func testSubID(t *testing.T, b byte) ids.SubscriptionID {
	t.Helper()
	var node types.NodeID
	node[0] = b
	now := time.Now()
	id, err := ids.NewSubscriptionID(props.New(), "(&)", node, now, now.Add(time.Hour))
	require.NoError(t, err)
	return id
}

func TestCollectTimeoutIsEmpty(t *testing.T) {
	q := NewEventQueue()
	sub := testSubID(t, 1)
	q.Register(sub)

	evs, err := q.Collect(context.Background(), sub, 20*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCollectUnknownSubscription(t *testing.T) {
	q := NewEventQueue()

	_, err := q.Collect(context.Background(), testSubID(t, 1), time.Millisecond, 10)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestPushBeforeRegisterIsDropped(t *testing.T) {
	q := NewEventQueue()
	sub := testSubID(t, 1)

	q.Push(sub, Event{Kind: EventProposal})
	q.Register(sub)

	evs, err := q.Collect(context.Background(), sub, 20*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCollectHonorsLimit(t *testing.T) {
	q := NewEventQueue()
	sub := testSubID(t, 1)
	q.Register(sub)

	for range 5 {
		q.Push(sub, Event{Kind: EventProposal})
	}

	evs, err := q.Collect(context.Background(), sub, time.Second, 3)
	require.NoError(t, err)
	assert.Len(t, evs, 3)

	evs, err = q.Collect(context.Background(), sub, time.Second, 3)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestCollectWakesOnPush(t *testing.T) {
	q := NewEventQueue()
	sub := testSubID(t, 1)
	q.Register(sub)

	done := make(chan []Event, 1)
	go func() {
		evs, err := q.Collect(context.Background(), sub, 5*time.Second, 10)
		if err == nil {
			done <- evs
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(sub, Event{Kind: EventProposalRejected, Reason: "no deal"})

	select {
	case evs := <-done:
		require.Len(t, evs, 1)
		assert.Equal(t, EventProposalRejected, evs[0].Kind)
	case <-time.After(time.Second):
		t.Fatal("collector never woke")
	}
}

func TestUnregisterUnblocksCollectors(t *testing.T) {
	q := NewEventQueue()
	sub := testSubID(t, 1)
	q.Register(sub)

	errs := make(chan error, 1)
	go func() {
		_, err := q.Collect(context.Background(), sub, 5*time.Second, 10)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Unregister(sub)

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.True(t, apierr.IsKind(err, apierr.KindUnsubscribed))
	case <-time.After(time.Second):
		t.Fatal("collector never unblocked")
	}
}
