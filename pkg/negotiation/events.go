package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/ids"
)

// EventKind discriminates the events delivered to a subscription's
// long-poll queue.
type EventKind string

const (
	EventProposal            EventKind = "proposal"
	EventProposalRejected    EventKind = "proposal-rejected"
	EventAgreementProposed   EventKind = "agreement-proposed"
	EventAgreementApproved   EventKind = "agreement-approved"
	EventAgreementTerminated EventKind = "agreement-terminated"
)

// Event is one occurrence on a subscription: a new proposal to react
// to, a rejection of ours, or (provider side) an agreement proposal.
type Event struct {
	Timestamp   time.Time
	Kind        EventKind
	ProposalID  ids.ProposalID
	AgreementID *ids.AgreementID
	Proposal    *Proposal
	Reason      string
}

type eventQueue struct {
	events []Event
	wake   chan struct{}
	closed bool
}

// EventQueue fans incoming negotiation events out per subscription and
// serves them to long-polling collectors.
type EventQueue struct {
	mu     sync.Mutex
	queues map[ids.SubscriptionID]*eventQueue
}

func NewEventQueue() *EventQueue {
	return &EventQueue{queues: make(map[ids.SubscriptionID]*eventQueue)}
}

// Register creates the queue for a subscription. Events pushed before
// registration are dropped.
func (q *EventQueue) Register(id ids.SubscriptionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[id]; !ok {
		q.queues[id] = &eventQueue{wake: make(chan struct{}, 1)}
	}
}

// Unregister closes the queue; blocked collectors return Unsubscribed.
func (q *EventQueue) Unregister(id ids.SubscriptionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	eq, ok := q.queues[id]
	if !ok {
		return
	}
	eq.closed = true
	delete(q.queues, id)
	select {
	case eq.wake <- struct{}{}:
	default:
	}
}

func (q *EventQueue) Push(id ids.SubscriptionID, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	eq, ok := q.queues[id]
	if !ok {
		return
	}
	eq.events = append(eq.events, ev)
	select {
	case eq.wake <- struct{}{}:
	default:
	}
}

// Collect blocks until at least one event is available, then drains up
// to limit events. A timeout is not an error: it returns an empty
// slice. Collecting on an unknown subscription fails with NotFound,
// on a withdrawn one with Unsubscribed.
func (q *EventQueue) Collect(ctx context.Context, id ids.SubscriptionID, timeout time.Duration, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 10
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		eq, ok := q.queues[id]
		if !ok {
			q.mu.Unlock()
			return nil, apierr.New(apierr.KindNotFound, "no event queue for subscription %s", id)
		}
		if len(eq.events) > 0 {
			n := min(limit, len(eq.events))
			out := make([]Event, n)
			copy(out, eq.events[:n])
			eq.events = append(eq.events[:0], eq.events[n:]...)
			q.mu.Unlock()
			return out, nil
		}
		wake := eq.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return []Event{}, nil
		case <-wake:
			q.mu.Lock()
			closed := eq.closed
			q.mu.Unlock()
			if closed {
				return nil, apierr.New(apierr.KindUnsubscribed, "subscription %s withdrawn", id)
			}
		}
	}
}
