package agreement

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/bus"
	"github.com/veridix/agora/pkg/identity"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/negotiation"
	"github.com/veridix/agora/pkg/types"
)

const (
	DefaultValidity          = time.Hour
	DefaultTerminalRetention = time.Hour
)

// Topics are role-addressed like the negotiation protocol; agreement
// ids on the wire are in the sender's numbering.
const (
	agreementTopicPrefix = "market/agreement/"

	opPropose   = "propose"
	opApprove   = "approve"
	opRejectAgr = "reject"
	opCancel    = "cancel"
	opTerminate = "terminate"
)

func agreementTopic(role types.Owner, op string) string {
	if role == types.OwnerProvider {
		return agreementTopicPrefix + "provider/" + op
	}
	return agreementTopicPrefix + "requestor/" + op
}

type proposeMsg struct {
	AgreementID     ids.AgreementID    `json:"agreementId"`
	FinalProposalID ids.ProposalID     `json:"finalProposalId"`
	CreationTS      time.Time          `json:"creationTs"`
	ValidTo         time.Time          `json:"validTo"`
	ProposedSig     identity.Signature `json:"proposedSig"`
}

type approveMsg struct {
	AgreementID ids.AgreementID    `json:"agreementId"`
	ApprovedTS  time.Time          `json:"approvedTs"`
	ApprovedSig identity.Signature `json:"approvedSig"`
}

// approveReply carries the requestor's countersignature back on the
// approval round-trip, closing the three-signature handshake in one
// exchange.
type approveReply struct {
	bus.Ack
	CommittedSig *identity.Signature `json:"committedSig,omitempty"`
}

type decisionMsg struct {
	AgreementID ids.AgreementID `json:"agreementId"`
	Reason      string          `json:"reason"`
}

type terminateMsg struct {
	AgreementID ids.AgreementID    `json:"agreementId"`
	Reason      string             `json:"reason"`
	Signature   identity.Signature `json:"signature"`
}

// Config bounds agreement lifetimes.
type Config struct {
	// Validity is how long a freshly proposed agreement stays
	// approvable.
	Validity time.Duration
	// TerminalRetention is how long settled agreements stay queryable
	// before the sweep drops them.
	TerminalRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Validity <= 0 {
		c.Validity = DefaultValidity
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}
	return c
}

type entry struct {
	mu        sync.Mutex
	a         *Agreement
	settledAt time.Time // set by the sweep when first seen terminal
}

// Manager drives one side's agreement lifecycle. Agreements are keyed
// under our own numbering; each one has its own lock so concurrent
// lifecycles never serialize on each other.
type Manager struct {
	role     types.Owner
	identity *identity.Identity
	bus      bus.Bus
	events   *negotiation.EventQueue
	negs     *negotiation.Engine
	cfg      Config
	log      *zap.SugaredLogger
	now      func() time.Time

	mu         sync.Mutex
	agreements map[ids.AgreementID]*entry
}

func NewManager(role types.Owner, ident *identity.Identity, b bus.Bus, events *negotiation.EventQueue, negs *negotiation.Engine, cfg Config) *Manager {
	return &Manager{
		role:       role,
		identity:   ident,
		bus:        b,
		events:     events,
		negs:       negs,
		cfg:        cfg.withDefaults(),
		log:        zap.S().Named("agreement").With("role", role),
		now:        time.Now,
		agreements: make(map[ids.AgreementID]*entry),
	}
}

// Start registers the manager's inbound handlers on the bus.
func (m *Manager) Start() {
	if m.role == types.OwnerProvider {
		m.bus.Handle(agreementTopic(m.role, opPropose), m.handlePropose)
		m.bus.Handle(agreementTopic(m.role, opCancel), m.handleCancel)
	} else {
		m.bus.Handle(agreementTopic(m.role, opApprove), m.handleApprove)
		m.bus.Handle(agreementTopic(m.role, opRejectAgr), m.handleReject)
	}
	m.bus.Handle(agreementTopic(m.role, opTerminate), m.handleTerminate)
}

func (m *Manager) get(aid ids.AgreementID) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	en, ok := m.agreements[aid]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "unknown agreement %s", aid)
	}
	return en, nil
}

// Get returns a copy of the agreement's current state.
func (m *Manager) Get(aid ids.AgreementID) (Agreement, error) {
	en, err := m.get(aid)
	if err != nil {
		return Agreement{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.a.clone(), nil
}

// List returns copies of all agreements this side tracks.
func (m *Manager) List() []Agreement {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.agreements))
	for _, en := range m.agreements {
		entries = append(entries, en)
	}
	m.mu.Unlock()

	out := make([]Agreement, 0, len(entries))
	for _, en := range entries {
		en.mu.Lock()
		out = append(out, en.a.clone())
		en.mu.Unlock()
	}
	return out
}

// Create opens an agreement from an accepted negotiation, attaches our
// proposed signature and sends it to the provider. Requestor side
// only: the spawning side of the handshake.
func (m *Manager) Create(ctx context.Context, neg negotiation.Negotiation, final negotiation.Proposal) (ids.AgreementID, error) {
	if m.role != types.OwnerRequestor {
		return ids.AgreementID{}, apierr.New(apierr.KindValidation, "only the requestor side creates agreements")
	}
	if final.State != negotiation.StateAccepted {
		return ids.AgreementID{}, apierr.New(apierr.KindConflict, "proposal %s is %s, not accepted", final.ID, final.State)
	}

	now := m.now()
	aid := ids.NewAgreementID(final.ID, now, m.role)
	a := &Agreement{
		CreationTS:       now,
		ValidTo:          now.Add(m.cfg.Validity),
		ID:               aid,
		OfferProposalID:  final.ID.WithOwner(types.OwnerProvider),
		DemandProposalID: final.ID.WithOwner(types.OwnerRequestor),
		ProviderID:       neg.ProviderID,
		RequestorID:      neg.RequestorID,
		State:            StateProposed,
	}
	digest, err := a.signingDigest()
	if err != nil {
		return ids.AgreementID{}, err
	}
	sig := m.identity.Sign(digest)
	a.ProposedSig = &sig

	m.mu.Lock()
	if _, ok := m.agreements[aid]; ok {
		m.mu.Unlock()
		return aid, nil
	}
	m.agreements[aid] = &entry{a: a}
	m.mu.Unlock()

	err = bus.Call(ctx, m.bus, a.ProviderID, agreementTopic(types.OwnerProvider, opPropose), proposeMsg{
		AgreementID:     aid,
		FinalProposalID: final.ID,
		CreationTS:      a.CreationTS,
		ValidTo:         a.ValidTo,
		ProposedSig:     sig,
	})
	if err != nil {
		return ids.AgreementID{}, err
	}
	m.negs.SetAgreementID(neg.ID, aid)
	m.log.Infow("agreement proposed", "id", aid, "provider", a.ProviderID)
	return aid, nil
}

// Approve attaches the provider's signature and confirms the
// agreement with the requestor. Provider side only. The requestor's
// countersignature arrives on the reply; only then is the agreement
// binding on both sides.
func (m *Manager) Approve(ctx context.Context, aid ids.AgreementID) error {
	if m.role != types.OwnerProvider {
		return apierr.New(apierr.KindValidation, "only the provider side approves agreements")
	}
	en, err := m.get(aid)
	if err != nil {
		return err
	}

	en.mu.Lock()
	a := en.a
	if a.State == StateApproved {
		en.mu.Unlock()
		return nil
	}
	if a.State != StatePending {
		st := a.State
		en.mu.Unlock()
		return apierr.New(apierr.KindConflict, "agreement %s is %s", aid, st)
	}
	now := m.now()
	if a.Expired(now) {
		a.State = StateExpired
		en.mu.Unlock()
		return apierr.New(apierr.KindConflict, "agreement %s expired", aid)
	}
	digest, err := a.signingDigest()
	if err != nil {
		en.mu.Unlock()
		return err
	}
	sig := m.identity.Sign(digest)
	dest := a.RequestorID
	en.mu.Unlock()

	reply, err := bus.CallReply[approveReply](ctx, m.bus, dest, agreementTopic(types.OwnerRequestor, opApprove), approveMsg{
		AgreementID: aid,
		ApprovedTS:  now,
		ApprovedSig: sig,
	})
	if err != nil {
		return err
	}
	if err := reply.Err(dest); err != nil {
		return err
	}
	if reply.CommittedSig == nil {
		return apierr.New(apierr.KindTransport, "approval reply from %s carries no countersignature", dest)
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	if a.State.Terminal() {
		return apierr.New(apierr.KindConflict, "agreement %s is %s", aid, a.State)
	}
	a.ApprovedSig = &sig
	a.ApprovedTS = &now
	commitPayload, err := a.commitDigest()
	if err != nil {
		return err
	}
	if err := identity.Verify(a.RequestorID, commitPayload, *reply.CommittedSig); err != nil {
		return err
	}
	a.CommittedSig = reply.CommittedSig
	a.State = StateApproved
	m.log.Infow("agreement approved", "id", aid, "requestor", a.RequestorID)
	return nil
}

// Reject declines a pending agreement. Provider side only. Idempotent
// on terminal states.
func (m *Manager) Reject(ctx context.Context, aid ids.AgreementID, reason string) error {
	if m.role != types.OwnerProvider {
		return apierr.New(apierr.KindValidation, "only the provider side rejects agreements")
	}
	en, err := m.get(aid)
	if err != nil {
		return err
	}

	en.mu.Lock()
	a := en.a
	if a.State == StateRejected {
		en.mu.Unlock()
		return nil
	}
	if a.State != StatePending {
		st := a.State
		en.mu.Unlock()
		return apierr.New(apierr.KindConflict, "agreement %s is %s", aid, st)
	}
	a.State = StateRejected
	a.TerminationReason = reason
	dest := a.RequestorID
	en.mu.Unlock()

	if err := bus.Call(ctx, m.bus, dest, agreementTopic(types.OwnerRequestor, opRejectAgr), decisionMsg{AgreementID: aid, Reason: reason}); err != nil {
		m.log.Debugw("reject delivery failed", "id", aid, "err", err)
	}
	return nil
}

// Cancel withdraws a proposed agreement before approval. Requestor
// side only. Idempotent on terminal states.
func (m *Manager) Cancel(ctx context.Context, aid ids.AgreementID, reason string) error {
	if m.role != types.OwnerRequestor {
		return apierr.New(apierr.KindValidation, "only the requestor side cancels agreements")
	}
	en, err := m.get(aid)
	if err != nil {
		return err
	}

	en.mu.Lock()
	a := en.a
	if a.State == StateCancelled {
		en.mu.Unlock()
		return nil
	}
	if a.State != StateProposed {
		st := a.State
		en.mu.Unlock()
		return apierr.New(apierr.KindConflict, "agreement %s is %s", aid, st)
	}
	a.State = StateCancelled
	a.TerminationReason = reason
	dest := a.ProviderID
	en.mu.Unlock()

	if err := bus.Call(ctx, m.bus, dest, agreementTopic(types.OwnerProvider, opCancel), decisionMsg{AgreementID: aid, Reason: reason}); err != nil {
		m.log.Debugw("cancel delivery failed", "id", aid, "err", err)
	}
	return nil
}

// Terminate ends an approved agreement with a reason, from either
// side. Terminating an already-terminated agreement is idempotent.
func (m *Manager) Terminate(ctx context.Context, aid ids.AgreementID, reason string) error {
	en, err := m.get(aid)
	if err != nil {
		return err
	}

	en.mu.Lock()
	a := en.a
	if a.State == StateTerminated {
		en.mu.Unlock()
		return nil
	}
	if a.State != StateApproved {
		st := a.State
		en.mu.Unlock()
		return apierr.New(apierr.KindConflict, "agreement %s is %s, not approved", aid, st)
	}
	payload, err := a.terminationDigest(reason)
	if err != nil {
		en.mu.Unlock()
		return err
	}
	sig := m.identity.Sign(payload)
	a.State = StateTerminated
	a.TerminationReason = reason
	dest := a.counterpartyOf(m.role)
	en.mu.Unlock()

	if err := bus.Call(ctx, m.bus, dest, agreementTopic(m.role.Swap(), opTerminate), terminateMsg{
		AgreementID: aid,
		Reason:      reason,
		Signature:   sig,
	}); err != nil {
		m.log.Debugw("terminate delivery failed", "id", aid, "err", err)
	}
	m.log.Infow("agreement terminated", "id", aid, "reason", reason)
	return nil
}

func (a *Agreement) counterpartyOf(role types.Owner) types.NodeID {
	if role == types.OwnerProvider {
		return a.RequestorID
	}
	return a.ProviderID
}

// SweepExpired transitions unapproved agreements past their validity
// window and drops agreements that have been terminal for a full
// retention window.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.agreements))
	for _, en := range m.agreements {
		entries = append(entries, en)
	}
	m.mu.Unlock()

	expired := 0
	var settled []ids.AgreementID
	for _, en := range entries {
		en.mu.Lock()
		a := en.a
		if (a.State == StateProposed || a.State == StatePending) && a.Expired(now) {
			a.State = StateExpired
			expired++
		}
		if a.State.Terminal() {
			if en.settledAt.IsZero() {
				en.settledAt = now
			} else if now.Sub(en.settledAt) >= m.cfg.TerminalRetention {
				settled = append(settled, a.ID)
			}
		}
		en.mu.Unlock()
	}
	if len(settled) > 0 {
		m.mu.Lock()
		for _, aid := range settled {
			delete(m.agreements, aid)
		}
		m.mu.Unlock()
	}
	if expired > 0 {
		m.log.Debugw("expired agreements", "count", expired)
	}
	return expired
}

func (m *Manager) handlePropose(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg proposeMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed agreement proposal"))
	}
	if msg.AgreementID.Owner() != m.role.Swap() || msg.FinalProposalID.Owner() != m.role.Swap() {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "agreement %s has unexpected owner tag", msg.AgreementID))
	}

	ours := msg.AgreementID.Translate()
	m.mu.Lock()
	if en, ok := m.agreements[ours]; ok {
		m.mu.Unlock()
		en.mu.Lock()
		terminal := en.a.State.Terminal()
		en.mu.Unlock()
		if terminal {
			return bus.AckErr(apierr.New(apierr.KindConflict, "agreement %s already settled", ours))
		}
		return bus.AckOK() // duplicate delivery
	}
	m.mu.Unlock()

	finalOurs := msg.FinalProposalID.Translate()
	final, neg, err := m.negs.Proposal(finalOurs)
	if err != nil {
		return bus.AckErr(err)
	}
	if final.State != negotiation.StateAccepted {
		return bus.AckErr(apierr.New(apierr.KindConflict, "proposal %s is %s, not accepted", finalOurs, final.State))
	}
	if from != neg.RequestorID {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "node %s is not the requestor of %s", from, finalOurs))
	}
	if err := ours.ValidateAgreement(finalOurs, msg.CreationTS); err != nil {
		return bus.AckErr(err)
	}

	a := &Agreement{
		CreationTS:       msg.CreationTS,
		ValidTo:          msg.ValidTo,
		ID:               ours,
		OfferProposalID:  finalOurs.WithOwner(types.OwnerProvider),
		DemandProposalID: finalOurs.WithOwner(types.OwnerRequestor),
		ProviderID:       neg.ProviderID,
		RequestorID:      neg.RequestorID,
		State:            StatePending,
	}
	digest, err := a.signingDigest()
	if err != nil {
		return bus.AckErr(err)
	}
	if err := identity.Verify(a.RequestorID, digest, msg.ProposedSig); err != nil {
		return bus.AckErr(err)
	}
	a.ProposedSig = &msg.ProposedSig

	m.mu.Lock()
	if _, ok := m.agreements[ours]; ok {
		m.mu.Unlock()
		return bus.AckOK()
	}
	m.agreements[ours] = &entry{a: a}
	m.mu.Unlock()

	m.negs.SetAgreementID(neg.ID, ours)
	m.events.Push(neg.SubscriptionID, negotiation.Event{
		Timestamp:   m.now(),
		Kind:        negotiation.EventAgreementProposed,
		ProposalID:  finalOurs,
		AgreementID: &ours,
	})
	return bus.AckOK()
}

func (m *Manager) handleApprove(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		raw, mErr := bus.AckErr(err)
		if mErr != nil {
			return nil, mErr
		}
		var ack bus.Ack
		if uErr := json.Unmarshal(raw, &ack); uErr != nil {
			return nil, uErr
		}
		return json.Marshal(approveReply{Ack: ack})
	}

	var msg approveMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fail(apierr.Wrap(apierr.KindValidation, err, "malformed approval"))
	}
	if msg.AgreementID.Owner() != m.role.Swap() {
		return fail(apierr.New(apierr.KindIdentifierMismatch, "agreement %s has unexpected owner tag", msg.AgreementID))
	}

	ours := msg.AgreementID.Translate()
	en, err := m.get(ours)
	if err != nil {
		return fail(err)
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	a := en.a
	if from != a.ProviderID {
		return fail(apierr.New(apierr.KindIdentifierMismatch, "node %s is not the provider of %s", from, ours))
	}
	if a.State == StateApproved {
		return json.Marshal(approveReply{Ack: bus.Ack{OK: true}, CommittedSig: a.CommittedSig})
	}
	if a.State != StateProposed {
		return fail(apierr.New(apierr.KindConflict, "agreement %s is %s", ours, a.State))
	}
	digest, err := a.signingDigest()
	if err != nil {
		return fail(err)
	}
	if err := identity.Verify(a.ProviderID, digest, msg.ApprovedSig); err != nil {
		return fail(err)
	}
	a.ApprovedSig = &msg.ApprovedSig
	ts := msg.ApprovedTS
	a.ApprovedTS = &ts
	commitPayload, err := a.commitDigest()
	if err != nil {
		return fail(err)
	}
	committed := m.identity.Sign(commitPayload)
	a.CommittedSig = &committed
	a.State = StateApproved
	aid := a.ID
	finalID := a.FinalProposalID(m.role)

	if _, neg, nerr := m.negs.Proposal(finalID); nerr == nil {
		m.events.Push(neg.SubscriptionID, negotiation.Event{
			Timestamp:   m.now(),
			Kind:        negotiation.EventAgreementApproved,
			ProposalID:  finalID,
			AgreementID: &aid,
		})
	}
	m.log.Infow("agreement approved", "id", ours, "provider", a.ProviderID)
	return json.Marshal(approveReply{Ack: bus.Ack{OK: true}, CommittedSig: &committed})
}

func (m *Manager) handleReject(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg decisionMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed rejection"))
	}

	ours := msg.AgreementID.Translate()
	en, err := m.get(ours)
	if err != nil {
		return bus.AckErr(err)
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	a := en.a
	if from != a.ProviderID {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "node %s is not the provider of %s", from, ours))
	}
	if a.State.Terminal() {
		return bus.AckOK()
	}
	if a.State != StateProposed {
		return bus.AckErr(apierr.New(apierr.KindConflict, "agreement %s is %s", ours, a.State))
	}
	a.State = StateRejected
	a.TerminationReason = msg.Reason
	return bus.AckOK()
}

func (m *Manager) handleCancel(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg decisionMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed cancellation"))
	}

	ours := msg.AgreementID.Translate()
	en, err := m.get(ours)
	if err != nil {
		return bus.AckErr(err)
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	a := en.a
	if from != a.RequestorID {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "node %s is not the requestor of %s", from, ours))
	}
	if a.State.Terminal() {
		return bus.AckOK()
	}
	if a.State != StatePending {
		return bus.AckErr(apierr.New(apierr.KindConflict, "agreement %s is %s", ours, a.State))
	}
	a.State = StateCancelled
	a.TerminationReason = msg.Reason
	return bus.AckOK()
}

func (m *Manager) handleTerminate(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg terminateMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return bus.AckErr(apierr.Wrap(apierr.KindValidation, err, "malformed termination"))
	}

	ours := msg.AgreementID.Translate()
	en, err := m.get(ours)
	if err != nil {
		return bus.AckErr(err)
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	a := en.a
	if from != a.counterpartyOf(m.role) {
		return bus.AckErr(apierr.New(apierr.KindIdentifierMismatch, "node %s is not party to %s", from, ours))
	}
	if a.State == StateTerminated {
		return bus.AckOK()
	}
	if a.State != StateApproved {
		return bus.AckErr(apierr.New(apierr.KindConflict, "agreement %s is %s, not approved", ours, a.State))
	}
	payloadSig, err := a.terminationDigest(msg.Reason)
	if err != nil {
		return bus.AckErr(err)
	}
	if err := identity.Verify(from, payloadSig, msg.Signature); err != nil {
		return bus.AckErr(err)
	}
	a.State = StateTerminated
	a.TerminationReason = msg.Reason
	return bus.AckOK()
}
