package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/types"
)

func testNode(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func testProps(t *testing.T) *props.Set {
	t.Helper()
	ps := props.New()
	ps.Put("golem.inf.mem.gib", float64(8))
	ps.Put("golem.runtime.name", "vm")
	return ps
}

func TestSubscriptionIDRoundTrip(t *testing.T) {
	now := time.Now()
	id, err := NewSubscriptionID(testProps(t), "(golem.inf.mem.gib>2)", testNode(1), now, now.Add(time.Hour))
	require.NoError(t, err)

	parsed, err := ParseSubscriptionID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestSubscriptionIDValidate(t *testing.T) {
	now := time.Now()
	ps := testProps(t)
	id, err := NewSubscriptionID(ps, "()", testNode(1), now, now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, id.Validate(ps, "()", testNode(1), now, now.Add(time.Hour)))

	// Any content change must be detected.
	tampered := ps.Clone()
	tampered.Put("golem.inf.mem.gib", float64(64))
	err = id.Validate(tampered, "()", testNode(1), now, now.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindIdentifierMismatch))

	err = id.Validate(ps, "()", testNode(2), now, now.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindIdentifierMismatch))
}

func TestSubscriptionIDsDifferPerPublisher(t *testing.T) {
	now := time.Now()
	ps := testProps(t)

	a, err := NewSubscriptionID(ps, "()", testNode(1), now, now.Add(time.Hour))
	require.NoError(t, err)
	b, err := NewSubscriptionID(ps, "()", testNode(2), now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, a.String(), b.String())
}

func TestParseSubscriptionIDRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		"",
		"tooshort",
		"zz" + "00000000000000000000000000000000" + "0000000000000000000000000000000000000000000000000000000000000000",
	} {
		_, err := ParseSubscriptionID(input)
		require.Error(t, err, "input %q", input)
		assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	}
}

func subscriptionPair(t *testing.T) (SubscriptionID, SubscriptionID) {
	t.Helper()
	now := time.Now()
	offerID, err := NewSubscriptionID(testProps(t), "()", testNode(1), now, now.Add(time.Hour))
	require.NoError(t, err)
	demandID, err := NewSubscriptionID(props.New(), "(golem.inf.mem.gib>2)", testNode(2), now, now.Add(time.Hour))
	require.NoError(t, err)
	return offerID, demandID
}

func TestProposalIDTranslateInvolution(t *testing.T) {
	offerID, demandID := subscriptionPair(t)
	id := NewProposalID(offerID, demandID, time.Now(), types.OwnerRequestor)

	other := id.Translate()
	assert.Equal(t, types.OwnerProvider, other.Owner())
	assert.Equal(t, id, other.Translate())
}

func TestProposalIDOwnersShareHash(t *testing.T) {
	offerID, demandID := subscriptionPair(t)
	ts := time.Now()

	ours := NewProposalID(offerID, demandID, ts, types.OwnerProvider)
	theirs := NewProposalID(offerID, demandID, ts, types.OwnerRequestor)

	assert.Equal(t, ours, theirs.Translate())
	assert.NotEqual(t, ours.String(), theirs.String())
}

func TestProposalIDValidate(t *testing.T) {
	offerID, demandID := subscriptionPair(t)
	ts := time.Now()
	id := NewProposalID(offerID, demandID, ts, types.OwnerProvider)

	require.NoError(t, id.Validate(offerID, demandID, ts))

	err := id.Validate(offerID, demandID, ts.Add(time.Microsecond))
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindIdentifierMismatch))
}

func TestProposalIDRoundTrip(t *testing.T) {
	offerID, demandID := subscriptionPair(t)
	id := NewProposalID(offerID, demandID, time.Now(), types.OwnerRequestor)

	parsed, err := ParseProposalID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseProposalID("X-deadbeef")
	require.Error(t, err)
	_, err = ParseProposalID("nodash")
	require.Error(t, err)
}

func TestAgreementIDTranslate(t *testing.T) {
	offerID, demandID := subscriptionPair(t)
	final := NewProposalID(offerID, demandID, time.Now(), types.OwnerRequestor)
	ts := time.Now()

	aid := NewAgreementID(final, ts, types.OwnerRequestor)
	assert.Equal(t, types.OwnerRequestor, aid.Owner())
	assert.Equal(t, aid, aid.Translate().Translate())

	// Both parties derive the same logical id regardless of which view
	// of the final proposal they hold.
	fromProviderView := NewAgreementID(final.Translate(), ts, types.OwnerRequestor)
	assert.Equal(t, aid, fromProviderView)

	require.NoError(t, aid.ValidateAgreement(final, ts))
	err := aid.ValidateAgreement(final, ts.Add(time.Second))
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindIdentifierMismatch))
}
