// Package ids implements the content-addressed, owner-aware identifier
// scheme shared by both negotiating parties. Identifiers are derived
// deterministically from entity content, so each side can recompute and
// validate the other's ids without a coordinating allocator.
package ids

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/types"
)

const (
	saltHexLen = 32
	hashHexLen = 64

	// Hash inputs use fixed second-resolution rendering; changing this
	// breaks every previously issued identifier.
	subscriptionTSLayout = "2006-01-02 15:04:05"
)

// SubscriptionID identifies an Offer or Demand: a random salt chosen at
// creation time plus a sha3-256 content hash. The bytes do not reveal
// which side created it.
type SubscriptionID struct {
	salt string
	hash string
}

// NewSubscriptionID derives a fresh id for the given subscription
// content.
func NewSubscriptionID(properties *props.Set, constraints string, nodeID types.NodeID, creationTS, expirationTS time.Time) (SubscriptionID, error) {
	h, err := subscriptionHash(properties, constraints, nodeID, creationTS, expirationTS)
	if err != nil {
		return SubscriptionID{}, err
	}
	return SubscriptionID{salt: newSalt(), hash: h}, nil
}

func newSalt() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func subscriptionHash(properties *props.Set, constraints string, nodeID types.NodeID, creationTS, expirationTS time.Time) (string, error) {
	canonical, err := properties.Canonical()
	if err != nil {
		return "", err
	}

	hasher := sha3.New256()
	hasher.Write(canonical)
	hasher.Write([]byte(constraints))
	hasher.Write([]byte(nodeID.String()))
	hasher.Write([]byte(creationTS.UTC().Format(subscriptionTSLayout)))
	hasher.Write([]byte(expirationTS.UTC().Format(subscriptionTSLayout)))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ParseSubscriptionID parses the "salt-hash" string form.
func ParseSubscriptionID(s string) (SubscriptionID, error) {
	salt, hash, ok := strings.Cut(s, "-")
	if !ok {
		return SubscriptionID{}, apierr.New(apierr.KindValidation, "subscription id %q has invalid format", s)
	}
	if len(salt) != saltHexLen || len(hash) != hashHexLen {
		return SubscriptionID{}, apierr.New(apierr.KindValidation, "subscription id %q has invalid length", s)
	}
	if !isHex(salt) || !isHex(hash) {
		return SubscriptionID{}, apierr.New(apierr.KindValidation, "subscription id %q contains non-hexadecimal characters", s)
	}
	return SubscriptionID{salt: salt, hash: hash}, nil
}

// Validate recomputes the content hash and rejects tampered ids.
func (id SubscriptionID) Validate(properties *props.Set, constraints string, nodeID types.NodeID, creationTS, expirationTS time.Time) error {
	h, err := subscriptionHash(properties, constraints, nodeID, creationTS, expirationTS)
	if err != nil {
		return err
	}
	if id.hash != h {
		return apierr.New(apierr.KindIdentifierMismatch, "subscription id %s does not match content hash %s", id, h)
	}
	return nil
}

func (id SubscriptionID) String() string {
	return id.salt + "-" + id.hash
}

func (id SubscriptionID) IsZero() bool {
	return id.salt == "" && id.hash == ""
}

func (id SubscriptionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SubscriptionID) UnmarshalText(b []byte) error {
	parsed, err := ParseSubscriptionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

var _ fmt.Stringer = SubscriptionID{}
