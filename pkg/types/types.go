package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NodeID identifies a market node. It is the last 20 bytes of the
// sha3-256 digest of the node's ed25519 public key, rendered 0x-hex.
type NodeID [20]byte

func NodeIDFromBytes(b []byte) NodeID {
	var id NodeID
	copy(id[:], b)
	return id
}

func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id encoding: %w", err)
	}
	if len(b) != len(NodeID{}) {
		return NodeID{}, fmt.Errorf("invalid node id length: expected %d bytes, got %d", len(NodeID{}), len(b))
	}
	return NodeIDFromBytes(b), nil
}

func (id NodeID) Bytes() []byte {
	return id[:]
}

func (id NodeID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) Less(other NodeID) bool {
	return string(id[:]) < string(other[:])
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Owner tags which side's local numbering produced a proposal or
// agreement identifier.
type Owner int

const (
	OwnerProvider Owner = iota
	OwnerRequestor
)

func (o Owner) Swap() Owner {
	if o == OwnerProvider {
		return OwnerRequestor
	}
	return OwnerProvider
}

func (o Owner) String() string {
	if o == OwnerProvider {
		return "P"
	}
	return "R"
}

func ParseOwner(s string) (Owner, error) {
	switch s {
	case "P":
		return OwnerProvider, nil
	case "R":
		return OwnerRequestor, nil
	default:
		return 0, fmt.Errorf("invalid owner tag: %q", s)
	}
}

// Issuer records which party authored a proposal round.
type Issuer int

const (
	IssuerUs Issuer = iota
	IssuerThem
)

func (i Issuer) String() string {
	if i == IssuerUs {
		return "us"
	}
	return "them"
}
