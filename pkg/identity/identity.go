package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/types"
)

const (
	localKeysDir = "keys"

	signingKeyName    = "ed25519.key"
	signingPubKeyName = "ed25519.pub"
	pemTypePriv       = "ED25519 PRIVATE KEY"
	pemTypePub        = "ED25519 PUBLIC KEY"
	keyDirPerm        = 0o700
)

// Signature carries the signer's public key alongside the raw ed25519
// signature, so the receiver can both verify the bytes and check that
// the key belongs to the claimed NodeID.
type Signature struct {
	PublicKey []byte `json:"publicKey"`
	Sig       []byte `json:"sig"`
}

// Identity is the local node's signing credential.
type Identity struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	nodeID types.NodeID
}

// NodeIDFromPub derives the market NodeID from an ed25519 public key:
// the trailing 20 bytes of its sha3-256 digest.
func NodeIDFromPub(pub ed25519.PublicKey) types.NodeID {
	digest := sha3.Sum256(pub)
	return types.NodeIDFromBytes(digest[len(digest)-20:])
}

func New(priv ed25519.PrivateKey) (*Identity, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("identity private key is not ed25519")
	}
	return &Identity{priv: priv, pub: pub, nodeID: NodeIDFromPub(pub)}, nil
}

func (i *Identity) NodeID() types.NodeID {
	return i.nodeID
}

func (i *Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), i.pub...)
}

func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}

func (i *Identity) Sign(payload []byte) Signature {
	return Signature{
		PublicKey: append([]byte(nil), i.pub...),
		Sig:       ed25519.Sign(i.priv, payload),
	}
}

// Verify checks that sig was produced over payload by the key behind
// nodeID.
func Verify(nodeID types.NodeID, payload []byte, sig Signature) error {
	if len(sig.PublicKey) != ed25519.PublicKeySize {
		return apierr.New(apierr.KindIdentifierMismatch, "signature carries invalid public key length %d", len(sig.PublicKey))
	}
	pub := ed25519.PublicKey(sig.PublicKey)
	if NodeIDFromPub(pub) != nodeID {
		return apierr.New(apierr.KindIdentifierMismatch, "signature public key does not belong to node %s", nodeID)
	}
	if !ed25519.Verify(pub, payload, sig.Sig) {
		return apierr.New(apierr.KindIdentifierMismatch, "signature verification failed for node %s", nodeID)
	}
	return nil
}

// Load reads the node keypair from dir, generating and persisting a
// fresh one on first run.
func Load(stateDir string) (*Identity, error) {
	dir := filepath.Join(stateDir, localKeysDir)

	privPath := filepath.Join(dir, signingKeyName)
	pubPath := filepath.Join(dir, signingPubKeyName)

	keyEnc, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		block, _ := pem.Decode(keyEnc)
		if block == nil || block.Type != pemTypePriv {
			return nil, errors.New("invalid private key PEM")
		}
		return New(ed25519.NewKeyFromSeed(block.Bytes))
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := os.MkdirAll(dir, keyDirPerm); err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	privFile, err := os.Create(privPath)
	if err != nil {
		return nil, err
	}
	defer privFile.Close()

	if err := pem.Encode(privFile, &pem.Block{
		Type:  pemTypePriv,
		Bytes: priv.Seed(),
	}); err != nil {
		return nil, err
	}

	pubFile, err := os.Create(pubPath)
	if err != nil {
		return nil, err
	}
	defer pubFile.Close()

	if err := pem.Encode(pubFile, &pem.Block{
		Type:  pemTypePub,
		Bytes: pub,
	}); err != nil {
		return nil, err
	}

	return New(priv)
}

// Generate creates an ephemeral identity, used by tests and one-shot
// tools.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return New(priv)
}
