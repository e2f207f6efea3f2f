package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Digest returns the hex-encoded BLAKE2b-256 hash of a proposal value.
func Digest(value []byte) string {
	sum := blake2b.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// Keyring holds this node's signing key and the public keys of its peers.
// Peer keys are registered once during cluster setup and read-mostly after.
type Keyring struct {
	nodeID string
	priv   ed25519.PrivateKey

	mu   sync.RWMutex
	pubs map[string]ed25519.PublicKey
}

func NewKeyring(nodeID string) (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	kr := &Keyring{
		nodeID: nodeID,
		priv:   priv,
		pubs:   map[string]ed25519.PublicKey{nodeID: pub},
	}
	return kr, nil
}

// PublicKey returns this node's public key for distribution to peers.
func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.pubs[k.nodeID]
}

// Register records a peer's public key.
func (k *Keyring) Register(nodeID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pubs[nodeID] = pub
}

// Known reports whether a peer's public key has been registered.
func (k *Keyring) Known(nodeID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.pubs[nodeID]
	return ok
}

// Sign fills in the message signature over its authenticated fields.
func (k *Keyring) Sign(msg *Message) {
	msg.Signature = ed25519.Sign(k.priv, signingBytes(msg))
}

// Verify checks a message signature against the sender's registered key.
// Unknown senders fail verification.
func (k *Keyring) Verify(msg *Message) bool {
	k.mu.RLock()
	pub, ok := k.pubs[msg.SenderID]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	return ed25519.Verify(pub, signingBytes(msg), msg.Signature)
}

// signingBytes covers everything that defines the message's meaning. The
// value itself is covered through the digest.
func signingBytes(msg *Message) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%d|%s|%s", msg.Type, msg.View, msg.Sequence, msg.NewView, msg.Digest, msg.SenderID))
}
