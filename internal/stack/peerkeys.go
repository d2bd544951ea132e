package stack

import (
	"sync"

	"github.com/cyfs-io/bdt/internal/object"
)

// PeerKeys records the X25519 static public key each remote peer has
// advertised, so the Stack can open a Keystore key for a peer it hasn't
// exchanged with yet. Entries are added only through Register; nothing
// in the stack registers keys from SN registration or Exchange traffic.
// object.Device only models an Ed25519
// signing key; a full device descriptor extension carrying a DH key is
// future work, tracked in DESIGN.md.
type PeerKeys struct {
	mu   sync.RWMutex
	keys map[object.ObjectId][32]byte
}

// NewPeerKeys returns an empty registry.
func NewPeerKeys() *PeerKeys {
	return &PeerKeys{keys: make(map[object.ObjectId][32]byte)}
}

// Register records peer's X25519 static public key.
func (p *PeerKeys) Register(peer object.ObjectId, pub [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[peer] = pub
}

// Lookup returns peer's registered key, if any.
func (p *PeerKeys) Lookup(peer object.ObjectId) ([32]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.keys[peer]
	return k, ok
}
