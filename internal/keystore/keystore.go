// Package keystore maps peers to MixAesKeys and indexes them by rolling,
// per-minute mix-hashes so an arriving PackageBox can be resolved to a
// decryption key without revealing the sender's identity on the wire.
//
// The Exchange sealing step (spec.md §4.2/§4.3 describe an "RSA-seal-AES"
// scheme) is implemented here via X25519 ECDH + HKDF, not RSA — see
// DESIGN.md's Open Question entry for this package.
package keystore

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/cyfs-io/bdt/internal/crypto"
	"github.com/cyfs-io/bdt/internal/object"
)

// AesKey is a raw 256-bit symmetric key.
type AesKey [32]byte

// MixAesKey carries the payload key and the key used to derive rolling
// mix-hashes, per spec.md's glossary entry.
type MixAesKey struct {
	EncKey AesKey
	MixKey AesKey
}

// KeyMixHash is an 8-byte tag: mix(mix_key, minute).
type KeyMixHash [8]byte

// EncryptedKeyState tracks whether a key's sealed Exchange has been
// confirmed by a successful decrypt on the peer side.
type EncryptedKeyState uint8

const (
	// KeyNone means the key was provisioned locally with no Exchange needed
	// (e.g. pre-shared out of band).
	KeyNone EncryptedKeyState = iota
	// KeyUnconfirmed means we sealed a fresh key for this peer but have not
	// yet observed it used to decrypt a box from them.
	KeyUnconfirmed
	// KeyConfirmed means a PackageBox from the peer has been successfully
	// opened with this key.
	KeyConfirmed
)

// windowMinutes is the width of the live mix-hash window: 31 minute-buckets
// centered on the current minute, per spec.md §4.2.
const windowMinutes = 31

// maxSkewMinutes is how far from "now" a packet's minute may be and still
// resolve, per spec.md §4.2 ("±15 min... discarded").
const maxSkewMinutes = 15

// KeyInfo is one entry in the keystore: a key plus its peer binding, state,
// expiry, and the set of mix-hashes currently live for it.
type KeyInfo struct {
	Key     MixAesKey
	Peer    object.ObjectId
	State   EncryptedKeyState
	Sealed  []byte // sealed key material, present while Unconfirmed
	Expiry  time.Time
	touched time.Time

	hashes map[KeyMixHash]time.Time // hash -> minute it was computed for
}

// FoundKey is the result of create_key/get_key_by_*: the resolved key plus
// whether it was newly created.
type FoundKey struct {
	Info    *KeyInfo
	Created bool
}

// ErrKeyNotFound is returned when no key resolves for a mix-hash or peer.
var ErrKeyNotFound = errors.New("keystore: key not found")

// Keystore holds the local identity plus the by-peer and by-mix-hash
// indices described in spec.md §4.2.
type Keystore struct {
	mu sync.Mutex

	privateKey crypto.X25519KeyPair
	signer     *crypto.Ed25519KeyPair

	byPeer    map[object.ObjectId][]*KeyInfo
	byMixHash map[KeyMixHash]*KeyInfo

	capacity int
	maxKeys  int
	maxHash  int

	now func() time.Time // overridable for tests
}

// New creates a Keystore bound to a local X25519 identity (for sealing) and
// Ed25519 signer (for Exchange signatures), with the given peer capacity.
// Capacity budgets follow spec.md §4.2: max_hash ≈ capacity*(31+1)*5/4,
// max_keys = capacity*5/4.
func New(identity crypto.X25519KeyPair, signer *crypto.Ed25519KeyPair, capacity int) *Keystore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Keystore{
		privateKey: identity,
		signer:     signer,
		byPeer:     make(map[object.ObjectId][]*KeyInfo),
		byMixHash:  make(map[KeyMixHash]*KeyInfo),
		capacity:   capacity,
		maxKeys:    capacity * 5 / 4,
		maxHash:    capacity * (windowMinutes + 1) * 5 / 4,
		now:        time.Now,
	}
}

// mix computes KeyMixHash = mix(mix_key, minute_timestamp): a keyed BLAKE3
// digest of the minute counter, truncated to 8 bytes.
func mix(mixKey AesKey, minute int64) KeyMixHash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(minute))
	h := blake3.New()
	h.Write(mixKey[:])
	h.Write(buf[:])
	sum := h.Sum(nil)
	var tag KeyMixHash
	copy(tag[:], sum[:8])
	return tag
}

func minuteOf(t time.Time) int64 { return t.Unix() / 60 }

// rollWindow (re)populates the live mix-hash set for info, covering the 31
// minute-buckets centered on "now" (±15 min), and indexes them in byMixHash.
func (ks *Keystore) rollWindow(info *KeyInfo, now time.Time) {
	center := minuteOf(now)
	if info.hashes == nil {
		info.hashes = make(map[KeyMixHash]time.Time, windowMinutes)
	}
	for m := center - maxSkewMinutes; m <= center+maxSkewMinutes; m++ {
		tag := mix(info.Key.MixKey, m)
		if _, ok := info.hashes[tag]; !ok {
			info.hashes[tag] = now
			ks.byMixHash[tag] = info
		}
	}
}

func randomAesKey() (AesKey, error) {
	var k AesKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// sealForPeer seals a freshly generated AesKey under peer's X25519 public
// key: ephemeral ECDH + HKDF-derived wrapping key, AES-256-GCM seal. This
// stands in for spec.md's RSA-OAEP-style "seal AES key under peer public
// key" step — see the package doc and DESIGN.md.
func sealForPeer(peerPub [32]byte, key AesKey) (sealed []byte, ephemeralPub [32]byte, err error) {
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return nil, ephemeralPub, err
	}
	shared, err := crypto.X25519Exchange(&eph.PrivateKey, &peerPub)
	if err != nil {
		return nil, ephemeralPub, err
	}
	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return nil, ephemeralPub, err
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, ephemeralPub, err
	}
	ct, err := crypto.Seal(wrapKey[:], nonce, nil, key[:])
	if err != nil {
		return nil, ephemeralPub, err
	}
	sealed = append(nonce, ct...)
	return sealed, eph.PublicKey, nil
}

// openSealed reverses sealForPeer using our private key and the sender's
// ephemeral public key carried alongside the sealed blob.
func openSealed(ourPriv [32]byte, ephemeralPub [32]byte, sealed []byte) (AesKey, error) {
	var zero AesKey
	if len(sealed) < 12 {
		return zero, errors.New("keystore: sealed key too short")
	}
	shared, err := crypto.X25519Exchange(&ourPriv, &ephemeralPub)
	if err != nil {
		return zero, err
	}
	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return zero, err
	}
	plain, err := crypto.Open(wrapKey[:], sealed[:12], nil, sealed[12:])
	if err != nil {
		return zero, err
	}
	if len(plain) != 32 {
		return zero, errors.New("keystore: unsealed key has wrong length")
	}
	var k AesKey
	copy(k[:], plain)
	return k, nil
}

func deriveWrapKey(shared [32]byte) ([32]byte, error) {
	var out [32]byte
	newHash := func() hash.Hash { return blake3.New() }
	r := hkdf.New(newHash, shared[:], nil, []byte("bdt-keystore-exchange-seal"))
	if _, err := ioReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// ioReadFull avoids importing io just for this one call site's symmetry
// with the rest of the package's small surface.
func ioReadFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("keystore: short read deriving wrap key")
		}
	}
	return total, nil
}

// CreateKey returns the live key for peerPub/peerId, creating and sealing a
// fresh one if none exists yet (spec.md §4.2 create_key).
func (ks *Keystore) CreateKey(peerId object.ObjectId, peerPub [32]byte, touch bool) (*FoundKey, error) {
	ks.mu.Lock()
	now := ks.now()
	if existing := ks.newestLocked(peerId); existing != nil {
		if touch {
			existing.touched = now
		}
		ks.mu.Unlock()
		return &FoundKey{Info: existing, Created: false}, nil
	}
	ks.mu.Unlock()

	key, err := randomAesKey()
	if err != nil {
		return nil, err
	}
	mixKey, err := randomAesKey()
	if err != nil {
		return nil, err
	}
	sealed, _, err := sealForPeer(peerPub, key)
	if err != nil {
		return nil, err
	}

	info := &KeyInfo{
		Key:     MixAesKey{EncKey: key, MixKey: mixKey},
		Peer:    peerId,
		State:   KeyUnconfirmed,
		Sealed:  sealed,
		Expiry:  now.Add(24 * time.Hour),
		touched: now,
	}

	ks.mu.Lock()
	ks.rollWindow(info, now)
	ks.byPeer[peerId] = append(ks.byPeer[peerId], info)
	ks.evictLocked()
	ks.mu.Unlock()

	return &FoundKey{Info: info, Created: true}, nil
}

// newestLocked returns the most recently touched key for a peer, or nil.
// Caller must hold ks.mu; CreateKey and GetKeyByRemote both call it with
// the lock held, and the helper itself takes no lock.
func (ks *Keystore) newestLocked(peerId object.ObjectId) *KeyInfo {
	list := ks.byPeer[peerId]
	if len(list) == 0 {
		return nil
	}
	best := list[0]
	for _, k := range list[1:] {
		if k.touched.After(best.touched) {
			best = k
		}
	}
	return best
}

// GetKeyByRemote finds the newest live key for a peer, refreshing its
// expiry if touch is set (spec.md §4.2 get_key_by_remote).
func (ks *Keystore) GetKeyByRemote(peerId object.ObjectId, touch bool) (*KeyInfo, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	info := ks.newestLocked(peerId)
	if info == nil {
		return nil, ErrKeyNotFound
	}
	if touch {
		now := ks.now()
		info.touched = now
		info.Expiry = now.Add(24 * time.Hour)
	}
	return info, nil
}

// GetKeyByMixHash resolves a key from an arriving packet's mix-hash tag. If
// the tag isn't in the live index, it walks the set of known keys and tries
// rerolling their window (the packet may carry a minute just outside our
// last-rolled window but still within ±15 min of now). When confirm is set
// and the lookup succeeds, a KeyUnconfirmed key is promoted to KeyConfirmed.
func (ks *Keystore) GetKeyByMixHash(tag KeyMixHash, touch bool, confirm bool) (*KeyInfo, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := ks.now()
	if info, ok := ks.byMixHash[tag]; ok {
		ks.promote(info, tag, touch, confirm, now)
		return info, nil
	}

	// LRU walk: recompute windows for recently touched keys and retry.
	candidates := ks.allKeysLocked()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].touched.After(candidates[j].touched) })
	for _, info := range candidates {
		ks.rollWindow(info, now)
		if stillInfo, ok := ks.byMixHash[tag]; ok && stillInfo == info {
			ks.promote(info, tag, touch, confirm, now)
			return info, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (ks *Keystore) promote(info *KeyInfo, tag KeyMixHash, touch, confirm bool, now time.Time) {
	if touch {
		info.touched = now
	}
	if confirm && info.State == KeyUnconfirmed {
		info.State = KeyConfirmed
	}
	_ = tag
}

func (ks *Keystore) allKeysLocked() []*KeyInfo {
	out := make([]*KeyInfo, 0, len(ks.byPeer))
	for _, list := range ks.byPeer {
		out = append(out, list...)
	}
	return out
}

// AddKey inserts an externally-provisioned key for a peer (e.g. recovered
// from an Exchange we received), per spec.md §4.2 add_key.
func (ks *Keystore) AddKey(peerId object.ObjectId, key MixAesKey, state EncryptedKeyState) *KeyInfo {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	now := ks.now()
	info := &KeyInfo{
		Key:     key,
		Peer:    peerId,
		State:   state,
		Expiry:  now.Add(24 * time.Hour),
		touched: now,
	}
	ks.rollWindow(info, now)
	ks.byPeer[peerId] = append(ks.byPeer[peerId], info)
	ks.evictLocked()
	return info
}

// OpenExchange recovers a peer-sealed MixAesKey using our local private
// key, given the sender's ephemeral public key carried in the Exchange.
func (ks *Keystore) OpenExchange(ephemeralPub [32]byte, sealedEncKey, sealedMixKey []byte) (MixAesKey, error) {
	enc, err := openSealed(ks.privateKey.PrivateKey, ephemeralPub, sealedEncKey)
	if err != nil {
		return MixAesKey{}, err
	}
	mixKey, err := openSealed(ks.privateKey.PrivateKey, ephemeralPub, sealedMixKey)
	if err != nil {
		return MixAesKey{}, err
	}
	return MixAesKey{EncKey: enc, MixKey: mixKey}, nil
}

// ResetPeer drops all Confirmed keys for a peer but keeps Unconfirmed ones,
// per spec.md §4.2 reset_peer (used when a peer's identity appears to have
// rotated without an explicit key exchange).
func (ks *Keystore) ResetPeer(peerId object.ObjectId) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	list := ks.byPeer[peerId]
	kept := list[:0]
	for _, info := range list {
		if info.State == KeyConfirmed {
			ks.unindexLocked(info)
			continue
		}
		kept = append(kept, info)
	}
	ks.byPeer[peerId] = kept
}

func (ks *Keystore) unindexLocked(info *KeyInfo) {
	for tag := range info.hashes {
		if ks.byMixHash[tag] == info {
			delete(ks.byMixHash, tag)
		}
	}
}

// evictLocked drops the oldest timed-out hashes, then the oldest keys, once
// the capacity budgets in spec.md §4.2 are exceeded. Caller holds ks.mu.
func (ks *Keystore) evictLocked() {
	if len(ks.byMixHash) > ks.maxHash {
		ks.evictOldestHashesLocked()
	}
	totalKeys := 0
	for _, list := range ks.byPeer {
		totalKeys += len(list)
	}
	if totalKeys > ks.maxKeys {
		ks.evictOldestKeysLocked(totalKeys - ks.maxKeys)
	}
}

func (ks *Keystore) evictOldestHashesLocked() {
	type entry struct {
		tag KeyMixHash
		at  time.Time
	}
	entries := make([]entry, 0, len(ks.byMixHash))
	for _, info := range ks.allKeysLocked() {
		for tag, at := range info.hashes {
			entries = append(entries, entry{tag, at})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	excess := len(ks.byMixHash) - ks.maxHash
	for i := 0; i < excess && i < len(entries); i++ {
		delete(ks.byMixHash, entries[i].tag)
	}
}

func (ks *Keystore) evictOldestKeysLocked(excess int) {
	all := ks.allKeysLocked()
	sort.Slice(all, func(i, j int) bool { return all[i].touched.Before(all[j].touched) })
	for i := 0; i < excess && i < len(all); i++ {
		victim := all[i]
		ks.unindexLocked(victim)
		list := ks.byPeer[victim.Peer]
		for j, k := range list {
			if k == victim {
				ks.byPeer[victim.Peer] = append(list[:j], list[j+1:]...)
				break
			}
		}
		if len(ks.byPeer[victim.Peer]) == 0 {
			delete(ks.byPeer, victim.Peer)
		}
	}
}

// PeerCount reports the number of distinct peers with at least one key,
// used by observability.KeystoreCheck-style health reporting.
func (ks *Keystore) PeerCount() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.byPeer)
}

// HashCount reports the number of live mix-hash index entries.
func (ks *Keystore) HashCount() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.byMixHash)
}
