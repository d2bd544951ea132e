package keystore

import (
	"testing"
	"time"

	"github.com/cyfs-io/bdt/internal/crypto"
	"github.com/cyfs-io/bdt/internal/object"
)

func newTestKeystore(t *testing.T, capacity int) (*Keystore, crypto.X25519KeyPair) {
	t.Helper()
	id, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	return New(*id, signer, capacity), *id
}

func peerId(b byte) object.ObjectId {
	var id object.ObjectId
	id[0] = b
	return id
}

func TestCreateKeyIsIdempotentPerPeer(t *testing.T) {
	ks, _ := newTestKeystore(t, 10)
	peerKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	p := peerId(1)

	found1, err := ks.CreateKey(p, peerKP.PublicKey, true)
	if err != nil {
		t.Fatal(err)
	}
	if !found1.Created {
		t.Fatal("expected first create_key to report Created")
	}

	found2, err := ks.CreateKey(p, peerKP.PublicKey, true)
	if err != nil {
		t.Fatal(err)
	}
	if found2.Created {
		t.Fatal("expected second create_key to return the existing key")
	}
	if found1.Info != found2.Info {
		t.Fatal("expected the same KeyInfo to be returned")
	}
}

func TestMixHashResolvesWithinSkewWindow(t *testing.T) {
	ks, _ := newTestKeystore(t, 10)
	peerKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	p := peerId(2)

	found, err := ks.CreateKey(p, peerKP.PublicKey, true)
	if err != nil {
		t.Fatal(err)
	}

	now := ks.now()
	tag := mix(found.Info.Key.MixKey, minuteOf(now))

	got, err := ks.GetKeyByMixHash(tag, true, true)
	if err != nil {
		t.Fatalf("expected mix-hash to resolve: %v", err)
	}
	if got.Peer != p {
		t.Fatal("resolved key bound to wrong peer")
	}
	if got.State != KeyConfirmed {
		t.Fatal("expected confirm=true to promote Unconfirmed -> Confirmed")
	}
}

func TestMixHashOutsideSkewFails(t *testing.T) {
	ks, _ := newTestKeystore(t, 10)
	peerKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	p := peerId(3)
	found, err := ks.CreateKey(p, peerKP.PublicKey, true)
	if err != nil {
		t.Fatal(err)
	}

	farMinute := minuteOf(ks.now()) + 1000
	tag := mix(found.Info.Key.MixKey, farMinute)

	if _, err := ks.GetKeyByMixHash(tag, true, false); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound for out-of-skew minute, got %v", err)
	}
}

func TestExchangeSealRoundTrip(t *testing.T) {
	_, ourIdentity := newTestKeystore(t, 10)
	ks2, ourIdentity2 := newTestKeystore(t, 10)
	_ = ourIdentity

	key, err := randomAesKey()
	if err != nil {
		t.Fatal(err)
	}

	sealed, ephemeralPub, err := sealForPeer(ourIdentity2.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	opened, err := openSealed(ks2.privateKey.PrivateKey, ephemeralPub, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if opened != key {
		t.Fatal("opened key does not match sealed key")
	}
}

func TestKeystoreEviction(t *testing.T) {
	// spec.md §8 property 3: capacity=5, add 8 keys, by_peer size <= 5*5/4=6
	ks, _ := newTestKeystore(t, 5)

	type created struct {
		peer   object.ObjectId
		mixKey AesKey
		minute int64
	}
	var all []created

	for i := byte(0); i < 8; i++ {
		peerKP, err := crypto.GenerateX25519()
		if err != nil {
			t.Fatal(err)
		}
		p := peerId(i + 1)
		found, err := ks.CreateKey(p, peerKP.PublicKey, true)
		if err != nil {
			t.Fatal(err)
		}
		// space out "touched" times so eviction order is deterministic
		found.Info.touched = time.Now().Add(time.Duration(i) * time.Minute)
		all = append(all, created{p, found.Info.Key.MixKey, minuteOf(found.Info.touched)})
		ks.evictLocked()
	}

	total := 0
	for _, list := range ks.byPeer {
		total += len(list)
	}
	if total > ks.maxKeys {
		t.Fatalf("expected at most %d keys after eviction, got %d", ks.maxKeys, total)
	}
}
