// Package dht implements the fallback peer-discovery path: a k-bucket
// Kademlia table over 20-byte keys with iterative find/store, used when SN
// fan-out and the active-endpoint cache both miss. Grounded on the
// upstream dht/node.rs k-bucket/XOR-distance design, expressed with Go
// channels and goroutines in place of its future/waker plumbing.
package dht

import (
	"bytes"
	"sync"
	"time"
)

// KeyLen is the DHT key width in bytes (160 bits, matching the upstream
// ObjectId-as-KadId convention truncated to a Kademlia-sized key).
const KeyLen = 20

// Key is a 20-byte Kademlia key: either a node id or a value key.
type Key [KeyLen]byte

// Distance returns the XOR distance between a and b.
func Distance(a, b Key) Key {
	var d Key
	for i := 0; i < KeyLen; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is numerically closer to zero than b (used to
// order candidates by distance).
func Less(a, b Key) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// bucketIndex returns which of the 160 buckets a key at the given XOR
// distance from self falls into: the index of its highest set bit,
// counting from the most significant bit of the key, per the upstream
// kad_index formula.
func bucketIndex(dist Key) int {
	for i := 0; i < KeyLen; i++ {
		for bit := 0; bit < 8; bit++ {
			if dist[i]&(0x80>>uint(bit)) != 0 {
				return KeyLen*8 - (i*8 + bit) - 1
			}
		}
	}
	return KeyLen*8 - 1
}

// Contact is one k-bucket entry: a node id plus its cached descriptor
// payload (an encoded Device, opaque to this package).
type Contact struct {
	ID       Key
	Desc     []byte
	LastSeen time.Time
}

// bucket holds up to bucketSize contacts, most-recently-seen last, per
// Kademlia's standard LRU-eviction-with-ping-probe policy. This
// implementation evicts the least-recently-seen entry outright rather than
// probing it, since BDT's DHT use is a discovery fallback, not the
// authoritative table.
type bucket struct {
	mu       sync.Mutex
	size     int
	contacts []*Contact
}

func newBucket(size int) *bucket {
	return &bucket{size: size}
}

func (b *bucket) touch(c *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			break
		}
	}
	b.contacts = append(b.contacts, c)
	if len(b.contacts) > b.size {
		b.contacts = b.contacts[len(b.contacts)-b.size:]
	}
}

func (b *bucket) all() []*Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// Table is a k-bucket routing table keyed off a local node id, per
// spec.md's supplemented DHT fallback.
type Table struct {
	self    Key
	buckets [KeyLen * 8]*bucket
}

// NewTable builds a routing table for self with bucketSize contacts per
// bucket (bucketSize corresponds to the upstream's k_size, default 20).
func NewTable(self Key, bucketSize int) *Table {
	t := &Table{self: self}
	for i := range t.buckets {
		t.buckets[i] = newBucket(bucketSize)
	}
	return t
}

// Update records a sighting of id (with its descriptor), inserting or
// refreshing the corresponding bucket.
func (t *Table) Update(id Key, desc []byte) {
	if id == t.self {
		return
	}
	idx := bucketIndex(Distance(t.self, id))
	t.buckets[idx].touch(&Contact{ID: id, Desc: desc, LastSeen: time.Now()})
}

// Nearest returns up to n contacts closest to target, sorted by ascending
// XOR distance, per local_find_node's role in the upstream.
func (t *Table) Nearest(target Key, n int) []*Contact {
	var all []*Contact
	for _, b := range t.buckets {
		all = append(all, b.all()...)
	}

	sortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(contacts []*Contact, target Key) {
	distOf := func(c *Contact) Key { return Distance(c.ID, target) }
	// insertion sort: routing tables stay small (bucketSize*160 at most),
	// and this keeps the comparator trivially correct for 20-byte keys.
	for i := 1; i < len(contacts); i++ {
		j := i
		for j > 0 && Less(distOf(contacts[j]), distOf(contacts[j-1])) {
			contacts[j], contacts[j-1] = contacts[j-1], contacts[j]
			j--
		}
	}
}

// Count returns the total number of contacts across all buckets.
func (t *Table) Count() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		n += len(b.contacts)
		b.mu.Unlock()
	}
	return n
}
