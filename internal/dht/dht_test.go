package dht

import (
	"context"
	"testing"
	"time"
)

func keyOf(b byte) Key {
	var k Key
	k[KeyLen-1] = b
	return k
}

func TestBucketIndexIsHighestSetBit(t *testing.T) {
	var dist Key
	dist[0] = 0x80 // highest possible bit set
	if idx := bucketIndex(dist); idx != KeyLen*8-1 {
		t.Fatalf("expected top bucket for MSB distance, got %d", idx)
	}

	var zero Key
	zero[KeyLen-1] = 0x01
	if idx := bucketIndex(zero); idx != 0 {
		t.Fatalf("expected bucket 0 for minimal distance, got %d", idx)
	}
}

func TestTableNearestOrdersByDistance(t *testing.T) {
	self := keyOf(0)
	table := NewTable(self, 20)

	table.Update(keyOf(1), []byte("a"))
	table.Update(keyOf(2), []byte("b"))
	table.Update(keyOf(4), []byte("c"))

	nearest := table.Nearest(keyOf(0), 2)
	if len(nearest) != 2 {
		t.Fatalf("expected 2 nearest contacts, got %d", len(nearest))
	}
	if nearest[0].ID != keyOf(1) {
		t.Fatalf("expected closest contact first, got %+v", nearest[0])
	}
}

func TestTableUpdateExcludesSelf(t *testing.T) {
	self := keyOf(5)
	table := NewTable(self, 20)
	table.Update(self, []byte("self"))
	if table.Count() != 0 {
		t.Fatalf("expected self-sighting to be ignored, count=%d", table.Count())
	}
}

func TestBucketEvictsOldestOnOverflow(t *testing.T) {
	b := newBucket(2)
	b.touch(&Contact{ID: keyOf(1)})
	b.touch(&Contact{ID: keyOf(2)})
	b.touch(&Contact{ID: keyOf(3)})

	all := b.all()
	if len(all) != 2 {
		t.Fatalf("expected bucket capped at size 2, got %d", len(all))
	}
	for _, c := range all {
		if c.ID == keyOf(1) {
			t.Fatal("expected the oldest contact to have been evicted")
		}
	}
}

type fakeTransport struct {
	graph map[Key][]Contact
	value map[Key][]byte
}

func (f *fakeTransport) FindNode(ctx context.Context, to Contact, target Key) ([]Contact, error) {
	return f.graph[to.ID], nil
}

func (f *fakeTransport) FindValue(ctx context.Context, to Contact, target Key) ([]Contact, []byte, error) {
	if v, ok := f.value[to.ID]; ok {
		return nil, v, nil
	}
	return f.graph[to.ID], nil, nil
}

func (f *fakeTransport) Store(ctx context.Context, to Contact, key Key, value []byte) error {
	return nil
}

// TestIterativeFindNodeConverges builds a small 3-hop chain and checks the
// iterative lookup discovers the target even though it is two hops beyond
// the local table's direct knowledge.
func TestIterativeFindNodeConverges(t *testing.T) {
	self := keyOf(0)
	a, b, target := keyOf(1), keyOf(2), keyOf(9)

	transport := &fakeTransport{graph: map[Key][]Contact{
		a: {{ID: b}},
		b: {{ID: target}},
	}}

	table := NewTable(self, 20)
	table.Update(a, nil)
	node := NewNode(self, table, transport, 3)

	found, err := node.FindNode(context.Background(), target, 5, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var hit bool
	for _, c := range found {
		if c.ID == target {
			hit = true
		}
	}
	if !hit {
		t.Fatalf("expected iterative find_node to discover the target, got %+v", found)
	}
}

// TestFindValueShortCircuitsOnLocalHit ensures a value already present
// locally is returned without any network traversal.
func TestFindValueShortCircuitsOnLocalHit(t *testing.T) {
	self := keyOf(0)
	table := NewTable(self, 20)
	node := NewNode(self, table, &fakeTransport{}, 3)

	key := keyOf(7)
	node.PutLocal(key, []byte("cached"))

	value, _, err := node.FindValue(context.Background(), key, 5, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(value) != "cached" {
		t.Fatalf("expected local value, got %q", value)
	}
}

// TestFindValueDiscoveredRemotely exercises the iterative path finding a
// value held by a remote contact.
func TestFindValueDiscoveredRemotely(t *testing.T) {
	self := keyOf(0)
	a := keyOf(1)
	target := keyOf(9)

	transport := &fakeTransport{
		graph: map[Key][]Contact{},
		value: map[Key][]byte{a: []byte("remote-value")},
	}

	table := NewTable(self, 20)
	table.Update(a, nil)
	node := NewNode(self, table, transport, 3)

	value, _, err := node.FindValue(context.Background(), target, 5, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(value) != "remote-value" {
		t.Fatalf("expected remote value, got %q", value)
	}
}

func TestFindValueNotFound(t *testing.T) {
	self := keyOf(0)
	table := NewTable(self, 20)
	node := NewNode(self, table, &fakeTransport{graph: map[Key][]Contact{}}, 3)

	_, _, err := node.FindValue(context.Background(), keyOf(9), 5, 50*time.Millisecond)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
