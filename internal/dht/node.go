package dht

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an iterative find_value lookup exhausts its
// candidate set without a value response.
var ErrNotFound = errors.New("dht: value not found")

// Transport is the network hook a Node uses to query other contacts.
// FindNode/FindValue return whatever the remote replied with over the
// request's vport; Store pushes a value to a contact with no reply
// expected, matching the upstream's fire-and-forget store path.
type Transport interface {
	FindNode(ctx context.Context, to Contact, target Key) ([]Contact, error)
	FindValue(ctx context.Context, to Contact, target Key) ([]Contact, []byte, error)
	Store(ctx context.Context, to Contact, key Key, value []byte) error
}

// Node runs iterative Kademlia lookups against a local Table, fanning out
// to an alpha-wide set of unqueried candidates per round until no closer
// contact remains to query, per the upstream find_node/find_value
// "querying heap, queried set" loop.
type Node struct {
	self      Key
	table     *Table
	transport Transport
	alpha     int
	localVals map[Key][]byte
	mu        sync.RWMutex
}

// NewNode builds a Node rooted at self, querying alpha contacts per round.
func NewNode(self Key, table *Table, transport Transport, alpha int) *Node {
	if alpha <= 0 {
		alpha = 3
	}
	return &Node{
		self:      self,
		table:     table,
		transport: transport,
		alpha:     alpha,
		localVals: make(map[Key][]byte),
	}
}

// PutLocal stores a value directly in this node's local value store,
// mirroring local_find_value's role on the serving side.
func (n *Node) PutLocal(key Key, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.localVals[key] = value
}

func (n *Node) getLocal(key Key) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.localVals[key]
	return v, ok
}

// FindNode returns the k closest known contacts to target, querying the
// network iteratively when the local table doesn't already hold target
// itself, per the upstream's find_node.
func (n *Node) FindNode(ctx context.Context, target Key, k int, timeout time.Duration) ([]Contact, error) {
	for _, c := range n.table.Nearest(target, k) {
		if c.ID == target {
			return []Contact{*c}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, _, err := n.iterate(ctx, target, k, false)
	return result, err
}

// FindValue returns the value stored at target if found locally or via an
// iterative lookup; otherwise the k closest contacts and ErrNotFound.
func (n *Node) FindValue(ctx context.Context, target Key, k int, timeout time.Duration) ([]byte, []Contact, error) {
	if v, ok := n.getLocal(target); ok {
		return v, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	contacts, value, err := n.iterate(ctx, target, k, true)
	if err != nil {
		return nil, contacts, err
	}
	if value == nil {
		return nil, contacts, ErrNotFound
	}
	return value, nil, nil
}

// Store pushes value to the k nodes closest to key, per the upstream's
// store: find_node(key) followed by a fire-and-forget Store to each
// result.
func (n *Node) Store(ctx context.Context, key Key, value []byte, k int, timeout time.Duration) error {
	contacts, err := n.FindNode(ctx, key, k, timeout)
	if err != nil {
		return err
	}
	for _, c := range contacts {
		_ = n.transport.Store(ctx, c, key, value)
	}
	return nil
}

// iterate runs the querying-heap/queried-set loop: each round queries the
// alpha closest not-yet-queried contacts concurrently, folding replies
// back into the candidate set, until no unqueried closer contact remains
// or ctx ends. wantValue short-circuits the loop the moment any reply
// carries a value.
func (n *Node) iterate(ctx context.Context, target Key, k int, wantValue bool) ([]Contact, []byte, error) {
	queried := make(map[Key]bool)
	var candidates []Contact
	candidates = append(candidates, contactPtrs(n.table.Nearest(target, k))...)

	for {
		batch := nextBatch(candidates, queried, n.alpha)
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			queried[c.ID] = true
		}

		type reply struct {
			contacts []Contact
			value    []byte
		}
		replies := make(chan reply, len(batch))

		var wg sync.WaitGroup
		for _, c := range batch {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				if wantValue {
					found, value, err := n.transport.FindValue(ctx, c, target)
					if err == nil {
						replies <- reply{contacts: found, value: value}
					}
					return
				}
				found, err := n.transport.FindNode(ctx, c, target)
				if err == nil {
					replies <- reply{contacts: found}
				}
			}()
		}

		go func() {
			wg.Wait()
			close(replies)
		}()

		var value []byte
		for r := range replies {
			if r.value != nil {
				value = r.value
				continue
			}
			candidates = mergeUnique(candidates, r.contacts)
		}
		if value != nil {
			return nil, value, nil
		}

		select {
		case <-ctx.Done():
			return closestN(candidates, target, k), nil, ctx.Err()
		default:
		}
	}

	return closestN(candidates, target, k), nil, nil
}

func contactPtrs(in []*Contact) []Contact {
	out := make([]Contact, len(in))
	for i, c := range in {
		out[i] = *c
	}
	return out
}

func nextBatch(candidates []Contact, queried map[Key]bool, alpha int) []Contact {
	var batch []Contact
	for _, c := range candidates {
		if queried[c.ID] {
			continue
		}
		batch = append(batch, c)
		if len(batch) == alpha {
			break
		}
	}
	return batch
}

func mergeUnique(existing []Contact, fresh []Contact) []Contact {
	seen := make(map[Key]bool, len(existing))
	for _, c := range existing {
		seen[c.ID] = true
	}
	for _, c := range fresh {
		if !seen[c.ID] {
			existing = append(existing, c)
			seen[c.ID] = true
		}
	}
	return existing
}

func closestN(candidates []Contact, target Key, n int) []Contact {
	sort.Slice(candidates, func(i, j int) bool {
		return Less(Distance(candidates[i].ID, target), Distance(candidates[j].ID, target))
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}
