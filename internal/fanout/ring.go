// Package fanout implements the websocket delivery service: connection
// registry, heartbeat, the event-to-frame router and the consistent-hash
// ring that assigns account ownership across nodes.
package fanout

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"lukechampine.com/blake3"
)

// VirtualNodes is the number of ring positions each physical node owns.
const VirtualNodes = 150

// Ring maps keys to owning nodes via consistent hashing. Membership
// changes move only the keys adjacent to the changed node's positions.
type Ring struct {
	mu     sync.RWMutex
	vnodes map[uint32]string
	sorted []uint32
	nodes  map[string]struct{}
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{
		vnodes: make(map[uint32]string),
		nodes:  make(map[string]struct{}),
	}
}

// ringHash digests a key and reads the first 4 bytes as a ring position.
func ringHash(key string) uint32 {
	sum := blake3.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

// Add inserts a node's virtual nodes. Adding a present node is a no-op.
func (r *Ring) Add(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; ok {
		return
	}
	r.nodes[node] = struct{}{}
	for i := 0; i < VirtualNodes; i++ {
		r.vnodes[ringHash(fmt.Sprintf("%s#%d", node, i))] = node
	}
	r.rebuild()
}

// Remove drops a node's virtual nodes.
func (r *Ring) Remove(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)
	for i := 0; i < VirtualNodes; i++ {
		delete(r.vnodes, ringHash(fmt.Sprintf("%s#%d", node, i)))
	}
	r.rebuild()
}

func (r *Ring) rebuild() {
	r.sorted = r.sorted[:0]
	for h := range r.vnodes {
		r.sorted = append(r.sorted, h)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i] < r.sorted[j] })
}

// Nodes returns the current member set.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for node := range r.nodes {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// NodeFor returns the node owning a key: the first ring position at or
// past the key's hash, wrapping to the minimum. False iff the ring is
// empty.
func (r *Ring) NodeFor(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted) == 0 {
		return "", false
	}

	h := ringHash(key)
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= h })
	if idx == len(r.sorted) {
		idx = 0
	}
	return r.vnodes[r.sorted[idx]], true
}
