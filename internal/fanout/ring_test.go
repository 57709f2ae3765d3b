package fanout

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propdesk/propdesk/internal/events"
)

func TestNodeForCoversMembers(t *testing.T) {
	ring := NewRing()

	_, ok := ring.NodeFor("anything")
	assert.False(t, ok, "empty ring has no owner")

	nodes := []string{"node-a", "node-b", "node-c"}
	for _, n := range nodes {
		ring.Add(n)
	}
	members := map[string]bool{"node-a": true, "node-b": true, "node-c": true}

	for i := 0; i < 1000; i++ {
		owner, ok := ring.NodeFor(uuid.New().String())
		require.True(t, ok)
		assert.True(t, members[owner], "owner %q not a member", owner)
	}
}

func TestNodeForIsDeterministic(t *testing.T) {
	ring := NewRing()
	ring.Add("node-a")
	ring.Add("node-b")

	key := "assessment-123"
	first, ok := ring.NodeFor(key)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		owner, _ := ring.NodeFor(key)
		assert.Equal(t, first, owner)
	}
}

func TestRemovalOnlyMovesRemovedNodesKeys(t *testing.T) {
	ring := NewRing()
	for _, n := range []string{"node-a", "node-b", "node-c"} {
		ring.Add(n)
	}

	keys := make([]string, 200)
	before := make(map[string]string, len(keys))
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		owner, _ := ring.NodeFor(keys[i])
		before[keys[i]] = owner
	}

	ring.Remove("node-b")

	for _, key := range keys {
		owner, ok := ring.NodeFor(key)
		require.True(t, ok)
		assert.NotEqual(t, "node-b", owner)
		if before[key] != "node-b" {
			assert.Equal(t, before[key], owner, "key %q moved although its node stayed", key)
		}
	}
	assert.Equal(t, []string{"node-a", "node-c"}, ring.Nodes())
}

func TestVirtualNodesSpreadLoad(t *testing.T) {
	ring := NewRing()
	ring.Add("node-a")
	ring.Add("node-b")

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		owner, _ := ring.NodeFor(fmt.Sprintf("key-%d", i))
		counts[owner]++
	}

	// With 150 vnodes each, neither node should see a grossly skewed
	// share.
	assert.Greater(t, counts["node-a"], 400)
	assert.Greater(t, counts["node-b"], 400)
}

func TestRouterDropsForeignOwnedMessages(t *testing.T) {
	ring := NewRing()
	ring.Add("other-node")
	registry := NewRegistry(zerolog.Nop())
	router := NewRouter(registry, ring, "this-node", zerolog.Nop())

	// Every key is owned by the only member, which is not this node, so
	// the scoped message is dropped without error.
	err := router.Handle(context.Background(), events.Message{
		Topic: events.TopicPnlUpdated,
		Data:  &events.PnlUpdatedData{AssessmentID: uuid.New().String(), RealizedPnl: 10},
	})
	require.NoError(t, err)
}
