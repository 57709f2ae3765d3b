package fanout

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache keys for ring membership.
const (
	NodesKey         = "websocket:nodes"
	NodeJoinChannel  = "websocket:node:join"
	NodeLeaveChannel = "websocket:node:leave"
)

// Membership synchronizes the local ring with the shared node set:
// registration in a cache set plus join/leave pub/sub. The ring is
// eventually consistent across nodes; the router's owner check makes
// misroutes during a membership change a dropped delivery, not
// corruption.
type Membership struct {
	rdb    *redis.Client
	ring   *Ring
	nodeID string
	log    zerolog.Logger
}

// NewMembership creates the membership manager for this node.
func NewMembership(rdb *redis.Client, ring *Ring, nodeID string, log zerolog.Logger) *Membership {
	return &Membership{
		rdb:    rdb,
		ring:   ring,
		nodeID: nodeID,
		log:    log.With().Str("component", "ring-membership").Logger(),
	}
}

// Join registers this node, seeds the ring with the current member set
// and announces the join.
func (m *Membership) Join(ctx context.Context) error {
	if err := m.rdb.SAdd(ctx, NodesKey, m.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	members, err := m.rdb.SMembers(ctx, NodesKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read node set: %w", err)
	}
	for _, node := range members {
		m.ring.Add(node)
	}

	if err := m.rdb.Publish(ctx, NodeJoinChannel, m.nodeID).Err(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to announce join")
	}
	m.log.Info().Str("node_id", m.nodeID).Int("nodes", len(members)).Msg("Joined fan-out ring")
	return nil
}

// Leave deregisters this node and announces the leave.
func (m *Membership) Leave(ctx context.Context) error {
	if err := m.rdb.SRem(ctx, NodesKey, m.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to deregister node: %w", err)
	}
	if err := m.rdb.Publish(ctx, NodeLeaveChannel, m.nodeID).Err(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to announce leave")
	}
	m.ring.Remove(m.nodeID)
	m.log.Info().Str("node_id", m.nodeID).Msg("Left fan-out ring")
	return nil
}

// Watch applies join/leave announcements from other nodes until ctx is
// cancelled.
func (m *Membership) Watch(ctx context.Context) {
	sub := m.rdb.Subscribe(ctx, NodeJoinChannel, NodeLeaveChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case NodeJoinChannel:
				m.ring.Add(msg.Payload)
				m.log.Info().Str("node_id", msg.Payload).Msg("Node joined ring")
			case NodeLeaveChannel:
				m.ring.Remove(msg.Payload)
				m.log.Info().Str("node_id", msg.Payload).Msg("Node left ring")
			}
		}
	}
}
