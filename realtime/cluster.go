package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DispatchChannel = "rescue:dispatch"
	presenceNodes   = "rescue:presence:nodes"
	presencePrefix  = "rescue:presence:node:"
	presenceTTL     = 90 * time.Second
	redisTimeout    = 2 * time.Second
)

const (
	targetGroup = "group"
	targetUser  = "user"
)

// envelope is one cross-node delivery on the dispatch channel
type envelope struct {
	Origin string          `json:"origin"`
	Kind   string          `json:"kind"`
	Target string          `json:"target"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// ClusterNotifier shares garage presence and event delivery between nodes
// through Redis. Each node keeps its live garage ids in its own set, so a
// crashed node's presence expires with its key. The set is always rebuilt
// from the local registry, never patched, so a lost or reordered write is
// repaired by the next change or heartbeat.
type ClusterNotifier struct {
	client   *redis.Client
	registry *Registry
	nodeID   string
	logger   *slog.Logger

	// serializes presence rewrites; each rewrite snapshots the registry
	// while holding it, so the last write carries the newest membership
	presenceMu sync.Mutex
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewClusterNotifier installs itself as the registry's group listener
func NewClusterNotifier(client *redis.Client, registry *Registry, nodeID string, logger *slog.Logger) *ClusterNotifier {
	n := &ClusterNotifier{
		client:   client,
		registry: registry,
		nodeID:   nodeID,
		logger:   logger,
	}
	registry.SetListener(n)
	return n
}

func (n *ClusterNotifier) nodeKey() string {
	return presencePrefix + n.nodeID
}

// GroupOccupied republishes this node's presence
func (n *ClusterNotifier) GroupOccupied(groupID string) {
	n.refresh(context.Background())
}

// GroupVacated republishes this node's presence
func (n *ClusterNotifier) GroupVacated(groupID string) {
	n.refresh(context.Background())
}

// refresh replaces this node's presence set with the registry's live
// garages and renews its TTL
func (n *ClusterNotifier) refresh(ctx context.Context) {
	n.presenceMu.Lock()
	defer n.presenceMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	ids := n.registry.ActiveGarageIDs()
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, n.nodeKey())
		if len(members) > 0 {
			pipe.SAdd(ctx, n.nodeKey(), members...)
			pipe.Expire(ctx, n.nodeKey(), presenceTTL)
		}
		pipe.SAdd(ctx, presenceNodes, n.nodeID)
		return nil
	})
	if err != nil {
		n.logger.Warn("Failed to publish garage presence", "nodeID", n.nodeID, "garageCount", len(ids), "error", err)
	}
}

// ActiveGarageIDs unions this node's registry with the presence of every
// other node. When Redis is unreachable only the local view is returned.
func (n *ClusterNotifier) ActiveGarageIDs(ctx context.Context) ([]string, error) {
	local := n.registry.ActiveGarageIDs()

	remote, err := n.remoteGarageIDs(ctx)
	if err != nil {
		n.logger.Warn("Falling back to local presence", "error", err)
		return local, nil
	}

	seen := make(map[string]struct{}, len(local)+len(remote))
	ids := make([]string, 0, len(local)+len(remote))
	for _, list := range [][]string{local, remote} {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (n *ClusterNotifier) remoteGarageIDs(ctx context.Context) ([]string, error) {
	nodes, err := n.client.SMembers(ctx, presenceNodes).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node != n.nodeID {
			keys = append(keys, presencePrefix+node)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return n.client.SUnion(ctx, keys...).Result()
}

// SendToGroup delivers locally and forwards to the other nodes. A failed
// forward is an error only when no local member received the event.
func (n *ClusterNotifier) SendToGroup(ctx context.Context, event string, payload any, groupID string) error {
	delivered := n.registry.SendToGroup(event, payload, groupID)
	if err := n.publish(ctx, targetGroup, groupID, event, payload); err != nil {
		if delivered > 0 {
			n.logger.Warn("Delivered locally but failed to forward", "event", event, "groupID", groupID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// SendToUser delivers locally when the user is connected here. Otherwise
// the event is forwarded to the other nodes and true only means it was
// handed to the bus, since the user may have left every node by then.
func (n *ClusterNotifier) SendToUser(ctx context.Context, userID, event string, payload any) (bool, error) {
	if connID, ok := n.registry.SocketFor(userID); ok {
		if err := n.registry.EmitTo(connID, event, payload); err == nil {
			return true, nil
		}
	}
	if err := n.publish(ctx, targetUser, userID, event, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (n *ClusterNotifier) publish(ctx context.Context, kind, target, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	msg, err := json.Marshal(envelope{Origin: n.nodeID, Kind: kind, Target: target, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := n.client.Publish(ctx, DispatchChannel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event, target, err)
	}
	return nil
}

// Run relays events published by other nodes and refreshes this node's
// presence until ctx is cancelled. On return the node's presence is removed.
func (n *ClusterNotifier) Run(ctx context.Context) {
	sub := n.client.Subscribe(ctx, DispatchChannel)
	defer sub.Close()
	defer n.withdraw()

	heartbeat := time.NewTicker(presenceTTL / 3)
	defer heartbeat.Stop()

	n.refresh(ctx)
	n.logger.Info("Cluster notifier started", "nodeID", n.nodeID, "channel", DispatchChannel)
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Cluster notifier stopped", "nodeID", n.nodeID)
			return
		case <-heartbeat.C:
			n.refresh(ctx)
		case msg, ok := <-messages:
			if !ok {
				return
			}
			n.deliver(msg.Payload)
		}
	}
}

func (n *ClusterNotifier) deliver(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		n.logger.Warn("Dropping malformed dispatch message", "error", err)
		return
	}
	if env.Origin == n.nodeID {
		return
	}
	switch env.Kind {
	case targetGroup:
		n.registry.SendToGroup(env.Event, env.Data, env.Target)
	case targetUser:
		if connID, ok := n.registry.SocketFor(env.Target); ok {
			_ = n.registry.EmitTo(connID, env.Event, env.Data)
		}
	}
}

func (n *ClusterNotifier) withdraw() {
	n.presenceMu.Lock()
	defer n.presenceMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if _, err := n.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, n.nodeKey())
		pipe.SRem(ctx, presenceNodes, n.nodeID)
		return nil
	}); err != nil {
		n.logger.Warn("Failed to withdraw node presence", "nodeID", n.nodeID, "error", err)
	}
}
