package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/pkg/models"
)

// Bridge subscribes to the broker's wildcard progress channels and forwards
// each decoded payload into the Hub. It is the only consumer of the
// ephemeral side of the broker; the durable queue list is untouched here.
type Bridge struct {
	rdb *redis.Client
	hub *Hub
}

func NewBridge(rdb *redis.Client, hub *Hub) *Bridge {
	return &Bridge{rdb: rdb, hub: hub}
}

// Run blocks pumping broker messages into the hub until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, "task:*", "order:*")
	defer pubsub.Close()

	log.GetLogger().Info("Progress bridge subscribed to task:* and order:*")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *Bridge) dispatch(channel string, payload []byte) {
	scope, id, typ, ok := ParseChannel(channel)
	if !ok {
		log.GetLogger().Debugf("Ignoring message on unrecognized channel %q", channel)
		return
	}
	var data models.ProgressPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		log.GetLogger().Debugf("Dropping undecodable payload on %s: %v", channel, err)
		return
	}
	data.Type = typ
	b.hub.Broadcast(GroupKey(scope, id), Frame{Event: string(typ), Data: data})
}

// ParseChannel splits "scope:id:type" into its parts. ok is false for
// anything that is not a well-formed progress channel.
func ParseChannel(channel string) (models.ProgressScope, int64, models.ProgressEventType, bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 {
		return "", 0, "", false
	}
	scope := models.ProgressScope(parts[0])
	if scope != models.TaskScope && scope != models.OrderScope {
		return "", 0, "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	typ := models.ProgressEventType(parts[2])
	switch typ {
	case models.ProgressEvent, models.StatusEvent, models.CompleteEvent:
	default:
		return "", 0, "", false
	}
	return scope, id, typ, true
}
