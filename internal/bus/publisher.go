package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Thang0611/server-sub000/internal/log"
	"github.com/Thang0611/server-sub000/pkg/models"
)

// Publisher pushes progress events onto the broker's pub/sub channels.
// Publishing is fire-and-forget: a broker hiccup loses the event, which is
// acceptable because subscribers re-fetch durable state on reconnect.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish sends one payload to {scope}:{id}:{type}. The payload's type and
// timestamp are filled in here so every event on the wire carries them.
func (p *Publisher) Publish(ctx context.Context, scope models.ProgressScope, id int64, typ models.ProgressEventType, payload models.ProgressPayload) {
	payload.Type = typ
	if payload.Timestamp == 0 {
		payload.Timestamp = models.NowMillis()
	}
	switch scope {
	case models.TaskScope:
		payload.TaskID = id
	case models.OrderScope:
		payload.OrderID = id
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.GetLogger().Errorf("Progress payload marshal failed: %v", err)
		return
	}
	channel := fmt.Sprintf("%s:%d:%s", scope, id, typ)
	if err := p.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		log.GetLogger().Debugf("Progress publish to %s failed: %v", channel, err)
	}
}
