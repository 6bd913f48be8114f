package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"eventcert/internal/tasks"
)

// Notification kinds.
const (
	NotifyProgress = "certificate_progress"
	NotifyBatch    = "certificate_batch"
)

// Batch notification statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// BatchNotifyMessage is pushed to the operator's websocket through Redis
// pub/sub. Field names are part of the client protocol.
type BatchNotifyMessage struct {
	Type          string `json:"type"`
	Step          string `json:"step"`
	Status        string `json:"status"`
	BatchID       uint   `json:"batch_id"`
	CorrelationID string `json:"correlation_id"`
	Stage         string `json:"stage,omitempty"`
	Done          int    `json:"done,omitempty"`
	Total         int    `json:"total,omitempty"`
	Succeeded     int    `json:"succeeded"`
	Failed        int    `json:"failed"`
	ErrorCode     int    `json:"error_code"`
	ErrorMessage  string `json:"error_message"`
}

// Notifier delivers batch notifications to one operator.
type Notifier interface {
	Notify(ctx context.Context, operatorID uint, msg BatchNotifyMessage) error
}

// RedisNotifier publishes notifications with Redis PUBLISH.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, operatorID uint, msg BatchNotifyMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := tasks.NotifyChannel(operatorID)
	if err := n.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}
