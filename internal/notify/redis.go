package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	types "github.com/tetrix-ml/autotrain/internal/domain"
	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisNotifier publishes batch lifecycle events to a redis channel.
// Delivery is best-effort: publish failures are logged and swallowed so the
// training flow never blocks on the sink.
func NewRedisNotifier(log *logger.Logger) (Notifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = "training-events"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisNotifier{
		log:     log.With("service", "RedisNotifier"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (n *redisNotifier) publish(ctx context.Context, msg Message) {
	msg.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(msg)
	if err != nil {
		n.log.Error("marshal notification", "event", msg.Event, "error", err)
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.log.Warn("publish notification", "event", msg.Event, "batch_id", msg.BatchID, "error", err)
	}
}

func (n *redisNotifier) BatchStarted(ctx context.Context, batch *types.TrainingBatch) {
	n.publish(ctx, Message{
		Event:        EventBatchStarted,
		ProcessorID:  batch.ProcessorID,
		BatchID:      batch.ID.String(),
		TrainingType: batch.TrainingType,
		BatchStatus:  batch.Status,
	})
}

func (n *redisNotifier) BatchCompleted(ctx context.Context, batch *types.TrainingBatch, documentCount int) {
	n.publish(ctx, Message{
		Event:         EventBatchCompleted,
		ProcessorID:   batch.ProcessorID,
		BatchID:       batch.ID.String(),
		TrainingType:  batch.TrainingType,
		BatchStatus:   batch.Status,
		DocumentCount: documentCount,
	})
}

func (n *redisNotifier) BatchFailed(ctx context.Context, batch *types.TrainingBatch, stage, errorMessage string) {
	n.publish(ctx, Message{
		Event:        EventBatchFailed,
		ProcessorID:  batch.ProcessorID,
		BatchID:      batch.ID.String(),
		TrainingType: batch.TrainingType,
		BatchStatus:  batch.Status,
		Stage:        stage,
		Error:        errorMessage,
	})
}
