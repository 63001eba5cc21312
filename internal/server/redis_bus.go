package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisDialTimeout    = 5 * time.Second
	redisPublishTimeout = 2 * time.Second
	redisPublishQueue   = 256
)

var (
	errMissingRedisAddress = errors.New("redis address required")
	errMissingRedisChannel = errors.New("redis channel required")
	errMissingLocalAwards  = errors.New("local award dispatcher required")
)

// RedisAwardBusConfig describes the cross-replica award channel.
type RedisAwardBusConfig struct {
	Address string
	Channel string
	Local   *AwardDispatcher
	Logger  *zap.Logger
}

// RedisAwardBus publishes award events to a redis channel and forwards every event
// received on it, including its own, to the local dispatcher.
// Publishing happens on a background goroutine fed by a bounded queue, so award
// paths never wait on redis.
type RedisAwardBus struct {
	client         *goredis.Client
	channel        string
	local          *AwardDispatcher
	logger         *zap.Logger
	publishTimeout time.Duration
	pending        chan AwardEvent
}

// NewRedisAwardBus connects to redis and verifies the connection.
func NewRedisAwardBus(ctx context.Context, cfg RedisAwardBusConfig) (*RedisAwardBus, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errMissingRedisAddress
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		return nil, errMissingRedisChannel
	}
	if cfg.Local == nil {
		return nil, errMissingLocalAwards
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        address,
		DialTimeout: redisDialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisAwardBus(client, channel, cfg.Local, logger, redisPublishTimeout), nil
}

func newRedisAwardBus(client *goredis.Client, channel string, local *AwardDispatcher, logger *zap.Logger, publishTimeout time.Duration) *RedisAwardBus {
	return &RedisAwardBus{
		client:         client,
		channel:        channel,
		local:          local,
		logger:         logger,
		publishTimeout: publishTimeout,
		pending:        make(chan AwardEvent, redisPublishQueue),
	}
}

// NotifyAward satisfies badges.AwardNotifier. It only enqueues the event; when the
// queue is full or redis is unreachable the event is still delivered to local
// subscribers.
func (b *RedisAwardBus) NotifyAward(instance badges.BadgeInstance) {
	event := newAwardEvent(instance)
	select {
	case b.pending <- event:
	default:
		b.logger.Warn("award event queue full",
			zap.String("channel", b.channel),
			zap.String("instance_id", event.InstanceID))
		b.local.Publish(event)
	}
}

func (b *RedisAwardBus) runPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.pending:
			b.publish(ctx, event)
		}
	}
}

func (b *RedisAwardBus) publish(ctx context.Context, event AwardEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("award event encoding failed", zap.Error(err))
		b.local.Publish(event)
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.client.Publish(publishCtx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("award event publish failed",
			zap.String("channel", b.channel),
			zap.String("instance_id", event.InstanceID),
			zap.Error(err))
		b.local.Publish(event)
	}
}

// Start subscribes to the channel, then publishes queued events and forwards received
// ones until ctx is cancelled.
func (b *RedisAwardBus) Start(ctx context.Context) error {
	subscription := b.client.Subscribe(ctx, b.channel)
	if _, err := subscription.Receive(ctx); err != nil {
		_ = subscription.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer subscription.Close() //nolint:errcheck
		messages := subscription.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok || message == nil {
					return
				}
				var event AwardEvent
				if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
					b.logger.Warn("bad award event payload", zap.Error(err))
					continue
				}
				b.local.Publish(event)
			}
		}
	}()

	go b.runPublisher(ctx)

	b.logger.Info("award bus subscribed", zap.String("channel", b.channel))
	return nil
}

func (b *RedisAwardBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
