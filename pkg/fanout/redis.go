package fanout

import (
	"context"
	"fmt"
	"sync"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "presence:fanout"

// Redis replicates over a redis pub/sub channel, for workers spread across hosts.
type Redis struct {
	*dispatcher
	client  *rdb.Client
	channel string
	sub     *rdb.PubSub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis subscribes to channel and starts forwarding peer messages to handlers.
func NewRedis(ctx context.Context, addr string, db int, channel string, origin string, log *zap.Logger) (*Redis, error) {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	client := rdb.NewClient(&rdb.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		dispatcher: newDispatcher(origin, log),
		client:     client,
		channel:    channel,
		sub:        sub,
		cancel:     cancel,
	}
	r.wg.Add(1)
	go r.receive(runCtx)
	return r, nil
}

// receive relies on go-redis to reconnect the subscription after network errors.
func (r *Redis) receive(ctx context.Context) {
	defer r.wg.Done()
	ch := r.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.deliverRaw([]byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

func (r *Redis) Publish(ctx context.Context, m Message) error {
	raw, err := r.stamp(m).encode()
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.cancel()
	err := r.sub.Close()
	r.wg.Wait()
	r.stop()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
