package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/config"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"go.uber.org/zap"
)

// RedisPool is the common surface of a standalone pool and a cluster.
type RedisPool interface {
	Get() redis.Conn
	Close() error
}

type standalonePool struct {
	*redis.Pool
	addr string
}

// NewRedisPool creates a Redis connection pool using the provided
// broker configuration. Cluster mode is detected automatically and
// falls back to a standalone pool when disabled.
func NewRedisPool(cfg config.BrokerConfig) (RedisPool, error) {
	cluster := &redisc.Cluster{
		StartupNodes: []string{cfg.Address},
		CreatePool: func(server string, opts ...redis.DialOption) (*redis.Pool, error) {
			return &redis.Pool{
				MaxIdle:     3,
				IdleTimeout: 240 * time.Second,
				Dial: func() (redis.Conn, error) {
					c, err := redis.Dial(
						"tcp",
						server,
						redis.DialDatabase(cfg.Database),
						redis.DialUseTLS(cfg.UseTLS),
						redis.DialConnectTimeout(cfg.ConnectTimeout),
						redis.DialKeepAlive(cfg.KeepAlive),
						// Read/Write timeouts not set here because the
						// pub/sub subscriber may be idle for long periods.
					)
					if err != nil {
						return nil, err
					}
					if cfg.Password != "" {
						if _, err := c.Do("AUTH", cfg.Password); err != nil {
							c.Close()
							return nil, err
						}
					}
					return c, err
				},
				TestOnBorrow: func(c redis.Conn, t time.Time) error {
					if time.Since(t) < time.Minute {
						return nil
					}
					_, err := c.Do("PING")
					return err
				},
			}, nil
		},
	}

	if err := cluster.Refresh(); err != nil {
		if isClusterDisabled(err) || isClusterCommandUnknown(err) {
			pool, _ := cluster.CreatePool(cfg.Address)
			cluster.Close()
			return &standalonePool{pool, cfg.Address}, nil
		}
		return nil, fmt.Errorf("failed to refresh cluster: %w", err)
	}

	return cluster, nil
}

func isClusterDisabled(err error) bool {
	return strings.Contains(err.Error(), "ERR This instance has cluster support disabled")
}

func isClusterCommandUnknown(err error) bool {
	return strings.Contains(err.Error(), "ERR unknown command `CLUSTER`")
}

// RedisBroker implements Broker over Redis pub/sub.
type RedisBroker struct {
	pool   RedisPool
	logger *zap.Logger

	heartbeats chan HeartbeatMessage
	results    chan ResultMessage

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(pool RedisPool, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		pool:       pool,
		logger:     logger,
		heartbeats: make(chan HeartbeatMessage, 256),
		results:    make(chan ResultMessage, 256),
		closed:     make(chan struct{}),
	}
}

// PublishDelivery pushes a delivery message onto the device's topic.
// Zero subscribers means the device is not listening, which is
// reported as transport unavailability so the job gets deferred, not
// failed.
func (b *RedisBroker) PublishDelivery(ctx context.Context, deviceID string, msg DeliveryMessage) error {
	conn := b.pool.Get()
	defer conn.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	n, err := redis.Int(conn.Do("PUBLISH", DeliveryTopic(deviceID), data))
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", types.ErrTransportUnavailable, DeliveryTopic(deviceID), err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no subscriber on %s", types.ErrTransportUnavailable, DeliveryTopic(deviceID))
	}

	return nil
}

func (b *RedisBroker) Heartbeats() <-chan HeartbeatMessage {
	return b.heartbeats
}

func (b *RedisBroker) Results() <-chan ResultMessage {
	return b.results
}

// Run subscribes to all presence topics and the shared results topic
// and pumps incoming messages into the channels. Lost connections are
// re-established with exponential backoff until the context is done.
func (b *RedisBroker) Run(ctx context.Context) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	for {
		err := b.subscribeLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-b.closed:
			return
		default:
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		b.logger.Warn("Broker subscription lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case <-time.After(wait):
		}
	}
}

func (b *RedisBroker) subscribeLoop(ctx context.Context) error {
	conn := b.pool.Get()
	defer conn.Close()

	psc := redis.PubSubConn{Conn: conn}
	if err := psc.PSubscribe(presenceTopicPrefix + "*"); err != nil {
		return fmt.Errorf("failed to psubscribe presence: %w", err)
	}
	if err := psc.Subscribe(resultsTopic); err != nil {
		return fmt.Errorf("failed to subscribe results: %w", err)
	}

	b.logger.Info("Broker subscriptions established",
		zap.String("presence_pattern", presenceTopicPrefix+"*"),
		zap.String("results_topic", resultsTopic))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-b.closed:
		case <-done:
			return
		}
		// Unblocks the Receive call below.
		conn.Close()
	}()

	for {
		switch msg := psc.Receive().(type) {
		case redis.Message:
			b.route(msg.Channel, msg.Data)
		case redis.Subscription:
			// counts bookkeeping only
		case error:
			return msg
		}
	}
}

func (b *RedisBroker) route(channel string, data []byte) {
	switch {
	case strings.HasPrefix(channel, presenceTopicPrefix):
		var hb HeartbeatMessage
		if err := json.Unmarshal(data, &hb); err != nil {
			b.logger.Warn("Dropping malformed heartbeat",
				zap.String("channel", channel),
				zap.Error(err))
			return
		}
		if hb.DeviceID == "" {
			hb.DeviceID = strings.TrimPrefix(channel, presenceTopicPrefix)
		}
		select {
		case b.heartbeats <- hb:
		default:
			b.logger.Warn("Heartbeat buffer full, message dropped",
				zap.String("device_id", hb.DeviceID))
		}

	case channel == resultsTopic:
		var res ResultMessage
		if err := json.Unmarshal(data, &res); err != nil {
			b.logger.Warn("Dropping malformed result", zap.Error(err))
			return
		}
		if err := res.Validate(); err != nil {
			b.logger.Warn("Dropping invalid result",
				zap.String("job_id", res.JobID.String()),
				zap.Error(err))
			return
		}
		select {
		case b.results <- res:
		default:
			b.logger.Warn("Result buffer full, message dropped",
				zap.String("job_id", res.JobID.String()))
		}
	}
}

func (b *RedisBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	return b.pool.Close()
}
