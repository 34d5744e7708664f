package collector

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/groupmote/internal/mq"
)

// RedisClient is a Client that uses redis pub/sub as the collector. Topics
// map to channels. Liveness is checked with PING every keep-alive period.
type RedisClient struct {
	sink        Sink
	useAuth     bool
	maxInflight int32

	mu       sync.Mutex
	clientID string
	username string
	password string
	rdb      *redis.Client
	sub      *redis.PubSub
	connCtx  context.Context
	cancel   context.CancelFunc

	connected atomic.Bool
	inflight  atomic.Int32
}

// NewRedisClient returns a redis-backed client. Credentials are only sent
// when useAuth is set.
func NewRedisClient(sink Sink, useAuth bool, maxInflight int) *RedisClient {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	return &RedisClient{sink: sink, useAuth: useAuth, maxInflight: int32(maxInflight)}
}

func (r *RedisClient) Register(clientID, username, password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientID = clientID
	r.username = username
	r.password = password
}

func (r *RedisClient) Connect(host string, port int, keepAlive time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clientID == "" {
		return errors.New("collector: connect before register")
	}

	opts := &redis.Options{
		Addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		ClientName: r.clientID,
	}
	if r.useAuth {
		opts.Username = r.username
		opts.Password = r.password
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())
	r.rdb = rdb
	r.connCtx = ctx
	r.cancel = cancel

	r.inflight.Add(1)
	go func() {
		err := rdb.Ping(ctx).Err()
		r.inflight.Add(-1)
		if err != nil {
			if r.current(ctx) {
				r.sink(Event{Type: EventDisconnected, Err: err})
			}
			return
		}
		if !r.current(ctx) {
			return
		}
		r.connected.Store(true)
		r.sink(Event{Type: EventConnected})
		r.watch(ctx, rdb, keepAlive)
	}()
	return nil
}

// watch pings until a ping fails or ctx is cancelled.
func (r *RedisClient) watch(ctx context.Context, rdb *redis.Client, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := rdb.Ping(ctx).Err(); err != nil {
				if ctx.Err() != nil {
					return
				}
				if r.current(ctx) {
					r.connected.Store(false)
					r.sink(Event{Type: EventDisconnected, Err: err})
				}
				return
			}
		}
	}
}

func (r *RedisClient) Subscribe(topic string, qos byte) error {
	r.mu.Lock()
	rdb, ctx := r.rdb, r.connCtx
	if rdb == nil || !r.connected.Load() {
		r.mu.Unlock()
		return mq.ErrNotConnected
	}
	sub := rdb.Subscribe(ctx, topic)
	r.sub = sub
	r.mu.Unlock()

	r.inflight.Add(1)
	go func() {
		_, err := sub.Receive(ctx)
		r.inflight.Add(-1)
		if err != nil {
			log.Warnf("subscribe %s: %v", topic, err)
			return
		}
		if !r.current(ctx) {
			return
		}
		r.sink(Event{Type: EventSubAck, Topic: topic})
		for msg := range sub.Channel() {
			r.sink(Event{Type: EventPublish, Topic: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}()
	return nil
}

func (r *RedisClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	r.mu.Lock()
	rdb, ctx := r.rdb, r.connCtx
	r.mu.Unlock()
	if rdb == nil || !r.connected.Load() {
		return mq.ErrNotConnected
	}
	if r.inflight.Load() >= r.maxInflight {
		return mq.ErrQueueFull
	}

	r.inflight.Add(1)
	go func() {
		err := rdb.Publish(ctx, topic, payload).Err()
		r.inflight.Add(-1)
		if err != nil {
			log.Warnf("publish %s: %v", topic, err)
			return
		}
		if qos > mq.QoSAtMostOnce && r.current(ctx) {
			r.sink(Event{Type: EventPubAck, Topic: topic})
		}
	}()
	return nil
}

func (r *RedisClient) Disconnect() {
	r.mu.Lock()
	rdb, sub, cancel := r.rdb, r.sub, r.cancel
	r.rdb, r.sub, r.connCtx, r.cancel = nil, nil, nil, nil
	r.mu.Unlock()

	r.connected.Store(false)
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

func (r *RedisClient) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rdb != nil && r.connected.Load()
}

func (r *RedisClient) OutboundIdle() bool {
	return r.inflight.Load() == 0
}

// current reports whether ctx belongs to the live connection.
func (r *RedisClient) current(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ctx.Err() == nil && r.connCtx == ctx
}
