// Package replication implements the Replication Coordinator: the
// bridge between a document's local RGA engine and the rest of the
// world (other server replicas over the document's logical channel,
// and attached realtime listeners). Spec §4.4, §5, §6.
package replication

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Polqt/crdtcollab/crdt"
)

// pollInterval bounds how long the subscriber loop blocks on an inbound
// message wait before checking the stop flag again (§5 "Cancellation"),
// matching the source broker's one-second get_message(timeout=1.0).
const pollInterval = time.Second

// Broker is the outward-facing replication transport contract (§4.4).
// RedisBroker is the concrete implementation; tests substitute a fake.
type Broker interface {
	// Publish sends op on channel to other replicas. TransportUnavailable
	// is logged and swallowed, never returned to local-edit callers (§7).
	Publish(ctx context.Context, channel string, op crdt.Operation) error
	// Subscribe starts (once) a background listener for channel,
	// invoking handler for every operation delivered, until Close.
	Subscribe(channel string, handler func(crdt.Operation)) error
	Close() error
}

// RedisConnPool owns the single shared Redis connection for the
// process; every document's RedisBroker publishes/subscribes through
// it but none of them own its lifecycle — the pool is closed once,
// from main.go's shutdown path, after every document broker has
// stopped.
type RedisConnPool struct {
	client *redis.Client
}

// NewRedisConnPool dials Redis at addr/db. A connection failure is not
// fatal: TransportUnavailable is logged and brokers built from this
// pool keep retrying per-call, exactly as the source broker keeps the
// rest of the server running (local edits still apply) when Redis is
// down.
func NewRedisConnPool(addr string, db int) *RedisConnPool {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("replication: redis ping failed, sync disabled until reachable", "addr", addr, "err", err)
	}

	return &RedisConnPool{client: client}
}

// Broker returns a new per-document RedisBroker sharing this pool's
// connection. One is created per document channel.
func (p *RedisConnPool) Broker() *RedisBroker {
	return &RedisBroker{client: p.client}
}

// Close releases the shared Redis connection. Call once, after every
// broker created from this pool has itself been closed.
func (p *RedisConnPool) Close() error {
	return p.client.Close()
}

// RedisBroker is a Broker backed by Redis pub/sub, grounded on
// original_source/common/broker.py's RedisBroker: same env-var
// host/port resolution, one subscriber goroutine per document channel,
// same timeout-polled read loop for clean shutdown. It does not own
// the underlying *redis.Client — see RedisConnPool.
type RedisBroker struct {
	client *redis.Client

	mu      sync.Mutex
	pubsub  *redis.PubSub
	handler func(crdt.Operation)
	channel string
	stop    chan struct{}
	done    chan struct{}
}

// Publish serialises op as JSON and publishes it on channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, op crdt.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		slog.Warn("replication: failed to marshal outbound operation", "err", err)
		return err
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("replication: publish failed, transport unavailable", "channel", channel, "err", err)
		return err
	}
	return nil
}

// Subscribe starts a single background goroutine reading channel and
// invoking handler for each well-formed operation delivered. Malformed
// payloads are logged and dropped (§7 MalformedOperation), never
// surfaced to handler.
func (b *RedisBroker) Subscribe(channel string, handler func(crdt.Operation)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub != nil {
		return nil // already subscribed; one listener per document channel
	}

	b.pubsub = b.client.Subscribe(context.Background(), channel)
	b.handler = handler
	b.channel = channel
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go b.listen()
	return nil
}

func (b *RedisBroker) listen() {
	defer close(b.done)
	slog.Info("replication: subscriber listening", "channel", b.channel)

	for {
		select {
		case <-b.stop:
			slog.Info("replication: subscriber stopping", "channel", b.channel)
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		msg, err := b.pubsub.ReceiveMessage(ctx)
		cancel()
		if err != nil {
			// Timeout is the expected, frequent case: it exists only so
			// we can re-check the stop flag.
			continue
		}

		var op crdt.Operation
		if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
			slog.Warn("replication: dropping malformed inbound operation", "err", err)
			continue
		}
		b.handler(op)
	}
}

// Close stops this broker's subscriber goroutine and releases its
// Redis pub/sub connection. It blocks until the listener has exited.
// The shared client itself is left open — see RedisConnPool.Close.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	stop := b.stop
	done := b.done
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	close(stop)
	<-done
	if err := pubsub.Close(); err != nil {
		slog.Warn("replication: error closing pubsub", "err", err)
		return err
	}
	return nil
}
