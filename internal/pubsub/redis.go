package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub implements PubSub using Redis pub/sub.
// Works with Dragonfly, Redis, Valkey and KeyDB through go-redis.
// Messages are not persisted; only instances subscribed at publish time receive them.
type RedisPubSub struct {
	client      redis.UniversalClient
	ownClient   bool
	bufferSize  int
	subscribers map[string][]chan Message
	closed      bool
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRedisPubSub creates a new Redis-backed pub/sub.
// url should be in the format: redis://[password@]host:port[/db]
func NewRedisPubSub(url string, bufferSize int) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis-compatible backend for pub/sub")

	ps := NewRedisPubSubFromClient(client, bufferSize)
	ps.ownClient = true
	return ps, nil
}

// NewRedisPubSubFromClient builds a pub/sub on an existing client, typically the one
// already used by the key-value store. Close does not close a borrowed client.
func NewRedisPubSubFromClient(client redis.UniversalClient, bufferSize int) *RedisPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPubSub{
		client:      client,
		bufferSize:  bufferOrDefault(bufferSize),
		subscribers: make(map[string][]chan Message),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish sends a message to all subscribers of a channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a channel that receives messages published to the given channel.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	ch := make(chan Message, r.bufferSize)

	pubsub := r.client.Subscribe(r.ctx, channel)

	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	r.mu.Lock()
	r.subscribers[channel] = append(r.subscribers[channel], ch)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.unsubscribe(channel, ch)
			_ = pubsub.Close()
		}()

		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					log.Warn().Str("channel", channel).Msg("Pub/sub subscriber channel full, dropping message")
				}
			}
		}
	}()

	return ch, nil
}

// unsubscribe removes and closes a subscriber channel
func (r *RedisPubSub) unsubscribe(channel string, ch chan Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subscribers[channel]
	for i, sub := range subs {
		if sub == ch {
			r.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close releases all resources and closes all subscriptions.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	var err error
	if r.ownClient {
		err = r.client.Close()
	}
	log.Info().Msg("Redis pub/sub closed")
	return err
}
