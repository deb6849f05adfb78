package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// maxNotifyPayload is PostgreSQL's NOTIFY payload limit.
const maxNotifyPayload = 8000

// PostgresPubSub implements PubSub using PostgreSQL LISTEN/NOTIFY.
// It needs no infrastructure beyond the outbox database.
//
// - Messages are only delivered to currently listening connections
// - Payload size limit: 8000 bytes
// - One pooled connection per instance is dedicated to LISTEN
type PostgresPubSub struct {
	pool          *pgxpool.Pool
	bufferSize    int
	pollInterval  time.Duration
	listenTimeout time.Duration
	subscribers   map[string][]chan Message
	waitCancel    context.CancelFunc

	// active is the LISTEN set of the current session; activeChanged is
	// closed and replaced whenever it changes. dirty marks subscriber
	// changes the listen loop has not picked up yet.
	active        map[string]bool
	activeChanged chan struct{}
	dirty         bool

	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
	closed       bool
}

// NewPostgresPubSub creates a new PostgreSQL-backed pub/sub.
func NewPostgresPubSub(pool *pgxpool.Pool, bufferSize int) *PostgresPubSub {
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresPubSub{
		pool:          pool,
		bufferSize:    bufferOrDefault(bufferSize),
		pollInterval:  5 * time.Second,
		listenTimeout: 10 * time.Second,
		subscribers:   make(map[string][]chan Message),
		activeChanged: make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the LISTEN loop. Subscribe calls it implicitly.
func (p *PostgresPubSub) Start() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.listenLoop()

	log.Info().Msg("PostgreSQL pub/sub started")
	return nil
}

// listenLoop holds one connection, keeps its LISTEN set equal to the subscribed
// channels and dispatches notifications. It reconnects on failure.
func (p *PostgresPubSub) listenLoop() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		conn, err := p.pool.Acquire(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to acquire connection for pub/sub LISTEN")
			p.sleep(time.Second)
			continue
		}

		listening := make(map[string]bool)

		for {
			if err := p.syncListens(conn, listening); err != nil {
				log.Error().Err(err).Msg("Failed to update LISTEN channels")
				break
			}

			waitCtx, waitCancel := context.WithTimeout(p.ctx, p.pollInterval)
			p.mu.Lock()
			if p.dirty {
				// A subscription arrived after the snapshot in syncListens
				p.mu.Unlock()
				waitCancel()
				continue
			}
			p.waitCancel = waitCancel
			p.mu.Unlock()

			notification, err := conn.Conn().WaitForNotification(waitCtx)

			p.mu.Lock()
			p.waitCancel = nil
			p.mu.Unlock()
			waitCancel()

			if err != nil {
				if p.ctx.Err() != nil {
					conn.Release()
					return
				}
				// Poll timeout or a new subscription woke us up
				if waitCtx.Err() != nil {
					continue
				}
				log.Error().Err(err).Msg("Error waiting for pub/sub notification")
				break
			}

			p.deliverMessage(Message{
				Channel: notification.Channel,
				Payload: []byte(notification.Payload),
			})
		}

		p.setActive(nil)

		// The session is in an unknown state; do not return it to the pool
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		p.sleep(time.Second)
	}
}

// syncListens issues LISTEN/UNLISTEN so the connection follows the subscriber set.
func (p *PostgresPubSub) syncListens(conn *pgxpool.Conn, listening map[string]bool) error {
	p.mu.Lock()
	wanted := make(map[string]bool, len(p.subscribers))
	for ch, subs := range p.subscribers {
		if len(subs) > 0 {
			wanted[ch] = true
		}
	}
	p.dirty = false
	p.mu.Unlock()

	for ch := range wanted {
		if listening[ch] {
			continue
		}
		if _, err := conn.Exec(p.ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("LISTEN %s: %w", ch, err)
		}
		listening[ch] = true
		log.Debug().Str("channel", ch).Msg("Listening for pub/sub notifications")
	}

	for ch := range listening {
		if wanted[ch] {
			continue
		}
		if _, err := conn.Exec(p.ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("UNLISTEN %s: %w", ch, err)
		}
		delete(listening, ch)
	}

	p.setActive(listening)
	return nil
}

// setActive publishes the session's LISTEN set and wakes Subscribe callers.
func (p *PostgresPubSub) setActive(listening map[string]bool) {
	active := make(map[string]bool, len(listening))
	for ch := range listening {
		active[ch] = true
	}

	p.mu.Lock()
	p.active = active
	close(p.activeChanged)
	p.activeChanged = make(chan struct{})
	p.mu.Unlock()
}

// awaitListen blocks until channel is in the LISTEN set of the current session.
func (p *PostgresPubSub) awaitListen(ctx context.Context, channel string) error {
	timer := time.NewTimer(p.listenTimeout)
	defer timer.Stop()

	for {
		p.mu.RLock()
		ok := p.active[channel]
		changed := p.activeChanged
		p.mu.RUnlock()
		if ok {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrClosed
		case <-timer.C:
			return fmt.Errorf("LISTEN %s not confirmed within %s", channel, p.listenTimeout)
		}
	}
}

func (p *PostgresPubSub) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}

// deliverMessage sends a message to all subscribers of the channel
func (p *PostgresPubSub) deliverMessage(msg Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.subscribers[msg.Channel] {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("channel", msg.Channel).Msg("Pub/sub subscriber channel full, dropping message")
		}
	}
}

// Publish sends a message to all subscribers of a channel.
func (p *PostgresPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("payload too large for PostgreSQL NOTIFY: %d bytes (max %d)", len(payload), maxNotifyPayload)
	}

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// Subscribe returns a channel that receives messages published to the given
// channel. It returns once the LISTEN for channel is in effect, so a message
// published afterwards is delivered.
func (p *PostgresPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if err := p.Start(); err != nil {
		return nil, err
	}

	ch := make(chan Message, p.bufferSize)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.subscribers[channel] = append(p.subscribers[channel], ch)
	p.dirty = true
	// Interrupt the current wait so the new channel is LISTENed promptly
	if p.waitCancel != nil {
		p.waitCancel()
	}
	p.mu.Unlock()

	if err := p.awaitListen(ctx, channel); err != nil {
		p.unsubscribe(channel, ch)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			p.unsubscribe(channel, ch)
		case <-p.ctx.Done():
		}
	}()

	return ch, nil
}

// unsubscribe removes a subscriber channel
func (p *PostgresPubSub) unsubscribe(channel string, ch chan Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[channel]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(p.subscribers[channel]) == 0 {
		delete(p.subscribers, channel)
	}
}

// Close releases all resources and closes all subscriptions.
func (p *PostgresPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	p.subscribers = make(map[string][]chan Message)

	log.Info().Msg("PostgreSQL pub/sub closed")
	return nil
}
