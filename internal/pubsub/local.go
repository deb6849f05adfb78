package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// localSubscriber represents a single subscriber with its channel and closed state.
type localSubscriber struct {
	ch     chan Message
	closed bool
	mu     sync.Mutex
}

// send attempts to send a message to the subscriber.
// Returns false if the subscriber is closed or the channel is full.
func (s *localSubscriber) send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// close marks the subscriber as closed and closes the channel.
func (s *localSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// LocalPubSub implements PubSub within a single process.
// It is the single-instance backend and lets tests wire several "instances"
// to one shared broker.
type LocalPubSub struct {
	subscribers map[string][]*localSubscriber
	bufferSize  int
	closed      bool
	done        chan struct{}
	mu          sync.RWMutex
}

// NewLocalPubSub creates a new local pub/sub. bufferSize <= 0 selects DefaultBufferSize.
func NewLocalPubSub(bufferSize int) *LocalPubSub {
	return &LocalPubSub{
		subscribers: make(map[string][]*localSubscriber),
		bufferSize:  bufferOrDefault(bufferSize),
		done:        make(chan struct{}),
	}
}

// Publish sends a message to all local subscribers of a channel.
func (l *LocalPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*localSubscriber, len(l.subscribers[channel]))
	copy(subs, l.subscribers[channel])
	l.mu.RUnlock()

	msg := Message{
		Channel: channel,
		Payload: payload,
	}

	for _, sub := range subs {
		if !sub.send(msg) {
			log.Warn().Str("channel", channel).Msg("Pub/sub subscriber channel full, dropping message")
		}
	}

	return nil
}

// Subscribe returns a channel that receives messages published to the given channel.
func (l *LocalPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := &localSubscriber{
		ch: make(chan Message, l.bufferSize),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.subscribers[channel] = append(l.subscribers[channel], sub)
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			l.unsubscribe(channel, sub)
		case <-l.done:
		}
	}()

	return sub.ch, nil
}

// unsubscribe removes a subscriber
func (l *LocalPubSub) unsubscribe(channel string, sub *localSubscriber) {
	l.mu.Lock()
	subs := l.subscribers[channel]
	for i, s := range subs {
		if s == sub {
			l.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subscribers[channel]) == 0 {
		delete(l.subscribers, channel)
	}
	l.mu.Unlock()

	// Close outside the lock to avoid potential deadlock
	sub.close()
}

// SubscriberCount returns the number of live subscriptions on channel.
func (l *LocalPubSub) SubscriberCount(channel string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subscribers[channel])
}

// Close releases all resources. Publish and Subscribe fail with ErrClosed afterwards.
func (l *LocalPubSub) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	allSubs := make([]*localSubscriber, 0)
	for _, subs := range l.subscribers {
		allSubs = append(allSubs, subs...)
	}
	l.subscribers = make(map[string][]*localSubscriber)
	l.mu.Unlock()

	for _, sub := range allSubs {
		sub.close()
	}

	return nil
}
