package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platformkit/platform/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultKeepAliveInterval is used when no interval is configured.
const DefaultKeepAliveInterval = 30 * time.Second

const keepAliveComment = "keep-alive"

// keepAliveTask is the handle of one connection's keep-alive goroutine.
type keepAliveTask struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// KeepAlive sends periodic comment frames on every open connection so idle
// streams survive proxies and dead clients are detected by a failed write.
type KeepAlive struct {
	interval time.Duration
	metrics  *observability.Metrics
	wg       sync.WaitGroup
}

// NewKeepAlive creates a scheduler ticking at interval.
func NewKeepAlive(interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return &KeepAlive{interval: interval}
}

// Interval returns the tick interval
func (k *KeepAlive) Interval() time.Duration {
	return k.interval
}

func (k *KeepAlive) newTask() *keepAliveTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &keepAliveTask{ctx: ctx, cancel: cancel}
}

// start launches the task. The first tick runs immediately.
func (k *KeepAlive) start(r *Registry, conn *Connection) {
	task := conn.task

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()

		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()

		for {
			if !k.tick(r, conn, task) {
				return
			}
			select {
			case <-task.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// tick sends one keep-alive. It returns false when the task must stop.
func (k *KeepAlive) tick(r *Registry, conn *Connection, task *keepAliveTask) bool {
	if task.ctx.Err() != nil {
		return false
	}

	// Only the connection currently registered under the key is kept alive
	if current, ok := r.lookup(conn.Key); !ok || current != conn {
		k.metrics.RecordKeepAlive("stopped")
		return false
	}

	if err := conn.writeComment(keepAliveComment); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			k.metrics.RecordKeepAlive("stopped")
			return false
		}
		k.metrics.RecordKeepAlive("failed")
		log.Debug().Err(err).Str("key", conn.Key).Msg("Keep-alive failed, closing connection")
		conn.terminate(CauseError, err)
		return false
	}

	k.metrics.RecordKeepAlive("sent")
	return true
}

// wait blocks until every task goroutine has returned
func (k *KeepAlive) wait() {
	k.wg.Wait()
}
