/*
Package notify provides core.Notifier implementations.

PURPOSE:
  The engine announces level changes, suspensions and offers through
  core.Notifier. Delivery (push, email) belongs to another service; this
  package ships the two pieces a deployment needs in-process:

  - LogNotifier: writes every event as a structured log line
  - Async: decouples callers from a slow downstream notifier with a bounded
    queue drained by one worker goroutine

DELIVERY SEMANTICS:
  Fire-and-forget. Async.Notify never blocks: when the queue is full the
  event is dropped and a warning logged. Downstream errors are logged and
  swallowed. Nothing in this package ever fails a domain operation.

LIFECYCLE:
  n := notify.NewAsync(downstream, 256, log)
  n.Start()
  defer n.Stop(ctx)   // drains queued events until ctx expires

SEE ALSO:
  - core/notify.go: Notifier contract and event types
*/
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/warp/engagement-engine/core"
	"go.uber.org/zap"
)

// ErrStopped is returned by Notify after Stop.
var ErrStopped = errors.New("notifier stopped")

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier logs events instead of delivering them.
type LogNotifier struct {
	log *zap.Logger
}

var _ core.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify.log")}
}

func (n *LogNotifier) Notify(_ context.Context, recipient string, event core.EventType, payload map[string]any) error {
	n.log.Info("notification",
		zap.String("recipient", recipient),
		zap.String("event", string(event)),
		zap.Any("payload", payload))
	return nil
}

// =============================================================================
// ASYNC DISPATCHER
// =============================================================================

type message struct {
	recipient string
	event     core.EventType
	payload   map[string]any
}

// Async queues events for a downstream notifier.
type Async struct {
	next  core.Notifier
	log   *zap.Logger
	queue chan message

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

var _ core.Notifier = (*Async)(nil)

// NewAsync creates a dispatcher with room for buffer queued events.
func NewAsync(next core.Notifier, buffer int, log *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1
	}
	return &Async{
		next:  next,
		log:   log.Named("notify.async"),
		queue: make(chan message, buffer),
		done:  make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (a *Async) Start() {
	a.once.Do(func() {
		go a.run()
	})
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		// The caller's context is long gone by now.
		if err := a.next.Notify(context.Background(), msg.recipient, msg.event, msg.payload); err != nil {
			a.log.Warn("notification delivery failed",
				zap.String("recipient", msg.recipient),
				zap.String("event", string(msg.event)),
				zap.Error(err))
		}
	}
}

// Notify enqueues the event. A full queue drops it.
func (a *Async) Notify(_ context.Context, recipient string, event core.EventType, payload map[string]any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.stopped {
		return ErrStopped
	}
	select {
	case a.queue <- message{recipient: recipient, event: event, payload: payload}:
	default:
		a.log.Warn("notification dropped, queue full",
			zap.String("recipient", recipient),
			zap.String("event", string(event)),
			zap.Int("capacity", cap(a.queue)))
	}
	return nil
}

// Stop closes the queue and waits for the worker to drain it, or for ctx.
func (a *Async) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	close(a.queue)
	a.mu.Unlock()

	a.Start()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.log.Warn("notification queue not drained before shutdown", zap.Int("pending", len(a.queue)))
		return ctx.Err()
	}
}
