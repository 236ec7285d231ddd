package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rpcws "github.com/bjoelf/rpcws-adapter/adapter"
)

var emptyParams = json.RawMessage("{}")

// queueFullWait is how long the receiver loop waits for room in a full queue
// before it drops the notification.
const queueFullWait = 100 * time.Millisecond

var errQueueFull = errors.New("notification queue full")

// notificationRouter maps method names to handlers. The receiver loop only
// queues; a single dispatcher goroutine per Connect cycle invokes handlers in
// arrival order so a slow handler never delays response delivery.
type notificationRouter struct {
	logger   *slog.Logger
	metrics  *Metrics
	buffer   int
	fullWait time.Duration

	mu       sync.RWMutex
	handlers map[string]rpcws.NotificationHandler
	fallback rpcws.NotificationHandler
}

func newNotificationRouter(logger *slog.Logger, metrics *Metrics, buffer int) *notificationRouter {
	return &notificationRouter{
		logger:   logger,
		metrics:  metrics,
		buffer:   buffer,
		fullWait: queueFullWait,
		handlers: make(map[string]rpcws.NotificationHandler),
	}
}

// newQueue returns the queue for one Connect cycle.
func (r *notificationRouter) newQueue() chan notification {
	return make(chan notification, r.buffer)
}

func (r *notificationRouter) register(method string, h rpcws.NotificationHandler) {
	if h == nil {
		r.unregister(method)
		return
	}
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

func (r *notificationRouter) unregister(method string) {
	r.mu.Lock()
	delete(r.handlers, method)
	r.mu.Unlock()
}

func (r *notificationRouter) setFallback(h rpcws.NotificationHandler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

func (r *notificationRouter) lookup(method string) (rpcws.NotificationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[method]; ok {
		return h, true
	}
	return r.fallback, false
}

// enqueue waits at most fullWait for room in queue. ctx is the session
// context so a torn-down reader never stays stuck here.
func (r *notificationRouter) enqueue(ctx context.Context, queue chan<- notification, n notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case queue <- n:
		return nil
	default:
	}

	timer := time.NewTimer(r.fullWait)
	defer timer.Stop()
	select {
	case queue <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errQueueFull
	}
}

// run dispatches from queue until ctx is cancelled. A notification taken
// after cancellation is discarded.
func (r *notificationRouter) run(ctx context.Context, queue <-chan notification) {
	r.logger.Debug("Notification dispatcher started",
		"function", "run")
	defer r.logger.Debug("Notification dispatcher exiting",
		"function", "run")
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-queue:
			if ctx.Err() != nil {
				return
			}
			r.dispatch(ctx, n)
		}
	}
}

// drain discards notifications left over from a closed cycle.
func (r *notificationRouter) drain(queue <-chan notification) int {
	dropped := 0
	for {
		select {
		case <-queue:
			dropped++
		default:
			return dropped
		}
	}
}

func (r *notificationRouter) dispatch(ctx context.Context, n notification) {
	h, registered := r.lookup(n.Method)
	if h == nil {
		r.logger.Warn("No handler for notification, dropping",
			"function", "dispatch",
			"method", n.Method)
		r.metrics.notification(n.Method, "unhandled")
		return
	}
	params := n.Params
	if len(params) == 0 || isNull(params) {
		params = emptyParams
	}
	if err := r.invoke(ctx, h, params); err != nil {
		r.logger.Error("Notification handler failed",
			"function", "dispatch",
			"method", n.Method,
			"registered", registered,
			"error", err)
		r.metrics.notification(n.Method, "failed")
		return
	}
	r.metrics.notification(n.Method, "handled")
}

// invoke isolates the dispatcher from handler panics.
func (r *notificationRouter) invoke(ctx context.Context, h rpcws.NotificationHandler, params json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, params)
}
