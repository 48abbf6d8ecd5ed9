package bus

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grovetools/bithost/logging"
	"github.com/sirupsen/logrus"
)

// Handler handles one delivered message.
type Handler func(ctx context.Context, msg Message)

// SubscriptionID identifies one registered handler.
type SubscriptionID uint64

// Bus is a synchronous publish/subscribe hub. Cross-bit communication goes
// exclusively through it; bits never hold references to each other.
type Bus struct {
	mu       sync.RWMutex
	handlers map[MessageType]map[SubscriptionID]Handler
	types    map[SubscriptionID]MessageType
	nextID   atomic.Uint64

	async  sync.WaitGroup
	logger *logrus.Entry
}

// New creates an empty bus.
func New(logger *logrus.Entry) *Bus {
	if logger == nil {
		logger = logging.NewDiscard("bus")
	}
	return &Bus{
		handlers: make(map[MessageType]map[SubscriptionID]Handler),
		types:    make(map[SubscriptionID]MessageType),
		logger:   logger,
	}
}

// Subscribe registers handler for messages of exactly type mt.
func (b *Bus) Subscribe(mt MessageType, handler Handler) SubscriptionID {
	if handler == nil {
		panic("bus: nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriptionID(b.nextID.Add(1))
	subs, ok := b.handlers[mt]
	if !ok {
		subs = make(map[SubscriptionID]Handler)
		b.handlers[mt] = subs
	}
	subs[id] = handler
	b.types[id] = mt
	return id
}

// Unsubscribe removes a subscription. Returns true if it existed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	mt, ok := b.types[id]
	if !ok {
		return false
	}
	delete(b.types, id)
	delete(b.handlers[mt], id)
	if len(b.handlers[mt]) == 0 {
		delete(b.handlers, mt)
	}
	return true
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[MessageType]map[SubscriptionID]Handler)
	b.types = make(map[SubscriptionID]MessageType)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.types)
}

// Publish delivers payload to every handler currently subscribed to mt and
// returns once all of them have run. A panicking handler is logged and does
// not affect the other handlers or the caller. Publishing to a type with no
// subscribers is a no-op.
func (b *Bus) Publish(ctx context.Context, mt MessageType, payload any, opts ...PublishOption) {
	msg, handlers := b.prepare(mt, payload, opts)
	b.dispatch(ctx, msg, handlers)
}

// PublishAsync is Publish without blocking the caller. The handler set is
// captured at call time.
func (b *Bus) PublishAsync(ctx context.Context, mt MessageType, payload any, opts ...PublishOption) {
	msg, handlers := b.prepare(mt, payload, opts)
	if len(handlers) == 0 {
		return
	}
	b.async.Add(1)
	go func() {
		defer b.async.Done()
		b.dispatch(context.WithoutCancel(ctx), msg, handlers)
	}()
}

// Wait blocks until every PublishAsync delivery started so far has finished.
func (b *Bus) Wait() {
	b.async.Wait()
}

func (b *Bus) prepare(mt MessageType, payload any, opts []PublishOption) (Message, []Handler) {
	md := NewMetadata("")
	for _, opt := range opts {
		opt(&md)
	}

	// Copy out under the read lock so handlers run without it held and may
	// themselves subscribe or unsubscribe.
	b.mu.RLock()
	subs := b.handlers[mt]
	handlers := make([]Handler, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	return Message{Type: mt, Payload: payload, Metadata: md}, handlers
}

func (b *Bus) dispatch(ctx context.Context, msg Message, handlers []Handler) {
	for _, h := range handlers {
		b.safeCall(ctx, h, msg)
	}
}

// safeCall invokes a handler and recovers from any panic.
func (b *Bus) safeCall(ctx context.Context, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"type":           msg.Type.String(),
				"correlation_id": msg.Metadata.CorrelationID,
				"panic":          r,
			}).Errorf("Handler panicked\n%s", debug.Stack())
		}
	}()
	handler(ctx, msg)
}
