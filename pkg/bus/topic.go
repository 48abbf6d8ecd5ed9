package bus

import "context"

// Topic binds a MessageType to a payload type so that publishers and
// subscribers agree on the payload at compile time.
//
//	var ProcessChanged = bus.NewTopic[ProcessChange]("vitals", "process_changed")
//
//	ProcessChanged.Subscribe(b, func(ctx context.Context, c ProcessChange, md bus.Metadata) { ... })
//	ProcessChanged.Publish(ctx, b, change)
type Topic[T any] struct {
	mt MessageType
}

// NewTopic declares a typed topic.
func NewTopic[T any](category, name string) Topic[T] {
	return Topic[T]{mt: NewMessageType(category, name)}
}

// Type returns the underlying message type.
func (t Topic[T]) Type() MessageType { return t.mt }

// Publish delivers payload synchronously.
func (t Topic[T]) Publish(ctx context.Context, b *Bus, payload T, opts ...PublishOption) {
	b.Publish(ctx, t.mt, payload, opts...)
}

// PublishAsync delivers payload without blocking.
func (t Topic[T]) PublishAsync(ctx context.Context, b *Bus, payload T, opts ...PublishOption) {
	b.PublishAsync(ctx, t.mt, payload, opts...)
}

// Subscribe registers a typed handler. Messages published on the same type
// through the untyped API with a different payload type are logged and
// skipped.
func (t Topic[T]) Subscribe(b *Bus, fn func(ctx context.Context, payload T, md Metadata)) SubscriptionID {
	return b.Subscribe(t.mt, func(ctx context.Context, msg Message) {
		payload, ok := msg.Payload.(T)
		if !ok {
			b.logger.WithField("type", t.mt.String()).
				Warnf("Dropping message with payload %T", msg.Payload)
			return
		}
		fn(ctx, payload, msg.Metadata)
	})
}
