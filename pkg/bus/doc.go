// Package bus provides the process-wide publish/subscribe hub that bits use
// to talk to each other.
//
// Delivery is synchronous by default: Publish returns after every handler
// subscribed to the exact MessageType has run. Each handler call is isolated;
// a panic is recovered and logged, and the remaining handlers still run.
// Subscribing or unsubscribing while a publish is in flight is safe: the
// publish operates on a copy of the handler set taken when it started.
//
// Prefer the typed Topic wrapper over raw MessageType + any payloads:
//
//	type LobbyChanged struct{ Path string }
//
//	var lobbyChanged = bus.NewTopic[LobbyChanged]("lobby", "changed")
//
//	id := lobbyChanged.Subscribe(b, func(ctx context.Context, ev LobbyChanged, md bus.Metadata) {
//		// ev is already typed
//	})
//	defer b.Unsubscribe(id)
//
//	lobbyChanged.Publish(ctx, b, LobbyChanged{Path: "a.json"}, bus.WithSource("lobby"))
package bus
