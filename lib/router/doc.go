// Package router owns the registered transports and ties them to the
// identity store and the peer directory.
//
// # Outbound
//
// Broadcast reaches every registered transport whether or not any peer is
// known. SendPrivate only uses transports reporting the recipient
// reachable and fails with ErrPeerUnreachable, sending nothing, when there
// are none. A failing transport never stops the others; the failures come
// back together as a *SendError.
//
// # Inbound
//
// Every transport gets a listener that pushes its events into one queue.
// A single dispatcher goroutine applies the side effects:
//
//	peer connected      -> identity.Store.ObservePeerAddress
//	peer disconnected   -> identity.Store.CancelHandshake, directory update
//	peer list / snapshot -> directory update
//	handshake payload   -> HandshakeHandler
//	message             -> sender resolution, blocked senders dropped, Observer
//
// Events from one transport reach the Observer in the order the transport
// produced them. There is no ordering between transports.
//
// # Usage Example
//
//	r := router.New(ids, router.DefaultOptions())
//	r.SetObserver(ui)
//	if err := r.Register(meshNode); err != nil {
//	    return err
//	}
//	if err := r.Start(ctx); err != nil {
//	    return err
//	}
//	defer r.Close()
//	err := r.SendPrivate(ctx, "hi", addr, "bob", router.NewMessageID())
package router
