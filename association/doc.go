// Package association turns freshly opened raw channels into association
// handles that an upper messaging layer can read from and write to.
//
// # Handles and listener slots
//
// A [Handle] joins a local and a remote peer address to one raw [Channel]. Its
// read listener is a single-assignment slot ([Promise]): the upper layer fills
// it exactly once, after the handle already exists. Until the slot is filled
// the channel stays paused, so no inbound payload can be delivered to a
// listener that is not attached yet.
//
// # Handshake
//
// The [Coordinator] drives the per-channel sequence:
//
//  1. pause the channel
//  2. resolve local and remote peer addresses (failure closes only this channel)
//  3. create the handle
//  4. surface it: inbound handles once the engine's inbound listener exists,
//     outbound handles by completing the caller's promise
//  5. when the read listener arrives, deliver any held first message, attach
//     the listener, then resume the channel
//
// Wire-mode specifics live behind the small [Binder] capability interface, so
// stream and datagram transports share one coordinator.
//
// # Events
//
// Listeners receive [InboundPayload] and a terminal [Disassociated] through
// [HandleEventListener]. Engines report new inbound associations through
// [AssociationEventListener] as [InboundAssociation] events.
package association
