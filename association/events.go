package association

import (
	"errors"
	"fmt"
)

// DisassociateInfo classifies why an association ended.
type DisassociateInfo uint8

const (
	// DisassociateUnknown covers peer closes and I/O failures.
	DisassociateUnknown DisassociateInfo = iota
	// DisassociateShutdown means the local engine is shutting down.
	DisassociateShutdown
)

// String returns a human-readable representation of the DisassociateInfo.
func (i DisassociateInfo) String() string {
	switch i {
	case DisassociateUnknown:
		return "Unknown"
	case DisassociateShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("DisassociateInfo(%d)", uint8(i))
	}
}

// InfoFor maps a channel close cause to a DisassociateInfo.
func InfoFor(err error) DisassociateInfo {
	if errors.Is(err, ErrTransportShutdown) {
		return DisassociateShutdown
	}
	return DisassociateUnknown
}

// HandleEvent is delivered to the read listener of a handle.
type HandleEvent interface {
	handleEvent()
}

// InboundPayload carries one complete inbound payload.
type InboundPayload struct {
	Payload []byte
}

// Disassociated is the terminal event of a handle.
type Disassociated struct {
	Info DisassociateInfo
	Err  error
}

func (InboundPayload) handleEvent() {}
func (Disassociated) handleEvent()  {}

// HandleEventListener receives the events of one association.
type HandleEventListener interface {
	Notify(ev HandleEvent)
}

// HandleEventListenerFunc adapts a function to HandleEventListener.
type HandleEventListenerFunc func(ev HandleEvent)

// Notify calls f(ev).
func (f HandleEventListenerFunc) Notify(ev HandleEvent) { f(ev) }

// AssociationEvent is delivered to an engine's inbound association listener.
type AssociationEvent interface {
	associationEvent()
}

// InboundAssociation announces a handle created for an inbound channel.
type InboundAssociation struct {
	Handle *Handle
}

func (InboundAssociation) associationEvent() {}

// AssociationEventListener receives inbound association events.
type AssociationEventListener interface {
	Notify(ev AssociationEvent)
}

// AssociationEventListenerFunc adapts a function to AssociationEventListener.
type AssociationEventListenerFunc func(ev AssociationEvent)

// Notify calls f(ev).
func (f AssociationEventListenerFunc) Notify(ev AssociationEvent) { f(ev) }
