// Package session implements the virtual session table of datagram transports.
//
// A datagram socket has no per-peer OS channel to hang state on, so the table
// maps a peer's socket address to the read listener of the association that
// represents that peer. While an association waits for its listener, the
// peer's datagrams are held in arrival order on its entry and handed over
// when the listener is bound. Entries are never expired on silence; they are
// removed only when the owning association is torn down.
package session

import (
	"net"
	"net/netip"
	"sync"

	"github.com/opd-ai/assoctransport/association"
	"github.com/opd-ai/assoctransport/limits"
	"github.com/sirupsen/logrus"
)

// entry is the state of one peer. deliver serializes Notify calls so held
// datagrams reach the listener ahead of live ones; mu guards the fields.
type entry struct {
	owner uint64

	deliver  sync.Mutex
	mu       sync.Mutex
	listener association.HandleEventListener
	pending  [][]byte
	retired  bool
}

// retire stops delivery through e and discards what it still holds.
func (e *entry) retire() {
	e.mu.Lock()
	e.retired = true
	e.pending = nil
	e.mu.Unlock()
}

// Table maps remote socket addresses to association read listeners.
// All methods are safe for concurrent use.
type Table struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxPending int
}

// NewTable creates an empty table holding up to limits.MaxPendingDatagrams
// datagrams per unbound peer.
func NewTable() *Table {
	return NewTableWithPending(limits.MaxPendingDatagrams)
}

// NewTableWithPending creates an empty table holding up to maxPending
// datagrams per unbound peer.
func NewTableWithPending(maxPending int) *Table {
	if maxPending < 0 {
		maxPending = 0
	}
	return &Table{entries: make(map[string]*entry), maxPending: maxPending}
}

// Key normalizes a socket address to a table key. IPv4-mapped IPv6 addresses
// map to their IPv4 form so both socket families agree.
func Key(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok && ua != nil {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
	}
	return addr.String()
}

// Reserve records a handshake in progress for remote, owned by the channel
// with the given id. Datagrams from a reserved peer are held until Bind.
// It returns false if remote already has an entry.
func (t *Table) Reserve(remote net.Addr, owner uint64) bool {
	key := Key(remote)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[key]; exists {
		return false
	}
	t.entries[key] = &entry{owner: owner}
	return true
}

// Bind attaches l to remote. When owner holds the current reservation, the
// datagrams held for it are delivered to l first, in arrival order, before
// any datagram dispatched after Bind. Any other entry for remote is replaced.
func (t *Table) Bind(remote net.Addr, owner uint64, l association.HandleEventListener) {
	key := Key(remote)

	t.mu.Lock()
	e, ok := t.entries[key]
	var stale *entry
	if !ok || e.owner != owner {
		stale = e
		e = &entry{owner: owner}
		t.entries[key] = e
	}
	t.mu.Unlock()

	if stale != nil {
		stale.retire()
	}

	e.deliver.Lock()
	e.mu.Lock()
	held := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, p := range held {
		l.Notify(association.InboundPayload{Payload: p})
	}

	e.mu.Lock()
	if !e.retired {
		e.listener = l
	}
	e.mu.Unlock()
	e.deliver.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Table.Bind",
		"remote":   key,
		"owner":    owner,
		"flushed":  len(held),
	}).Debug("Virtual session bound")
}

// Lookup returns the listener bound to remote.
func (t *Table) Lookup(remote net.Addr) (association.HandleEventListener, bool) {
	e, ok := t.get(remote)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil || e.retired {
		return nil, false
	}
	return e.listener, true
}

// Known reports whether remote has any entry, bound or reserved.
func (t *Table) Known(remote net.Addr) bool {
	_, ok := t.get(remote)
	return ok
}

// Pending returns the number of datagrams held for remote.
func (t *Table) Pending(remote net.Addr) int {
	e, ok := t.get(remote)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (t *Table) get(remote net.Addr) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[Key(remote)]
	return e, ok
}

// Remove deletes the entry for remote if it is still owned by owner.
// Owner 0 removes unconditionally. A delivery already in progress is not
// waited for.
func (t *Table) Remove(remote net.Addr, owner uint64) bool {
	key := Key(remote)

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || (owner != 0 && e.owner != owner) {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, key)
	t.mu.Unlock()

	e.retire()
	return true
}

// Dispatch delivers payload to the listener bound to remote, or holds it
// when remote is reserved but not yet bound. It returns false when remote
// has no entry.
func (t *Table) Dispatch(remote net.Addr, payload []byte) bool {
	e, ok := t.get(remote)
	if !ok {
		return false
	}

	e.deliver.Lock()
	defer e.deliver.Unlock()

	e.mu.Lock()
	l := e.listener
	switch {
	case e.retired:
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Table.Dispatch",
			"remote":   Key(remote),
		}).Debug("Dropping datagram for closed association")
		return true
	case l == nil && len(e.pending) >= t.maxPending:
		held := len(e.pending)
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Table.Dispatch",
			"remote":   Key(remote),
			"pending":  held,
		}).Warn("Dropping datagram, too many held for unbound association")
		return true
	case l == nil:
		e.pending = append(e.pending, payload)
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	l.Notify(association.InboundPayload{Payload: payload})
	return true
}

// Len returns the number of entries, bound or reserved.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
