// Package registry tracks every live raw channel of an engine so they can be
// torn down together on shutdown.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Channel is the subset of a raw channel the registry needs.
type Channel interface {
	ID() uint64
	Disconnect(ctx context.Context) error
	Close() error
}

// Group is a concurrent set of channels. Channels are added on open and
// removed on close; iteration for shutdown works on a snapshot.
type Group struct {
	name     string
	mu       sync.RWMutex
	channels map[uint64]Channel
}

// NewGroup creates an empty, named group.
func NewGroup(name string) *Group {
	return &Group{name: name, channels: make(map[uint64]Channel)}
}

// Add registers ch. It returns false if a channel with the same id exists.
func (g *Group) Add(ch Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.channels[ch.ID()]; exists {
		return false
	}
	g.channels[ch.ID()] = ch
	return true
}

// Remove unregisters ch.
func (g *Group) Remove(ch Channel) {
	g.mu.Lock()
	delete(g.channels, ch.ID())
	g.mu.Unlock()
}

// Contains reports whether a channel with id is registered.
func (g *Group) Contains(id uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.channels[id]
	return ok
}

// Len returns the number of registered channels.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.channels)
}

// Snapshot returns the registered channels at the time of the call.
func (g *Group) Snapshot() []Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		out = append(out, ch)
	}
	return out
}

// DisconnectAll disconnects every channel concurrently and waits until all
// of them have settled or ctx is done. Errors are joined; one failing channel
// does not stop the others.
func (g *Group) DisconnectAll(ctx context.Context) error {
	channels := g.Snapshot()

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := ch.Disconnect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Group.DisconnectAll",
		"group":    g.name,
		"channels": len(channels),
		"failures": len(errs),
	}).Debug("Disconnect settled")

	return errors.Join(errs...)
}

// CloseAll closes every channel and empties the group.
func (g *Group) CloseAll() error {
	channels := g.Snapshot()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
		g.Remove(ch)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Group.CloseAll",
		"group":    g.name,
		"channels": len(channels),
	}).Debug("All channels closed")

	return errors.Join(errs...)
}
