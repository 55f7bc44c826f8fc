package sim

import (
	"context"
	"sort"
	"sync"
)

// Network is an in-memory engine.NetworkCleaner.
type Network struct {
	mu         sync.Mutex
	interfaces map[string]bool
	deleted    []string
	fail       map[string]error
}

// NewNetwork creates a network with no interfaces.
func NewNetwork() *Network {
	return &Network{
		interfaces: make(map[string]bool),
		fail:       make(map[string]error),
	}
}

// AddInterface registers an interface, attached or not.
func (n *Network) AddInterface(id string, attached bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interfaces[id] = attached
}

// FailFor makes every cleanup of id return err.
func (n *Network) FailFor(id string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[id] = err
}

// Exists reports whether an interface is still present.
func (n *Network) Exists(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.interfaces[id]
	return ok
}

// Deleted returns the deleted interface ids, sorted.
func (n *Network) Deleted() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]string(nil), n.deleted...)
	sort.Strings(out)
	return out
}

// DetachAndDeleteInterface implements engine.NetworkCleaner.
func (n *Network) DetachAndDeleteInterface(_ context.Context, interfaceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.fail[interfaceID]; ok {
		return err
	}
	if _, ok := n.interfaces[interfaceID]; !ok {
		return nil
	}
	delete(n.interfaces, interfaceID)
	n.deleted = append(n.deleted, interfaceID)
	return nil
}
