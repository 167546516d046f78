package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

type registryKey struct {
	notificationType domain.NotificationType
	name             string
}

// Registry maps (channel, provider name) to a client. It is built once at
// process start and passed to the components that need it.
type Registry struct {
	mu      sync.RWMutex
	clients map[registryKey]Client
}

func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[registryKey]Client, len(clients))}
	for _, c := range clients {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c Client) error {
	if c == nil {
		return fmt.Errorf("provider client is required")
	}
	key := registryKey{notificationType: c.NotificationType(), name: normalizeName(c.Name())}
	if key.name == "" {
		return fmt.Errorf("provider client name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[key]; exists {
		return fmt.Errorf("provider %s/%s already registered", key.notificationType, key.name)
	}
	r.clients[key] = c
	return nil
}

// Get returns the client for a channel and name; ok is false when none is registered.
func (r *Registry) Get(notificationType domain.NotificationType, name string) (Client, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[registryKey{notificationType: notificationType, name: normalizeName(name)}]
	return c, ok
}

// Lookup finds a client by name on any channel. Callback routing only knows the name.
func (r *Registry) Lookup(name string) (Client, bool) {
	if r == nil {
		return nil, false
	}
	normalized := normalizeName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, c := range r.clients {
		if key.name == normalized {
			return c, true
		}
	}
	return nil, false
}

// Names lists registered provider names for a channel in lexical order.
func (r *Registry) Names(notificationType domain.NotificationType) []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for key := range r.clients {
		if key.notificationType == notificationType {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
