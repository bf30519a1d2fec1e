// Package notify defines the Change Notifier transport contract (spec.md
// §6 "Change Notification" / SSE subscription feed), the same
// Name/Loader/Register/Select/Names plugin shape as every other registry in
// this repo. Concrete transports (internal/plugin/notify/memory,
// internal/plugin/notify/nats) publish and subscribe to per-tenant event
// streams; internal/service/notifier layers SSE framing, ping/idle-cleanup,
// and bounded-queue backpressure on top of whichever transport is selected.
package notify

import (
	"context"
	"fmt"
)

// Event is one change-notification record (spec.md §6): a memory
// store/update/delete, or a synthetic control record ("gap",
// "server_shutdown") the notifier layer injects itself. Keep-alive pings
// are written as SSE comments, not as Events.
type Event struct {
	Type      string                 `json:"type"`
	ModuleID  string                 `json:"moduleId,omitempty"`
	MemoryID  string                 `json:"memoryId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Seq       uint64                 `json:"seq,omitempty"`
}

// Subscription is a live handle on one tenant's event stream.
type Subscription struct {
	Events <-chan Event
	Close  func()
}

// Transport is the pub/sub contract the Change Notifier is built on.
// Implementations need only at-least-once, best-effort delivery within a
// tenant; the notifier layer tolerates and reports gaps itself.
type Transport interface {
	// Publish broadcasts event to every live subscriber of tenantID.
	Publish(ctx context.Context, tenantID string, event Event) error

	// Subscribe opens a new subscription for tenantID. Callers must invoke
	// the returned Subscription.Close when done.
	Subscribe(ctx context.Context, tenantID string) (*Subscription, error)

	IsEnabled() bool
	Name() string
}

// Loader creates a Transport from config.
type Loader func(ctx context.Context) (Transport, error)

// Plugin represents a notify transport plugin (e.g. "memory", "nats").
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notify transport plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered transport plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named transport plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notify transport %q; valid: %v", name, Names())
}
