// Package memory implements registry/notify.Transport as a single-process
// fan-out map, the default transport and the one used by tests. Grounded on
// the teacher's in-process broadcaster shape (per-key slice of subscriber
// channels guarded by a mutex); nats is the production-grade, multi-process
// equivalent in internal/plugin/notify/nats.
package memory

import (
	"context"
	"sync"

	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "memory",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Transport, error) {
	return New(), nil
}

// Transport is an in-process, per-tenant fan-out broadcaster.
type Transport struct {
	mu   sync.RWMutex
	subs map[string]map[chan registrynotify.Event]struct{}
}

// New constructs an empty in-process transport.
func New() *Transport {
	return &Transport{subs: make(map[string]map[chan registrynotify.Event]struct{})}
}

func (t *Transport) IsEnabled() bool { return true }
func (t *Transport) Name() string    { return "memory" }

// Publish fans event out to every live subscriber channel for tenantID. A
// full subscriber channel is skipped rather than blocked on — the notifier
// layer detects the drop via its own sequence counter and emits a "gap"
// record, so this is non-blocking by design, not a lost-message bug.
func (t *Transport) Publish(ctx context.Context, tenantID string, event registrynotify.Event) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ch := range t.subs[tenantID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe opens a new channel for tenantID, removed on Close.
func (t *Transport) Subscribe(ctx context.Context, tenantID string) (*registrynotify.Subscription, error) {
	ch := make(chan registrynotify.Event, 256)

	t.mu.Lock()
	if t.subs[tenantID] == nil {
		t.subs[tenantID] = make(map[chan registrynotify.Event]struct{})
	}
	t.subs[tenantID][ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs[tenantID], ch)
			if len(t.subs[tenantID]) == 0 {
				delete(t.subs, tenantID)
			}
			t.mu.Unlock()
			close(ch)
		})
	}

	return &registrynotify.Subscription{Events: ch, Close: closeFn}, nil
}
