package notifier_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
	"github.com/4xguy/federated-memory-sub004/internal/service/notifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a minimal in-memory registrynotify.Transport: publish
// fans out to whichever subscriptions are currently open for a tenant.
type fakeTransport struct {
	mu   sync.Mutex
	subs map[string][]chan registrynotify.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string][]chan registrynotify.Event)}
}

func (f *fakeTransport) Publish(ctx context.Context, tenantID string, event registrynotify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[tenantID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, tenantID string) (*registrynotify.Subscription, error) {
	ch := make(chan registrynotify.Event, 16)
	f.mu.Lock()
	f.subs[tenantID] = append(f.subs[tenantID], ch)
	f.mu.Unlock()
	return &registrynotify.Subscription{
		Events: ch,
		Close:  func() {},
	}, nil
}

func (f *fakeTransport) IsEnabled() bool { return true }
func (f *fakeTransport) Name() string    { return "fake" }

type writeRecorder struct {
	mu      sync.Mutex
	data    strings.Builder
	flushes int
}

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data.Write(p)
}

func (w *writeRecorder) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data.String()
}

func (w *writeRecorder) flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

func TestNotifyAssignsIncrementingSequence(t *testing.T) {
	transport := newFakeTransport()
	svc := notifier.New(transport, time.Minute, time.Minute, 16)

	sub, err := transport.Subscribe(context.Background(), "tenant-a")
	require.NoError(t, err)

	require.NoError(t, svc.Notify(context.Background(), "tenant-a", registrynotify.Event{Type: "memory_created"}))
	require.NoError(t, svc.Notify(context.Background(), "tenant-a", registrynotify.Event{Type: "memory_updated"}))

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
}

func TestServeSSEStreamsPublishedEvent(t *testing.T) {
	transport := newFakeTransport()
	svc := notifier.New(transport, time.Hour, time.Hour, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &writeRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.ServeSSE(ctx, rec, rec.flush, "tenant-b")
	}()

	// Give ServeSSE time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.Notify(context.Background(), "tenant-b", registrynotify.Event{Type: "memory_created", MemoryID: "abc"}))

	require.Eventually(t, func() bool {
		return strings.Contains(rec.String(), "memory_created")
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeSSE did not return after context cancellation")
	}
	assert.Contains(t, rec.String(), "server_shutdown")
}

func TestServeSSESendsPingOnInterval(t *testing.T) {
	transport := newFakeTransport()
	svc := notifier.New(transport, 10*time.Millisecond, time.Hour, 16)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &writeRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.ServeSSE(ctx, rec, rec.flush, "tenant-c")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(rec.String(), ":ping")
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
