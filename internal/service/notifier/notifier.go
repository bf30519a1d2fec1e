// Package notifier implements the Change Notifier (spec.md §6): SSE framing,
// keep-alive pings, idle-subscriber cleanup, and bounded-queue backpressure
// on top of whichever registry/notify.Transport is configured. Grounded on
// the teacher's per-connection streaming handlers (ping ticker + flush loop)
// generalized from a single conversation stream to per-tenant fan-out.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
)

// Service is the Change Notifier: assigns per-tenant sequence numbers to
// published events and fans subscriptions out through the notify transport.
type Service struct {
	transport    registrynotify.Transport
	pingInterval time.Duration
	idleTTL      time.Duration
	queueDepth   int

	mu  sync.Mutex
	seq map[string]uint64
}

// New builds a notifier Service. pingInterval/idleTTL/queueDepth come from
// config.Config.NotifyPingInterval/SubscriberIdleTTL/SubscriberQueueDepth.
func New(transport registrynotify.Transport, pingInterval, idleTTL time.Duration, queueDepth int) *Service {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Service{transport: transport, pingInterval: pingInterval, idleTTL: idleTTL, queueDepth: queueDepth, seq: make(map[string]uint64)}
}

// Notify assigns the next sequence number for tenantID and publishes event.
func (s *Service) Notify(ctx context.Context, tenantID string, event registrynotify.Event) error {
	s.mu.Lock()
	s.seq[tenantID]++
	event.Seq = s.seq[tenantID]
	s.mu.Unlock()
	return s.transport.Publish(ctx, tenantID, event)
}

// stream bridges a transport subscription into a bounded output channel,
// detecting both transport-level gaps (sequence discontinuities) and its
// own queue overflow, surfacing either as a synthetic "gap" record rather
// than silently dropping events.
type stream struct {
	out          chan registrynotify.Event
	sub          *registrynotify.Subscription
	lastActivity int64 // unix nanos, atomic
	done         chan struct{}
	closeOnce    sync.Once
}

func (s *Service) newStream(ctx context.Context, tenantID string) (*stream, error) {
	sub, err := s.transport.Subscribe(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("notifier: subscribe: %w", err)
	}
	st := &stream{
		out:  make(chan registrynotify.Event, s.queueDepth),
		sub:  sub,
		done: make(chan struct{}),
	}
	st.touch()

	go st.pump()
	go s.idleWatch(st)
	return st, nil
}

func (st *stream) touch() {
	atomic.StoreInt64(&st.lastActivity, time.Now().UnixNano())
}

func (st *stream) pump() {
	var lastSeq uint64
	gapPending := false
	for {
		select {
		case event, ok := <-st.sub.Events:
			if !ok {
				close(st.out)
				return
			}
			st.touch()
			if lastSeq != 0 && event.Seq > lastSeq+1 {
				gapPending = true
			}
			lastSeq = event.Seq

			if gapPending {
				select {
				case st.out <- registrynotify.Event{Type: "gap"}:
					gapPending = false
				default:
					gapPending = true
				}
			}

			select {
			case st.out <- event:
			default:
				if !gapPending {
					log.Warn("notifier: subscriber queue full, dropping event", "seq", event.Seq)
				}
				gapPending = true
			}
		case <-st.done:
			st.sub.Close()
			return
		}
	}
}

func (s *Service) idleWatch(st *stream) {
	ticker := time.NewTicker(s.idleTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&st.lastActivity))
			if time.Since(last) > s.idleTTL {
				log.Info("notifier: closing idle subscriber")
				st.close()
				return
			}
		case <-st.done:
			return
		}
	}
}

func (st *stream) close() {
	st.closeOnce.Do(func() { close(st.done) })
}

// ServeSSE drains a tenant's subscription to w, writing SSE "data:" frames
// and ":ping" comments every pingInterval until ctx is cancelled, at which
// point it writes a terminal {"type":"server_shutdown"} record and returns.
// flush is called after every write (gin's http.Flusher.Flush).
func (s *Service) ServeSSE(ctx context.Context, w io.Writer, flush func(), tenantID string) error {
	st, err := s.newStream(ctx, tenantID)
	if err != nil {
		return err
	}
	defer st.close()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			writeSSE(w, registrynotify.Event{Type: "server_shutdown"})
			flush()
			return nil
		case <-st.done:
			writeSSE(w, registrynotify.Event{Type: "server_shutdown"})
			flush()
			return nil
		case <-ping.C:
			if _, err := io.WriteString(w, ":ping\n\n"); err != nil {
				return err
			}
			flush()
		case event, ok := <-st.out:
			if !ok {
				writeSSE(w, registrynotify.Event{Type: "server_shutdown"})
				flush()
				return nil
			}
			if err := writeSSE(w, event); err != nil {
				return err
			}
			flush()
		}
	}
}

func writeSSE(w io.Writer, event registrynotify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
