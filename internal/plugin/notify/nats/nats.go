// Package nats implements registry/notify.Transport on NATS core pub/sub,
// one subject per tenant ("memory.events.<tenantID>"). Grounded on
// fyrsmithlabs-contextd's nats.Connect(... RetryOnFailedConnect,
// MaxReconnects, ReconnectWait) dial pattern and ODSapper-CLIAIRMONITOR's
// embedded server.NewServer/Start/ReadyForConnections pattern for
// config.NatsEmbedded, used in single-binary deployments that don't want to
// stand up a separate NATS process.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "nats",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Transport, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("nats: missing config in context")
	}

	url := cfg.NatsURL
	var embedded *server.Server
	if cfg.NatsEmbedded {
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      server.RANDOM_PORT,
			HTTPPort:  -1,
			NoLog:     true,
			NoSigs:    true,
		}
		srv, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("nats: embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			return nil, fmt.Errorf("nats: embedded server did not become ready")
		}
		embedded = srv
		url = srv.ClientURL()
		log.Info("started embedded NATS server", "url", url)
	}
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.Name("federated-memory-service"),
	)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	return &Transport{conn: conn, embedded: embedded}, nil
}

// Transport publishes/subscribes change events over NATS core pub/sub.
type Transport struct {
	conn     *nats.Conn
	embedded *server.Server
}

func (t *Transport) IsEnabled() bool { return t.conn != nil && t.conn.IsConnected() }
func (t *Transport) Name() string    { return "nats" }

func subject(tenantID string) string {
	return "memory.events." + tenantID
}

// Publish marshals event to JSON and publishes it on the tenant's subject.
func (t *Transport) Publish(ctx context.Context, tenantID string, event registrynotify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats: marshal event: %w", err)
	}
	return t.conn.Publish(subject(tenantID), data)
}

// Subscribe opens a NATS subscription on the tenant's subject and bridges
// deliveries onto a buffered Go channel so the caller sees the same shape
// as the in-process transport.
func (t *Transport) Subscribe(ctx context.Context, tenantID string) (*registrynotify.Subscription, error) {
	ch := make(chan registrynotify.Event, 256)

	sub, err := t.conn.Subscribe(subject(tenantID), func(msg *nats.Msg) {
		var event registrynotify.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Error("nats: discarding malformed event", "err", err)
			return
		}
		select {
		case ch <- event:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe: %w", err)
	}

	var closed bool
	closeFn := func() {
		if closed {
			return
		}
		closed = true
		_ = sub.Unsubscribe()
		close(ch)
	}

	return &registrynotify.Subscription{Events: ch, Close: closeFn}, nil
}
