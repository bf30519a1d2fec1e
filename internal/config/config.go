package config

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the federated memory service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	Mode string

	// Database
	DBURL                   string
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Module storage backend (the only store type today is "postgres").
	DatastoreType string

	// Vector store backend: "pgvector" or "qdrant".
	VectorType           string
	VectorMigrateAtStart bool

	// Qdrant
	QdrantHost             string
	QdrantPort             int
	QdrantCollectionPrefix string
	QdrantCollectionName   string // overrides the derived prefix_cmi-routing-<dim> name when set
	QdrantAPIKey           string
	QdrantUseTLS           bool
	QdrantStartupTimeout   time.Duration

	// Embedding backend: "none", "local", or "openai".
	EmbedType string

	OpenAIAPIKey    string
	OpenAIModelName string
	OpenAIBaseURL   string

	// RoutingEmbedDimension (d_route) and FullEmbedDimension (d_full) are the
	// two embedding widths the CMI and modules operate on (spec.md §3).
	RoutingEmbedDimension int
	FullEmbedDimension    int

	// Routing cache backend: "memory", "redis", or "infinispan".
	RoutingCacheType string
	RoutingCacheTTL  time.Duration
	RedisURL         string

	InfinispanHost     string
	InfinispanUsername string
	InfinispanPassword string

	// Change notifier transport: "nats" or "memory".
	NotifyType           string
	NatsURL              string
	NatsEmbedded         bool
	SubscriberQueueDepth int
	SubscriberIdleTTL    time.Duration
	NotifyPingInterval   time.Duration

	// Reconciliation / write-pipeline consistency protocol (spec.md §4.5).
	ReconcileInterval    time.Duration
	ReconcileBatchSize   int
	WritePipelineRetries int
	WritePipelineBackoff time.Duration
	WritePipelineMaxWait time.Duration

	// Eviction / tombstone retention.
	EvictionInterval       time.Duration
	EvictionBatchSize      int
	TombstoneRetention     time.Duration
	EvictionBatchDelayMS   int

	// Module registry: comma-separated list of enabled built-in modules.
	// Empty means all six built-ins (technical,personal,work,learning,communication,creative).
	EnabledModules string

	// OPA tenant-isolation / filter-injection policy bundle directory.
	// Empty uses the embedded default policies.
	PolicyDir string

	// Prometheus
	MetricsLabels string
	// PrometheusURL is the base URL for admin stats time-series queries
	// (e.g. http://prometheus:9090); admin stats endpoints are unmounted
	// when empty.
	PrometheusURL string

	// Server
	Listener                  ListenerConfig
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	ManagementAccessLog       bool
	CORSEnabled               bool
	CORSOrigins               string

	// Security: bearer-token tenant authentication (spec.md §6).
	TenantTokens map[string]string // token value -> tenant ID

	// Encryption at rest for Memory.Content.
	EncryptionProviders       string
	EncryptionProviderDEKType string
	EncryptionVaultTransitKey string
	EncryptionKMSKeyID        string
	EncryptionKey             string
	EncryptionDecryptionKeys  string // comma-separated legacy keys accepted for decryption during rotation
	EncryptionDBDisabled      bool

	// Body size limit (bytes)
	MaxBodySize int64

	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// Admin
	RequireJustification bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,

		VectorType:           "pgvector",
		VectorMigrateAtStart: true,

		QdrantHost:             "localhost",
		QdrantPort:             6334,
		QdrantCollectionPrefix: "memory-service",
		QdrantStartupTimeout:   30 * time.Second,

		EmbedType:             "local",
		OpenAIModelName:       "text-embedding-3-small",
		OpenAIBaseURL:         "https://api.openai.com/v1",
		RoutingEmbedDimension: 512,
		FullEmbedDimension:    1536,

		RoutingCacheType: "memory",
		RoutingCacheTTL:  5 * time.Minute,

		NotifyType:           "memory",
		NatsEmbedded:         true,
		SubscriberQueueDepth: 256,
		SubscriberIdleTTL:    5 * time.Minute,
		NotifyPingInterval:   30 * time.Second,

		ReconcileInterval:    30 * time.Second,
		ReconcileBatchSize:   500,
		WritePipelineRetries: 5,
		WritePipelineBackoff: 200 * time.Millisecond,
		WritePipelineMaxWait: 30 * time.Second,

		EvictionInterval:     1 * time.Hour,
		EvictionBatchSize:    1000,
		EvictionBatchDelayMS: 100,
		TombstoneRetention:   30 * 24 * time.Hour,

		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:                  4 * 1024 * 1024,
		DrainTimeout:                 30,
		EncryptionProviders:          "plain",
		EncryptionProviderDEKType:    "dek",
	}
}

// QdrantAddress returns host:port for Qdrant gRPC dialing.
func (c *Config) QdrantAddress() string {
	if c == nil {
		return "localhost:6334"
	}
	host := strings.TrimSpace(c.QdrantHost)
	if host == "" {
		host = "localhost"
	}
	port := c.QdrantPort
	if port <= 0 {
		port = 6334
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
