package serve

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	registrycache "github.com/4xguy/federated-memory-sub004/internal/registry/cache"
	registryembed "github.com/4xguy/federated-memory-sub004/internal/registry/embed"
	"github.com/4xguy/federated-memory-sub004/internal/registry/encrypt"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration.
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/cache/infinispan"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/cache/memory"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/cache/noop"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/cache/redis"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/embed/disabled"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/embed/local"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/embed/openai"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/encrypt/awskms"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/encrypt/dek"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/encrypt/plain"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/encrypt/vault"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/communication"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/creative"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/learning"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/personal"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/postgres"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/technical"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/work"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/notify/memory"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/notify/nats"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/route/system"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/vector/pgvector"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/vector/qdrant"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var maxBodySizeInt int
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the federated memory service",
		CustomHelpTemplate: cli.CommandHelpTemplate + `NOTES:
   Tenant bearer tokens are configured via environment variables — one per tenant:
   MEMORY_SERVICE_TENANT_TOKENS_<TENANT_ID>=token1,token2,...

   Example:
   MEMORY_SERVICE_TENANT_TOKENS_ACME=secret-token-1
   MEMORY_SERVICE_TENANT_TOKENS_GLOBEX=token-one,token-two
`,
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &maxBodySizeInt),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			// Forward Vault/AWS CLI flags to env vars so the SDKs pick them up.
			for flagName, envVar := range map[string]string{
				"encryption-vault-addr":                "VAULT_ADDR",
				"encryption-vault-token":               "VAULT_TOKEN",
				"encryption-kms-aws-region":            "AWS_REGION",
				"encryption-kms-aws-access-key-id":     "AWS_ACCESS_KEY_ID",
				"encryption-kms-aws-secret-access-key": "AWS_SECRET_ACCESS_KEY",
			} {
				if v := cmd.String(flagName); v != "" {
					os.Setenv(envVar, v)
				}
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			cfg.MaxBodySize = int64(maxBodySizeInt)
			cfg.TenantTokens = config.LoadTenantTokensFromEnv()
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int, maxBodySizeInt *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files; defaults to OS temp directory",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "admin-require-justification",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ADMIN_REQUIRE_JUSTIFICATION"),
			Destination: &cfg.RequireJustification,
			Usage:       "Require justification for admin API calls",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_MAX_BODY_SIZE"),
			Destination: maxBodySizeInt,
			Value:       int(cfg.MaxBodySize),
			Usage:       "Maximum request body size in bytes",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Network Listener: Management ─────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Network Listener: Management:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Network Listener: Management:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Network Listener: Management:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── CORS ──────────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "CORS:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "CORS:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Module storage backend (" + strings.Join(registrymodule.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run database schema migrations at startup",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_CACHE_KIND"),
			Destination: &cfg.RoutingCacheType,
			Value:       cfg.RoutingCacheType,
			Usage:       "Routing decision cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_CACHE_TTL"),
			Destination: &cfg.RoutingCacheTTL,
			Value:       cfg.RoutingCacheTTL,
			Usage:       "Routing decision cache TTL",
		},
		&cli.StringFlag{
			Name:        "redis-hosts",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_REDIS_HOSTS"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.StringFlag{
			Name:        "infinispan-host",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_INFINISPAN_HOST"),
			Destination: &cfg.InfinispanHost,
			Usage:       "Infinispan RESP host:port (e.g. localhost:11222)",
		},
		&cli.StringFlag{
			Name:        "infinispan-username",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_INFINISPAN_USERNAME"),
			Destination: &cfg.InfinispanUsername,
			Usage:       "Infinispan username",
		},
		&cli.StringFlag{
			Name:        "infinispan-password",
			Category:    "Cache:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_INFINISPAN_PASSWORD"),
			Destination: &cfg.InfinispanPassword,
			Usage:       "Infinispan password",
		},

		// ── Encryption ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "encryption-kind",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ENCRYPTION_KIND"),
			Destination: &cfg.EncryptionProviders,
			Value:       cfg.EncryptionProviders,
			Usage:       "Comma-separated ordered list of encryption providers (" + strings.Join(encrypt.Names(), "|") + "). First is primary (used for new encryptions).",
		},
		&cli.BoolFlag{
			Name:        "encryption-db-disabled",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ENCRYPTION_DB_DISABLED"),
			Destination: &cfg.EncryptionDBDisabled,
			Usage:       "Disable at-rest encryption for memory content even when encryption is configured",
		},

		// ── Encryption: DEK ───────────────────────────────────────
		&cli.StringFlag{
			Name:        "encryption-dek-key",
			Category:    "Encryption: DEK:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ENCRYPTION_DEK_KEY", "MEMORY_SERVICE_ENCRYPTION_KEY"),
			Destination: &cfg.EncryptionKey,
			Usage:       "Comma-separated AES keys for the 'dek' provider (hex or base64, 16, 24 or 32 bytes). First is primary; additional keys are legacy (decryption-only key rotation).",
		},
		&cli.StringFlag{
			Name:        "encryption-decryption-keys",
			Category:    "Encryption: DEK:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ENCRYPTION_DECRYPTION_KEYS"),
			Destination: &cfg.EncryptionDecryptionKeys,
			Usage:       "Comma-separated legacy keys accepted for decryption only, during rotation",
		},

		// ── Encryption: Vault ─────────────────────────────────────
		&cli.StringFlag{
			Name:        "encryption-vault-transit-key",
			Category:    "Encryption: Vault:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ENCRYPTION_VAULT_TRANSIT_KEY"),
			Destination: &cfg.EncryptionVaultTransitKey,
			Usage:       "Vault Transit key name for the 'vault' provider",
		},
		&cli.StringFlag{
			Name:     "encryption-vault-addr",
			Category: "Encryption: Vault:",
			Sources:  cli.EnvVars("VAULT_ADDR"),
			Usage:    "Vault server URL (e.g. https://vault.example.com)",
		},
		&cli.StringFlag{
			Name:     "encryption-vault-token",
			Category: "Encryption: Vault:",
			Sources:  cli.EnvVars("VAULT_TOKEN"),
			Usage:    "Vault token for authentication",
		},

		// ── Encryption: KMS ───────────────────────────────────────
		&cli.StringFlag{
			Name:        "encryption-kms-key-id",
			Category:    "Encryption: KMS:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ENCRYPTION_KMS_KEY_ID"),
			Destination: &cfg.EncryptionKMSKeyID,
			Usage:       "AWS KMS key ID or ARN for the 'kms' provider",
		},
		&cli.StringFlag{
			Name:     "encryption-kms-aws-region",
			Category: "Encryption: KMS:",
			Sources:  cli.EnvVars("AWS_REGION"),
			Usage:    "AWS region (e.g. us-east-1)",
		},
		&cli.StringFlag{
			Name:     "encryption-kms-aws-access-key-id",
			Category: "Encryption: KMS:",
			Sources:  cli.EnvVars("AWS_ACCESS_KEY_ID"),
			Usage:    "AWS access key ID",
		},
		&cli.StringFlag{
			Name:     "encryption-kms-aws-secret-access-key",
			Category: "Encryption: KMS:",
			Sources:  cli.EnvVars("AWS_SECRET_ACCESS_KEY"),
			Usage:    "AWS secret access key",
		},

		// ── Vector Store (CMI) ────────────────────────────────────
		&cli.StringFlag{
			Name:        "vector-kind",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_KIND"),
			Destination: &cfg.VectorType,
			Value:       cfg.VectorType,
			Usage:       "CMI vector index backend (" + strings.Join(registryvector.Names(), "|") + ")",
		},
		&cli.BoolFlag{
			Name:        "vector-migrate-at-start",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_MIGRATE_AT_START"),
			Destination: &cfg.VectorMigrateAtStart,
			Value:       cfg.VectorMigrateAtStart,
			Usage:       "Run CMI vector store migrations at startup",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-host",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_HOST", "MEMORY_SERVICE_QDRANT_HOST"),
			Destination: &cfg.QdrantHost,
			Value:       cfg.QdrantHost,
			Usage:       "Qdrant host",
		},
		&cli.IntFlag{
			Name:        "vector-qdrant-port",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_PORT", "MEMORY_SERVICE_QDRANT_PORT"),
			Destination: &cfg.QdrantPort,
			Value:       cfg.QdrantPort,
			Usage:       "Qdrant gRPC port",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-collection-prefix",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_COLLECTION_PREFIX"),
			Destination: &cfg.QdrantCollectionPrefix,
			Value:       cfg.QdrantCollectionPrefix,
			Usage:       "Prefix for derived Qdrant collection names",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-api-key",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_API_KEY"),
			Destination: &cfg.QdrantAPIKey,
			Usage:       "Qdrant API key",
		},
		&cli.BoolFlag{
			Name:        "vector-qdrant-use-tls",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_USE_TLS"),
			Destination: &cfg.QdrantUseTLS,
			Usage:       "Use TLS when dialing Qdrant",
		},
		&cli.StringFlag{
			Name:        "vector-qdrant-collection-name",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_COLLECTION_NAME"),
			Destination: &cfg.QdrantCollectionName,
			Usage:       "Overrides the derived <prefix>_cmi-routing-<dim> collection name",
		},
		&cli.DurationFlag{
			Name:        "vector-qdrant-startup-timeout",
			Category:    "Vector Store:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_VECTOR_QDRANT_STARTUP_TIMEOUT"),
			Destination: &cfg.QdrantStartupTimeout,
			Value:       cfg.QdrantStartupTimeout,
			Usage:       "Time to wait for Qdrant to become reachable at startup",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_OPENAI_API_KEY", "MEMORY_SERVICE_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_OPENAI_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},
		&cli.StringFlag{
			Name:        "embedding-openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},
		&cli.IntFlag{
			Name:        "embedding-routing-dimension",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_ROUTING_DIMENSION"),
			Destination: &cfg.RoutingEmbedDimension,
			Value:       cfg.RoutingEmbedDimension,
			Usage:       "Routing embedding width (d_route)",
		},
		&cli.IntFlag{
			Name:        "embedding-full-dimension",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EMBEDDING_FULL_DIMENSION"),
			Destination: &cfg.FullEmbedDimension,
			Value:       cfg.FullEmbedDimension,
			Usage:       "Full embedding width (d_full)",
		},

		// ── Modules ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "enabled-modules",
			Category:    "Modules:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_ENABLED_MODULES"),
			Destination: &cfg.EnabledModules,
			Usage:       "Comma-separated list of enabled built-in modules; empty enables all six",
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Category:    "Modules:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_POLICY_DIR"),
			Destination: &cfg.PolicyDir,
			Usage:       "Directory of OPA Rego policies for tenant isolation; defaults to built-in policies",
		},

		// ── Change Notifier ───────────────────────────────────────
		&cli.StringFlag{
			Name:        "notify-kind",
			Category:    "Change Notifier:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_NOTIFY_KIND"),
			Destination: &cfg.NotifyType,
			Value:       cfg.NotifyType,
			Usage:       "Change notification transport (" + strings.Join(registrynotify.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "notify-nats-url",
			Category:    "Change Notifier:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_NOTIFY_NATS_URL"),
			Destination: &cfg.NatsURL,
			Usage:       "NATS server URL",
		},
		&cli.BoolFlag{
			Name:        "notify-nats-embedded",
			Category:    "Change Notifier:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_NOTIFY_NATS_EMBEDDED"),
			Destination: &cfg.NatsEmbedded,
			Value:       cfg.NatsEmbedded,
			Usage:       "Run an embedded NATS server instead of dialing an external one",
		},
		&cli.IntFlag{
			Name:        "notify-subscriber-queue-depth",
			Category:    "Change Notifier:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_NOTIFY_SUBSCRIBER_QUEUE_DEPTH"),
			Destination: &cfg.SubscriberQueueDepth,
			Value:       cfg.SubscriberQueueDepth,
			Usage:       "Bounded per-subscriber event queue depth before a gap record is synthesized",
		},
		&cli.DurationFlag{
			Name:        "notify-subscriber-idle-ttl",
			Category:    "Change Notifier:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_NOTIFY_SUBSCRIBER_IDLE_TTL"),
			Destination: &cfg.SubscriberIdleTTL,
			Value:       cfg.SubscriberIdleTTL,
			Usage:       "Idle subscriber cleanup timeout",
		},
		&cli.DurationFlag{
			Name:        "notify-ping-interval",
			Category:    "Change Notifier:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_NOTIFY_PING_INTERVAL"),
			Destination: &cfg.NotifyPingInterval,
			Value:       cfg.NotifyPingInterval,
			Usage:       "SSE keep-alive ping interval",
		},

		// ── Reconciliation ────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "reconcile-interval",
			Category:    "Reconciliation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_RECONCILE_INTERVAL"),
			Destination: &cfg.ReconcileInterval,
			Value:       cfg.ReconcileInterval,
			Usage:       "Background reconciliation job interval",
		},
		&cli.IntFlag{
			Name:        "reconcile-batch-size",
			Category:    "Reconciliation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_RECONCILE_BATCH_SIZE"),
			Destination: &cfg.ReconcileBatchSize,
			Value:       cfg.ReconcileBatchSize,
			Usage:       "Rows processed per reconciliation pass, per module",
		},
		&cli.IntFlag{
			Name:        "write-pipeline-retries",
			Category:    "Reconciliation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_WRITE_PIPELINE_RETRIES"),
			Destination: &cfg.WritePipelineRetries,
			Value:       cfg.WritePipelineRetries,
			Usage:       "Bounded retry count for the module-write-then-CMI-write consistency protocol",
		},
		&cli.DurationFlag{
			Name:        "write-pipeline-backoff",
			Category:    "Reconciliation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_WRITE_PIPELINE_BACKOFF"),
			Destination: &cfg.WritePipelineBackoff,
			Value:       cfg.WritePipelineBackoff,
			Usage:       "Initial backoff between write pipeline retries",
		},
		&cli.DurationFlag{
			Name:        "write-pipeline-max-wait",
			Category:    "Reconciliation:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_WRITE_PIPELINE_MAX_WAIT"),
			Destination: &cfg.WritePipelineMaxWait,
			Value:       cfg.WritePipelineMaxWait,
			Usage:       "Maximum total time spent retrying before surfacing an error",
		},

		// ── Eviction ──────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "eviction-interval",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EVICTION_INTERVAL"),
			Destination: &cfg.EvictionInterval,
			Value:       cfg.EvictionInterval,
			Usage:       "Tombstone eviction job interval",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-size",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EVICTION_BATCH_SIZE"),
			Destination: &cfg.EvictionBatchSize,
			Value:       cfg.EvictionBatchSize,
			Usage:       "Accepted but not applied: each eviction pass purges every tombstone past retention",
		},
		&cli.IntFlag{
			Name:        "eviction-batch-delay-ms",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_EVICTION_BATCH_DELAY_MS"),
			Destination: &cfg.EvictionBatchDelayMS,
			Value:       cfg.EvictionBatchDelayMS,
			Usage:       "Delay between per-module eviction batches, to limit database load",
		},
		&cli.DurationFlag{
			Name:        "tombstone-retention",
			Category:    "Eviction:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_TOMBSTONE_RETENTION"),
			Destination: &cfg.TombstoneRetention,
			Value:       cfg.TombstoneRetention,
			Usage:       "How long soft-deleted rows are retained before hard deletion",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "prometheus-url",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_PROMETHEUS_URL"),
			Destination: &cfg.PrometheusURL,
			Usage:       "Prometheus base URL for admin stats (e.g. http://prometheus:9090); admin stats endpoints are unmounted when empty",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("MEMORY_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=memory-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSubscribeRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isSubscribeRequest exempts the long-lived SSE subscription endpoint from
// the request body cap; it has no body and must not be wrapped by a reader
// that would interfere with streaming.
func isSubscribeRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return req.Method == http.MethodGet && req.URL.Path == "/v1/subscribe"
}
