// Package dekstore provides a thin database layer for vault and kms encryption
// providers to manage their wrapped DEK record in the application database.
//
// Schema: one row per provider. wrapped_deks[0] is the primary DEK (newest);
// subsequent elements are legacy keys kept for decryption-only rotation.
// revision enables optimistic updates so a future key-rotation CLI can safely
// prepend a new wrapped DEK without clobbering a concurrent update.
package dekstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/4xguy/federated-memory-sub004/internal/config"
	"github.com/jackc/pgx/v5"
)

// Record is the single DEK record stored per encryption provider.
type Record struct {
	// WrappedDEKs holds backend-wrapped DEK ciphertexts.
	// Index 0 is the primary (used for new encryptions); subsequent entries
	// are legacy keys retained for decryption-only key rotation.
	WrappedDEKs [][]byte
	// Revision is incremented on every update. Used for optimistic locking.
	Revision int64
}

// Store manages a single DEK record per provider name.
type Store interface {
	// Load returns the record for provider, or nil if none exists.
	Load(ctx context.Context, provider string) (*Record, error)

	// Bootstrap inserts the initial record if no row exists for provider.
	// On primary-key conflict (another instance beat us) it silently succeeds;
	// the caller must Load again to obtain the winning record.
	Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error

	// Update replaces wrapped_deks and increments revision, but only when the
	// stored revision equals oldRevision (optimistic locking). Returns true if
	// the update was applied, false if the revision was stale.
	Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error)

	// Close releases the underlying connection.
	Close()
}

// New opens a minimal postgres connection and returns a Store.
func New(cfg *config.Config) (Store, error) {
	return newPostgres(cfg)
}

// ── Postgres ──────────────────────────────────────────────────────────────────

type pgStore struct{ conn *pgx.Conn }

func newPostgres(cfg *config.Config) (Store, error) {
	conn, err := pgx.Connect(context.Background(), cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("dekstore: postgres connect: %w", err)
	}
	return &pgStore{conn: conn}, nil
}

func (s *pgStore) Close() { s.conn.Close(context.Background()) }

func (s *pgStore) Load(ctx context.Context, provider string) (*Record, error) {
	var r Record
	err := s.conn.QueryRow(ctx,
		`SELECT wrapped_deks, revision FROM encryption_deks WHERE provider=$1`,
		provider,
	).Scan(&r.WrappedDEKs, &r.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dekstore: load: %w", err)
	}
	return &r, nil
}

func (s *pgStore) Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error {
	_, err := s.conn.Exec(ctx,
		`INSERT INTO encryption_deks (provider, wrapped_deks, revision)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (provider) DO NOTHING`,
		provider, [][]byte{wrappedDEK},
	)
	if err != nil {
		return fmt.Errorf("dekstore: bootstrap: %w", err)
	}
	return nil
}

func (s *pgStore) Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error) {
	tag, err := s.conn.Exec(ctx,
		`UPDATE encryption_deks
		 SET wrapped_deks=$2, revision=revision+1
		 WHERE provider=$1 AND revision=$3`,
		provider, wrappedDEKs, oldRevision,
	)
	if err != nil {
		return false, fmt.Errorf("dekstore: update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
