// Package webhook provides the form capture bounded context.
// It handles branch-scoped API keys and inbound form submissions from external websites.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/blake3"
)

var ErrAPIKeyNotFound = errors.New("webhook API key not found")

// APIKey represents a webhook API key stored in the database.
type APIKey struct {
	ID             uuid.UUID
	BranchID       uuid.UUID
	Name           string
	KeyHash        string
	KeyPrefix      string
	AllowedDomains []string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// KeyStore manages webhook API keys.
type KeyStore interface {
	Create(ctx context.Context, branchID uuid.UUID, name, keyHash, keyPrefix string, allowedDomains []string) (APIKey, error)
	GetByHash(ctx context.Context, keyHash string) (APIKey, error)
	ListByBranch(ctx context.Context, branchID uuid.UUID) ([]APIKey, error)
	Revoke(ctx context.Context, keyID, branchID uuid.UUID) error
}

// Repository provides data access for webhook API keys.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new webhook repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GenerateAPIKey creates a new random API key and returns the plaintext key and its hash.
// The plaintext key is returned only once; only the hash is stored.
func GenerateAPIKey() (plaintext string, hash string, prefix string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", "", err
	}
	plaintext = "whk_" + hex.EncodeToString(bytes)
	prefix = plaintext[:12] // "whk_" + 8 hex chars
	return plaintext, HashKey(plaintext), prefix, nil
}

// HashKey hashes a plaintext API key for lookup.
func HashKey(plaintext string) string {
	h := blake3.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

const keyColumns = `id, branch_id, name, key_hash, key_prefix, allowed_domains, is_active, created_at, updated_at`

func scanKey(row pgx.Row) (APIKey, error) {
	var key APIKey
	err := row.Scan(
		&key.ID, &key.BranchID, &key.Name, &key.KeyHash, &key.KeyPrefix,
		&key.AllowedDomains, &key.IsActive, &key.CreatedAt, &key.UpdatedAt,
	)
	return key, err
}

// Create creates a new API key record.
func (r *Repository) Create(ctx context.Context, branchID uuid.UUID, name, keyHash, keyPrefix string, allowedDomains []string) (APIKey, error) {
	return scanKey(r.pool.QueryRow(ctx, `
		INSERT INTO ingest_api_keys (branch_id, name, key_hash, key_prefix, allowed_domains)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+keyColumns, branchID, name, keyHash, keyPrefix, allowedDomains))
}

// GetByHash retrieves an active API key by its hash.
func (r *Repository) GetByHash(ctx context.Context, keyHash string) (APIKey, error) {
	key, err := scanKey(r.pool.QueryRow(ctx, `
		SELECT `+keyColumns+`
		FROM ingest_api_keys
		WHERE key_hash = $1 AND is_active = true
	`, keyHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, ErrAPIKeyNotFound
	}
	return key, err
}

// ListByBranch returns all API keys for a branch.
func (r *Repository) ListByBranch(ctx context.Context, branchID uuid.UUID) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+keyColumns+`
		FROM ingest_api_keys
		WHERE branch_id = $1
		ORDER BY created_at DESC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke deactivates an API key.
func (r *Repository) Revoke(ctx context.Context, keyID, branchID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ingest_api_keys SET is_active = false, updated_at = now()
		WHERE id = $1 AND branch_id = $2
	`, keyID, branchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

var _ KeyStore = (*Repository)(nil)
