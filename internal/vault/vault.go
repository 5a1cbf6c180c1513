// Package vault provides an encrypted store for operator-fallback upstream
// credentials.
//
// Per-request credentials are ephemeral and never persisted; the vault holds
// only the operator-provisioned fallback used when a request carries none.
// Values are encrypted at rest with NaCl secretbox (XSalsa20-Poly1305) under
// a 32-byte operator key and stored in SQLite.
package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/nacl/secretbox"

	wardenotel "github.com/wardenhq/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenhq/warden/internal/vault")

var (
	// ErrNotFound is returned when a credential name does not exist.
	ErrNotFound = errors.New("credential not found")
	// ErrInvalidKey is returned when the vault key is not 32 raw bytes or
	// 64 hex characters.
	ErrInvalidKey = errors.New("invalid vault key")
	// ErrDecrypt is returned when a ciphertext fails authentication, which
	// means the key is wrong or the row was tampered with.
	ErrDecrypt = errors.New("credential decryption failed")
)

// Store manages encrypted fallback credentials.
type Store struct {
	db  *sql.DB
	key [32]byte
}

// Metadata is the public view of a stored credential (no plaintext).
type Metadata struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStore creates an encrypted vault backed by SQLite. The key must be
// exactly 32 raw bytes or 64 hex characters.
func NewStore(dbPath string, key string) (*Store, error) {
	keyBytes, err := resolveKey(key)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		sealed TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	s := &Store{db: db}
	copy(s.key[:], keyBytes)
	return s, nil
}

func resolveKey(key string) ([]byte, error) {
	if len(key) == 64 {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("%w: hex decode: %v", ErrInvalidKey, err)
		}
		return decoded, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 raw bytes or 64 hex characters (got %d)", ErrInvalidKey, len(key))
	}
	return []byte(key), nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores or replaces a credential value under name.
func (s *Store) Put(ctx context.Context, name string, value []byte) error {
	ctx, span := tracer.Start(ctx, "vault.put",
		trace.WithAttributes(attribute.String("vault.name", name)))
	defer span.End()

	if name == "" {
		return errors.New("vault: name is required")
	}

	sealed, err := s.seal(value)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `INSERT INTO credentials (name, sealed, created_at, updated_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT(name) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, name, sealed, now, now); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Get decrypts and returns the credential value for name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "vault.get",
		trace.WithAttributes(attribute.String("vault.name", name)))
	defer span.End()

	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT sealed FROM credentials WHERE name = ?`, name).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	return s.open(sealed)
}

// Delete removes a credential.
func (s *Store) Delete(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "vault.delete",
		trace.WithAttributes(attribute.String("vault.name", name)))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// List returns metadata for all stored credentials, never plaintext.
func (s *Store) List(ctx context.Context) ([]Metadata, error) {
	ctx, span := tracer.Start(ctx, "vault.list")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created_at, updated_at FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var results []Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.Name, &m.CreatedAt, &m.UpdatedAt); err != nil {
			continue
		}
		results = append(results, m)
	}

	span.SetAttributes(attribute.Int("vault.count", len(results)))
	return results, nil
}

// seal encrypts value with a fresh random nonce. The nonce is prepended to
// the ciphertext before base64 encoding.
func (s *Store) seal(value []byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], value, &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	if len(raw) < 24 {
		return nil, ErrDecrypt
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	value, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return value, nil
}
