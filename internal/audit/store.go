// Package audit provides an HMAC-signed audit trail for tool-call outcomes.
//
// Every governed tool call, allowed, rejected, or failed, produces a Record
// that is signed (HMAC-SHA256) and persisted in SQLite. The trail is the
// operator's answer to "what did the model do and why was it allowed".
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenhq/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenhq/warden/internal/audit")

// Record is the audit entry for a single governed tool call.
type Record struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ToolName       string    `json:"tool_name"`
	Action         string    `json:"action"`
	Allowed        bool      `json:"allowed"`
	Confidence     float64   `json:"confidence"`
	IsVerification bool      `json:"is_verification"`
	ResultSummary  string    `json:"result_summary,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
	Signature      string    `json:"signature"`
}

// Store persists HMAC-signed audit records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore creates an audit store with HMAC signing.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit(tool_name);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit(created_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{
		db:     db,
		signer: signer,
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Write saves a record with an HMAC signature. A missing ID or timestamp is
// filled in.
func (s *Store) Write(ctx context.Context, rec *Record) error {
	ctx, span := tracer.Start(ctx, "audit.write",
		trace.WithAttributes(
			wardenotel.ToolName.String(rec.ToolName),
			wardenotel.UserID.String(rec.UserID),
		))
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	rec.Signature = ""
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	signature, err := s.signer.Sign(recordJSON)
	if err != nil {
		return fmt.Errorf("signing audit record: %w", err)
	}
	rec.Signature = signature

	recordJSONWithSig, _ := json.Marshal(rec)

	query := `INSERT INTO audit (id, user_id, tool_name, created_at, record_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.ToolName, rec.CreatedAt, string(recordJSONWithSig), signature,
	)
	if err != nil {
		return fmt.Errorf("storing audit record: %w", err)
	}

	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var recordJSON string
	query := `SELECT record_json FROM audit WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&recordJSON)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling audit record: %w", err)
	}

	return &rec, nil
}

// List returns records matching the given filters, newest first.
func (s *Store) List(ctx context.Context, userID, toolName string, from, to time.Time, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(
			wardenotel.UserID.String(userID),
			wardenotel.ToolName.String(toolName),
		))
	defer span.End()

	query := `SELECT record_json FROM audit WHERE 1=1`
	args := []interface{}{}

	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if toolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, to)
	}

	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			continue
		}

		results = append(results, rec)
	}

	span.SetAttributes(attribute.Int("audit.count", len(results)))
	return results, nil
}

// Verify checks the HMAC signature integrity of a stored record.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := rec.Signature
	rec.Signature = ""

	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}

	return s.signer.Verify(recordJSON, signature), nil
}

// Purge deletes records older than the cutoff and returns the count removed.
// Runs on the retention schedule.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "audit.purge",
		trace.WithAttributes(attribute.String("cutoff", olderThan.Format(time.RFC3339))))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purging audit records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("audit.purged", n))
	return n, nil
}
