// Package audit provides an HMAC-signed, append-only audit trail for
// mediated turns.
//
// Every sealed turn produces exactly two rows: the turn record itself and
// exactly one watchdog verdict (a schema-level UNIQUE constraint enforces
// the one-verdict invariant, with the unavailable sentinel standing in when
// scoring failed). Records are signed with HMAC-SHA256 and persisted in
// SQLite; retrieval supports a lightweight index view and full detail with
// signature verification.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/turn"
	"github.com/wardenlabs/warden/internal/watchdog"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/audit")

// ErrNotFound is returned when no record exists for a correlation ID.
var ErrNotFound = errors.New("audit record not found")

// DuplicateVerdictError is returned when a second verdict is recorded for a
// turn that already has one.
type DuplicateVerdictError struct {
	CorrelationID string
}

func (e *DuplicateVerdictError) Error() string {
	return fmt.Sprintf("verdict already recorded for %s", e.CorrelationID)
}

// Store persists HMAC-signed turn records and watchdog verdicts in SQLite.
// It implements watchdog.Sink.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens (or creates) the audit database with HMAC signing.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		correlation_id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		sealed_at TIMESTAMP NOT NULL,
		tool_loop_exceeded INTEGER NOT NULL DEFAULT 0,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verdicts (
		correlation_id TEXT NOT NULL UNIQUE,
		risk_level TEXT NOT NULL,
		unavailable INTEGER NOT NULL DEFAULT 0,
		produced_at TIMESTAMP NOT NULL,
		verdict_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_sealed ON turns(sealed_at);
	CREATE INDEX IF NOT EXISTS idx_verdicts_risk ON verdicts(risk_level);
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

// RecordTurn persists a sealed turn record with an HMAC signature.
func (s *Store) RecordTurn(ctx context.Context, rec turn.TurnRecord) error {
	ctx, span := tracer.Start(ctx, "audit.record_turn",
		trace.WithAttributes(
			attribute.String("correlation_id", rec.CorrelationID),
			attribute.Int("tool_calls", len(rec.ToolCalls)),
		))
	defer span.End()

	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling turn record: %w", err)
	}

	signature, err := s.signer.Sign(recordJSON)
	if err != nil {
		return fmt.Errorf("signing turn record: %w", err)
	}

	loopExceeded := 0
	if rec.ToolLoopExceeded {
		loopExceeded = 1
	}

	query := `INSERT INTO turns (correlation_id, created_at, sealed_at, tool_loop_exceeded, record_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rec.CorrelationID, rec.CreatedAt, rec.SealedAt, loopExceeded,
		string(recordJSON), signature,
	)
	if err != nil {
		return fmt.Errorf("storing turn record: %w", err)
	}
	return nil
}

// RecordVerdict persists exactly one verdict per turn. A second verdict for
// the same correlation ID fails with DuplicateVerdictError; the first row
// stands.
func (s *Store) RecordVerdict(ctx context.Context, v watchdog.Verdict) error {
	ctx, span := tracer.Start(ctx, "audit.record_verdict",
		trace.WithAttributes(
			attribute.String("correlation_id", v.CorrelationID),
			attribute.String("risk_level", string(v.RiskLevel)),
		))
	defer span.End()

	verdictJSON, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling verdict: %w", err)
	}

	signature, err := s.signer.Sign(verdictJSON)
	if err != nil {
		return fmt.Errorf("signing verdict: %w", err)
	}

	unavailable := 0
	if v.Unavailable {
		unavailable = 1
	}

	query := `INSERT INTO verdicts (correlation_id, risk_level, unavailable, produced_at, verdict_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		v.CorrelationID, string(v.RiskLevel), unavailable, v.ProducedAt,
		string(verdictJSON), signature,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return &DuplicateVerdictError{CorrelationID: v.CorrelationID}
		}
		return fmt.Errorf("storing verdict: %w", err)
	}
	return nil
}

// Detail is the full audit view for one turn: the sealed record plus its
// verdict. Verdict is nil while scoring is still in flight.
type Detail struct {
	Record  turn.TurnRecord   `json:"record"`
	Verdict *watchdog.Verdict `json:"verdict,omitempty"`
}

// Get retrieves the full audit detail for a correlation ID.
func (s *Store) Get(ctx context.Context, correlationID string) (*Detail, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	defer span.End()

	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM turns WHERE correlation_id = ?`, correlationID,
	).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying turn record: %w", err)
	}

	var d Detail
	if err := json.Unmarshal([]byte(recordJSON), &d.Record); err != nil {
		return nil, fmt.Errorf("unmarshaling turn record: %w", err)
	}

	var verdictJSON string
	err = s.db.QueryRowContext(ctx,
		`SELECT verdict_json FROM verdicts WHERE correlation_id = ?`, correlationID,
	).Scan(&verdictJSON)
	switch {
	case err == sql.ErrNoRows:
		// scoring still pending
	case err != nil:
		return nil, fmt.Errorf("querying verdict: %w", err)
	default:
		var v watchdog.Verdict
		if err := json.Unmarshal([]byte(verdictJSON), &v); err != nil {
			return nil, fmt.Errorf("unmarshaling verdict: %w", err)
		}
		d.Verdict = &v
	}

	return &d, nil
}

// Index is a lightweight summary row for audit listings.
type Index struct {
	CorrelationID    string    `json:"correlation_id"`
	CreatedAt        time.Time `json:"created_at"`
	SealedAt         time.Time `json:"sealed_at"`
	ToolCalls        int       `json:"tool_calls"`
	ToolLoopExceeded bool      `json:"tool_loop_exceeded"`
	RiskLevel        string    `json:"risk_level,omitempty"`
	VerdictPending   bool      `json:"verdict_pending,omitempty"`
}

// ListIndex returns lightweight summaries, newest first, filtered by time
// range and optional risk level.
func (s *Store) ListIndex(ctx context.Context, riskLevel string, from, to time.Time, limit int) ([]Index, error) {
	ctx, span := tracer.Start(ctx, "audit.list_index",
		trace.WithAttributes(attribute.String("risk_level", riskLevel)))
	defer span.End()

	query := `SELECT t.record_json, t.tool_loop_exceeded, v.risk_level
	          FROM turns t LEFT JOIN verdicts v ON v.correlation_id = t.correlation_id
	          WHERE 1=1`
	args := []interface{}{}

	if riskLevel != "" {
		query += ` AND v.risk_level = ?`
		args = append(args, riskLevel)
	}
	if !from.IsZero() {
		query += ` AND t.sealed_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND t.sealed_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY t.sealed_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit index: %w", err)
	}
	defer rows.Close()

	var results []Index
	for rows.Next() {
		var recordJSON string
		var loopExceeded int
		var risk sql.NullString
		if err := rows.Scan(&recordJSON, &loopExceeded, &risk); err != nil {
			continue
		}

		var rec turn.TurnRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			continue
		}

		idx := Index{
			CorrelationID:    rec.CorrelationID,
			CreatedAt:        rec.CreatedAt,
			SealedAt:         rec.SealedAt,
			ToolCalls:        len(rec.ToolCalls),
			ToolLoopExceeded: loopExceeded != 0,
		}
		if risk.Valid {
			idx.RiskLevel = risk.String
		} else {
			idx.VerdictPending = true
		}
		results = append(results, idx)
	}

	span.SetAttributes(attribute.Int("audit.index_count", len(results)))
	return results, nil
}

// Verify checks the HMAC signatures of a turn record and, when present, its
// verdict. Both must verify for the result to be true.
func (s *Store) Verify(ctx context.Context, correlationID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	defer span.End()

	var recordJSON, recordSig string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json, signature FROM turns WHERE correlation_id = ?`, correlationID,
	).Scan(&recordJSON, &recordSig)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	if err != nil {
		return false, fmt.Errorf("querying turn record: %w", err)
	}
	if !s.signer.Verify([]byte(recordJSON), recordSig) {
		return false, nil
	}

	var verdictJSON, verdictSig string
	err = s.db.QueryRowContext(ctx,
		`SELECT verdict_json, signature FROM verdicts WHERE correlation_id = ?`, correlationID,
	).Scan(&verdictJSON, &verdictSig)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying verdict: %w", err)
	}
	return s.signer.Verify([]byte(verdictJSON), verdictSig), nil
}
