package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
// The UNIQUE index on request_id serializes event creation per request id;
// unrelated request ids proceed fully in parallel.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Record stores an event. Returns false when the request id already exists.
func (s *UsageStore) Record(ctx context.Context, e usage.Event) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			id, request_id, api_key, api_key_id, api_id, endpoint_id,
			developer_id, amount_usdc, status_code, settlement_tx, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.RequestID, e.APIKey, e.APIKeyID, e.APIID, e.EndpointID,
		e.DeveloperID, e.AmountUSDC, e.StatusCode, e.SettlementTxHash, e.Timestamp.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("record usage event: %w", err)
	}
	return true, nil
}

// AttachTxHash back-fills the settlement tx hash on a recorded event.
// An already-set hash stays untouched.
func (s *UsageStore) AttachTxHash(ctx context.Context, requestID, txHash string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE usage_events SET settlement_tx = ? WHERE request_id = ? AND settlement_tx = ''",
		txHash, requestID,
	)
	if err != nil {
		return fmt.Errorf("attach tx hash: %w", err)
	}
	return nil
}

// Has reports whether an event exists for the request id.
func (s *UsageStore) Has(ctx context.Context, requestID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM usage_events WHERE request_id = ?", requestID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query usage event: %w", err)
	}
	return true, nil
}

// List returns events, optionally filtered by raw API key.
func (s *UsageStore) List(ctx context.Context, apiKey string) ([]usage.Event, error) {
	query := `
		SELECT id, request_id, api_key, api_key_id, api_id, endpoint_id,
		       developer_id, amount_usdc, status_code, settlement_tx, timestamp
		FROM usage_events
	`
	var args []any
	if apiKey != "" {
		query += " WHERE api_key = ?"
		args = append(args, apiKey)
	}
	query += " ORDER BY timestamp"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var e usage.Event
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.APIKey, &e.APIKeyID, &e.APIID, &e.EndpointID,
			&e.DeveloperID, &e.AmountUSDC, &e.StatusCode, &e.SettlementTxHash, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
