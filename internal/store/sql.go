package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Queries shared by the SQL backends, written with ? placeholders.
const (
	qGetState = `SELECT state FROM call_states WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	qPutState = `INSERT INTO call_states (session_id, state, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at, updated_at = excluded.updated_at`
	qDeleteState = `DELETE FROM call_states WHERE session_id = ?`
	qLookupTurn  = `SELECT response FROM turn_ledger WHERE session_id = ? AND turn_key = ? AND (expires_at IS NULL OR expires_at > ?)`
	qRecordTurn  = `INSERT INTO turn_ledger (session_id, turn_key, response, recorded_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, turn_key) DO UPDATE SET response = excluded.response, recorded_at = excluded.recorded_at, expires_at = excluded.expires_at
		WHERE turn_ledger.expires_at IS NOT NULL AND turn_ledger.expires_at <= excluded.recorded_at`
	qArchiveCall = `INSERT INTO call_archive (session_id, tenant_id, reason, turn_count, state, ended_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET tenant_id = excluded.tenant_id, reason = excluded.reason,
		turn_count = excluded.turn_count, state = excluded.state, ended_at = excluded.ended_at`
	qGetCall     = `SELECT tenant_id, reason, turn_count, state, ended_at FROM call_archive WHERE session_id = ?`
	qPurgeStates = `DELETE FROM call_states WHERE expires_at IS NOT NULL AND expires_at <= ?`
	qPurgeTurns  = `DELETE FROM turn_ledger WHERE expires_at IS NOT NULL AND expires_at <= ?`
)

type sqlQueries struct {
	getState, putState, deleteState string
	lookupTurn, recordTurn          string
	archiveCall, getCall            string
	purgeStates, purgeTurns         string
}

func newSQLQueries(bind func(string) string) sqlQueries {
	return sqlQueries{
		getState:    bind(qGetState),
		putState:    bind(qPutState),
		deleteState: bind(qDeleteState),
		lookupTurn:  bind(qLookupTurn),
		recordTurn:  bind(qRecordTurn),
		archiveCall: bind(qArchiveCall),
		getCall:     bind(qGetCall),
		purgeStates: bind(qPurgeStates),
		purgeTurns:  bind(qPurgeTurns),
	}
}

// sqlBackend implements Store over database/sql; SQLiteStore and
// PostgresStore differ only in driver setup and placeholders.
type sqlBackend struct {
	name      string
	db        *sql.DB
	q         sqlQueries
	now       func() time.Time
	ledgerTTL time.Duration
}

func (s *sqlBackend) GetState(ctx context.Context, sessionID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, s.q.getState, sessionID, s.now().UnixMilli()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		slog.Error(s.name+" GetState failed", "error", err, "sessionID", sessionID)
		return nil, false, fmt.Errorf("failed to load state for session %s: %w", sessionID, err)
	}
	return blob, true, nil
}

func (s *sqlBackend) PutState(ctx context.Context, sessionID string, blob []byte, ttl time.Duration) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.q.putState, sessionID, blob, nullMillis(expiry(now, ttl)), now.UnixMilli())
	if err != nil {
		slog.Error(s.name+" PutState failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to save state for session %s: %w", sessionID, err)
	}
	slog.Debug(s.name+" PutState succeeded", "sessionID", sessionID, "bytes", len(blob), "ttl", ttl)
	return nil
}

func (s *sqlBackend) DeleteState(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.q.deleteState, sessionID); err != nil {
		slog.Error(s.name+" DeleteState failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to delete state for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *sqlBackend) LookupTurn(ctx context.Context, sessionID, turnKey string) ([]byte, bool, error) {
	var resp []byte
	err := s.db.QueryRowContext(ctx, s.q.lookupTurn, sessionID, turnKey, s.now().UnixMilli()).Scan(&resp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("turn ledger lookup failed: %w", err)
	}
	return resp, true, nil
}

func (s *sqlBackend) RecordTurn(ctx context.Context, sessionID, turnKey string, response []byte) error {
	if err := requireSession(sessionID); err != nil {
		return err
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.q.recordTurn, sessionID, turnKey, response, now.UnixMilli(), nullMillis(expiry(now, s.ledgerTTL)))
	if err != nil {
		return fmt.Errorf("record turn failed: %w", err)
	}
	return nil
}

func (s *sqlBackend) ArchiveCall(ctx context.Context, rec CallRecord) error {
	if err := requireSession(rec.SessionID); err != nil {
		return err
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q.archiveCall, rec.SessionID, rec.TenantID, nilIfEmpty(rec.Reason), rec.TurnCount, rec.State, rec.EndedAt.UnixMilli())
	if err != nil {
		slog.Error(s.name+" ArchiveCall failed", "error", err, "sessionID", rec.SessionID)
		return fmt.Errorf("failed to archive call %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *sqlBackend) GetCall(ctx context.Context, sessionID string) (CallRecord, bool, error) {
	rec := CallRecord{SessionID: sessionID}
	var reason sql.NullString
	var endedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q.getCall, sessionID).Scan(&rec.TenantID, &reason, &rec.TurnCount, &rec.State, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, false, nil
	}
	if err != nil {
		return CallRecord{}, false, fmt.Errorf("failed to load archived call %s: %w", sessionID, err)
	}
	rec.Reason = reason.String
	rec.EndedAt = fromMillis(endedAt)
	return rec, true, nil
}

// PurgeExpired deletes expired states and ledger entries.
func (s *sqlBackend) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	var total int64
	for _, q := range []string{s.q.purgeStates, s.q.purgeTurns} {
		res, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("purge failed: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		slog.Debug(s.name+" PurgeExpired removed rows", "count", total)
	}
	return total, nil
}

// Close closes the database connection.
func (s *sqlBackend) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
