package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geofencing/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	statusFinished  = "finished"
	statusSuspended = "suspended"
)

// SQLiteStore persists engine state in one local SQLite file.
// Params: database handle limited to one open connection.
// Returns: durable single-instance store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens database file, creating parent directories and schema.
// Params: context for schema setup and database path (":memory:" allowed).
// Returns: initialized store or setup error.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if dsn != ":memory:" {
		// an in-memory database lives only as long as its single connection
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS counters (
			key TEXT PRIMARY KEY,
			int_value INTEGER,
			ts_value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS campaign_status (
			kind TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			PRIMARY KEY (kind, campaign_id)
		);`,
		`CREATE TABLE IF NOT EXISTS pending_reports (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			signaling_message_id TEXT PRIMARY KEY,
			received_at TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS delivery_records (
			id TEXT PRIMARY KEY,
			signaling_message_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_records_message ON delivery_records(signaling_message_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// GetInt returns counter value or zero when absent.
func (s *SQLiteStore) GetInt(ctx context.Context, key string) (int, error) {
	var value sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT int_value FROM counters WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return int(value.Int64), nil
}

// SetInt stores counter value.
func (s *SQLiteStore) SetInt(ctx context.Context, key string, value int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (key, int_value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET int_value = excluded.int_value`, key, value)
	if err != nil {
		return fmt.Errorf("set counter: %w", err)
	}
	return nil
}

// GetTimestamp returns timestamp and presence flag.
func (s *SQLiteStore) GetTimestamp(ctx context.Context, key string) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT ts_value FROM counters WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !raw.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get timestamp: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode timestamp: %w", err)
	}
	return at, true, nil
}

// SetTimestamp stores timestamp value.
func (s *SQLiteStore) SetTimestamp(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (key, ts_value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET ts_value = excluded.ts_value`, key, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set timestamp: %w", err)
	}
	return nil
}

// DeletePrefix removes every counter under prefix.
func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("delete counters: %w", err)
	}
	return nil
}

// LoadStatus returns saved status sets.
func (s *SQLiteStore) LoadStatus(ctx context.Context) ([]string, []string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, campaign_id FROM campaign_status ORDER BY kind, campaign_id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load status: %w", err)
	}
	defer rows.Close()

	var finished, suspended []string
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, nil, fmt.Errorf("scan status: %w", err)
		}
		switch kind {
		case statusFinished:
			finished = append(finished, id)
		case statusSuspended:
			suspended = append(suspended, id)
		}
	}
	return finished, suspended, rows.Err()
}

// SaveStatus replaces saved status sets in one transaction.
func (s *SQLiteStore) SaveStatus(ctx context.Context, finished []string, suspended []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_status`); err != nil {
		return fmt.Errorf("clear status: %w", err)
	}
	insert := func(kind string, ids []string) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO campaign_status (kind, campaign_id) VALUES (?, ?)`, kind, id); err != nil {
				return fmt.Errorf("insert %s status: %w", kind, err)
			}
		}
		return nil
	}
	if err := insert(statusFinished, finished); err != nil {
		return err
	}
	if err := insert(statusSuspended, suspended); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendReport appends report to pending queue tail.
func (s *SQLiteStore) AppendReport(ctx context.Context, report domain.EventReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO pending_reports (local_id, payload) VALUES (?, ?)`, report.LocalID, string(body)); err != nil {
		return fmt.Errorf("append report: %w", err)
	}
	return nil
}

// ListReports returns pending reports in enqueue order.
func (s *SQLiteStore) ListReports(ctx context.Context) ([]domain.EventReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM pending_reports ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := make([]domain.EventReport, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		var report domain.EventReport
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

// RemoveReports deletes pending reports by local id.
func (s *SQLiteStore) RemoveReports(ctx context.Context, localIDs []string) error {
	if len(localIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(localIDs)), ",")
	args := make([]any, 0, len(localIDs))
	for _, id := range localIDs {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_reports WHERE local_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("remove reports: %w", err)
	}
	return nil
}

// PutCampaign stores campaign by signaling message id.
func (s *SQLiteStore) PutCampaign(ctx context.Context, campaign domain.Campaign) error {
	body, err := json.Marshal(campaign)
	if err != nil {
		return fmt.Errorf("encode campaign: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (signaling_message_id, received_at, payload) VALUES (?, ?, ?)
		ON CONFLICT(signaling_message_id) DO UPDATE SET received_at = excluded.received_at, payload = excluded.payload`,
		campaign.SignalingMessageID, campaign.ReceivedAt.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("put campaign: %w", err)
	}
	return nil
}

// DeleteCampaign removes campaign by signaling message id.
func (s *SQLiteStore) DeleteCampaign(ctx context.Context, signalingMessageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE signaling_message_id = ?`, signalingMessageID); err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return nil
}

// ListCampaigns returns campaigns ordered by receive time then message id.
func (s *SQLiteStore) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM campaigns`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Campaign, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		var campaign domain.Campaign
		if err := json.Unmarshal([]byte(payload), &campaign); err != nil {
			return nil, fmt.Errorf("decode campaign: %w", err)
		}
		out = append(out, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCampaigns(out)
	return out, nil
}

// PutRecord stores delivery record by id.
func (s *SQLiteStore) PutRecord(ctx context.Context, record domain.DeliveryRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_records (id, signaling_message_id, occurred_at, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET signaling_message_id = excluded.signaling_message_id,
			occurred_at = excluded.occurred_at, payload = excluded.payload`,
		record.ID, record.SignalingMessageID, record.OccurredAt.UTC().Format(time.RFC3339Nano), string(body))
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord returns record or ErrNotFound.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	return getRecord(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, id string) (domain.DeliveryRecord, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload FROM delivery_records WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("get record: %w", err)
	}
	var record domain.DeliveryRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// RenameRecord moves record from local id to server id in one transaction.
// Params: old and new ids.
// Returns: ErrNotFound for missing source, ErrConflict for occupied target.
func (s *SQLiteStore) RenameRecord(ctx context.Context, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record, err := getRecord(ctx, tx, oldID)
	if err != nil {
		return err
	}
	if oldID != newID {
		if _, err := getRecord(ctx, tx, newID); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	body, err := json.Marshal(renamedRecord(record, newID))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE delivery_records SET id = ?, payload = ? WHERE id = ?`, newID, string(body), oldID); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return tx.Commit()
}

// DeleteRecord removes one record; absent ids are ignored.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record %q: %w", id, err)
	}
	return nil
}

// DeleteRecordsByMessage removes records of one signaling message.
func (s *SQLiteStore) DeleteRecordsByMessage(ctx context.Context, signalingMessageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_records WHERE signaling_message_id = ?`, signalingMessageID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// ListRecords returns records ordered by occurrence time then id.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]domain.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM delivery_records ORDER BY occurred_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DeliveryRecord, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var record domain.DeliveryRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
