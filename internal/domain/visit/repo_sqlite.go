package visit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteStore keeps the workflow state in memory and writes a snapshot of
// it to a single SQLite table after every successful write, one JSON blob
// per collection. A write whose snapshot cannot be stored is undone.
type SQLiteStore struct {
	*MemoryStore
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and loads its state.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "visitflow.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	s := &SQLiteStore{MemoryStore: NewMemoryStore(), db: db, path: path}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.onWrite = s.persist
	return s, nil
}

func buckets(st *State) map[string]any {
	return map[string]any{
		"waitlist":              &st.Waitlist,
		"medicine_records":      &st.MedicineRecords,
		"exam_records":          &st.ExamRecords,
		"service_orders":        &st.ServiceOrders,
		"service_order_items":   &st.Items,
		"service_results":       &st.Results,
		"diagnoses":             &st.Diagnoses,
		"prescriptions":         &st.Prescriptions,
		"prescription_invoices": &st.Invoices,
		"medicine_details":      &st.MedicineDetails,
		"saga_runs":             &st.Runs,
	}
}

func (s *SQLiteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var st State
	targets := buckets(&st)
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		dst, ok := targets[bucket]
		if !ok {
			continue
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	s.ImportState(st)
	return nil
}

// persist runs under the MemoryStore write lock.
func (s *SQLiteStore) persist(st State) (retErr error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for bucket, src := range buckets(&st) {
		data, err := json.Marshal(src)
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
