package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists records with database/sql. Postgres and SQLite are
// both supported; queries use $N placeholders, which both accept.
type SQLStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id BIGINT PRIMARY KEY,
	root_id BIGINT,
	name TEXT NOT NULL,
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	object_type TEXT NOT NULL,
	object_id TEXT,
	object_name TEXT NOT NULL,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	reason TEXT,
	attributes TEXT NOT NULL,
	timestamp TEXT NOT NULL
);`

// MemoryDSN selects a process-local MemoryStore instead of a database.
const MemoryDSN = "memory:"

// OpenDB opens a postgres:// URL with lib/pq and anything else as a
// SQLite file.
func OpenDB(dsn string) (*sql.DB, error) {
	if dsn == MemoryDSN {
		return nil, errors.New("audit log is held in server memory; no database to open")
	}
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite serializes writers anyway.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLStore creates the table when missing.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate audit_records: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// MaxID returns the highest stored record ID, or 0 when empty.
func (s *SQLStore) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_records`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read max audit id: %w", err)
	}
	return id.Int64, nil
}

func (s *SQLStore) Append(ctx context.Context, r *Record) error {
	attrs, err := json.Marshal(nonNil(r.Attributes))
	if err != nil {
		return fmt.Errorf("marshal audit attributes: %w", err)
	}
	var reason *string
	if r.Reason != nil {
		v := string(*r.Reason)
		reason = &v
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, root_id, name, operation, status, object_type, object_id, object_name, user_id, user_name, reason, attributes, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.RootID, r.Name, string(r.Operation), string(r.Status), string(r.ObjectType),
		r.ObjectID, r.ObjectName, r.UserID, r.UserName, reason, string(attrs),
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit record %d: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.RootID != 0 {
		p := arg(f.RootID)
		where = append(where, "(id = "+p+" OR root_id = "+p+")")
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.ObjectID != "" {
		where = append(where, "object_id = "+arg(f.ObjectID))
	}

	query := `SELECT id, root_id, name, operation, status, object_type, object_id, object_name, user_id, user_name, reason, attributes, timestamp FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.MaxResults > 0 {
		query += " LIMIT " + arg(f.MaxResults)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec       Record
		rootID    sql.NullInt64
		objectID  sql.NullString
		reason    sql.NullString
		operation string
		status    string
		objType   string
		attrs     string
		ts        string
	)
	if err := rows.Scan(&rec.ID, &rootID, &rec.Name, &operation, &status, &objType,
		&objectID, &rec.ObjectName, &rec.UserID, &rec.UserName, &reason, &attrs, &ts); err != nil {
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	rec.Operation = Operation(operation)
	rec.Status = Status(status)
	rec.ObjectType = ObjectType(objType)
	if rootID.Valid {
		v := rootID.Int64
		rec.RootID = &v
	}
	if objectID.Valid {
		v := objectID.String
		rec.ObjectID = &v
	}
	if reason.Valid {
		rec.Reason = Reason(reason.String).Ptr()
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes of audit record %d: %w", rec.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("decode timestamp of audit record %d: %w", rec.ID, err)
	}
	rec.Timestamp = t
	return &rec, nil
}
