package audit

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordColumns = []string{
	"id", "root_id", "name", "operation", "status", "object_type", "object_id",
	"object_name", "user_id", "user_name", "reason", "attributes", "timestamp",
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return store, mock
}

func TestSQLStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only database"))
	_, err = NewSQLStore(context.Background(), db)
	assert.ErrorContains(t, err, "migrate audit_records")
}

func TestSQLStore_Append(t *testing.T) {
	store, mock := newMockStore(t)
	root := int64(1)
	md5 := "abc"

	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(int64(2), int64(1), "relay", "CREATE", "FAILURE", "DATASET", "abc", "run", "3", "drb",
			"CONSISTENCY", `{"message":"boom"}`, "2023-07-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(2, 1))

	err := store.Append(context.Background(), &Record{
		ID:         2,
		RootID:     &root,
		Name:       "relay",
		Operation:  OperationCreate,
		Status:     StatusFailure,
		ObjectType: ObjectDataset,
		ObjectID:   &md5,
		ObjectName: "run",
		UserID:     "3",
		UserName:   "drb",
		Reason:     ReasonConsistency.Ptr(),
		Attributes: map[string]any{"message": "boom"},
		Timestamp:  testNow,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendNullables(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(int64(1), nil, "relay", "CREATE", "BEGIN", "DATASET", nil, "https://relay/x", "", "",
			nil, `{}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Append(context.Background(), &Record{
		ID:         1,
		Name:       "relay",
		Operation:  OperationCreate,
		Status:     StatusBegin,
		ObjectType: ObjectDataset,
		ObjectName: "https://relay/x",
		Timestamp:  testNow,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Query(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows(recordColumns).
		AddRow(int64(1), nil, "relay", "CREATE", "BEGIN", "DATASET", "abc", "run", "3", "drb", nil,
			`{"access":"private"}`, "2023-07-01T12:00:00Z").
		AddRow(int64(2), int64(1), "relay", "CREATE", "FAILURE", "DATASET", "abc", "run", "3", "drb", "CONSISTENCY",
			`{"message":"boom"}`, "2023-07-01T12:00:01.5Z")
	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM audit_records WHERE (id = $1 OR root_id = $1) AND object_id = $2 ORDER BY id LIMIT $3")).
		WithArgs(int64(1), "abc", 10).
		WillReturnRows(rows)

	got, err := store.Query(context.Background(), Filter{RootID: 1, ObjectID: "abc", MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Nil(t, got[0].RootID)
	assert.Nil(t, got[0].Reason)
	assert.Equal(t, map[string]any{"access": "private"}, got[0].Attributes)
	assert.Equal(t, int64(1), *got[1].RootID)
	assert.Equal(t, ReasonConsistency, *got[1].Reason)
	assert.Equal(t, testNow.Add(1500*time.Millisecond), got[1].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_QueryCorruptRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM audit_records ORDER BY id").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(int64(1), nil, "relay", "CREATE", "BEGIN", "DATASET", nil, "x", "", "", nil, "not json", "2023-07-01T12:00:00Z"))

	_, err := store.Query(context.Background(), Filter{})
	assert.ErrorContains(t, err, "decode attributes of audit record 1")
}

func TestSQLStore_MaxID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(id) FROM audit_records")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	id, err := store.MaxID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, id)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(id) FROM audit_records")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(17)))
	id, err = store.MaxID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store, err := NewSQLStore(ctx, db)
	require.NoError(t, err)
	// Migration is idempotent.
	_, err = NewSQLStore(ctx, db)
	require.NoError(t, err)

	rec := NewRecorder(store, NewAtomicSequence(0)).WithClock(func() time.Time { return testNow })
	md5 := "0123456789abcdef0123456789abcdef"
	begin, err := rec.Begin(ctx, Entry{
		Name:       "relay",
		Operation:  OperationCreate,
		ObjectType: ObjectDataset,
		ObjectID:   &md5,
		ObjectName: "run",
		Actor:      Actor{ID: "3", Name: "drb"},
		Attributes: map[string]any{"access": "private"},
	})
	require.NoError(t, err)
	end, err := rec.Finish(ctx, begin, StatusSuccess, nil, map[string]any{"notes": []any{"done"}})
	require.NoError(t, err)

	got, err := store.Query(ctx, Filter{RootID: begin.ID})
	require.NoError(t, err)
	if diff := cmp.Diff([]*Record{begin, end}, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	maxID, err := store.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, end.ID, maxID)

	err = store.Append(ctx, begin)
	assert.Error(t, err, "IDs are unique")

	success, err := store.Query(ctx, Filter{Status: StatusSuccess, ObjectID: md5})
	require.NoError(t, err)
	require.Len(t, success, 1)
	assert.Equal(t, end.ID, success[0].ID)
}
