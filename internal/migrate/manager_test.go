package migrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte("create table a (v text default 'x;y');\ncreate index a_idx on a (v);")},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql":   {Data: []byte("create table b (id int);")},
	}
}

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewManager(db, WithFS(testFS(), "m")), mock
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (id int);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations(name, applied_at)")).
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_b.up.sql"}, applied)
}

func TestDownRollsBackLatest(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("drop table a;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("delete from schema_migrations where name = $1")).
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := m.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0001_a.up.sql", name)
}

func TestDownWithoutHistory(t *testing.T) {
	m, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("create table if not exists schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select name from schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err := m.Down(context.Background())
	assert.ErrorIs(t, err, ErrNothingApplied)
}

func TestSplitStatementsKeepsQuotedSemicolons(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); select 1;\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "insert into t values ('a;b');", stmts[0])
	assert.Equal(t, " select 1;", stmts[1])
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	m := NewManager(nil)
	ups, err := m.collect(".up.sql")
	require.NoError(t, err)
	downs, err := m.collect(".down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
