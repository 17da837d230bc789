package workflow

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflows").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS steps").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_steps_workflow").WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestCreateWorkflowRollsBackOnInsertFailure(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workflows").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := s.CreateWorkflow("goal", planCommands())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationFailureSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflows").WillReturnError(errors.New("database is locked"))

	_, err = NewStore(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate")
}
