package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

var operationColumns = []string{
	"id", "kind", "remote", "started_at", "finished_at", "status", "state", "percent", "relayed", "error_message",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *OperationStore) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewOperationStoreWithPool(mock, "")
	require.NoError(t, err)
	return mock, s
}

func TestInsertOperation(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	rec := store.OperationRecord{
		ID:        uuid.New(),
		Kind:      store.KindPush,
		Remote:    "origin",
		StartedAt: time.Unix(1700000000, 0).UTC(),
		Status:    store.StatusRunning,
	}
	mock.ExpectExec("INSERT INTO operations").
		WithArgs(rec.ID, "push", "origin", rec.StartedAt, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertOperation(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteOperation(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	finished := time.Unix(1700000100, 0).UTC()
	rec := store.OperationRecord{
		ID:         uuid.New(),
		FinishedAt: &finished,
		Status:     store.StatusSucceeded,
		State:      "DONE",
		Percent:    100,
		Relayed:    12,
	}
	mock.ExpectExec("UPDATE operations").
		WithArgs(&finished, "succeeded", "DONE", int16(100), int32(12), (*string)(nil), rec.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteOperation(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteOperationMissingRow(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	rec := store.OperationRecord{ID: uuid.New(), Status: store.StatusClosed}
	mock.ExpectExec("UPDATE operations").
		WithArgs((*time.Time)(nil), "closed", "", int16(0), int32(0), (*string)(nil), rec.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteOperation(context.Background(), rec)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetOperation(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	state := "PUSHING"
	percent := int16(45)
	relayed := int32(9)
	msg := "notify consumer: progress signal receiver gone"

	mock.ExpectQuery("SELECT (.+) FROM operations WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(operationColumns).
			AddRow(id, "push", "origin", started, &finished, "failed", &state, &percent, &relayed, &msg))

	rec, err := s.GetOperation(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.KindPush, rec.Kind)
	require.Equal(t, store.StatusFailed, rec.Status)
	require.Equal(t, "PUSHING", rec.State)
	require.Equal(t, uint8(45), rec.Percent)
	require.Equal(t, 9, rec.Relayed)
	require.Equal(t, finished, *rec.FinishedAt)
	require.Equal(t, msg, *rec.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOperationNotFound(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM operations").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetOperation(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOperations(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	filter := "running"
	mock.ExpectQuery("SELECT (.+) FROM operations").
		WithArgs(&filter, 10, 0).
		WillReturnRows(pgxmock.NewRows(operationColumns).
			AddRow(uuid.New(), "fetch", "upstream", started, nil, "running", nil, nil, nil, nil).
			AddRow(uuid.New(), "push", "origin", started.Add(-time.Hour), nil, "running", nil, nil, nil, nil))

	status := store.StatusRunning
	recs, err := s.ListOperations(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, store.KindFetch, recs[0].Kind)
	require.Nil(t, recs[0].FinishedAt)
	require.Empty(t, recs[0].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListOperationsQueryError(t *testing.T) {
	t.Parallel()

	mock, s := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM operations").
		WithArgs((*string)(nil), 5, 5).
		WillReturnError(errors.New("connection reset"))

	_, err := s.ListOperations(context.Background(), nil, 5, 5)
	require.ErrorContains(t, err, "list operations")
}

func TestNewOperationStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewOperationStoreWithPool(nil, "operations")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewOperationStoreWithPool(mock, "operations; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
}

func TestNewOperationStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewOperationStore(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn")
}
