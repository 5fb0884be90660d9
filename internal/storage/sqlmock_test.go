package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertrelay/internal/alert"
	logx "alertrelay/pkg/logx"
)

func newMockStore(t *testing.T, d dialect) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, d, logx.Nop()), mock
}

func TestRebindPostgres(t *testing.T) {
	s := &sqlStore{dialect: dialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.dialect = dialectSQLite
	assert.Equal(t, "x = ?", s.q("x = ?"))
}

func TestSaveAlertWrapsStorageError(t *testing.T) {
	s, mock := newMockStore(t, dialectPostgres)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alerts(")).
		WithArgs("id1", "error", "critical", "db", "down", sqlmock.AnyArg(), sqlmock.AnyArg(), 0).
		WillReturnError(errors.New("connection reset"))

	err := s.SaveAlert(context.Background(), alert.Event{
		ID: "id1", Kind: "error", Priority: alert.PriorityCritical, Module: "db", Message: "down", CreatedAt: time.Now(),
	})
	var se *alert.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "save alert", se.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryScansRows(t *testing.T) {
	s, mock := newMockStore(t, dialectPostgres)
	rows := sqlmock.NewRows([]string{"id", "kind", "priority", "module", "message", "attributes", "created_at", "delivered"}).
		AddRow("b", "warning", "warning", "api", "slow", `[{"key":"p99","value":"2s"}]`, int64(2000), int64(1)).
		AddRow("a", "info", "info", "api", "ok", nil, int64(1000), int64(0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM alerts ORDER BY created_at DESC, id DESC LIMIT $1")).
		WithArgs(2).
		WillReturnRows(rows)

	hist, err := s.History(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "b", hist[0].ID)
	assert.True(t, hist[0].Delivered)
	v, ok := hist[0].Attributes.Get("p99")
	assert.True(t, ok)
	assert.Equal(t, "2s", v)
	assert.False(t, hist[1].Delivered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t, dialectSQLite)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE alerts SET delivered = 1 WHERE id = ?")).
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO alert_deliveries")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.RecordDelivery(context.Background(), "a1", alert.DeliveryTarget{ChatID: 1, MessageID: 2})
	var se *alert.StorageError
	require.ErrorAs(t, err, &se)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCooldownMissingRowUsesDefault(t *testing.T) {
	s, mock := newMockStore(t, dialectSQLite)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT cooldown_seconds, last_alert_at FROM module_settings")).
		WithArgs("api").
		WillReturnRows(sqlmock.NewRows([]string{"cooldown_seconds", "last_alert_at"}))

	c, err := s.Cooldown(context.Background(), "api", 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, c.Period)
	assert.True(t, c.LastAlertAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}
