// internal/audit/log_test.go
package audit

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolguarantee/internal/common/database"
	"poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/models"
)

func newTestLog(t *testing.T) (*Log, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := &database.PostgresClient{DB: db}
	return NewLog(client, 50, logger.NewTestLogger(t)), mock
}

func TestAppend_InsertsAndPrunes(t *testing.T) {
	log, mock := newTestLog(t)

	mock.ExpectExec("INSERT INTO transaction_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM transaction_records").
		WithArgs("0xbuyer", 50).
		WillReturnResult(sqlmock.NewResult(0, 2))

	id, err := log.Append(context.Background(), "0xbuyer", models.TransactionRecord{
		Timestamp:   time.Now().UTC(),
		Type:        "pay-fee",
		From:        "0xbuyer",
		To:          "0xpool",
		Amount:      "400",
		TokenSymbol: "USDT",
		TxHash:      "0xabc",
		Network:     "poolnet",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "a missing record id is generated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_InsertFailure(t *testing.T) {
	log, mock := newTestLog(t)

	mock.ExpectExec("INSERT INTO transaction_records").
		WillReturnError(assert.AnError)

	_, err := log.Append(context.Background(), "0xbuyer", models.TransactionRecord{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuditWriteFailed, errors.CodeOf(err))
}

func TestAppend_PruneFailureIsTolerated(t *testing.T) {
	log, mock := newTestLog(t)

	mock.ExpectExec("INSERT INTO transaction_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM transaction_records").
		WillReturnError(assert.AnError)

	_, err := log.Append(context.Background(), "0xbuyer", models.TransactionRecord{})
	assert.NoError(t, err, "retention pruning is best-effort")
}

func TestSetStatus_PendingRecord(t *testing.T) {
	log, mock := newTestLog(t)

	mock.ExpectQuery("SELECT status FROM transaction_records").
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.TxStatusPending))
	mock.ExpectExec("UPDATE transaction_records").
		WithArgs("rec-1", models.TxStatusSuccess, "0xabc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := log.SetStatus(context.Background(), "rec-1", models.TxStatusSuccess, "0xabc")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus_TerminalRecordIsImmutable(t *testing.T) {
	log, mock := newTestLog(t)

	mock.ExpectQuery("SELECT status FROM transaction_records").
		WithArgs("rec-2").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.TxStatusSuccess))

	err := log.SetStatus(context.Background(), "rec-2", models.TxStatusFailed, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRecordFinalized, errors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet(), "no UPDATE is issued for terminal records")
}

func TestSetStatus_MissingRecord(t *testing.T) {
	log, mock := newTestLog(t)

	mock.ExpectQuery("SELECT status FROM transaction_records").
		WithArgs("rec-3").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := log.SetStatus(context.Background(), "rec-3", models.TxStatusSuccess, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeApplicationNotFound, errors.CodeOf(err))
}

func TestListByAccount(t *testing.T) {
	log, mock := newTestLog(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "ts", "type", "from_addr", "to_addr", "amount",
		"token_symbol", "gas_payment", "tx_hash", "network", "status",
	}).
		AddRow("rec-b", now, "release-payment", "0xpool", "0xseller", "40000", "USDT", "0.01", "0xdef", "poolnet", models.TxStatusSuccess).
		AddRow("rec-a", now.Add(-time.Hour), "pay-fee", "0xbuyer", "0xpool", "400", "USDT", "0.01", "0xabc", "poolnet", models.TxStatusSuccess)

	mock.ExpectQuery("SELECT id, ts, type").
		WithArgs("0xbuyer", 10).
		WillReturnRows(rows)

	records, err := log.ListByAccount(context.Background(), "0xbuyer", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rec-b", records[0].ID, "newest first")
	assert.Equal(t, "release-payment", records[0].Type)
}
