// internal/audit/log.go
package audit

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/google/uuid"

	"poolguarantee/internal/common/database"
	"poolguarantee/internal/common/errors"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/models"
)

const insertRecordQuery = `
	INSERT INTO transaction_records
		(id, account, ts, type, from_addr, to_addr, amount, token_symbol, gas_payment, tx_hash, network, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const pruneRecordsQuery = `
	DELETE FROM transaction_records
	WHERE account = $1
	  AND id NOT IN (
		SELECT id FROM transaction_records
		WHERE account = $1
		ORDER BY ts DESC
		LIMIT $2
	  )`

const selectStatusQuery = `SELECT status FROM transaction_records WHERE id = $1`

const updateStatusQuery = `UPDATE transaction_records SET status = $2, tx_hash = $3 WHERE id = $1`

const listByAccountQuery = `
	SELECT id, ts, type, from_addr, to_addr, amount, token_symbol, gas_payment, tx_hash, network, status
	FROM transaction_records
	WHERE account = $1
	ORDER BY ts DESC
	LIMIT $2`

// Log is the append-only per-account transaction history. Each account keeps
// at most maxPerAccount records; older entries are pruned on append. Records
// in a terminal status never change again.
type Log struct {
	db            *database.PostgresClient
	maxPerAccount int
	log           logger.Logger
}

func NewLog(db *database.PostgresClient, maxPerAccount int, log logger.Logger) *Log {
	if maxPerAccount <= 0 {
		maxPerAccount = 50
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Log{db: db, maxPerAccount: maxPerAccount, log: log}
}

// Append inserts a record for the account and prunes history beyond the
// retention bound. A missing id is generated.
func (l *Log) Append(ctx context.Context, account string, rec models.TransactionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = models.TxStatusPending
	}

	_, err := l.db.Exec(ctx, insertRecordQuery,
		rec.ID, account, rec.Timestamp, rec.Type, rec.From, rec.To,
		rec.Amount, rec.TokenSymbol, rec.GasPayment, rec.TxHash, rec.Network, rec.Status,
	)
	if err != nil {
		return "", errors.NewAuditWriteFailedError(err)
	}

	if _, err := l.db.Exec(ctx, pruneRecordsQuery, account, l.maxPerAccount); err != nil {
		// The record itself landed; losing a prune only delays retention.
		l.log.Warn("audit history prune failed", map[string]interface{}{
			"account": account,
			"error":   err.Error(),
		})
	}

	return rec.ID, nil
}

// SetStatus moves a pending record to a new status. Terminal records are
// immutable: updating one fails with RecordFinalized.
func (l *Log) SetStatus(ctx context.Context, recordID, status, txHash string) error {
	var current string
	err := l.db.QueryRow(ctx, selectStatusQuery, recordID).Scan(&current)
	if stderrs.Is(err, sql.ErrNoRows) {
		return errors.NewApplicationNotFoundError(recordID)
	}
	if err != nil {
		return errors.NewAuditWriteFailedError(err)
	}

	if current == models.TxStatusSuccess || current == models.TxStatusFailed {
		return errors.NewRecordFinalizedError(recordID, current)
	}

	if _, err := l.db.Exec(ctx, updateStatusQuery, recordID, status, txHash); err != nil {
		return errors.NewAuditWriteFailedError(err)
	}
	return nil
}

// ListByAccount returns the most recent records for an account, newest
// first.
func (l *Log) ListByAccount(ctx context.Context, account string, limit int) ([]models.TransactionRecord, error) {
	if limit <= 0 || limit > l.maxPerAccount {
		limit = l.maxPerAccount
	}

	rows, err := l.db.Query(ctx, listByAccountQuery, account, limit)
	if err != nil {
		return nil, errors.NewAuditWriteFailedError(err)
	}
	defer rows.Close()

	var records []models.TransactionRecord
	for rows.Next() {
		var rec models.TransactionRecord
		if err := rows.Scan(
			&rec.ID, &rec.Timestamp, &rec.Type, &rec.From, &rec.To,
			&rec.Amount, &rec.TokenSymbol, &rec.GasPayment, &rec.TxHash, &rec.Network, &rec.Status,
		); err != nil {
			return nil, errors.NewAuditWriteFailedError(err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
