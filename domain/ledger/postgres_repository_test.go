package ledger

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func TestAppendTransaction_LocksWalletRowAndInsertsLedgerRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(sqlx.NewDb(db, "postgres"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance, reserved FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "reserved"}).AddRow(int64(500), int64(0)))
	mock.ExpectExec(`UPDATE wallets SET balance = \$1, reserved = \$2 WHERE user_id = \$3`).
		WithArgs(int64(400), int64(0), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO wallet_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	walletTx := &Transaction{
		UserID: "u1",
		Amount: -100,
		Type:   TransactionActivationReserve,
	}
	wallet, err := repo.AppendTransaction(context.Background(), "u1", -100, 0, walletTx)
	require.NoError(t, err)
	require.Equal(t, int64(400), wallet.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTransaction_RejectsNegativeBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(sqlx.NewDb(db, "postgres"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance, reserved FROM wallets WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "reserved"}).AddRow(int64(50), int64(0)))
	mock.ExpectRollback()

	walletTx := &Transaction{UserID: "u1", Amount: -100, Type: TransactionActivationReserve}
	_, err = repo.AppendTransaction(context.Background(), "u1", -100, 0, walletTx)
	require.Error(t, err)
}
