package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresRepository implements Repository on top of wallets/wallet_transactions
// tables in the canonical Postgres store. It uses sqlx over the pool lib/pq
// opens so the read-heavy ListTransactions path can scan straight into
// tagged structs instead of hand-rolled Scan calls.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository constructs a Postgres-backed ledger repository.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	wallet, err := r.getWallet(ctx, tx, userID)
	if err == nil {
		return wallet, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, reserved)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, err
	}

	wallet, err = r.getWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	return wallet, tx.Commit()
}

func (r *PostgresRepository) getWallet(ctx context.Context, tx *sqlx.Tx, userID string) (*Wallet, error) {
	wallet := &Wallet{UserID: userID}
	row := tx.QueryRowContext(ctx, `
		SELECT balance, reserved FROM wallets WHERE user_id = $1
	`, userID)
	if err := row.Scan(&wallet.Balance, &wallet.Reserved); err != nil {
		return nil, err
	}
	return wallet, nil
}

func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	txn := &Transaction{}
	err := r.db.GetContext(ctx, txn, `
		SELECT id, user_id, amount, type, description, idempotency_key, activation_id, created_at
		FROM wallet_transactions
		WHERE idempotency_key = $1
	`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return txn, nil
}

func (r *PostgresRepository) AppendTransaction(ctx context.Context, userID string, balanceDelta, reservedDelta int64, walletTx *Transaction) (*Wallet, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	wallet := &Wallet{UserID: userID}
	row := tx.QueryRowContext(ctx, `
		SELECT balance, reserved FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID)
	if err := row.Scan(&wallet.Balance, &wallet.Reserved); err != nil {
		return nil, fmt.Errorf("lock wallet row: %w", err)
	}

	newBalance := wallet.Balance + balanceDelta
	newReserved := wallet.Reserved + reservedDelta
	if newBalance < 0 {
		return nil, fmt.Errorf("wallet balance would go negative")
	}
	if newReserved < 0 {
		return nil, fmt.Errorf("wallet reserved would go negative")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $1, reserved = $2 WHERE user_id = $3
	`, newBalance, newReserved, userID)
	if err != nil {
		return nil, err
	}

	if walletTx.ID == "" {
		walletTx.ID = uuid.NewString()
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, amount, type, description, idempotency_key, activation_id, created_at)
		VALUES (:id, :user_id, :amount, :type, :description, :idempotency_key, :activation_id, now())
	`, walletTx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	wallet.Balance = newBalance
	wallet.Reserved = newReserved
	return wallet, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `
		SELECT count(*) FROM wallet_transactions WHERE user_id = $1
	`, userID); err != nil {
		return nil, 0, err
	}

	var result []Transaction
	err := r.db.SelectContext(ctx, &result, `
		SELECT id, user_id, amount, type, description, idempotency_key, activation_id, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}
