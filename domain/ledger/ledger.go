// Package ledger implements the append-only wallet transaction log and the
// reserve/commit/rollback/refund operations built on top of it.
package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/R3E-Network/numhub/infrastructure/errors"
)

// TransactionType enumerates the kinds of ledger rows the wallet tracks.
type TransactionType string

const (
	TransactionTopup             TransactionType = "topup"
	TransactionActivationReserve TransactionType = "activation_reserve"
	TransactionActivationCommit  TransactionType = "activation_commit"
	TransactionRefund            TransactionType = "refund"
	TransactionManualAdjust      TransactionType = "manual_adjust"
)

// Wallet is the per-user balance view. balance is derived from the ledger;
// reserved tracks funds held against in-flight activations.
type Wallet struct {
	UserID   string
	Balance  int64
	Reserved int64
}

// Transaction is a single append-only ledger row. Amount is signed, in the
// smallest currency unit. Never updated or deleted once written.
type Transaction struct {
	ID             string          `db:"id"`
	UserID         string          `db:"user_id"`
	Amount         int64           `db:"amount"`
	Type           TransactionType `db:"type"`
	Description    string          `db:"description"`
	IdempotencyKey *string         `db:"idempotency_key"`
	ActivationID   *string         `db:"activation_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Repository is the persistence boundary for wallets and transactions. Every
// method that mutates state runs inside a single DB transaction holding the
// wallet row lock.
type Repository interface {
	// GetOrCreateWallet returns the wallet row for userID, creating a
	// zero-balance row if none exists.
	GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error)

	// FindTransactionByIdempotencyKey returns the transaction previously
	// recorded under key, if any.
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// AppendTransaction locks the wallet row, applies balanceDelta and
	// reservedDelta, and inserts tx in the same DB transaction. Returns the
	// wallet's new balance/reserved after the write.
	AppendTransaction(ctx context.Context, userID string, balanceDelta, reservedDelta int64, tx *Transaction) (*Wallet, error)

	// ListTransactions returns a page of a user's ledger rows, newest first.
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, int, error)
}

// Service implements wallet credit, debit, reserve, commit, and refund.
type Service struct {
	repo Repository
}

// New creates a ledger Service backed by repo.
func New(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetBalance returns the current balance for userID.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	wallet, err := s.repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return 0, errors.DatabaseError("get_wallet", err)
	}
	return wallet.Balance, nil
}

// GetWallet returns the full wallet row for userID.
func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	wallet, err := s.repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, errors.DatabaseError("get_wallet", err)
	}
	return wallet, nil
}

// idempotentLookup returns a previously stored transaction for key, if one
// exists, so callers can return its response verbatim instead of re-applying
// an already-recorded mutation.
func (s *Service) idempotentLookup(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	existing, err := s.repo.FindTransactionByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, errors.DatabaseError("find_transaction_by_idempotency_key", err)
	}
	return existing, nil
}

// Credit appends a positive transaction to the wallet.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType TransactionType, description, idempotencyKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.InvalidInput("amount", "must be positive")
	}

	if existing, err := s.idempotentLookup(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tx := newTransaction(userID, amount, txType, description, idempotencyKey, nil)
	if _, err := s.repo.AppendTransaction(ctx, userID, amount, 0, tx); err != nil {
		return nil, errors.WalletTxFailed("credit", err)
	}
	return tx, nil
}

// Debit appends a negative transaction, failing INSUFFICIENT_FUNDS when the
// available balance (balance - reserved) can't cover amount.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txType TransactionType, description, idempotencyKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.InvalidInput("amount", "must be positive")
	}

	if existing, err := s.idempotentLookup(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	wallet, err := s.repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, errors.DatabaseError("get_wallet", err)
	}
	if wallet.Balance-wallet.Reserved < amount {
		return nil, errors.InsufficientFunds(centsToString(amount), centsToString(wallet.Balance-wallet.Reserved))
	}

	tx := newTransaction(userID, -amount, txType, description, idempotencyKey, nil)
	if _, err := s.repo.AppendTransaction(ctx, userID, -amount, 0, tx); err != nil {
		return nil, errors.WalletTxFailed("debit", err)
	}
	return tx, nil
}

// Reserve holds amount against an in-flight activation: it debits balance and
// increments reserved by the same amount, so the net balance already reflects
// the hold.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64, activationID, idempotencyKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.InvalidInput("amount", "must be positive")
	}

	if existing, err := s.idempotentLookup(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	wallet, err := s.repo.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, errors.DatabaseError("get_wallet", err)
	}
	if wallet.Balance-wallet.Reserved < amount {
		return nil, errors.InsufficientFunds(centsToString(amount), centsToString(wallet.Balance-wallet.Reserved))
	}

	tx := newTransaction(userID, -amount, TransactionActivationReserve, "reserve for activation", idempotencyKey, &activationID)
	if _, err := s.repo.AppendTransaction(ctx, userID, -amount, amount, tx); err != nil {
		return nil, errors.WalletTxFailed("reserve", err)
	}
	return tx, nil
}

// Commit clears a reservation and records the permanent debit via an
// activation_commit row. Idempotent on idempotencyKey.
func (s *Service) Commit(ctx context.Context, userID string, amount int64, activationID, idempotencyKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.InvalidInput("amount", "must be positive")
	}

	if existing, err := s.idempotentLookup(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tx := newTransaction(userID, 0, TransactionActivationCommit, "commit activation reservation", idempotencyKey, &activationID)
	if _, err := s.repo.AppendTransaction(ctx, userID, 0, -amount, tx); err != nil {
		return nil, errors.WalletTxFailed("commit", err)
	}
	return tx, nil
}

// Rollback is the inverse of Reserve: it restores balance and releases the
// reservation, with no ledger idempotency key required (called only from
// within our own failure paths, never replayed by a caller).
func (s *Service) Rollback(ctx context.Context, userID string, amount int64, activationID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.InvalidInput("amount", "must be positive")
	}

	tx := newTransaction(userID, amount, TransactionManualAdjust, "rollback activation reservation", "", &activationID)
	if _, err := s.repo.AppendTransaction(ctx, userID, amount, -amount, tx); err != nil {
		return nil, errors.WalletTxFailed("rollback", err)
	}
	return tx, nil
}

// Refund credits the wallet for a confirmed-but-later-voided activation.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, activationID, idempotencyKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.InvalidInput("amount", "must be positive")
	}

	if existing, err := s.idempotentLookup(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	tx := newTransaction(userID, amount, TransactionRefund, "refund voided activation", idempotencyKey, &activationID)
	if _, err := s.repo.AppendTransaction(ctx, userID, amount, 0, tx); err != nil {
		return nil, errors.WalletTxFailed("refund", err)
	}
	return tx, nil
}

// ListTransactions returns a page of a user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, int, error) {
	txs, total, err := s.repo.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, errors.DatabaseError("list_transactions", err)
	}
	return txs, total, nil
}

func newTransaction(userID string, amount int64, txType TransactionType, description, idempotencyKey string, activationID *string) *Transaction {
	tx := &Transaction{
		UserID:       userID,
		Amount:       amount,
		Type:         txType,
		Description:  description,
		ActivationID: activationID,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		tx.IdempotencyKey = &key
	}
	return tx
}

func centsToString(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	whole := amount / 100
	frac := amount % 100
	fracStr := strconv.FormatInt(frac, 10)
	if frac < 10 {
		fracStr = "0" + fracStr
	}
	return sign + strconv.FormatInt(whole, 10) + "." + fracStr
}
