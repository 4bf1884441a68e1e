package ledger

import (
	"context"
	"testing"

	infraerrors "github.com/R3E-Network/numhub/infrastructure/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	wallet       Wallet
	byKey        map[string]*Transaction
	appendCalled int
}

func newFakeRepo(balance, reserved int64) *fakeRepo {
	return &fakeRepo{
		wallet: Wallet{UserID: "u1", Balance: balance, Reserved: reserved},
		byKey:  make(map[string]*Transaction),
	}
}

func (f *fakeRepo) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := f.wallet
	return &w, nil
}

func (f *fakeRepo) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	if key == "" {
		return nil, nil
	}
	return f.byKey[key], nil
}

func (f *fakeRepo) AppendTransaction(ctx context.Context, userID string, balanceDelta, reservedDelta int64, tx *Transaction) (*Wallet, error) {
	f.appendCalled++
	f.wallet.Balance += balanceDelta
	f.wallet.Reserved += reservedDelta
	tx.ID = "tx-" + userID
	if tx.IdempotencyKey != nil {
		f.byKey[*tx.IdempotencyKey] = tx
	}
	w := f.wallet
	return &w, nil
}

func (f *fakeRepo) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, int, error) {
	return nil, 0, nil
}

func TestReserveThenCommit(t *testing.T) {
	repo := newFakeRepo(500, 0)
	svc := New(repo)

	_, err := svc.Reserve(context.Background(), "u1", 100, "act1", "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), repo.wallet.Balance)
	assert.Equal(t, int64(100), repo.wallet.Reserved)

	_, err = svc.Commit(context.Background(), "u1", 100, "act1", "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(400), repo.wallet.Balance)
	assert.Equal(t, int64(0), repo.wallet.Reserved)
}

func TestReserve_InsufficientFunds(t *testing.T) {
	repo := newFakeRepo(50, 0)
	svc := New(repo)

	_, err := svc.Reserve(context.Background(), "u1", 100, "act1", "k1")
	require.Error(t, err)
	svcErr := infraerrors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, infraerrors.ErrCodeInsufficientFunds, svcErr.Code)
	assert.Equal(t, 0, repo.appendCalled)
}

func TestReserve_IdempotentReplay(t *testing.T) {
	repo := newFakeRepo(500, 0)
	svc := New(repo)

	first, err := svc.Reserve(context.Background(), "u1", 100, "act1", "k1")
	require.NoError(t, err)

	second, err := svc.Reserve(context.Background(), "u1", 100, "act1", "k1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, repo.appendCalled)
}

func TestRollback_RestoresBalance(t *testing.T) {
	repo := newFakeRepo(400, 100)
	svc := New(repo)

	_, err := svc.Rollback(context.Background(), "u1", 100, "act1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), repo.wallet.Balance)
	assert.Equal(t, int64(0), repo.wallet.Reserved)
}
