package poller

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/numhub/domain/activation"
	"github.com/R3E-Network/numhub/domain/ledger"
	"github.com/R3E-Network/numhub/domain/provider"
	"github.com/R3E-Network/numhub/infrastructure/lock"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

type fakeRepo struct {
	activations map[string]*activation.Activation
	numbers     map[string]*activation.Number
	updates     []activation.Number
	inserted    map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		activations: make(map[string]*activation.Activation),
		numbers:     make(map[string]*activation.Number),
		inserted:    make(map[string]bool),
	}
}

func (f *fakeRepo) CreateActivation(ctx context.Context, a *activation.Activation) error { return nil }
func (f *fakeRepo) GetActivation(ctx context.Context, id string) (*activation.Activation, error) {
	a, ok := f.activations[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}
func (f *fakeRepo) FindActivationByIdempotencyKey(ctx context.Context, key string) (*activation.Activation, error) {
	return nil, nil
}
func (f *fakeRepo) FindActivationByProviderActivationID(ctx context.Context, providerActivationID string) (*activation.Activation, error) {
	return nil, nil
}
func (f *fakeRepo) ListActivationsByUser(ctx context.Context, userID string, state activation.State, limit, offset int) ([]activation.Activation, int, error) {
	return nil, 0, nil
}
func (f *fakeRepo) ListSmsMessages(ctx context.Context, numberID string) ([]activation.SmsMessage, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateActivationState(ctx context.Context, id string, from, to activation.State, mutate func(*activation.Activation)) (*activation.Activation, error) {
	a, ok := f.activations[id]
	if !ok || a.State != from {
		return nil, activation.ErrActivationNotFound
	}
	if mutate != nil {
		mutate(a)
	}
	a.State = to
	cp := *a
	return &cp, nil
}
func (f *fakeRepo) CreateNumber(ctx context.Context, n *activation.Number) error { return nil }
func (f *fakeRepo) GetNumberByActivation(ctx context.Context, activationID string) (*activation.Number, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateNumber(ctx context.Context, n *activation.Number) error {
	cp := *n
	f.updates = append(f.updates, cp)
	f.numbers[n.ID] = &cp
	return nil
}
func (f *fakeRepo) ListPollable(ctx context.Context, now time.Time, limit int) ([]activation.Number, error) {
	return nil, nil
}
func (f *fakeRepo) AppendSmsMessage(ctx context.Context, msg *activation.SmsMessage) (bool, error) {
	if f.inserted[msg.ID] {
		return false, nil
	}
	f.inserted[msg.ID] = true
	return true, nil
}

type fakeLedgerRepo struct{ wallet ledger.Wallet }

func (f *fakeLedgerRepo) GetOrCreateWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	w := f.wallet
	return &w, nil
}
func (f *fakeLedgerRepo) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return nil, nil
}
func (f *fakeLedgerRepo) AppendTransaction(ctx context.Context, userID string, balanceDelta, reservedDelta int64, tx *ledger.Transaction) (*ledger.Wallet, error) {
	f.wallet.Balance += balanceDelta
	f.wallet.Reserved += reservedDelta
	tx.ID = "tx-1"
	w := f.wallet
	return &w, nil
}
func (f *fakeLedgerRepo) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]ledger.Transaction, int, error) {
	return nil, 0, nil
}

func newTestLocker(t *testing.T) *lock.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return lock.NewLocker(client)
}

func TestIngestMessages_ExtractsCodeAndMovesActivationToReceived(t *testing.T) {
	repo := newFakeRepo()
	ledgerSvc := ledger.New(&fakeLedgerRepo{wallet: ledger.Wallet{UserID: "u1", Balance: 1000}})
	svc := activation.New(repo, ledgerSvc)
	repo.activations["a1"] = &activation.Activation{ID: "a1", UserID: "u1", ServiceName: "telegram", State: activation.StateActive, Price: 100}

	p := New(repo, svc, nil, nil, newTestLocker(t), logging.New("test", "error", "json"), DefaultConfig())
	n := &activation.Number{ID: "n1", ActivationID: "a1", Status: activation.NumberActive, CreatedAt: time.Now()}
	act := repo.activations["a1"]

	received := p.ingestMessages(context.Background(), n, act, []provider.UpstreamMessage{
		{ID: "m1", Sender: "TG", Text: "Telegram code: 12345"},
	})
	assert.True(t, received)

	refreshed, err := repo.GetActivation(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, activation.StateReceived, refreshed.State)
}

func TestIngestMessages_DedupsRepeatedContentWithinWindow(t *testing.T) {
	repo := newFakeRepo()
	ledgerSvc := ledger.New(&fakeLedgerRepo{wallet: ledger.Wallet{UserID: "u1", Balance: 1000}})
	svc := activation.New(repo, ledgerSvc)
	repo.activations["a1"] = &activation.Activation{ID: "a1", UserID: "u1", ServiceName: "telegram", State: activation.StateActive, Price: 100}

	p := New(repo, svc, nil, nil, newTestLocker(t), logging.New("test", "error", "json"), DefaultConfig())
	n := &activation.Number{ID: "n1", ActivationID: "a1", Status: activation.NumberActive, CreatedAt: time.Now()}
	act := repo.activations["a1"]

	msgs := []provider.UpstreamMessage{
		{ID: "m1", Sender: "TG", Text: "Telegram code: 12345"},
		{ID: "m2", Sender: "TG", Text: "Telegram code: 12345"},
	}
	p.ingestMessages(context.Background(), n, act, msgs)
	assert.Len(t, repo.inserted, 1, "second message shares the first's content hash within the dedup window")
}

func TestReconcile_CompletesWhenUpstreamTerminalWithMessages(t *testing.T) {
	repo := newFakeRepo()
	ledgerSvc := ledger.New(&fakeLedgerRepo{wallet: ledger.Wallet{UserID: "u1", Balance: 1000}})
	svc := activation.New(repo, ledgerSvc)
	repo.activations["a1"] = &activation.Activation{ID: "a1", UserID: "u1", State: activation.StateReceived, Price: 100}

	p := New(repo, svc, nil, nil, newTestLocker(t), logging.New("test", "error", "json"), DefaultConfig())
	n := &activation.Number{ID: "n1", ActivationID: "a1", Status: activation.NumberReceived, CreatedAt: time.Now()}
	act := repo.activations["a1"]
	status := &provider.StatusResult{Status: provider.UpstreamCompleted, Messages: []provider.UpstreamMessage{{ID: "m1", Text: "hi"}}}

	p.reconcile(context.Background(), n, act, status, true)
	assert.Equal(t, activation.NumberCompleted, n.Status)

	refreshed, err := repo.GetActivation(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, activation.StateCompleted, refreshed.State)
}

func TestReconcile_ExpiresAndRefundsWhenUpstreamTerminalWithEmptyInbox(t *testing.T) {
	repo := newFakeRepo()
	ledgerRepo := &fakeLedgerRepo{wallet: ledger.Wallet{UserID: "u1", Balance: 900, Reserved: 100}}
	ledgerSvc := ledger.New(ledgerRepo)
	svc := activation.New(repo, ledgerSvc)
	repo.activations["a1"] = &activation.Activation{ID: "a1", UserID: "u1", State: activation.StateActive, Price: 100}

	p := New(repo, svc, nil, nil, newTestLocker(t), logging.New("test", "error", "json"), DefaultConfig())
	n := &activation.Number{ID: "n1", ActivationID: "a1", Status: activation.NumberActive, CreatedAt: time.Now()}
	act := repo.activations["a1"]
	status := &provider.StatusResult{Status: provider.UpstreamCompleted}

	p.reconcile(context.Background(), n, act, status, false)
	assert.Equal(t, activation.NumberExpired, n.Status)

	refreshed, err := repo.GetActivation(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, activation.StateRefunded, refreshed.State)
}

func TestScheduleNext_UsesFastIntervalRightAfterSms(t *testing.T) {
	repo := newFakeRepo()
	p := New(repo, nil, nil, nil, newTestLocker(t), logging.New("test", "error", "json"), DefaultConfig())
	n := &activation.Number{ID: "n1", Status: activation.NumberReceived, CreatedAt: time.Now().Add(-5 * time.Minute)}

	p.scheduleNext(n, true)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), n.NextPollAt, 2*time.Second)
}

func TestScheduleNext_SkipsTerminalNumbers(t *testing.T) {
	repo := newFakeRepo()
	p := New(repo, nil, nil, nil, newTestLocker(t), logging.New("test", "error", "json"), DefaultConfig())
	n := &activation.Number{ID: "n1", Status: activation.NumberCompleted, CreatedAt: time.Now(), NextPollAt: time.Unix(0, 0)}

	p.scheduleNext(n, false)
	assert.Equal(t, time.Unix(0, 0), n.NextPollAt)
}
