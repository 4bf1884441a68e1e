package activation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresRepository implements Repository on top of the activations,
// numbers, and sms_messages tables in the canonical Postgres store.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a Postgres-backed activation repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateActivation(ctx context.Context, a *Activation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activations (
			id, user_id, provider_id, price, idempotency_key, reserved_tx_id,
			state, service_name, country_code, operator_id, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.UserID, a.ProviderID, a.Price, a.IdempotencyKey, a.ReservedTxID,
		a.State, a.ServiceName, a.CountryCode, a.OperatorID, a.ExpiresAt)
	return err
}

func (r *PostgresRepository) GetActivation(ctx context.Context, id string) (*Activation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider_id, price, idempotency_key, reserved_tx_id,
			captured_tx_id, refund_tx_id, state, service_name, country_code,
			operator_id, provider_activation_id, phone_number, expires_at,
			coalesce(number_id, ''), created_at, updated_at
		FROM activations WHERE id = $1
	`, id)
	return scanActivation(row)
}

func (r *PostgresRepository) FindActivationByIdempotencyKey(ctx context.Context, key string) (*Activation, error) {
	if key == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider_id, price, idempotency_key, reserved_tx_id,
			captured_tx_id, refund_tx_id, state, service_name, country_code,
			operator_id, provider_activation_id, phone_number, expires_at,
			coalesce(number_id, ''), created_at, updated_at
		FROM activations WHERE idempotency_key = $1
	`, key)
	return scanActivation(row)
}

// FindActivationByProviderActivationID looks an activation up by the
// upstream-issued activation id, the correlation key a provider webhook
// carries instead of our own activation id.
func (r *PostgresRepository) FindActivationByProviderActivationID(ctx context.Context, providerActivationID string) (*Activation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider_id, price, idempotency_key, reserved_tx_id,
			captured_tx_id, refund_tx_id, state, service_name, country_code,
			operator_id, provider_activation_id, phone_number, expires_at,
			coalesce(number_id, ''), created_at, updated_at
		FROM activations WHERE provider_activation_id = $1
	`, providerActivationID)
	return scanActivation(row)
}

// UpdateActivationState performs a compare-and-swap on state: the UPDATE only
// matches a row currently in "from", so a concurrent writer that already
// moved it elsewhere causes ErrStaleState rather than a silent no-op write.
func (r *PostgresRepository) UpdateActivationState(ctx context.Context, id string, from, to State, mutate func(*Activation)) (*Activation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, provider_id, price, idempotency_key, reserved_tx_id,
			captured_tx_id, refund_tx_id, state, service_name, country_code,
			operator_id, provider_activation_id, phone_number, expires_at,
			coalesce(number_id, ''), created_at, updated_at
		FROM activations WHERE id = $1 FOR UPDATE
	`, id)
	activation, err := scanActivation(row)
	if err != nil {
		return nil, err
	}
	if activation == nil {
		return nil, ErrActivationNotFound
	}
	if activation.State != from {
		return nil, ErrStaleState
	}
	if mutate != nil {
		mutate(activation)
	}
	activation.State = to

	_, err = tx.ExecContext(ctx, `
		UPDATE activations SET
			state = $1, captured_tx_id = $2, refund_tx_id = $3,
			provider_activation_id = $4, phone_number = $5, number_id = $6,
			updated_at = now()
		WHERE id = $7
	`, activation.State, activation.CapturedTxID, activation.RefundTxID,
		activation.ProviderActivationID, activation.PhoneNumber, nullableString(activation.NumberID), id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return activation, nil
}

func (r *PostgresRepository) CreateNumber(ctx context.Context, n *Number) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO numbers (id, activation_id, phone_number, status, expires_at, next_poll_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.ActivationID, n.PhoneNumber, n.Status, n.ExpiresAt, n.NextPollAt)
	return err
}

func (r *PostgresRepository) GetNumberByActivation(ctx context.Context, activationID string) (*Number, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, activation_id, phone_number, status, expires_at, error_count,
			next_poll_at, last_polled_at, poll_count, created_at
		FROM numbers WHERE activation_id = $1
	`, activationID)
	return scanNumber(row)
}

func (r *PostgresRepository) UpdateNumber(ctx context.Context, n *Number) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE numbers SET
			status = $1, error_count = $2, next_poll_at = $3, last_polled_at = $4, poll_count = $5
		WHERE id = $6
	`, n.Status, n.ErrorCount, n.NextPollAt, n.LastPolledAt, n.PollCount, n.ID)
	return err
}

// ListPollable returns numbers eligible for the next poller tick: not yet
// terminal and due per next_poll_at.
func (r *PostgresRepository) ListPollable(ctx context.Context, now time.Time, limit int) ([]Number, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, activation_id, phone_number, status, expires_at, error_count,
			next_poll_at, last_polled_at, poll_count, created_at
		FROM numbers
		WHERE status IN ('active', 'received') AND next_poll_at <= $1
		ORDER BY next_poll_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Number
	for rows.Next() {
		n, err := scanNumberRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

// AppendSmsMessage inserts msg, relying on a unique constraint on id
// ({numberId}_{upstreamMessageId}) to deduplicate retried provider deliveries.
// Returns false when the row already existed.
func (r *PostgresRepository) AppendSmsMessage(ctx context.Context, msg *SmsMessage) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sms_messages (id, number_id, upstream_message_id, sender, content,
			extracted_code, extraction_confidence, received_at, content_hash, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.NumberID, msg.UpstreamMessageID, msg.Sender, msg.Content,
		msg.ExtractedCode, msg.ExtractionConfidence, msg.ReceivedAt, msg.ContentHash, msg.Fingerprint)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListActivationsByUser powers GET /numbers/my. An empty state matches any.
func (r *PostgresRepository) ListActivationsByUser(ctx context.Context, userID string, state State, limit, offset int) ([]Activation, int, error) {
	args := []interface{}{userID}
	stateFilter := ""
	if state != "" {
		args = append(args, state)
		stateFilter = fmt.Sprintf("AND state = $%d", len(args))
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT count(*) FROM activations WHERE user_id = $1 %s`, stateFilter)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, provider_id, price, idempotency_key, reserved_tx_id,
			captured_tx_id, refund_tx_id, state, service_name, country_code,
			operator_id, provider_activation_id, phone_number, expires_at,
			coalesce(number_id, ''), created_at, updated_at
		FROM activations
		WHERE user_id = $1 %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, stateFilter, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *a)
	}
	return result, total, rows.Err()
}

// ListSmsMessages returns every message observed for a number, oldest first.
func (r *PostgresRepository) ListSmsMessages(ctx context.Context, numberID string) ([]SmsMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, number_id, upstream_message_id, sender, content, extracted_code,
			extraction_confidence, received_at, content_hash, fingerprint
		FROM sms_messages WHERE number_id = $1 ORDER BY received_at ASC
	`, numberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SmsMessage
	for rows.Next() {
		var m SmsMessage
		if err := rows.Scan(&m.ID, &m.NumberID, &m.UpstreamMessageID, &m.Sender, &m.Content,
			&m.ExtractedCode, &m.ExtractionConfidence, &m.ReceivedAt, &m.ContentHash, &m.Fingerprint); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanActivation(row scanner) (*Activation, error) {
	a := &Activation{}
	err := row.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.Price, &a.IdempotencyKey, &a.ReservedTxID,
		&a.CapturedTxID, &a.RefundTxID, &a.State, &a.ServiceName, &a.CountryCode,
		&a.OperatorID, &a.ProviderActivationID, &a.PhoneNumber, &a.ExpiresAt,
		&a.NumberID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func scanNumber(row scanner) (*Number, error) {
	n := &Number{}
	err := row.Scan(&n.ID, &n.ActivationID, &n.PhoneNumber, &n.Status, &n.ExpiresAt,
		&n.ErrorCount, &n.NextPollAt, &n.LastPolledAt, &n.PollCount, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return n, nil
}

func scanNumberRows(rows *sql.Rows) (*Number, error) {
	n := &Number{}
	err := rows.Scan(&n.ID, &n.ActivationID, &n.PhoneNumber, &n.Status, &n.ExpiresAt,
		&n.ErrorCount, &n.NextPollAt, &n.LastPolledAt, &n.PollCount, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var (
	// ErrActivationNotFound is returned when UpdateActivationState targets a
	// row that does not exist.
	ErrActivationNotFound = fmt.Errorf("activation not found")
	// ErrStaleState is returned when UpdateActivationState's compare-and-swap
	// loses a race against a concurrent writer.
	ErrStaleState = fmt.Errorf("activation state changed concurrently")
)
