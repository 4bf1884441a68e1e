package activation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/numhub/domain/ledger"
	"github.com/R3E-Network/numhub/infrastructure/errors"
)

// Repository is the persistence boundary for activations, numbers, and SMS
// messages. State writes always pass through Service so every transition is
// checked against CanTransition before it reaches the store.
type Repository interface {
	CreateActivation(ctx context.Context, a *Activation) error
	GetActivation(ctx context.Context, id string) (*Activation, error)
	FindActivationByIdempotencyKey(ctx context.Context, key string) (*Activation, error)
	FindActivationByProviderActivationID(ctx context.Context, providerActivationID string) (*Activation, error)
	UpdateActivationState(ctx context.Context, id string, from, to State, mutate func(*Activation)) (*Activation, error)

	CreateNumber(ctx context.Context, n *Number) error
	GetNumberByActivation(ctx context.Context, activationID string) (*Number, error)
	UpdateNumber(ctx context.Context, n *Number) error
	ListPollable(ctx context.Context, now time.Time, limit int) ([]Number, error)

	// ListActivationsByUser supports the numbers listing endpoint, optionally
	// filtered to one state ("" matches any).
	ListActivationsByUser(ctx context.Context, userID string, state State, limit, offset int) ([]Activation, int, error)

	AppendSmsMessage(ctx context.Context, msg *SmsMessage) (bool, error)
	ListSmsMessages(ctx context.Context, numberID string) ([]SmsMessage, error)
}

// Service orchestrates the activation lifecycle. Purchase, Fail, Complete
// and the refund paths each write one ledger row with their state change;
// Activate and ReceiveSms write none.
type Service struct {
	repo   Repository
	ledger *ledger.Service
}

// New creates an activation Service backed by repo and the shared wallet ledger.
func New(repo Repository, ledgerSvc *ledger.Service) *Service {
	return &Service{repo: repo, ledger: ledgerSvc}
}

// Purchase reserves funds and creates an activation in RESERVED state. The
// caller is expected to have already obtained a phone number and provider
// activation id from the provider engine before calling this.
func (s *Service) Purchase(ctx context.Context, userID, providerID, serviceName, countryCode, operatorID string, price int64, idempotencyKey string) (*Activation, error) {
	if existing, err := s.repo.FindActivationByIdempotencyKey(ctx, idempotencyKey); err != nil {
		return nil, errors.DatabaseError("find_activation_by_idempotency_key", err)
	} else if existing != nil {
		return existing, nil
	}

	activationID := uuid.NewString()
	if _, err := s.ledger.Reserve(ctx, userID, price, activationID, idempotencyKey); err != nil {
		return nil, err
	}

	reservedTxKey := idempotencyKey
	activation := &Activation{
		ID:             activationID,
		UserID:         userID,
		ProviderID:     providerID,
		Price:          price,
		IdempotencyKey: idempotencyKey,
		ReservedTxID:   &reservedTxKey,
		State:          StateReserved,
		ServiceName:    serviceName,
		CountryCode:    countryCode,
		OperatorID:     operatorID,
		ExpiresAt:      time.Now().Add(20 * time.Minute),
	}
	if err := s.repo.CreateActivation(ctx, activation); err != nil {
		if _, rollbackErr := s.ledger.Rollback(ctx, userID, price, activationID); rollbackErr != nil {
			return nil, errors.DatabaseError("create_activation", rollbackErr)
		}
		return nil, errors.DatabaseError("create_activation", err)
	}
	return activation, nil
}

// Activate attaches the purchased phone number and provider activation id,
// moving RESERVED to ACTIVE once the provider confirms a number was issued.
func (s *Service) Activate(ctx context.Context, activationID, phoneNumber, providerActivationID string) (*Activation, error) {
	activation, err := s.repo.UpdateActivationState(ctx, activationID, StateReserved, StateActive, func(a *Activation) {
		a.PhoneNumber = phoneNumber
		a.ProviderActivationID = providerActivationID
	})
	if err != nil {
		return nil, errors.DatabaseError("activate", err)
	}

	number := &Number{
		ID:           uuid.NewString(),
		ActivationID: activation.ID,
		PhoneNumber:  phoneNumber,
		Status:       NumberActive,
		ExpiresAt:    activation.ExpiresAt,
		NextPollAt:   time.Now(),
	}
	if err := s.repo.CreateNumber(ctx, number); err != nil {
		return nil, errors.DatabaseError("create_number", err)
	}
	activation.NumberID = number.ID
	return activation, nil
}

// Fail moves a RESERVED activation to FAILED because the provider could not
// issue a number, and immediately rolls the reservation back to the wallet.
func (s *Service) Fail(ctx context.Context, activationID, reason string) (*Activation, error) {
	activation, err := s.repo.UpdateActivationState(ctx, activationID, StateReserved, StateFailed, nil)
	if err != nil {
		return nil, errors.DatabaseError("fail", err)
	}
	if _, err := s.ledger.Rollback(ctx, activation.UserID, activation.Price, activation.ID); err != nil {
		return nil, err
	}
	return activation, nil
}

// ReceiveSms records an inbound SMS against an ACTIVE number and, when it
// carries an extracted code, advances the activation to RECEIVED.
func (s *Service) ReceiveSms(ctx context.Context, activationID string, msg *SmsMessage) (*Activation, bool, error) {
	inserted, err := s.repo.AppendSmsMessage(ctx, msg)
	if err != nil {
		return nil, false, errors.DatabaseError("append_sms_message", err)
	}
	if !inserted {
		activation, err := s.repo.GetActivation(ctx, activationID)
		if err != nil {
			return nil, false, errors.DatabaseError("get_activation", err)
		}
		return activation, false, nil
	}

	if msg.ExtractedCode == nil {
		activation, err := s.repo.GetActivation(ctx, activationID)
		if err != nil {
			return nil, false, errors.DatabaseError("get_activation", err)
		}
		return activation, true, nil
	}

	activation, err := s.repo.UpdateActivationState(ctx, activationID, StateActive, StateReceived, nil)
	if err != nil {
		return nil, false, errors.DatabaseError("receive_sms", err)
	}
	return activation, true, nil
}

// Complete moves RECEIVED to COMPLETED and commits the reservation, writing
// the final activation_commit ledger row.
func (s *Service) Complete(ctx context.Context, activationID, idempotencyKey string) (*Activation, error) {
	activation, err := s.repo.UpdateActivationState(ctx, activationID, StateReceived, StateCompleted, nil)
	if err != nil {
		return nil, errors.DatabaseError("complete", err)
	}

	commitTx, err := s.ledger.Commit(ctx, activation.UserID, activation.Price, activation.ID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	activation.CapturedTxID = &commitTx.ID
	return activation, nil
}

// Cancel lets a user cancel an ACTIVE or RESERVED activation before it
// receives a code. A RESERVED activation has no CANCELLED edge, so it goes
// through FAILED (rolling the hold back) to REFUNDED.
func (s *Service) Cancel(ctx context.Context, activationID string) (*Activation, error) {
	activation, err := s.repo.GetActivation(ctx, activationID)
	if err != nil {
		return nil, errors.DatabaseError("get_activation", err)
	}
	if activation.State == StateReserved {
		failed, err := s.Fail(ctx, activationID, "cancelled by user")
		if err != nil {
			return nil, err
		}
		refunded, err := s.repo.UpdateActivationState(ctx, failed.ID, StateFailed, StateRefunded, nil)
		if err != nil {
			return nil, errors.DatabaseError("mark_refunded", err)
		}
		return refunded, nil
	}
	if !CanTransition(activation.State, StateCancelled) {
		return nil, errors.ActivationNotRefundable(string(activation.State))
	}

	activation, err = s.repo.UpdateActivationState(ctx, activationID, activation.State, StateCancelled, nil)
	if err != nil {
		return nil, errors.DatabaseError("cancel", err)
	}
	return s.reconcileRefund(ctx, activation)
}

// Reconcile drives EXPIRED/TIMEOUT transitions discovered by the scheduler
// (an ACTIVE number whose expiry has passed with no code) and refunds it.
func (s *Service) Reconcile(ctx context.Context, activationID string, to State) (*Activation, error) {
	activation, err := s.repo.GetActivation(ctx, activationID)
	if err != nil {
		return nil, errors.DatabaseError("get_activation", err)
	}
	if !CanTransition(activation.State, to) {
		return nil, errors.ActivationNotRefundable(string(activation.State))
	}

	activation, err = s.repo.UpdateActivationState(ctx, activationID, activation.State, to, nil)
	if err != nil {
		return nil, errors.DatabaseError("reconcile", err)
	}
	return s.reconcileRefund(ctx, activation)
}

// reconcileRefund issues the refund ledger row for a just-voided activation
// and advances it to REFUNDED, gated on IsRefundable so COMPLETED/RECEIVED
// activations are never touched.
func (s *Service) reconcileRefund(ctx context.Context, activation *Activation) (*Activation, error) {
	if !IsRefundable(activation.State) {
		return activation, nil
	}

	refundTx, err := s.ledger.Refund(ctx, activation.UserID, activation.Price, activation.ID, activation.ID+":refund")
	if err != nil {
		return nil, err
	}

	refunded, err := s.repo.UpdateActivationState(ctx, activation.ID, activation.State, StateRefunded, func(a *Activation) {
		a.RefundTxID = &refundTx.ID
	})
	if err != nil {
		return nil, errors.DatabaseError("mark_refunded", err)
	}
	return refunded, nil
}
