package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/numhub/applications/fanout"
	"github.com/R3E-Network/numhub/domain/activation"
	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/domain/provider"
	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/pkg/money"
)

// reservationTTL bounds how long a stock hold survives before the master
// worker's cleanup bucket restores it, matching the window a user has to
// complete a purchase attempt after the offer was reserved.
const reservationTTL = 10 * time.Minute

// EngineResolver looks up the configured provider.Engine for a provider id,
// the same seam applications/poller uses to avoid rebuilding an Engine per
// request.
type EngineResolver func(ctx context.Context, providerID string) (*provider.Engine, error)

// NumberHandlers serves the /numbers endpoints.
type NumberHandlers struct {
	activations *activation.Service
	repo        activation.Repository
	providers   provider.Repository
	engines     EngineResolver
	publisher   *fanout.Publisher
	logger      *logging.Logger
}

// NewNumberHandlers builds NumberHandlers. publisher may be nil, in which
// case purchase/cancel/complete never fan out a realtime notification.
func NewNumberHandlers(activations *activation.Service, repo activation.Repository, providers provider.Repository, engines EngineResolver, publisher *fanout.Publisher, logger *logging.Logger) *NumberHandlers {
	return &NumberHandlers{activations: activations, repo: repo, providers: providers, engines: engines, publisher: publisher, logger: logger}
}

// publish fans an event out to uid's room, logging and swallowing any
// transport failure rather than unwinding an already-committed transition.
func (h *NumberHandlers) publish(ctx context.Context, eventType events.Type, uid string, payload map[string]interface{}) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, eventType, events.UserRoom(uid), payload, events.Meta{Source: "httpapi"}); err != nil {
		h.logger.Error(ctx, "httpapi: publish failed", err, map[string]interface{}{"eventType": string(eventType)})
	}
}

type numberResponse struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Status      string    `json:"status"`
	ServiceName string    `json:"serviceName"`
	CountryCode string    `json:"countryCode"`
	ProviderID  string    `json:"providerId"`
	Price       string    `json:"price"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toNumberResponse(a *activation.Activation) numberResponse {
	return numberResponse{
		ID:          a.ID,
		PhoneNumber: a.PhoneNumber,
		Status:      string(a.State),
		ServiceName: a.ServiceName,
		CountryCode: a.CountryCode,
		ProviderID:  a.ProviderID,
		Price:       money.FromMinorUnits(a.Price).StringFixed(2),
		ExpiresAt:   a.ExpiresAt,
		CreatedAt:   a.CreatedAt,
	}
}

type purchaseRequest struct {
	CountryCode    string `json:"countryCode"`
	ServiceCode    string `json:"serviceCode"`
	ProviderSlug   string `json:"providerSlug"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Purchase handles POST /numbers/purchase: it picks the cheapest matching
// offer, places a soft stock hold, acquires a number from the upstream
// provider, then reserves wallet funds and attaches the number in one
// activation record.
func (h *NumberHandlers) Purchase(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.CountryCode == "" || req.ServiceCode == "" || req.IdempotencyKey == "" {
		httputil.BadRequest(w, "countryCode, serviceCode, and idempotencyKey are required")
		return
	}

	offer, prov, err := h.providers.FindOffer(r.Context(), req.CountryCode, req.ServiceCode, req.ProviderSlug)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	reservation := &provider.OfferReservation{
		ID:        uuid.NewString(),
		OfferID:   offer.ID,
		Quantity:  1,
		State:     provider.ReservationPending,
		ExpiresAt: time.Now().Add(reservationTTL),
	}
	if err := h.providers.CreateReservation(r.Context(), reservation); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	engine, err := h.engines(r.Context(), prov.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	number, err := engine.GetNumber(r.Context(), req.CountryCode, req.ServiceCode, offer.OperatorID)
	if err != nil {
		// The reservation's hold is left PENDING; the master worker's
		// cleanup bucket restores the stock once it expires.
		writeError(w, r, h.logger, err)
		return
	}

	price := money.ToMinorUnits(offer.SellPrice)
	rec, err := h.activations.Purchase(r.Context(), uid, prov.ID, req.ServiceCode, req.CountryCode, offer.OperatorID, price, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if rec.State == activation.StateReserved {
		rec, err = h.activations.Activate(r.Context(), rec.ID, number.PhoneNumber, number.ActivationID)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	h.publish(r.Context(), events.TypeWalletDebited, uid, map[string]interface{}{
		"userId": uid,
		"amount": rec.Price,
	})
	h.publish(r.Context(), events.TypeNumberPurchased, uid, map[string]interface{}{
		"numberId": rec.ID,
		"userId":   uid,
		"price":    money.FromMinorUnits(rec.Price).StringFixed(2),
	})
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{"number": toNumberResponse(rec)})
}

// My handles GET /numbers/my?status&page&limit.
func (h *NumberHandlers) My(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	offset, limit := pageParams(r)
	state := activation.State(httputil.QueryString(r, "status", ""))

	activations, total, err := h.repo.ListActivationsByUser(r.Context(), uid, state, limit, offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	numbers := make([]numberResponse, 0, len(activations))
	for i := range activations {
		numbers = append(numbers, toNumberResponse(&activations[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"numbers": numbers, "total": total})
}

func (h *NumberHandlers) owned(w http.ResponseWriter, r *http.Request, uid string) *activation.Activation {
	a, err := h.repo.GetActivation(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return nil
	}
	if a == nil || a.UserID != uid {
		httputil.NotFound(w, "number not found")
		return nil
	}
	return a
}

// Detail handles GET /numbers/{id}.
func (h *NumberHandlers) Detail(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	a := h.owned(w, r, uid)
	if a == nil {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"number": toNumberResponse(a)})
}

type cancelResponse struct {
	RefundAmount string `json:"refundAmount"`
}

// Cancel handles POST /numbers/{id}/cancel.
func (h *NumberHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	a := h.owned(w, r, uid)
	if a == nil {
		return
	}
	cancelled, err := h.activations.Cancel(r.Context(), a.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	refund := money.FromMinorUnits(0)
	if cancelled.RefundTxID != nil {
		refund = money.FromMinorUnits(cancelled.Price)
		h.publish(r.Context(), events.TypeWalletCredited, uid, map[string]interface{}{
			"userId": uid,
			"amount": cancelled.Price,
		})
	}
	h.publish(r.Context(), events.TypeNumberCancelled, uid, map[string]interface{}{
		"numberId":     cancelled.ID,
		"userId":       uid,
		"refundAmount": refund.StringFixed(2),
	})
	httputil.WriteJSON(w, http.StatusOK, cancelResponse{RefundAmount: refund.StringFixed(2)})
}

// Complete handles POST /numbers/{id}/complete.
func (h *NumberHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	a := h.owned(w, r, uid)
	if a == nil {
		return
	}
	completed, err := h.activations.Complete(r.Context(), a.ID, a.ID+":complete")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.publish(r.Context(), events.TypeNumberCompleted, uid, map[string]interface{}{
		"numberId": completed.ID,
		"userId":   uid,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"number": toNumberResponse(completed)})
}
