package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/R3E-Network/numhub/applications/fanout"
	"github.com/R3E-Network/numhub/domain/activation"
	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/domain/provider"
	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

// WebhookSecretResolver returns the shared HMAC secret a provider's webhook
// pushes are signed with. Kept separate from EngineResolver since the secret
// is a webhook-only credential, never passed to the outbound Engine.
type WebhookSecretResolver func(ctx context.Context, providerID string) ([]byte, error)

// WebhookHandlers serves the /webhooks/{providerSlug} endpoint.
type WebhookHandlers struct {
	providers   provider.Repository
	engines     EngineResolver
	secrets     WebhookSecretResolver
	activations *activation.Service
	repo        activation.Repository
	publisher   *fanout.Publisher
	logger      *logging.Logger
}

// NewWebhookHandlers builds WebhookHandlers. publisher may be nil, in which
// case a pushed SMS never fans out a realtime notification.
func NewWebhookHandlers(providers provider.Repository, engines EngineResolver, secrets WebhookSecretResolver, activations *activation.Service, repo activation.Repository, publisher *fanout.Publisher, logger *logging.Logger) *WebhookHandlers {
	return &WebhookHandlers{providers: providers, engines: engines, secrets: secrets, activations: activations, repo: repo, publisher: publisher, logger: logger}
}

func (h *WebhookHandlers) publish(ctx context.Context, eventType events.Type, uid string, payload map[string]interface{}) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, eventType, events.UserRoom(uid), payload, events.Meta{Source: "webhook"}); err != nil {
		h.logger.Error(ctx, "webhook: publish failed", err, map[string]interface{}{"eventType": string(eventType)})
	}
}

// Receive handles POST /webhooks/{providerSlug}: it verifies the HMAC
// signature, parses the push through the provider's own response mapping,
// and folds any delivered SMS into the matching activation exactly as the
// poller would.
func (h *WebhookHandlers) Receive(w http.ResponseWriter, r *http.Request) {
	slug := pathVar(r, "providerSlug")
	prov, err := h.providers.GetProviderBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if prov == nil {
		httputil.NotFound(w, "unknown provider")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	secret, err := h.secrets(r.Context(), prov.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	verified, err := provider.VerifyWebhook(secret, body, r.Header.Get("X-Signature"), r.Header.Get("X-Timestamp"), httputil.ClientIP(r), nil)
	if err != nil || !verified {
		httputil.Unauthorized(w, "signature verification failed")
		return
	}

	engine, err := h.engines(r.Context(), prov.ID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	payload, err := engine.ParseWebhook(body)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	act, err := h.repo.FindActivationByProviderActivationID(r.Context(), payload.ActivationID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if act == nil || act.NumberID == "" {
		// Nothing local to correlate the push to yet (the engine may still
		// be acquiring the number); acknowledge so the provider doesn't retry.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for _, msg := range payload.Messages {
		content := activation.Sanitize(msg.Text)
		code, confidence := activation.ExtractCode(act.ServiceName, content)
		var extracted *string
		if code != "" {
			extracted = &code
		}
		smsMsg := &activation.SmsMessage{
			ID:                   act.NumberID + "_" + msg.ID,
			NumberID:             act.NumberID,
			UpstreamMessageID:    msg.ID,
			Sender:               msg.Sender,
			Content:              content,
			ExtractedCode:        extracted,
			ExtractionConfidence: confidence,
			ReceivedAt:           time.Now(),
			ContentHash:          activation.ContentHash(content),
			Fingerprint:          act.NumberID + ":" + msg.ID,
		}
		_, inserted, err := h.activations.ReceiveSms(r.Context(), act.ID, smsMsg)
		if err != nil {
			h.logger.Error(r.Context(), "webhook: receive sms failed", err, map[string]interface{}{"activationId": act.ID})
			continue
		}
		if inserted {
			h.publish(r.Context(), events.TypeSMSReceived, act.UserID, map[string]interface{}{
				"numberId":  act.NumberID,
				"userId":    act.UserID,
				"messageId": smsMsg.ID,
				"code":      code,
			})
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
