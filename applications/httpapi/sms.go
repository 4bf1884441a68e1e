package httpapi

import (
	"net/http"
	"time"

	"github.com/R3E-Network/numhub/domain/activation"
	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

// SmsHandlers serves the /sms endpoints.
type SmsHandlers struct {
	repo   activation.Repository
	logger *logging.Logger
}

// NewSmsHandlers builds SmsHandlers backed by repo.
func NewSmsHandlers(repo activation.Repository, logger *logging.Logger) *SmsHandlers {
	return &SmsHandlers{repo: repo, logger: logger}
}

type smsMessageResponse struct {
	Sender        string  `json:"sender"`
	Content       string  `json:"content"`
	ExtractedCode *string `json:"extractedCode,omitempty"`
	ReceivedAt    string  `json:"receivedAt"`
}

type smsPollResponse struct {
	Status   string               `json:"status"`
	Messages []smsMessageResponse `json:"messages"`
}

// Poll handles GET /sms/{numberId}, returning the owning number's status and
// every SMS observed against it so far.
func (h *SmsHandlers) Poll(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	activationID := pathVar(r, "numberId")
	a, err := h.repo.GetActivation(r.Context(), activationID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if a == nil || a.UserID != uid {
		httputil.NotFound(w, "number not found")
		return
	}
	if a.NumberID == "" {
		httputil.WriteJSON(w, http.StatusOK, smsPollResponse{Status: string(a.State)})
		return
	}

	msgs, err := h.repo.ListSmsMessages(r.Context(), a.NumberID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]smsMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, smsMessageResponse{
			Sender:        m.Sender,
			Content:       m.Content,
			ExtractedCode: m.ExtractedCode,
			ReceivedAt:    m.ReceivedAt.Format(time.RFC3339),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, smsPollResponse{Status: string(a.State), Messages: out})
}
