package httpapi

import (
	"context"
	"net/http"

	"github.com/R3E-Network/numhub/applications/fanout"
	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/domain/ledger"
	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

// WalletHandlers serves the /wallet endpoints.
type WalletHandlers struct {
	ledger    *ledger.Service
	publisher *fanout.Publisher
	logger    *logging.Logger
}

// NewWalletHandlers builds WalletHandlers backed by svc. publisher may be
// nil, in which case a topup never fans out a realtime balance update.
func NewWalletHandlers(svc *ledger.Service, publisher *fanout.Publisher, logger *logging.Logger) *WalletHandlers {
	return &WalletHandlers{ledger: svc, publisher: publisher, logger: logger}
}

func (h *WalletHandlers) publish(ctx context.Context, eventType events.Type, uid string, payload map[string]interface{}) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, eventType, events.UserRoom(uid), payload, events.Meta{Source: "httpapi"}); err != nil {
		h.logger.Error(ctx, "httpapi: publish failed", err, map[string]interface{}{"eventType": string(eventType)})
	}
}

type balanceResponse struct {
	WalletID string `json:"walletId"`
	Balance  int64  `json:"balance"`
}

// Balance handles GET /wallet/balance.
func (h *WalletHandlers) Balance(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.GetWallet(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, balanceResponse{WalletID: wallet.UserID, Balance: wallet.Balance})
}

type topupRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type topupResponse struct {
	NewBalance int64 `json:"newBalance"`
}

// Topup handles POST /wallet/topup.
func (h *WalletHandlers) Topup(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req topupRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if _, err := h.ledger.Credit(r.Context(), uid, req.Amount, ledger.TransactionTopup, "wallet topup", req.IdempotencyKey); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.publish(r.Context(), events.TypeWalletCredited, uid, map[string]interface{}{
		"userId": uid,
		"amount": req.Amount,
	})
	httputil.WriteJSON(w, http.StatusOK, topupResponse{NewBalance: balance})
}

type transactionsResponse struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
}

// Transactions handles GET /wallet/transactions?page&limit.
func (h *WalletHandlers) Transactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	offset, limit := pageParams(r)
	txs, total, err := h.ledger.ListTransactions(r.Context(), uid, limit, offset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, transactionsResponse{Transactions: txs, Total: total})
}
