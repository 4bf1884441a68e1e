// Package httpapi wires the external HTTP surface: wallet, search, number
// purchase/lifecycle, SMS polling, provider webhooks, and metrics exposition.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/numhub/infrastructure/logging"
	"github.com/R3E-Network/numhub/infrastructure/metrics"
	"github.com/R3E-Network/numhub/infrastructure/middleware"
)

// Deps collects every dependency a handler needs. Handlers hold a *Deps
// rather than individual fields so new endpoints don't grow New's
// parameter list.
type Deps struct {
	Wallet   *WalletHandlers
	Search   *SearchHandlers
	Numbers  *NumberHandlers
	Sms      *SmsHandlers
	Webhooks *WebhookHandlers
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Config configures the auth/CSRF/rate-limit middleware the router builds.
type Config struct {
	JWTSecret        []byte
	CSRFCookieSecure bool
	CORS             *middleware.CORSConfig
	RateLimitRPS     int
	RateLimitBurst   int
	RequestTimeout   time.Duration
}

// NewRouter builds the full gorilla/mux router. Ambient middleware (recovery,
// logging, metrics, security headers, CORS, body limit, timeout, rate limit)
// applies globally; bearer-token auth and the CSRF double-submit check apply
// only to the authenticated subrouter, since search and the provider webhook
// intentionally skip bearer auth (the webhook is authenticated by its own
// HMAC signature instead) and /metrics is scraped without a session.
func NewRouter(deps *Deps, cfg Config) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.NewRecoveryMiddleware(deps.Logger).Handler)
	router.Use(middleware.LoggingMiddleware(deps.Logger))
	if deps.Metrics != nil {
		router.Use(middleware.MetricsMiddleware("numhub-api", deps.Metrics))
	}
	router.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)
	if cfg.CORS != nil {
		router.Use(middleware.NewCORSMiddleware(cfg.CORS).Handler)
	}
	router.Use(middleware.NewBodyLimitMiddleware(0).Handler)
	if cfg.RequestTimeout > 0 {
		router.Use(middleware.NewTimeoutMiddleware(cfg.RequestTimeout).Handler)
	}
	if cfg.RateLimitRPS > 0 {
		router.Use(middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, deps.Logger).Handler)
	}

	router.HandleFunc("/search/services", deps.Search.Services).Methods(http.MethodGet)
	router.HandleFunc("/search/countries", deps.Search.Countries).Methods(http.MethodGet)
	router.HandleFunc("/search/providers", deps.Search.Providers).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/{providerSlug}", deps.Webhooks.Receive).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	protected := router.NewRoute().Subrouter()
	auth := middleware.NewAuthMiddleware(middleware.AuthConfig{Secret: cfg.JWTSecret, Logger: deps.Logger})
	protected.Use(auth.Handler)
	protected.Use(middleware.CSRFMiddleware(middleware.CSRFConfig{CookieSecure: cfg.CSRFCookieSecure}))

	protected.HandleFunc("/wallet/balance", deps.Wallet.Balance).Methods(http.MethodGet)
	protected.HandleFunc("/wallet/topup", deps.Wallet.Topup).Methods(http.MethodPost)
	protected.HandleFunc("/wallet/transactions", deps.Wallet.Transactions).Methods(http.MethodGet)

	protected.HandleFunc("/numbers/purchase", deps.Numbers.Purchase).Methods(http.MethodPost)
	protected.HandleFunc("/numbers/my", deps.Numbers.My).Methods(http.MethodGet)
	protected.HandleFunc("/numbers/{id}", deps.Numbers.Detail).Methods(http.MethodGet)
	protected.HandleFunc("/numbers/{id}/cancel", deps.Numbers.Cancel).Methods(http.MethodPost)
	protected.HandleFunc("/numbers/{id}/complete", deps.Numbers.Complete).Methods(http.MethodPost)

	protected.HandleFunc("/sms/{numberId}", deps.Sms.Poll).Methods(http.MethodGet)

	return router
}
