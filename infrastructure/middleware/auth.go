// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/numhub/infrastructure/errors"
	internalhttputil "github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/identity"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

// TenantClaims represents JWT claims for authenticated tenant API callers.
type TenantClaims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// AuthConfig configures the bearer-token authentication middleware.
type AuthConfig struct {
	Secret    []byte
	Logger    *logging.Logger
	SkipPaths []string
}

// AuthMiddleware authenticates tenant API requests using a bearer JWT.
type AuthMiddleware struct {
	secret      []byte
	logger      *logging.Logger
	skipPaths   map[string]bool
	mu          sync.RWMutex
	validated   map[string]*cachedClaims
	cleanupOnce sync.Once
}

type cachedClaims struct {
	claims    *TenantClaims
	expiresAt time.Time
}

// NewAuthMiddleware creates a new bearer-token authentication middleware.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skip[path] = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("auth", "info", "json")
	}

	m := &AuthMiddleware{
		secret:    cfg.Secret,
		logger:    logger,
		skipPaths: skip,
		validated: make(map[string]*cachedClaims),
	}
	m.startBackgroundCleanup()
	return m
}

// Handler returns the middleware handler function.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			m.respondError(w, r, errors.Unauthorized("missing bearer token"))
			return
		}

		claims, err := m.validateToken(token)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("bearer token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := identity.WithUserID(r.Context(), claims.UserID)
		ctx = identity.WithTenantID(ctx, claims.TenantID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func (m *AuthMiddleware) validateToken(tokenString string) (*TenantClaims, error) {
	if len(m.secret) == 0 {
		return nil, errors.Internal("authentication is not configured", nil)
	}

	if cached := m.getCached(tokenString); cached != nil {
		return cached, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &TenantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*TenantClaims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}
	if claims.UserID == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing user_id claim")
	}

	m.cache(tokenString, claims)
	return claims, nil
}

func (m *AuthMiddleware) getCached(tokenString string) *TenantClaims {
	m.mu.RLock()
	cached, ok := m.validated[tokenString]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	if time.Now().After(cached.expiresAt) {
		m.mu.RUnlock()
		m.mu.Lock()
		if current, ok := m.validated[tokenString]; ok && time.Now().After(current.expiresAt) {
			delete(m.validated, tokenString)
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.RUnlock()
	return cached.claims
}

func (m *AuthMiddleware) cache(tokenString string, claims *TenantClaims) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cacheExpiry := time.Now().Add(5 * time.Minute)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(cacheExpiry) {
		cacheExpiry = claims.ExpiresAt.Time
	}
	m.validated[tokenString] = &cachedClaims{claims: claims, expiresAt: cacheExpiry}

	if len(m.validated) > 1000 {
		m.cleanupExpired()
	}
}

func (m *AuthMiddleware) cleanupExpired() {
	now := time.Now()
	for key, cached := range m.validated {
		if now.After(cached.expiresAt) {
			delete(m.validated, key)
		}
	}
}

func (m *AuthMiddleware) startBackgroundCleanup() {
	m.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(2 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				m.mu.Lock()
				m.cleanupExpired()
				m.mu.Unlock()
			}
		}()
	})
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.GetHTTPStatus(err)
	svcErr := errors.GetServiceError(err)
	if svcErr != nil {
		internalhttputil.WriteErrorResponse(w, r, status, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	internalhttputil.WriteError(w, status, err.Error())
}
