package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	internalhttputil "github.com/R3E-Network/numhub/infrastructure/httputil"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenBytes = 32
)

// CSRFConfig configures the double-submit cookie CSRF middleware.
type CSRFConfig struct {
	CookieSecure bool
	SkipPaths    map[string]bool
}

// CSRFMiddleware implements a double-submit cookie CSRF check for state-changing
// requests. The cookie is set on any response that doesn't carry one yet; callers
// are expected to echo its value back in the X-CSRF-Token header.
func CSRFMiddleware(cfg CSRFConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(csrfCookieName)
			if err != nil || cookie.Value == "" {
				token, genErr := generateCSRFToken()
				if genErr != nil {
					internalhttputil.WriteError(w, http.StatusInternalServerError, "failed to issue csrf token")
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookieName,
					Value:    token,
					Path:     "/",
					HttpOnly: false,
					Secure:   cfg.CookieSecure,
					SameSite: http.SameSiteStrictMode,
				})
				cookie = &http.Cookie{Value: token}
			}

			if !isSafeMethod(r.Method) && !cfg.SkipPaths[r.URL.Path] {
				header := r.Header.Get(csrfHeaderName)
				if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
					internalhttputil.Unauthorized(w, "csrf token mismatch")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func generateCSRFToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
