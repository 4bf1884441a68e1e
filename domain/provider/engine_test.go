package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeTestHMAC(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + "." + string(body)))
	return hex.EncodeToString(mac.Sum(nil))
}

func nowUnixString() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func testConfig(baseURL string) ProviderConfig {
	return ProviderConfig{
		Slug:            "test-provider",
		BaseURL:         baseURL,
		AuthType:        AuthQueryParam,
		AuthParamName:   "api_key",
		PriceMultiplier: decimal.New(1, 0),
		Endpoints: map[string]EndpointTemplate{
			OpGetCountries: {Method: http.MethodGet, Path: "/countries"},
			OpGetNumber:    {Method: http.MethodGet, Path: "/number/{country}/{service}"},
			OpGetBalance:   {Method: http.MethodGet, Path: "/balance"},
		},
		Mappings: map[string]ResponseMapping{
			OpGetCountries: {
				Type:     MappingJSONArray,
				RootPath: "countries",
				Fields: map[string]FieldRule{
					"externalId": {Path: "id"},
					"name":       {Path: "name"},
					"code":       {Path: "code"},
				},
			},
			OpGetNumber: {
				Type: MappingJSONObject,
				Fields: map[string]FieldRule{
					"activationId": {Path: "id"},
					"phoneNumber":  {Path: "phone"},
					"price":        {Path: "price", Transform: "number"},
				},
			},
			OpGetBalance: {
				Type:     MappingJSONValue,
				RootPath: "balance",
			},
		},
	}
}

func TestEngine_GetCountries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/countries", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		w.Write([]byte(`{"countries": [{"id": "1", "name": "United States", "code": "us"}]}`))
	}))
	defer srv.Close()

	engine := NewEngine(testConfig(srv.URL), []string{"secret"})
	countries, err := engine.GetCountries(context.Background())
	require.NoError(t, err)
	require.Len(t, countries, 1)
	assert.Equal(t, "us", countries[0].Code)
	assert.Equal(t, "United States", countries[0].Name)
}

func TestEngine_GetNumber_SlotSubstitution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/number/us/tg", r.URL.Path)
		w.Write([]byte(`{"id": "act-1", "phone": "+15551234", "price": 1.5}`))
	}))
	defer srv.Close()

	engine := NewEngine(testConfig(srv.URL), []string{"secret"})
	result, err := engine.GetNumber(context.Background(), "us", "tg", "")
	require.NoError(t, err)
	assert.Equal(t, "act-1", result.ActivationID)
	assert.Equal(t, "+15551234", result.PhoneNumber)
	assert.True(t, result.Price.Equal(decimal.NewFromFloat(1.5)))
}

func TestEngine_GetNumber_OutOfStock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`NO_NUMBERS`))
	}))
	defer srv.Close()

	engine := NewEngine(testConfig(srv.URL), []string{"secret"})
	_, err := engine.GetNumber(context.Background(), "us", "tg", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No stock available")
}

func TestEngine_RateLimited_RotatesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`retry in 5`))
	}))
	defer srv.Close()

	engine := NewEngine(testConfig(srv.URL), []string{"first", "second"})
	_, err := engine.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestVerifyWebhook_ValidSignature(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"activationId":"abc"}`)
	timestamp := nowUnixString()
	sig := computeTestHMAC(secret, timestamp, body)

	ok, err := VerifyWebhook(secret, body, sig, timestamp, "", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWebhook_RejectsStaleTimestamp(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"activationId":"abc"}`)
	timestamp := "1700000000"
	sig := computeTestHMAC(secret, timestamp, body)

	ok, err := VerifyWebhook(secret, body, sig, timestamp, "", nil)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhook_RejectsBadSignature(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"activationId":"abc"}`)
	timestamp := nowUnixString()

	ok, err := VerifyWebhook(secret, body, "deadbeef", timestamp, "", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhook_RejectsDisallowedIP(t *testing.T) {
	_, err := VerifyWebhook([]byte("secret"), []byte("{}"), "sig", nowUnixString(), "10.0.0.9", []string{"1.2.3.4"})
	require.Error(t, err)
}
