package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/numhub/infrastructure/errors"
	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/resilience"
)

const (
	metadataCacheTTL = 24 * time.Hour
	priceCacheTTL    = 60 * time.Second
	maxResponseBytes = 2 << 20 // 2MiB
)

var slotPattern = regexp.MustCompile(`\{(\w+)\}`)

// Engine is one provider's live adapter: it resolves declarative endpoint
// templates and response mappings into typed domain calls.
type Engine struct {
	cfg        ProviderConfig
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	credential *CredentialRotator
	metadata   *StaleWhileRevalidateCache
	prices     *StaleWhileRevalidateCache
}

// NewEngine builds an Engine for one declarative provider config. credentials
// is the resolved list of secret values for cfg.CredentialEnvVars, read by
// the caller at startup (never by this package, which has no env access).
func NewEngine(cfg ProviderConfig, credentials []string) *Engine {
	return &Engine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    resilience.New(resilience.DefaultConfig()),
		credential: NewCredentialRotator(credentials),
		metadata:   NewStaleWhileRevalidateCache(metadataCacheTTL),
		prices:     NewStaleWhileRevalidateCache(priceCacheTTL),
	}
}

// GetCountries resolves the provider's country list, served from the 24h
// metadata cache when fresh and sane.
func (e *Engine) GetCountries(ctx context.Context) ([]Country, error) {
	key := "countries"
	if cached, ok, stale := e.metadata.Get(key); ok {
		countries := cached.([]Country)
		if stale {
			e.metadata.Revalidate(key, metadataCacheTTL, func() (interface{}, error) {
				return e.fetchCountries(ctx)
			})
		}
		if sanityCheckCountries(countries) {
			return countries, nil
		}
	}

	countries, err := e.fetchCountries(ctx)
	if err != nil {
		return nil, err
	}
	e.metadata.Set(key, countries, metadataCacheTTL)
	return countries, nil
}

func (e *Engine) fetchCountries(ctx context.Context) ([]Country, error) {
	rows, err := e.call(ctx, OpGetCountries, nil)
	if err != nil {
		return nil, err
	}
	list, _ := rows.([]map[string]interface{})
	countries := make([]Country, 0, len(list))
	for _, row := range list {
		countries = append(countries, Country{
			ExternalID: fmt.Sprint(row["externalId"]),
			Name:       fmt.Sprint(row["name"]),
			Code:       strings.ToLower(fmt.Sprint(row["code"])),
			FlagURL:    fmt.Sprint(row["flagUrl"]),
		})
	}
	return countries, nil
}

// sanityCheckCountries rejects a cached list whose rows look malformed: a
// name equal to its code or to "Unknown", whitespace embedded in a code, or
// a code longer than a normal ISO-style code.
func sanityCheckCountries(countries []Country) bool {
	if len(countries) == 0 {
		return false
	}
	for _, c := range countries {
		if c.Name == "" || c.Name == c.Code || c.Name == "Unknown" {
			return false
		}
		if strings.ContainsAny(c.Code, " \t\n") {
			return false
		}
		if len(c.Code) > 5 {
			return false
		}
	}
	return true
}

// GetServices resolves the provider's service list, optionally scoped to a country.
func (e *Engine) GetServices(ctx context.Context, countryCode string) ([]Service, error) {
	key := "services:" + countryCode
	if cached, ok, stale := e.metadata.Get(key); ok {
		services := cached.([]Service)
		if stale {
			e.metadata.Revalidate(key, metadataCacheTTL, func() (interface{}, error) {
				return e.fetchServices(ctx, countryCode)
			})
		}
		return services, nil
	}

	services, err := e.fetchServices(ctx, countryCode)
	if err != nil {
		return nil, err
	}
	e.metadata.Set(key, services, metadataCacheTTL)
	return services, nil
}

func (e *Engine) fetchServices(ctx context.Context, countryCode string) ([]Service, error) {
	rows, err := e.call(ctx, OpGetServices, map[string]string{"country": countryCode})
	if err != nil {
		return nil, err
	}
	list, _ := rows.([]map[string]interface{})
	services := make([]Service, 0, len(list))
	for _, row := range list {
		services = append(services, Service{
			ExternalID: fmt.Sprint(row["externalId"]),
			Name:       fmt.Sprint(row["name"]),
			Code:       strings.ToLower(fmt.Sprint(row["code"])),
			IconURL:    fmt.Sprint(row["iconUrl"]),
		})
	}
	return services, nil
}

// GetPrices resolves price rows for (country, service), cached for 60s per
// (provider, country, service).
func (e *Engine) GetPrices(ctx context.Context, countryCode, serviceCode string) ([]PriceRow, error) {
	key := "prices:" + countryCode + ":" + serviceCode
	if cached, ok, stale := e.prices.Get(key); ok {
		rows := cached.([]PriceRow)
		if stale {
			e.prices.Revalidate(key, priceCacheTTL, func() (interface{}, error) {
				return e.fetchPrices(ctx, countryCode, serviceCode)
			})
		}
		return rows, nil
	}

	rows, err := e.fetchPrices(ctx, countryCode, serviceCode)
	if err != nil {
		return nil, err
	}
	e.prices.Set(key, rows, priceCacheTTL)
	return rows, nil
}

func (e *Engine) fetchPrices(ctx context.Context, countryCode, serviceCode string) ([]PriceRow, error) {
	result, err := e.call(ctx, OpGetPrices, map[string]string{"country": countryCode, "service": serviceCode})
	if err != nil {
		return nil, err
	}
	list, _ := result.([]map[string]interface{})
	rows := make([]PriceRow, 0, len(list))
	for _, row := range list {
		count := int(toFloat(row["count"]))
		if count <= 0 {
			continue
		}
		rows = append(rows, PriceRow{
			Country:  fmt.Sprint(row["country"]),
			Service:  fmt.Sprint(row["service"]),
			Operator: fmt.Sprint(row["operator"]),
			Cost:     decimalFromAny(row["cost"]),
			Count:    count,
		})
	}
	return rows, nil
}

// GetNumber acquires a phone number for (countryCode, serviceCode, operator).
func (e *Engine) GetNumber(ctx context.Context, countryCode, serviceCode, operatorID string) (*NumberResult, error) {
	result, err := e.call(ctx, OpGetNumber, map[string]string{
		"country": countryCode, "service": serviceCode, "operator": operatorID,
	})
	if err != nil {
		return nil, err
	}
	row, ok := result.(map[string]interface{})
	if !ok {
		return nil, errors.ProviderBadResponse(e.cfg.Slug, fmt.Errorf("unexpected getNumber response shape"))
	}
	return &NumberResult{
		ActivationID: fmt.Sprint(row["activationId"]),
		PhoneNumber:  fmt.Sprint(row["phoneNumber"]),
		Price:        decimalFromAny(row["price"]),
	}, nil
}

// GetStatus polls upstream for an in-flight activation's status and messages.
func (e *Engine) GetStatus(ctx context.Context, activationID string) (*StatusResult, error) {
	result, err := e.call(ctx, OpGetStatus, map[string]string{"activationId": activationID})
	if err != nil {
		return nil, err
	}
	row, ok := result.(map[string]interface{})
	if !ok {
		return nil, errors.ProviderBadResponse(e.cfg.Slug, fmt.Errorf("unexpected getStatus response shape"))
	}

	status := ActivationStatus(fmt.Sprint(row["status"]))
	var messages []UpstreamMessage
	if rawMessages, ok := row["messages"].([]interface{}); ok {
		for _, m := range rawMessages {
			mm, ok := m.(map[string]interface{})
			if !ok {
				continue
			}
			messages = append(messages, UpstreamMessage{
				ID:     fmt.Sprint(mm["id"]),
				Sender: fmt.Sprint(mm["sender"]),
				Text:   fmt.Sprint(mm["text"]),
			})
		}
	}
	return &StatusResult{Status: status, Messages: messages}, nil
}

// SetStatus reports the next status to upstream (used to mark an activation
// completed so the provider releases the number).
func (e *Engine) SetStatus(ctx context.Context, activationID, next string) error {
	_, err := e.call(ctx, OpSetStatus, map[string]string{"activationId": activationID, "status": next})
	return err
}

// CancelNumber releases a reserved number back to the provider.
func (e *Engine) CancelNumber(ctx context.Context, activationID string) error {
	_, err := e.call(ctx, OpCancelNumber, map[string]string{"activationId": activationID})
	return err
}

// GetBalance returns the provider account's remaining balance.
func (e *Engine) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	result, err := e.call(ctx, OpGetBalance, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if row, ok := result.(map[string]interface{}); ok {
		return decimalFromAny(row["balance"]), nil
	}
	return decimalFromAny(result), nil
}

// ParseWebhook normalizes a raw inbound webhook body via the provider's
// configured mapping for the webhook operation, falling back to getStatus's
// mapping when no dedicated one is configured.
func (e *Engine) ParseWebhook(raw []byte) (*WebhookPayload, error) {
	mapping, ok := e.cfg.Mappings["webhook"]
	if !ok {
		mapping = e.cfg.Mappings[OpGetStatus]
	}
	result, err := MapResponse(mapping, raw)
	if err != nil {
		return nil, errors.ProviderBadResponse(e.cfg.Slug, err)
	}
	row, _ := result.(map[string]interface{})
	payload := &WebhookPayload{Raw: raw}
	if row != nil {
		payload.ActivationID = fmt.Sprint(row["activationId"])
		payload.Status = ActivationStatus(fmt.Sprint(row["status"]))
	}
	return payload, nil
}

// VerifyWebhook checks the HMAC-SHA256 signature over "timestamp.body" with
// a +-300s tolerance and an optional IP allowlist.
func VerifyWebhook(secret []byte, rawBody []byte, signatureHex, timestampHeader string, sourceIP string, allowlist []string) (bool, error) {
	if len(allowlist) > 0 && !containsIP(allowlist, sourceIP) {
		return false, fmt.Errorf("source ip not allowlisted")
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid timestamp header")
	}
	if drift := time.Since(time.Unix(ts, 0)); drift > 300*time.Second || drift < -300*time.Second {
		return false, fmt.Errorf("timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestampHeader + "." + string(rawBody)))
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signatureHex))) != 1 {
		return false, nil
	}
	return true, nil
}

func containsIP(allowlist []string, ip string) bool {
	for _, a := range allowlist {
		if a == ip {
			return true
		}
	}
	return false
}

// call resolves args into an HTTP request per the operation's endpoint
// template, executes it through the circuit breaker, and maps the response
// per the operation's configured response mapping.
func (e *Engine) call(ctx context.Context, op string, args map[string]string) (interface{}, error) {
	template, ok := e.cfg.Endpoints[op]
	if !ok {
		return nil, fmt.Errorf("provider %s: no endpoint configured for %s", e.cfg.Slug, op)
	}

	var body []byte
	var status int
	err := e.breaker.Execute(ctx, func() error {
		req, err := e.buildRequest(ctx, template, args)
		if err != nil {
			return err
		}
		resp, doErr := e.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		body, err = httputil.ReadAllStrict(resp.Body, maxResponseBytes)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("upstream %d", status)
		}
		return nil
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
			return nil, errors.ProviderUnavailable(e.cfg.Slug, err)
		}
		return nil, errors.ProviderUnavailable(e.cfg.Slug, err)
	}

	if mappedErr := e.classifyStatus(status, body); mappedErr != nil {
		return nil, mappedErr
	}

	mapping, ok := e.cfg.Mappings[op]
	if !ok {
		return nil, fmt.Errorf("provider %s: no response mapping configured for %s", e.cfg.Slug, op)
	}
	result, err := MapResponse(mapping, body)
	if err != nil {
		return nil, errors.ProviderBadResponse(e.cfg.Slug, err)
	}
	return result, nil
}

func (e *Engine) classifyStatus(status int, body []byte) error {
	text := strings.ToUpper(string(body))
	switch {
	case status == 429:
		retryAfter := parseRetryAfterSeconds(text)
		if cred, credErr := e.credential.Current(); credErr == nil {
			e.credential.RotateOn429(cred, time.Duration(retryAfter)*time.Second)
		}
		return errors.ProviderRateLimited(e.cfg.Slug, retryAfter)
	case strings.Contains(text, "NO_NUMBERS") || strings.Contains(text, "OUT_OF_STOCK"):
		return errors.OutOfStock("", "")
	case strings.Contains(text, "BAD_SERVICE"):
		return errors.BadService("")
	case strings.Contains(text, "BAD_KEY") || status == 401 || status == 403:
		return errors.BadKey(e.cfg.Slug)
	case status >= 400:
		return errors.ProviderBadResponse(e.cfg.Slug, fmt.Errorf("http %d", status))
	default:
		return nil
	}
}

var retryAfterPattern = regexp.MustCompile(`retry in (\d+)`)

func parseRetryAfterSeconds(text string) int {
	match := retryAfterPattern.FindStringSubmatch(strings.ToLower(text))
	if len(match) != 2 {
		return 30
	}
	seconds, err := strconv.Atoi(match[1])
	if err != nil {
		return 30
	}
	return seconds
}

func (e *Engine) buildRequest(ctx context.Context, template EndpointTemplate, args map[string]string) (*http.Request, error) {
	path := substituteSlots(template.Path, args)
	fullURL := strings.TrimRight(e.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")

	parsed, err := url.Parse(fullURL)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint url: %w", err)
	}

	query := parsed.Query()
	for k, v := range template.QueryParams {
		query.Set(k, substituteSlots(v, args))
	}

	method := template.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.Path, nil)
	if err != nil {
		return nil, err
	}
	req.URL = parsed

	for k, v := range template.Headers {
		req.Header.Set(k, substituteSlots(v, args))
	}

	if err := e.injectCredential(req, query); err != nil {
		return nil, err
	}
	req.URL.RawQuery = query.Encode()
	return req, nil
}

func (e *Engine) injectCredential(req *http.Request, query url.Values) error {
	if e.cfg.AuthType == AuthNone {
		return nil
	}
	credential, err := e.credential.Current()
	if err != nil {
		return err
	}
	switch e.cfg.AuthType {
	case AuthQueryParam:
		query.Set(e.cfg.AuthParamName, credential)
	case AuthHeader:
		req.Header.Set(e.cfg.AuthParamName, credential)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	return nil
}

func substituteSlots(template string, args map[string]string) string {
	return slotPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := args[name]; ok {
			return v
		}
		return match
	})
}

func decimalFromAny(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case decimal.Decimal:
		return t
	case float64:
		return decimal.NewFromFloat(t)
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}
