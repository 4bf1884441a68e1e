package provider

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MappingType discriminates a response-mapping spec.
type MappingType string

const (
	MappingJSONArray           MappingType = "json_array"
	MappingJSONObject          MappingType = "json_object"
	MappingJSONDictionary      MappingType = "json_dictionary"
	MappingJSONValue           MappingType = "json_value"
	MappingJSONArrayPositional MappingType = "json_array_positional"
	MappingJSONKeyedValue      MappingType = "json_keyed_value"
	MappingJSONNestedArray     MappingType = "json_nested_array"
	MappingTextRegex           MappingType = "text_regex"
)

// FieldRule is one field's extraction spec: a fallback chain of paths/
// accessors plus an optional transform.
type FieldRule struct {
	Path      string `yaml:"path"`
	Transform string `yaml:"transform,omitempty"`
}

// ResponseMapping is the tagged-variant interpreter spec for one operation's
// response.
type ResponseMapping struct {
	Type          MappingType          `yaml:"type"`
	RootPath      string               `yaml:"rootPath,omitempty"`
	Fields        map[string]FieldRule `yaml:"fields,omitempty"`
	FieldOrder    []string             `yaml:"fieldOrder,omitempty"` // json_array_positional
	Pattern       string               `yaml:"pattern,omitempty"`    // text_regex
	StatusMapping map[string]string    `yaml:"statusMapping,omitempty"`
}

// EndpointTemplate describes one operation's HTTP call shape.
type EndpointTemplate struct {
	Method      string            `yaml:"method"`
	Path        string            `yaml:"path"`
	QueryParams map[string]string `yaml:"queryParams,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// Operation names recognized by the config engine.
const (
	OpGetCountries = "getCountries"
	OpGetServices  = "getServices"
	OpGetPrices    = "getPrices"
	OpGetNumber    = "getNumber"
	OpGetStatus    = "getStatus"
	OpSetStatus    = "setStatus"
	OpCancelNumber = "cancelNumber"
	OpGetBalance   = "getBalance"
)

// ProviderConfig is the on-disk declarative definition of one provider,
// loaded from a per-environment YAML file and turned into a Provider +
// Engine pair at startup.
type ProviderConfig struct {
	Slug              string                      `yaml:"slug"`
	DisplayName       string                      `yaml:"displayName"`
	BaseURL           string                      `yaml:"baseUrl"`
	AuthType          AuthType                    `yaml:"authType"`
	AuthParamName     string                      `yaml:"authParamName,omitempty"`
	CredentialEnvVars []string                    `yaml:"credentialEnvVars,omitempty"`
	CurrencyCode      string                      `yaml:"currencyCode"`
	PriceMultiplier   decimal.Decimal             `yaml:"priceMultiplier"`
	FixedMarkup       decimal.Decimal             `yaml:"fixedMarkup"`
	NormalizationMode NormalizationMode           `yaml:"normalizationMode"`
	PointsRate        decimal.Decimal             `yaml:"pointsRate,omitempty"`
	ManualRate        decimal.Decimal             `yaml:"manualRate,omitempty"`
	Priority          int                         `yaml:"priority"`
	Active            bool                        `yaml:"active"`
	LegacyMetadata    bool                        `yaml:"legacyMetadata,omitempty"`
	Endpoints         map[string]EndpointTemplate `yaml:"endpoints"`
	Mappings          map[string]ResponseMapping  `yaml:"mappings"`
}

// ProvidersConfig is the root of a providers.yaml file.
type ProvidersConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProvidersConfig reads and parses a declarative provider config file.
func LoadProvidersConfig(path string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers config: %w", err)
	}
	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Slug == "" {
			return nil, fmt.Errorf("provider at index %d: slug is required", i)
		}
		if cfg.Providers[i].PriceMultiplier.IsZero() {
			cfg.Providers[i].PriceMultiplier = decimal.New(1, 0)
		}
	}
	return &cfg, nil
}

// ToProvider builds the runtime Provider record from a declarative config entry.
func (c ProviderConfig) ToProvider() Provider {
	return Provider{
		Slug:              c.Slug,
		DisplayName:       c.DisplayName,
		BaseURL:           c.BaseURL,
		AuthType:          c.AuthType,
		AuthParamName:     c.AuthParamName,
		CredentialEnvVars: c.CredentialEnvVars,
		CurrencyCode:      c.CurrencyCode,
		PriceMultiplier:   c.PriceMultiplier,
		FixedMarkup:       c.FixedMarkup,
		NormalizationMode: c.NormalizationMode,
		PointsRate:        c.PointsRate,
		ManualRate:        c.ManualRate,
		Priority:          c.Priority,
		Active:            c.Active,
		LegacyMetadata:    c.LegacyMetadata,
		SyncState:         SyncIdle,
	}
}
