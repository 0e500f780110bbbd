package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when config.yaml omits a setting.
const (
	DefaultMaxRequestBytes    = 32768
	DefaultInvoiceExpiry      = 600
	DefaultUsedHashTTL        = 3600
	DefaultUsedHashCleanup    = 300
	DefaultPriceFloorSats     = 20
	DefaultBTCPriceCacheSecs  = 300
	DefaultBTCPriceSource     = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"
	DefaultPhoenixURL         = "http://localhost:9740"
	DefaultListenAddr         = ":3001"
)

// Config is the full runtime configuration: pricing catalog plus server settings.
type Config struct {
	Addr                   string             `yaml:"addr"`
	MaxRequestBytes        int64              `yaml:"max_request_bytes"`
	InvoiceExpiry          int                `yaml:"invoice_expiry"`
	UsedHashTTLSeconds     int                `yaml:"used_hash_ttl_seconds"`
	UsedHashCleanupSeconds int                `yaml:"used_hash_cleanup_interval_seconds"`
	PriceFloorSats         int64              `yaml:"price_floor_sats"`
	BTCPrice               BTCPrice           `yaml:"btc_price"`
	Phoenix                Phoenix            `yaml:"phoenix"`
	APIs                   map[string]*API    `yaml:"apis"`
}

// BTCPrice configures the cached BTC/USD quote used by the catalog.
type BTCPrice struct {
	Source       string `yaml:"source"`
	CacheSeconds int    `yaml:"cache_seconds"`
}

// Phoenix configures the phoenixd payment node endpoint.
type Phoenix struct {
	URL string `yaml:"url"`
}

// API describes one upstream provider and its priced endpoints.
type API struct {
	Name         string            `yaml:"name"`
	UpstreamBase string            `yaml:"upstream_base"`
	AuthHeader   string            `yaml:"auth_header"`
	AuthPrefix   string            `yaml:"auth_prefix"`
	APIKeyEnv    string            `yaml:"api_key_env"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	Endpoints    []*Endpoint       `yaml:"endpoints"`
}

// Endpoint is a single priced upstream route.
type Endpoint struct {
	Path            string                `yaml:"path"`
	Method          string                `yaml:"method"`
	PriceType       string                `yaml:"price_type"` // "flat" or "per_model"
	PriceSats       int64                 `yaml:"price_sats"`
	Description     string                `yaml:"description"`
	MaxRequestBytes int64                 `yaml:"max_request_bytes"`
	Models          map[string]*Model     `yaml:"models"`
	Example         map[string]any        `yaml:"example"`
}

// Model is a per-model price entry. In YAML it is either a bare integer
// (price only) or a mapping with price_sats and an optional token cap.
type Model struct {
	PriceSats       int64 `yaml:"price_sats"`
	MaxOutputTokens int64 `yaml:"max_output_tokens"`
}

// UnmarshalYAML accepts both the shorthand integer form and the full mapping.
func (m *Model) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var price int64
		if err := value.Decode(&price); err != nil {
			return fmt.Errorf("model price: %w", err)
		}
		m.PriceSats = price
		return nil
	}
	type plain Model
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*m = Model(p)
	return nil
}

// Load reads the YAML config file and applies env overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if v := os.Getenv("SATGATE_ADDR"); v != "" {
		c.Addr = v
	}
	if c.Addr == "" {
		c.Addr = DefaultListenAddr
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.InvoiceExpiry <= 0 {
		c.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if c.UsedHashTTLSeconds <= 0 {
		c.UsedHashTTLSeconds = DefaultUsedHashTTL
	}
	if c.UsedHashCleanupSeconds <= 0 {
		c.UsedHashCleanupSeconds = DefaultUsedHashCleanup
	}
	if c.PriceFloorSats <= 0 {
		c.PriceFloorSats = DefaultPriceFloorSats
	}
	if c.BTCPrice.Source == "" {
		c.BTCPrice.Source = DefaultBTCPriceSource
	}
	if c.BTCPrice.CacheSeconds <= 0 {
		c.BTCPrice.CacheSeconds = DefaultBTCPriceCacheSecs
	}
	if v := os.Getenv("PHOENIX_URL"); v != "" {
		c.Phoenix.URL = v
	}
	if c.Phoenix.URL == "" {
		c.Phoenix.URL = DefaultPhoenixURL
	}
	for _, api := range c.APIs {
		if api.AuthHeader == "" {
			api.AuthHeader = "Authorization"
		}
		for _, ep := range api.Endpoints {
			if ep.Method == "" {
				ep.Method = "POST"
			}
		}
	}
}

// ResolveEndpoint finds the configured endpoint for an API name, request
// path and method. The incoming path may or may not carry the /v1 prefix;
// both are matched against the configured path. Returns the API config even
// when no endpoint matches so callers can distinguish unknown-API from
// unknown-endpoint.
func (c *Config) ResolveEndpoint(apiName, endpointPath, method string) (*API, *Endpoint, string) {
	api := c.APIs[apiName]
	rawPath := "/" + strings.TrimLeft(endpointPath, "/")
	if api == nil {
		return nil, nil, rawPath
	}

	candidates := map[string]bool{
		strings.TrimRight(rawPath, "/"):                                   true,
		strings.TrimRight("/v1/"+strings.TrimLeft(endpointPath, "/"), "/"): true,
	}
	method = strings.ToUpper(method)
	for _, ep := range api.Endpoints {
		if strings.ToUpper(ep.Method) != method {
			continue
		}
		configured := strings.TrimRight(ep.Path, "/")
		if candidates[configured] {
			return api, ep, configured
		}
	}
	return api, nil, rawPath
}

// MaxBytesFor returns the request size cap for an endpoint, falling back to
// the global default.
func (c *Config) MaxBytesFor(ep *Endpoint) int64 {
	if ep != nil && ep.MaxRequestBytes > 0 {
		return ep.MaxRequestBytes
	}
	return c.MaxRequestBytes
}
