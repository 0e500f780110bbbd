package services

import (
	"context"
	"time"

	"satgate-backend/config"
)

// CatalogEndpoint is one priced route in the public catalog.
type CatalogEndpoint struct {
	Path          string                  `json:"path"`
	Method        string                  `json:"method"`
	PriceType     string                  `json:"price_type"`
	Description   string                  `json:"description"`
	Example       map[string]any          `json:"example,omitempty"`
	PriceSats     *int64                  `json:"price_sats,omitempty"`
	PriceUSDCents *float64                `json:"price_usd_cents,omitempty"`
	Models        map[string]CatalogModel `json:"models,omitempty"`
}

// CatalogModel is one model's price entry.
type CatalogModel struct {
	PriceSats     int64    `json:"price_sats"`
	PriceUSDCents *float64 `json:"price_usd_cents,omitempty"`
}

// CatalogAPI groups an upstream's endpoints.
type CatalogAPI struct {
	Name      string            `json:"name"`
	Endpoints []CatalogEndpoint `json:"endpoints"`
}

// Catalog is the /api/catalog response body.
type Catalog struct {
	BTCUSD          *float64              `json:"btc_usd"`
	BTCUSDUpdatedAt *string               `json:"btc_usd_updated_at"`
	APIs            map[string]CatalogAPI `json:"apis"`
}

// CatalogService renders the pricing catalog with fiat equivalents.
type CatalogService struct {
	cfg      *config.Config
	btcPrice *BTCPriceService
}

// NewCatalogService builds the service. btcPrice may be nil to skip fiat
// conversion entirely.
func NewCatalogService(cfg *config.Config, btcPrice *BTCPriceService) *CatalogService {
	return &CatalogService{cfg: cfg, btcPrice: btcPrice}
}

// Build renders the catalog from the loaded config and the cached quote.
func (s *CatalogService) Build(ctx context.Context) *Catalog {
	var btcUSD float64
	var updatedAt time.Time
	var haveQuote bool
	if s.btcPrice != nil {
		btcUSD, updatedAt, haveQuote = s.btcPrice.Quote(ctx)
	}

	catalog := &Catalog{APIs: make(map[string]CatalogAPI)}
	if haveQuote {
		catalog.BTCUSD = &btcUSD
		ts := updatedAt.UTC().Format(time.RFC3339)
		catalog.BTCUSDUpdatedAt = &ts
	}

	for apiName, api := range s.cfg.APIs {
		entry := CatalogAPI{Name: api.Name}
		for _, ep := range api.Endpoints {
			item := CatalogEndpoint{
				Path:        ep.Path,
				Method:      ep.Method,
				PriceType:   ep.PriceType,
				Description: ep.Description,
				Example:     ep.Example,
			}
			switch ep.PriceType {
			case "flat":
				price := ep.PriceSats
				item.PriceSats = &price
				if cents, ok := SatsToUSDCents(price, btcUSD); ok && haveQuote {
					item.PriceUSDCents = &cents
				}
			case "per_model":
				item.Models = make(map[string]CatalogModel, len(ep.Models))
				for name, m := range ep.Models {
					entry := CatalogModel{PriceSats: m.PriceSats}
					if cents, ok := SatsToUSDCents(m.PriceSats, btcUSD); ok && haveQuote {
						entry.PriceUSDCents = &cents
					}
					item.Models[name] = entry
				}
			}
			entry.Endpoints = append(entry.Endpoints, item)
		}
		catalog.APIs[apiName] = entry
	}
	return catalog
}
