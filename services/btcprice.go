// Package services holds the read-side helpers behind the catalog, health,
// and QR endpoints.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"
)

// BTCPriceService caches the BTC/USD quote from a public ticker so the
// catalog can show approximate fiat prices without hammering the source.
// A stale quote is served while a refresh is failing.
type BTCPriceService struct {
	source string
	ttl    time.Duration
	http   *http.Client

	mu        sync.Mutex
	price     float64
	haveQuote bool
	fetchedAt time.Time
}

// NewBTCPriceService builds a service polling the given ticker URL. The
// URL must return the coingecko simple-price shape.
func NewBTCPriceService(source string, ttl time.Duration) *BTCPriceService {
	return &BTCPriceService{
		source: source,
		ttl:    ttl,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Quote returns the cached BTC/USD price, refreshing it when the cache
// has expired. ok is false only when no quote was ever fetched.
func (s *BTCPriceService) Quote(ctx context.Context) (price float64, updatedAt time.Time, ok bool) {
	s.mu.Lock()
	if s.haveQuote && time.Since(s.fetchedAt) < s.ttl {
		defer s.mu.Unlock()
		return s.price, s.fetchedAt, true
	}
	s.mu.Unlock()

	fresh, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another request may have refreshed while we were fetching.
	if s.haveQuote && time.Since(s.fetchedAt) < s.ttl {
		return s.price, s.fetchedAt, true
	}
	if err == nil {
		s.price = fresh
		s.haveQuote = true
		s.fetchedAt = time.Now()
	}
	return s.price, s.fetchedAt, s.haveQuote
}

func (s *BTCPriceService) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source, nil)
	if err != nil {
		return 0, fmt.Errorf("build ticker request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch btc price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("btc price source returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("read btc price: %w", err)
	}
	var payload struct {
		Bitcoin struct {
			USD float64 `json:"usd"`
		} `json:"bitcoin"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode btc price: %w", err)
	}
	if payload.Bitcoin.USD <= 0 {
		return 0, fmt.Errorf("btc price source returned no usd quote")
	}
	return payload.Bitcoin.USD, nil
}

// SatsToUSDCents converts sats to US cents at the given rate, rounded
// half-up to a tenth of a cent. Returns false when no rate is available.
func SatsToUSDCents(sats int64, btcUSD float64) (float64, bool) {
	if btcUSD <= 0 {
		return 0, false
	}
	cents := float64(sats) * btcUSD / 1e8 * 100
	return math.Round(cents*10) / 10, true
}
