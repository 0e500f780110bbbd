package container

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"satgate-backend/config"
	"satgate-backend/handlers"
	"satgate-backend/l402"
	"satgate-backend/phoenix"
	"satgate-backend/proxy"
	"satgate-backend/services"
	"satgate-backend/storage"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config

	// Services
	Phoenix     *phoenix.Client
	ReplayGuard *l402.ReplayGuard
	Verifier    *l402.Verifier
	Store       storage.Store
	BTCPrice    *services.BTCPriceService
	Catalog     *services.CatalogService
	Upstream    *proxy.Upstream

	// Handlers
	PaygateHandler *handlers.PaygateHandler
	TopupHandler   *handlers.TopupHandler
	HireHandler    *handlers.HireHandler
	SystemHandler  *handlers.SystemHandler
}

// NewContainer creates a new dependency container from the loaded config
// and environment. Fails when the L402 credential key or the phoenixd
// password is missing.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	rootKey, err := loadRootKey()
	if err != nil {
		return nil, err
	}
	location := os.Getenv("L402_LOCATION")
	if location == "" {
		location = "http://localhost" + cfg.Addr
	}

	phoenixPassword := os.Getenv("PHOENIX_PASSWORD")
	if phoenixPassword == "" {
		return nil, fmt.Errorf("PHOENIX_PASSWORD is required")
	}
	phoenixClient := phoenix.NewClient(cfg.Phoenix.URL, phoenixPassword)

	guard := l402.NewReplayGuard(
		time.Duration(cfg.UsedHashTTLSeconds)*time.Second,
		time.Duration(cfg.UsedHashCleanupSeconds)*time.Second,
	)
	verifier := l402.NewVerifier(rootKey, guard)

	var store storage.Store
	hasDB := false
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := storage.NewPGStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		store = pg
		hasDB = true
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store; balances and tasks are lost on restart")
		store = storage.NewMemStore()
	}

	btcPrice := services.NewBTCPriceService(cfg.BTCPrice.Source, time.Duration(cfg.BTCPrice.CacheSeconds)*time.Second)
	catalog := services.NewCatalogService(cfg, btcPrice)
	upstream := proxy.NewUpstream()

	return &Container{
		Config:      cfg,
		Phoenix:     phoenixClient,
		ReplayGuard: guard,
		Verifier:    verifier,
		Store:       store,
		BTCPrice:    btcPrice,
		Catalog:     catalog,
		Upstream:    upstream,

		PaygateHandler: handlers.NewPaygateHandler(cfg, rootKey, location, verifier, phoenixClient, store, upstream),
		TopupHandler:   handlers.NewTopupHandler(cfg, phoenixClient, store),
		HireHandler:    handlers.NewHireHandler(store, phoenixClient),
		SystemHandler:  handlers.NewSystemHandler(phoenixClient, guard, catalog, hasDB),
	}, nil
}

// Close releases held resources.
func (c *Container) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// loadRootKey reads L402_ROOT_KEY as 32 hex-encoded bytes. Without one a
// random key is generated, which invalidates outstanding credentials on
// restart.
func loadRootKey() ([]byte, error) {
	if raw := os.Getenv("L402_ROOT_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("L402_ROOT_KEY must be 32 hex-encoded bytes")
		}
		return key, nil
	}
	log.Printf("L402_ROOT_KEY not set, generating an ephemeral key; unredeemed credentials will not survive a restart")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	return key, nil
}
