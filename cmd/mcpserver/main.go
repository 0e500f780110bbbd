package main

import (
	"context"
	"log"
	"os"
	"time"

	"satgate-backend/config"
	"satgate-backend/mcp"
	"satgate-backend/services"
	"satgate-backend/storage"

	"github.com/mark3labs/mcp-go/server"
)

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	configPath := envDefault("SATGATE_CONFIG", "config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	var store storage.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := storage.NewPGStore(ctx, dsn)
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
		store = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store; state is lost on restart")
		store = storage.NewMemStore()
	}
	defer store.Close()

	btcPrice := services.NewBTCPriceService(cfg.BTCPrice.Source, time.Duration(cfg.BTCPrice.CacheSeconds)*time.Second)
	catalog := services.NewCatalogService(cfg, btcPrice)

	mcpServer := mcp.NewMCPServer(store, catalog)

	log.Printf("Satgate MCP server starting (stdio)")

	if err := server.ServeStdio(mcpServer.GetMCPServer()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
