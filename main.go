package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"satgate-backend/config"
	"satgate-backend/container"
	"satgate-backend/middleware"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the pricing catalog and server config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer c.Close()

	// Expired payment hashes are swept in the background for the life of
	// the process.
	go c.ReplayGuard.Run(ctx)

	mux := http.NewServeMux()
	setupRoutes(mux, c)

	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(
				middleware.SecurityHeaders(mux),
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: proxied video and streaming responses can
		// legitimately take many minutes. Per-request deadlines live in
		// the upstream clients.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("Server starting on %s", cfg.Addr)
	log.Printf("Pricing catalog at http://localhost%s/api/catalog", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

func setupRoutes(mux *http.ServeMux, c *container.Container) {
	// Prepaid balance
	mux.HandleFunc("/topup", c.TopupHandler.HandleCreate)
	mux.HandleFunc("/topup/claim", c.TopupHandler.HandleClaim)
	mux.HandleFunc("/topup/balance", c.TopupHandler.HandleBalance)

	// Task marketplace
	mux.HandleFunc("/api/hire/", c.HireHandler.Handle)

	// System endpoints
	mux.HandleFunc("/health", c.SystemHandler.HandleHealth)
	mux.HandleFunc("/api/catalog", c.SystemHandler.HandleCatalog)
	mux.HandleFunc("/api/qrcode", c.SystemHandler.HandleQRCode)
	mux.Handle("/metrics", promhttp.Handler())

	// Everything else is a payment-gated proxy path: /{api}/{endpoint}.
	mux.HandleFunc("/", c.PaygateHandler.Handle)
}
