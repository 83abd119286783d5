package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/crewdeck/crewdeck/api"
	"github.com/crewdeck/crewdeck/audit"
	"github.com/crewdeck/crewdeck/config"
	"github.com/crewdeck/crewdeck/dispatch"
	"github.com/crewdeck/crewdeck/internal/hub"
	"github.com/crewdeck/crewdeck/internal/ws"
	"github.com/crewdeck/crewdeck/llm"
	"github.com/crewdeck/crewdeck/policy"
	"github.com/crewdeck/crewdeck/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting crewdeck...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize ledger and fanout hub
	ledger := audit.NewLedger(db)
	fanout := hub.NewHub()

	// Initialize policy engine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Pick the responder: LLM-backed with fallback when configured,
	// scripted otherwise
	var responder dispatch.Responder = dispatch.ScriptedResponder{}
	if cfg.LLMPrimaryBaseURL != "" && cfg.LLMStandbyBaseURL != "" {
		primary := llm.NewClient(cfg.LLMPrimaryProvider, cfg.LLMPrimaryModel, cfg.LLMPrimaryBaseURL, cfg.LLMPrimaryAPIKey, cfg.LLMTimeout)
		standby := llm.NewClient(cfg.LLMStandbyProvider, cfg.LLMStandbyModel, cfg.LLMStandbyBaseURL, cfg.LLMStandbyAPIKey, cfg.LLMTimeout)
		responder = &dispatch.ProviderResponder{Chain: llm.NewFallback(primary, standby, ledger)}
		log.Printf("LLM responder: %s/%s with standby %s/%s",
			cfg.LLMPrimaryProvider, cfg.LLMPrimaryModel, cfg.LLMStandbyProvider, cfg.LLMStandbyModel)
	} else {
		log.Printf("No LLM provider configured, using scripted responder")
	}

	// Start the dispatcher
	dispatcher := dispatch.New(db, ledger, fanout, responder, cfg)
	go dispatcher.Run(ctx)

	// Initialize handlers
	h := api.NewHandler(db, ledger, fanout, policyEngine, dispatcher, cfg)
	wsServer := ws.NewServer(cfg, fanout)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h.RegisterRoutes(e)
	e.GET("/ws", wsServer.HandleWebSocket)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down crewdeck...")

	// Stop the dispatcher, then drain HTTP
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("crewdeck stopped")
}
