package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kcb-payments-gateway/internal/config"
	"github.com/kcb-payments-gateway/internal/database"
	"github.com/kcb-payments-gateway/internal/handlers"
	"github.com/kcb-payments-gateway/internal/kcb"
	"github.com/kcb-payments-gateway/internal/ledger"
	"github.com/kcb-payments-gateway/internal/logger"
	"github.com/kcb-payments-gateway/internal/metrics"
	"github.com/kcb-payments-gateway/internal/payment"
	"github.com/kcb-payments-gateway/internal/reconciler"
	"github.com/kcb-payments-gateway/internal/repository/postgres"
	"github.com/kcb-payments-gateway/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.LogSafeConfig()

	slogger := logger.New(cfg.Env)
	slogger.Info("KCB payments gateway starting")

	metrics.Init()

	// Create context
	ctx := context.Background()

	// Initialize database
	db, err := database.NewDatabase(ctx, database.PoolOptions{
		URL:      cfg.DatabaseURL,
		MinConns: cfg.DBMinConns,
		MaxConns: cfg.DBMaxConns,
	}, slogger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db.Pool); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	repos, err := postgres.NewRepos(db.Pool, []byte(cfg.EncryptionKey))
	if err != nil {
		log.Fatalf("Failed to initialize repositories: %v", err)
	}

	// Seed the gateway credential row so key and secret live encrypted next
	// to the cached token.
	if err := repos.Credentials.Seed(ctx, cfg.KCBAPIKey, cfg.KCBAPISecret); err != nil {
		log.Fatalf("Failed to seed gateway credentials: %v", err)
	}

	// Initialize gateway client
	baseURL := kcb.BaseURLFor(cfg.KCBSandbox)
	tokenService := kcb.NewTokenService(repos.Credentials, baseURL, cfg.TokenSafetyMargin, slogger)
	gatewayClient := kcb.NewClient(baseURL, tokenService)

	verifier, err := kcb.NewVerifier(cfg.KCBPublicKeyPEM, slogger)
	if err != nil {
		log.Fatalf("Failed to parse KCB public key: %v", err)
	}

	// Initialize accounting platform client and appliers
	erpClient := ledger.NewERPClient(cfg.ERPBaseURL)
	erpCred := ledger.Credential{User: "service", Token: cfg.ERPAPIToken}
	defaults := ledger.Defaults{Company: cfg.ERPCompany, ModeOfPayment: cfg.ERPModeOfPayment}

	invoiceApplier := ledger.NewSalesInvoiceApplier(erpClient, defaults)
	appliers := ledger.NewApplierRegistry(
		invoiceApplier,
		ledger.NewPaymentRequestApplier(erpClient, invoiceApplier, erpClient.GetPaymentRequestInvoice),
		ledger.NewSalesInvoicePaymentApplier(erpClient, defaults),
	)

	// Initialize payment service
	paymentService := payment.NewService(
		repos.PushRequests,
		gatewayClient,
		payment.Config{
			TillNo:      cfg.KCBTillNo,
			CallbackURL: cfg.CallbackURL(),
		},
		slogger,
	)

	// Initialize notification reconciler and manual engine
	recon := reconciler.New(
		repos.PushRequests,
		repos.Transactions,
		appliers,
		verifier,
		cfg.DisableIPNSigning,
		slogger,
	)
	manual := reconciler.NewManualEngine(repos.Transactions, erpClient, defaults, slogger)

	// Initialize HTTP handlers and server
	httpHandlers := handlers.NewHandler(
		db,
		paymentService,
		repos.PushRequests,
		repos.Transactions,
		recon,
		manual,
		erpCred,
		slogger,
	)
	httpServer := server.NewServer(cfg, httpHandlers, slogger)

	// Start HTTP server in background
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slogger.Info("shutting down gracefully")

	// Give in-flight requests time to drain
	time.Sleep(2 * time.Second)

	slogger.Info("shutdown complete")
}
