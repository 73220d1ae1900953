package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/notification"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/domain/webhook"
	"ledgermatch/internal/infrastructure/crypto"
	"ledgermatch/internal/infrastructure/firebase"
	"ledgermatch/internal/infrastructure/postgres"
	"ledgermatch/internal/infrastructure/providers"
	"ledgermatch/internal/infrastructure/whmcs"
	httphandlers "ledgermatch/internal/interfaces/http"
	"ledgermatch/internal/shared/auth"
	"ledgermatch/internal/shared/config"
)

// webhookTolerance bounds the age of a signed webhook timestamp.
const webhookTolerance = 5 * time.Minute

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	ConnectionHandler   *httphandlers.ConnectionHandler
	TransactionHandler  *httphandlers.TransactionHandler
	MatchHandler        *httphandlers.MatchHandler
	WebhookHandler      *httphandlers.WebhookHandler
	NotificationHandler *httphandlers.NotificationHandler
	InvoiceHandler      *httphandlers.InvoiceHandler

	JWT *auth.JWT

	// Scheduler inputs
	Connections    *connection.Manager
	ConnectionRepo *postgres.ConnectionRepository
	AutoApplier    *matching.AutoApplier
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", zap.String("host", cfg.Database.Host), zap.String("name", cfg.Database.DBName))

	if cfg.Database.AutoMigrate {
		if err := postgres.MigrateUp(db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key, cfg.Encryption.PreviousKeys...)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Repositories
	connectionRepo := postgres.NewConnectionRepository(db, encryptor)
	credentialRepo := postgres.NewCredentialRepository(db, encryptor)
	stateRepo := postgres.NewStateRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)
	invoiceRepo := postgres.NewInvoiceRepository(db)
	matchRepo := postgres.NewMatchRepository(db)
	notificationRepo := postgres.NewNotificationRepository(db)

	creds := credential.NewChain(credential.NewStore(credentialRepo), systemCredentials(cfg))

	notifications := notification.NewService(notificationRepo, newMessenger(ctx, cfg, logger), logger)

	// Providers
	catalog, err := providers.LoadCatalog(cfg.Providers.CatalogFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	httpClient := providers.NewHTTPClient(cfg.Server.ProviderTimeout)
	gocardless := providers.NewGoCardless(catalog[providers.GoCardlessName], httpClient)
	stripe := providers.NewStripe(catalog[providers.StripeName], httpClient)

	connections := connection.NewManager(
		connectionRepo,
		stateRepo,
		creds,
		notifications,
		logger,
		[]connection.OAuthProvider{gocardless, stripe},
		connection.WithStateTTL(cfg.Providers.StateTTL),
		connection.WithRefreshTimeout(cfg.Server.ProviderTimeout),
	)

	ingestor := transaction.NewIngestor(connections, transactionRepo, logger, gocardless, stripe)

	// Invoices and matching
	invoiceSource := invoice.NewCachingSource(whmcs.NewClient(creds, httpClient, cfg.WHMCS.Gateways), invoiceRepo, logger)
	matches := matching.NewService(transactionRepo, invoiceSource, matchRepo, logger, cfg.Matching.MinConfidence)
	ingestor.Observe(matches)
	autoApplier := matching.NewAutoApplier(matches, transactionRepo, notifications, logger, cfg.Scheduler.WorkerCount)

	// Webhooks
	processor, err := newWebhookProcessor(cfg, connectionRepo, connections, ingestor, creds, gocardless, stripe, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Dependencies{
		DB:                  db,
		ConnectionHandler:   httphandlers.NewConnectionHandler(connections, ingestor, logger, cfg.Server.PublicURL, cfg.Server.ConnectCompleteURL),
		TransactionHandler:  httphandlers.NewTransactionHandler(ingestor, matches, logger),
		MatchHandler:        httphandlers.NewMatchHandler(matches, autoApplier, logger, cfg.Matching.AutoApplyWindow, cfg.Matching.AutoApplyThreshold),
		WebhookHandler:      httphandlers.NewWebhookHandler(processor, logger, cfg.Webhooks.ClientCertHeader),
		NotificationHandler: httphandlers.NewNotificationHandler(notifications, logger),
		InvoiceHandler:      httphandlers.NewInvoiceHandler(invoiceSource, logger),
		JWT:                 auth.NewJWT(cfg.Auth.JWTSecret),
		Connections:         connections,
		ConnectionRepo:      connectionRepo,
		AutoApplier:         autoApplier,
	}, nil
}

// systemCredentials are the operator-level secrets from configuration. A
// tenant's own stored credentials take precedence.
func systemCredentials(cfg *config.Config) *credential.Static {
	return credential.NewStatic(map[string]string{
		credential.GoCardlessClientID:     cfg.Providers.GoCardless.ClientID,
		credential.GoCardlessClientSecret: cfg.Providers.GoCardless.ClientSecret,
		credential.StripeClientID:         cfg.Providers.Stripe.ClientID,
		credential.StripeClientSecret:     cfg.Providers.Stripe.ClientSecret,
		credential.StripeWebhookSecret:    cfg.Webhooks.StripeSecret,
	})
}

// newMessenger returns the FCM client when Firebase is configured. Without
// it notifications are still stored, just not pushed.
func newMessenger(ctx context.Context, cfg *config.Config, logger *zap.Logger) notification.Messenger {
	if cfg.Firebase.CredentialsFile == "" {
		logger.Info("firebase not configured, push notifications disabled")
		return nil
	}
	client, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, logger)
	if err != nil {
		logger.Warn("failed to initialize firebase, push notifications disabled", zap.Error(err))
		return nil
	}
	return client
}

func newWebhookProcessor(
	cfg *config.Config,
	finder webhook.ConnectionFinder,
	revoker webhook.Revoker,
	recorder webhook.Recorder,
	creds credential.Provider,
	gocardless *providers.GoCardless,
	stripe *providers.Stripe,
	logger *zap.Logger,
) (*webhook.Processor, error) {
	processor := webhook.NewProcessor(finder, revoker, recorder, logger)
	processor.Register(providers.StripeName, webhook.NewHMACVerifier(creds, credential.StripeWebhookSecret, webhookTolerance), stripe)

	if cfg.Webhooks.GoCardlessCAPath == "" && !cfg.Webhooks.AllowUnverifiedCerts {
		logger.Warn("no webhook CA configured, gocardless webhooks disabled")
		return processor, nil
	}

	var caPEM []byte
	if cfg.Webhooks.GoCardlessCAPath != "" {
		data, err := os.ReadFile(cfg.Webhooks.GoCardlessCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook CA: %w", err)
		}
		caPEM = data
	}
	certVerifier, err := webhook.NewCertificateVerifier(caPEM, cfg.Webhooks.AllowUnverifiedCerts, cfg.IsProduction())
	if err != nil {
		return nil, err
	}
	if certVerifier.Bypassed() {
		logger.Warn("webhook certificate verification disabled", zap.String("env", cfg.Environment))
	}
	processor.Register(providers.GoCardlessName, certVerifier, gocardless)
	return processor, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
}
