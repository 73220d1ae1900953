package main

import (
	"fmt"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/notification"
	"ledgermatch/internal/infrastructure/crypto"
	"ledgermatch/internal/infrastructure/postgres"
	"ledgermatch/internal/infrastructure/providers"
	"ledgermatch/internal/infrastructure/whmcs"
	"ledgermatch/internal/shared/config"
	"ledgermatch/internal/shared/logging"
)

// env is what every admin command needs: configuration, a logger and the
// database.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *postgres.DB
}

func openEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment)
	if err != nil {
		return nil, err
	}
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to database", zap.String("name", cfg.Database.DBName))
	return &env{cfg: cfg, logger: logger, db: db}, nil
}

func (e *env) Close() {
	e.db.Close()
	e.logger.Sync()
}

func (e *env) encryptor() (*crypto.Encryptor, error) {
	return crypto.NewEncryptor(e.cfg.Encryption.Key, e.cfg.Encryption.PreviousKeys...)
}

// autoApplier wires the matching engine the same way the API does, without
// push notifications.
func (e *env) autoApplier(workers int) (*matching.AutoApplier, error) {
	enc, err := e.encryptor()
	if err != nil {
		return nil, err
	}

	creds := credential.NewChain(credential.NewStore(postgres.NewCredentialRepository(e.db, enc)), nil)
	transactions := postgres.NewTransactionRepository(e.db)
	source := invoice.NewCachingSource(
		whmcs.NewClient(creds, providers.NewHTTPClient(e.cfg.Server.ProviderTimeout), e.cfg.WHMCS.Gateways),
		postgres.NewInvoiceRepository(e.db),
		e.logger,
	)
	service := matching.NewService(transactions, source, postgres.NewMatchRepository(e.db), e.logger, e.cfg.Matching.MinConfidence)
	notifications := notification.NewService(postgres.NewNotificationRepository(e.db), nil, e.logger)

	return matching.NewAutoApplier(service, transactions, notifications, e.logger, workers), nil
}
