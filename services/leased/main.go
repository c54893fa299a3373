package leased

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"rentflow/chain"
	"rentflow/crypto"
	"rentflow/integrations/kafka"
	"rentflow/integrations/webhooks"
	"rentflow/lease"
	"rentflow/observability"
	"rentflow/observability/logging"
	telemetry "rentflow/observability/otel"
	"rentflow/services/leased/recon"
	"rentflow/services/settlement"
	"rentflow/storage/lock"
)

// Main initialises and runs the lease daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/leased/config.yaml", "path to leased configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("RENTFLOW_ENV"))
	}
	logger := logging.SetupWithOptions("leased", env, logging.Options{
		Level: logging.ParseLevel(cfg.Logging.Level),
		File:  cfg.Logging.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "leased",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Endpoint != "",
		Traces:      cfg.Telemetry.Endpoint != "",
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locker, err := buildLocker(stopCtx, cfg.Lock)
	if err != nil {
		return err
	}
	settlementClient, err := settlement.NewHTTPClient(settlement.Config{
		BaseURL:     cfg.Settlement.BaseURL,
		APIKey:      cfg.Settlement.APIKey,
		Asset:       cfg.Settlement.Asset,
		Timeout:     cfg.Settlement.Timeout.Duration,
		PollInitial: cfg.Settlement.PollInitial.Duration,
		PollMax:     cfg.Settlement.PollMax.Duration,
	})
	if err != nil {
		return fmt.Errorf("init settlement client: %w", err)
	}
	signer, err := buildMessageSigner(cfg.Signer, cfg.Settlement.Timeout.Duration)
	if err != nil {
		return err
	}

	metrics := observability.Leased()
	svc := lease.NewService(db,
		lease.WithLocker(locker),
		lease.WithRoleStore(lease.NewAccountStore(db)),
		lease.WithSettlement(settlementClient),
		lease.WithMessageSigner(signer),
		lease.WithMetrics(metrics),
		lease.WithLogger(logger),
		lease.WithPollBudget(cfg.Settlement.PollBudget.Duration),
		lease.WithSubmitRetry(cfg.Settlement.SubmitAttempts, cfg.Settlement.SubmitBackoff.Duration),
		lease.WithExplorerURL(cfg.ExplorerURL),
	)

	var recorder ChainRecorder
	if cfg.Chain.Enabled() {
		mirror, err := buildMirror(stopCtx, cfg.Chain, svc, logger)
		if err != nil {
			return err
		}
		recorder = mirror
	}

	publisher, closePublisher, err := buildPublisher(cfg.Outbox, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	reconciler, err := recon.NewReconciler(recon.Config{
		Service:    svc,
		Mirror:     recorder,
		StaleAfter: cfg.Recon.StaleAfter.Duration,
		PollBudget: cfg.Recon.PollBudget.Duration,
		OutputDir:  cfg.Recon.OutputDir,
		DryRun:     cfg.Recon.DryRun || cfg.Recon.OutputDir == "",
		Alert: func(_ context.Context, anomaly recon.Anomaly) error {
			logger.Warn("reconciliation anomaly",
				slog.String("type", anomaly.Type),
				slog.String("obligation_id", anomaly.ObligationID),
				slog.String("lease_id", anomaly.LeaseID),
				slog.String("transfer_id", anomaly.TransferID))
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}

	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	server := NewServer(ServerConfig{
		Service: svc,
		DB:      db,
		Auth:    auth,
		Limiter: NewRateLimiter(cfg.RateLimit),
		Chain:   recorder,
		Metrics: metrics,
		Logger:  logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		lease.NewRelay(db, publisher, cfg.Outbox.Batch, cfg.Outbox.Interval.Duration).Run(stopCtx)
	}()
	go func() {
		defer workers.Done()
		recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Interval:   cfg.Recon.Interval.Duration,
			Logger:     logger,
		}).Start(stopCtx)
	}()
	defer workers.Wait()

	errs := make(chan error, 1)
	go func() {
		logger.Info("leased listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func buildLocker(ctx context.Context, cfg LockConfig) (lock.Locker, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return lock.NewMemoryLocker(), nil
	}
	client, err := lock.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect lock store: %w", err)
	}
	opts := []lock.RedisOption{lock.WithTTL(cfg.TTL.Duration)}
	if cfg.Prefix != "" {
		opts = append(opts, lock.WithPrefix(cfg.Prefix))
	}
	return lock.NewRedisLocker(client, opts...), nil
}

func buildMessageSigner(cfg SignerConfig, timeout time.Duration) (settlement.MessageSigner, error) {
	if cfg.Mode == "keystore" {
		passphrase := ""
		if cfg.PassphraseEnv != "" {
			passphrase = os.Getenv(cfg.PassphraseEnv)
		}
		signer := settlement.NewKeystoreSigner()
		for walletID, path := range cfg.Keystores {
			if _, err := signer.Load(walletID, path, passphrase); err != nil {
				return nil, fmt.Errorf("load keystore for wallet %s: %w", walletID, err)
			}
		}
		return signer, nil
	}
	signer, err := settlement.NewHTTPMessageSigner(settlement.SignerConfig{
		BaseURL:    cfg.Endpoint,
		APIKey:     cfg.APIKey,
		CACertPath: cfg.CACert,
		ClientCert: cfg.ClientCert,
		ClientKey:  cfg.ClientKey,
		Timeout:    timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init message signer: %w", err)
	}
	return signer, nil
}

func buildMirror(ctx context.Context, cfg ChainConfig, svc *lease.Service, logger *slog.Logger) (*chain.Mirror, error) {
	contract, err := crypto.ParseAddress(cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("chain contract: %w", err)
	}
	passphrase := ""
	if cfg.PassphraseEnv != "" {
		passphrase = os.Getenv(cfg.PassphraseEnv)
	}
	key, err := crypto.LoadFromKeystore(cfg.Keystore, passphrase)
	if err != nil {
		return nil, fmt.Errorf("load chain transactor key: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := chain.Dial(dialCtx, cfg.RPC)
	if err != nil {
		return nil, err
	}
	return chain.NewMirror(chain.MirrorConfig{
		Backend:  client,
		Contract: contract,
		Key:      key,
		ChainID:  big.NewInt(cfg.ChainID),
		Source:   svc,
		Logger:   logger,
	})
}

// buildPublisher prefers Kafka, then a signed webhook, then the log sink.
func buildPublisher(cfg OutboxConfig, logger *slog.Logger) (lease.Publisher, func(), error) {
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := kafka.NewPublisher(kafka.Config{
			Brokers:      cfg.KafkaBrokers,
			TopicPrefix:  cfg.TopicPrefix,
			TopicByEvent: cfg.Topics,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		return publisher, func() { _ = publisher.Close() }, nil
	}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		publisher, err := webhooks.NewPublisher(cfg.WebhookURL, []byte(cfg.WebhookSecret))
		if err != nil {
			return nil, nil, fmt.Errorf("init webhook publisher: %w", err)
		}
		return publisher, func() {}, nil
	}
	return lease.LogPublisher{Logger: logger}, func() {}, nil
}
