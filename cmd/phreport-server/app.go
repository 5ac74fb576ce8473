package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/config"
	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/archive"
	"github.com/ehr/phreport/internal/platform/audit"
	"github.com/ehr/phreport/internal/platform/compliance"
	"github.com/ehr/phreport/internal/platform/db"
	"github.com/ehr/phreport/internal/platform/escalation"
	"github.com/ehr/phreport/internal/platform/gateway"
	"github.com/ehr/phreport/internal/platform/lock"
)

// app holds the wired components shared by serve and the one-shot commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	svc     *statereport.Service
	worker  *statereport.Worker
	monitor *compliance.Monitor
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func reportSettings(cfg *config.Config) statereport.Settings {
	return statereport.Settings{
		DeadlineGrace:    cfg.DeadlineGrace,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		DefaultTimeout:   cfg.SubmissionTimeout,
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var (
		repo      statereport.Repository
		auditSink audit.Sink
		opts      []statereport.Option
	)
	switch cfg.Store {
	case "postgres":
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "phreport",
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
		logger.Info().Msg("connected to database")

		repo = statereport.NewReportRepoPG(a.pool)
		auditSink = audit.NewPGSink(a.pool)
		opts = append(opts, statereport.WithTransactor(db.NewTxRunner(a.pool)))
	default:
		logger.Warn().Msg("using in-memory report store; data is lost on restart")
		repo = statereport.NewMemoryRepository()
		auditSink = audit.NewLogSink(logger)
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(ropts)
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		// The lock must outlive the slowest submission it guards.
		locker = lock.NewRedis(a.redis, lock.WithExpiry(max(5*time.Minute, 2*cfg.SubmissionTimeout)))
		logger.Info().Msg("using redis submission locks")
	}

	rules := statereport.DefaultRules()
	if cfg.ConditionRulesFile != "" {
		if rules, err = statereport.LoadRules(cfg.ConditionRulesFile); err != nil {
			return nil, err
		}
	}

	directory := gateway.NewDirectory(nil)
	if cfg.RegistryDirectoryFile != "" {
		directory, err = gateway.LoadDirectory(cfg.RegistryDirectoryFile, gateway.ParseTokens(cfg.RegistryTokens))
		if err != nil {
			return nil, err
		}
		logger.Info().Int("registries", directory.Len()).Msg("loaded registry directory")
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithRateLimit(cfg.RegistryRPS, cfg.RegistryBurst),
		gateway.WithSender(cfg.SendingApplication, cfg.SendingFacility),
	}
	if cfg.ArchiveBackend == "minio" {
		store, err := archive.NewMinioStore(ctx, archive.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		gwOpts = append(gwOpts, gateway.WithArchive(store))
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := publisher.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.monitor = compliance.NewMonitor(repo, publisher, auditSink, logger)
	a.monitor.ScanInterval = cfg.ComplianceScanInterval
	a.monitor.Cooldown = cfg.EscalationCooldown

	opts = append(opts,
		statereport.WithGateway(gateway.New(gwOpts...)),
		statereport.WithLocker(locker),
		statereport.WithAuditSink(auditSink),
		statereport.WithNotifier(a.monitor),
		statereport.WithEndpoints(directory),
		statereport.WithLogger(logger),
		statereport.WithSettings(reportSettings(cfg)),
	)
	a.svc = statereport.NewService(repo, statereport.NewClassifier(rules), opts...)

	a.worker = statereport.NewWorker(a.svc, logger)
	a.worker.SweepInterval = cfg.RetrySweepInterval
	a.worker.StaleAfter = cfg.SubmittingStaleAfter
	return a, nil
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (escalation.Publisher, error) {
	switch cfg.EscalationBackend {
	case "amqp":
		p, err := escalation.DialAMQP(cfg.AMQPURL, cfg.EscalationQueue)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("queue", cfg.EscalationQueue).Msg("publishing escalations to amqp")
		return p, nil
	case "webhook":
		return escalation.NewWebhookPublisher(cfg.EscalationWebhookURL, cfg.EscalationWebhookKey), nil
	default:
		return escalation.NewLogPublisher(logger), nil
	}
}
