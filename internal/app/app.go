// Package app wires configuration into running services. Both binaries
// build their dependencies through it.
package app

import (
	"context"
	"fmt"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"qrattend/internal/alert"
	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/delivery"
	"qrattend/internal/handler"
	"qrattend/internal/queue"
	"qrattend/internal/roster"
	"qrattend/internal/store"
)

const redisPrefix = "qrattend"

// Roster is what the services need from the course directory.
type Roster interface {
	attendance.Roster
	delivery.Directory
}

// Infra holds the opened backends.
type Infra struct {
	Store  attendance.Store
	Queue  queue.Queue
	Roster Roster
	Redis  *redis.Client

	health  []handler.HealthCheck
	closers []func() error
}

// Open connects the store, queue and roster selected by cfg.
func Open(ctx context.Context, cfg config.App, logger *log.Logger) (*Infra, error) {
	in := &Infra{}
	if cfg.StoreBackend == "redis" || cfg.QueueBackend == "redis" {
		in.Redis = store.NewRedisClient(cfg.RedisAddr)
		in.closers = append(in.closers, in.Redis.Close)
	}

	st, err := openStore(ctx, cfg, in.Redis)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	in.Store = st
	in.closers = append(in.closers, st.Close)
	in.health = append(in.health, handler.HealthCheck{Name: "store", Check: st.Ping})

	switch cfg.QueueBackend {
	case "redis":
		rq := queue.NewRedisQueue(in.Redis, redisPrefix+":deliveries")
		in.Queue = rq
		in.health = append(in.health, handler.HealthCheck{Name: "queue", Check: rq.Ping})
	default:
		in.Queue = queue.NewInMemory(1024)
	}

	switch {
	case cfg.RosterURL != "":
		rc := roster.New(cfg.RosterURL)
		in.Roster = rc
		in.health = append(in.health, handler.HealthCheck{Name: "roster", Check: rc.Health})
	case cfg.RosterFile != "":
		rs, err := roster.LoadStatic(cfg.RosterFile)
		if err != nil {
			_ = in.Close()
			return nil, err
		}
		in.Roster = rs
	default:
		logger.Warn().Msg("no ROSTER_URL or ROSTER_FILE configured, roster is empty")
		in.Roster = &roster.Static{}
	}

	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("queue", cfg.QueueBackend).
		Msg("backends ready")
	return in, nil
}

func openStore(ctx context.Context, cfg config.App, rc *redis.Client) (attendance.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg, err := store.NewPostgres(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return pg, nil
	case "redis":
		if err := rc.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedis(rc, redisPrefix, cfg.CredentialRetention), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// HealthChecks lists the dependencies /healthz reports on.
func (in *Infra) HealthChecks() []handler.HealthCheck { return in.health }

// Close releases the backends in reverse order of opening.
func (in *Infra) Close() error {
	var first error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	in.closers = nil
	return first
}

// Services are the attendance components built on one Infra.
type Services struct {
	Auth      *attendance.Authorizer
	Sessions  *attendance.Sessions
	Issuer    *attendance.Issuer
	Validator *attendance.Validator
	Sweeper   *attendance.Sweeper
	Alerter   *alert.Rollbar
}

// Services builds the attendance components. codeVersion is reported with
// alerts.
func (in *Infra) Services(cfg config.App, logger *log.Logger, codeVersion string) Services {
	auth := attendance.NewAuthorizer(in.Roster, in.Store, cfg.StoreTimeout)
	alerter := alert.NewRollbar(cfg.RollbarToken, cfg.Env, codeVersion, logger)
	return Services{
		Auth:     auth,
		Sessions: attendance.NewSessions(in.Store, auth, cfg.StoreTimeout),
		Issuer: attendance.NewIssuer(in.Store, delivery.NewQueueNotifier(in.Queue), logger, attendance.IssuerConfig{
			LateGrace:    cfg.LateGrace,
			Concurrency:  cfg.IssueConcurrency,
			StoreTimeout: cfg.StoreTimeout,
		}),
		Validator: attendance.NewValidator(in.Store, logger, cfg.StoreTimeout),
		Sweeper: attendance.NewSweeper(in.Store, alerter, logger, attendance.SweeperConfig{
			Interval:     cfg.SweepInterval,
			BatchSize:    cfg.SweepBatchSize,
			Retention:    cfg.CredentialRetention,
			StoreTimeout: cfg.StoreTimeout,
		}),
		Alerter: alerter,
	}
}

// DeliveryWorker builds the consumer that mails credentials. Without a
// SendGrid key mails are only logged.
func (in *Infra) DeliveryWorker(cfg config.App, logger *log.Logger) *delivery.Worker {
	var sender delivery.Sender = delivery.LogSender{Logger: logger}
	if cfg.SendGridAPIKey != "" {
		sender = delivery.NewSendGridSender(cfg.SendGridAPIKey, "Attendance", cfg.MailFrom)
	}
	return delivery.NewWorker(in.Queue, in.Roster, sender, logger, delivery.WorkerConfig{PublicURL: cfg.PublicURL})
}

// Handler builds the HTTP layer over svc.
func (in *Infra) Handler(cfg config.App, svc Services, logger *log.Logger) *handler.Handler {
	return handler.New(handler.Deps{
		Sessions:  svc.Sessions,
		Auth:      svc.Auth,
		Issuer:    svc.Issuer,
		Validator: svc.Validator,
		Sweeper:   svc.Sweeper,
		Roster:    in.Roster,
		Health:    in.health,
		Logger:    logger,
	}, handler.Config{
		JWTIssuer:       cfg.JWTIssuer,
		JWTSigningKey:   cfg.JWTSigningKey,
		SweepSecret:     cfg.SweepSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		RosterTimeout:   cfg.StoreTimeout,
		CORSOrigins:     cfg.CORSOrigins,
		Metrics:         cfg.MetricsEnabled,
	})
}
