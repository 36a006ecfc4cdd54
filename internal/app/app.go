// Package app assembles the pipeline from configuration and runs its roles.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/ConvertDrop/internal/api"
	"github.com/dharsanguruparan/ConvertDrop/internal/cache"
	"github.com/dharsanguruparan/ConvertDrop/internal/config"
	"github.com/dharsanguruparan/ConvertDrop/internal/convert"
	"github.com/dharsanguruparan/ConvertDrop/internal/database"
	"github.com/dharsanguruparan/ConvertDrop/internal/deadletter"
	"github.com/dharsanguruparan/ConvertDrop/internal/intake"
	"github.com/dharsanguruparan/ConvertDrop/internal/notify"
	"github.com/dharsanguruparan/ConvertDrop/internal/queue"
	"github.com/dharsanguruparan/ConvertDrop/internal/registry"
	"github.com/dharsanguruparan/ConvertDrop/internal/repository"
	"github.com/dharsanguruparan/ConvertDrop/internal/results"
	"github.com/dharsanguruparan/ConvertDrop/internal/s3storage"
	"github.com/dharsanguruparan/ConvertDrop/internal/signing"
	"github.com/dharsanguruparan/ConvertDrop/internal/status"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
	"github.com/dharsanguruparan/ConvertDrop/internal/worker"
)

// Role is one independently deployable part of the pipeline.
type Role string

const (
	RoleAPI        Role = "api"
	RoleWorker     Role = "worker"
	RoleResults    Role = "results"
	RoleDeadLetter Role = "deadletter"
)

// AllRoles lists every role, as run by single-process mode.
func AllRoles() []Role {
	return []Role{RoleAPI, RoleWorker, RoleResults, RoleDeadLetter}
}

// Collaborators are the external services the pipeline runs against.
type Collaborators struct {
	Store    storage.ObjectStore
	URLs     storage.URLSigner
	Repo     repository.Repository
	Broker   queue.Broker
	Cache    cache.Client
	Notifier notify.Notifier
	// Downloads and Signer are set only when the store has no native signed
	// URLs and the API must serve /download itself.
	Downloads  api.ObjectReader
	Signer     *signing.Signer
	Converters registry.Converters
}

// App holds the wired services.
type App struct {
	cfg     *config.Config
	log     zerolog.Logger
	collab  Collaborators
	closers []func() error

	Registry    *registry.Registry
	Intake      *intake.Service
	Status      *status.Service
	Worker      *worker.Processor
	Results     *results.Consumer
	DeadLetters *deadletter.Handler
}

// Assemble wires the services over the given collaborators.
func Assemble(cfg *config.Config, c Collaborators, log zerolog.Logger) *App {
	if c.Notifier == nil {
		c.Notifier = notify.Noop{}
	}
	reg := registry.New(c.Converters)
	a := &App{cfg: cfg, log: log, collab: c, Registry: reg}
	a.Intake = intake.New(intake.Options{
		UploadBucket: cfg.UploadBucket,
		RequestQueue: cfg.RequestQueue,
		MaxFileSize:  cfg.MaxFileSize,
	}, reg, c.Store, c.Repo, c.Broker, log)
	a.Status = status.New(status.Options{
		UploadBucket:    cfg.UploadBucket,
		ProcessedBucket: cfg.ProcessedBucket,
		SignedURLTTL:    cfg.SignedURLTTL,
	}, reg, c.Store, c.URLs, c.Repo, c.Cache, log)
	a.Worker = worker.NewProcessor(worker.Options{
		RequestQueue:        cfg.RequestQueue,
		ResultQueue:         cfg.ResultQueue,
		UploadBucket:        cfg.UploadBucket,
		ProcessedBucket:     cfg.ProcessedBucket,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
	}, reg, c.Store, c.Repo, c.Broker, log)
	a.Results = results.NewConsumer(cfg.ResultQueue, c.Repo, c.Notifier, log)
	a.DeadLetters = deadletter.NewHandler(cfg.RequestQueue, cfg.ResultQueue, c.Repo, c.Notifier, log)
	return a
}

// New builds the collaborators named by cfg and assembles the App. Memory mode
// keeps everything in process; otherwise Postgres, Redis, S3 and, when
// configured, SES are connected.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	converters := registry.Converters{
		Docx:  convert.NewOffice(cfg.SofficeBinary, cfg.ConvertTimeout),
		Doc:   convert.NewOffice(cfg.SofficeBinary, cfg.ConvertTimeout),
		Text:  convert.NewText(),
		Image: convert.NewImage(cfg.MaxImageDimension, cfg.MaxImagePixels),
		JSON:  convert.JSON{},
		XML:   convert.XML{},
	}
	if cfg.Memory {
		c := MemoryCollaborators(cfg, log)
		c.Converters = converters
		return Assemble(cfg, c, log), nil
	}

	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("connect database: %w", err))
	}
	closers = append(closers, func() error { pool.Close(); return nil })
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return fail(fmt.Errorf("ensure schema: %w", err))
	}

	store, err := s3storage.New(cfg)
	if err != nil {
		return fail(fmt.Errorf("init storage: %w", err))
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		return fail(fmt.Errorf("ensure buckets: %w", err))
	}

	urls, err := cache.NewRedisClient(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fail(fmt.Errorf("connect redis: %w", err))
	}
	closers = append(closers, urls.Close)

	broker := queue.NewAsynqBroker(queue.AsynqOptions{
		Redis: asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		MaxDeliveries: cfg.QueueMaxDeliveries,
		TTL:           cfg.MessageTTL,
		RetryDelay:    cfg.RetryDelay,
		Concurrency:   cfg.Workers,
		Logger:        log,
	})
	closers = append(closers, broker.Close)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.NotificationsEnabled() {
		sender, err := notify.NewSESSender(ctx, cfg.AWSRegion, cfg.NotifyEmailFrom)
		if err != nil {
			return fail(fmt.Errorf("init notifications: %w", err))
		}
		notifier = notify.NewEmailNotifier(sender, cfg.NotifyEmailTo)
	}

	a := Assemble(cfg, Collaborators{
		Store:      store,
		URLs:       store,
		Repo:       repository.NewPostgresRepository(pool),
		Broker:     broker,
		Cache:      urls,
		Notifier:   notifier,
		Converters: converters,
	}, log)
	a.closers = closers
	return a, nil
}

// MemoryCollaborators returns in-process collaborators. Converters are left
// for the caller to fill in.
func MemoryCollaborators(cfg *config.Config, log zerolog.Logger) Collaborators {
	signer := signing.NewSigner([]byte(cfg.SigningSecret))
	store := storage.NewMemoryStore(signer, cfg.PublicBaseURL)
	return Collaborators{
		Store: store,
		URLs:  store,
		Repo:  repository.NewMemoryRepository(),
		Broker: queue.NewMemoryBroker(queue.MemoryOptions{
			MaxDeliveries: cfg.QueueMaxDeliveries,
			TTL:           cfg.MessageTTL,
			RetryDelay:    cfg.RetryDelay,
			Concurrency:   cfg.Workers,
			Logger:        log,
		}),
		Cache:     cache.NewMemoryClient(),
		Notifier:  notify.Noop{},
		Downloads: store,
		Signer:    signer,
	}
}

// Repository exposes the submission store for admin commands.
func (a *App) Repository() repository.Repository { return a.collab.Repo }

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Store exposes the object store for admin commands.
func (a *App) Store() storage.ObjectStore { return a.collab.Store }

// Broker exposes the queue broker.
func (a *App) Broker() queue.Broker { return a.collab.Broker }

// API builds the HTTP server.
func (a *App) API() *api.Server {
	srv := api.New(a.cfg.Address, a.Intake, a.Status, a.log)
	if a.collab.Downloads != nil && a.collab.Signer != nil {
		srv.WithDownloads(a.collab.Downloads, a.collab.Signer)
	}
	return srv
}

// Routes maps each queue consumed by roles to its handler.
func (a *App) Routes(roles ...Role) map[string]queue.Handler {
	routes := make(map[string]queue.Handler)
	for _, r := range roles {
		switch r {
		case RoleWorker:
			routes[a.cfg.RequestQueue] = a.Worker.Handle
		case RoleResults:
			routes[a.cfg.ResultQueue] = a.Results.Handle
		case RoleDeadLetter:
			routes[queue.DeadLetterQueue(a.cfg.RequestQueue)] = a.DeadLetters.HandleRequest
			routes[queue.DeadLetterQueue(a.cfg.ResultQueue)] = a.DeadLetters.HandleResult
		}
	}
	return routes
}

// Run serves the given roles until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context, roles ...Role) error {
	if len(roles) == 0 {
		return errors.New("no roles to run")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range roles {
		if r == RoleAPI {
			srv := a.API()
			g.Go(func() error { return srv.Run(ctx) })
			break
		}
	}
	if routes := a.Routes(roles...); len(routes) > 0 {
		a.log.Info().Int("queues", len(routes)).Msg("consuming")
		g.Go(func() error { return a.collab.Broker.Serve(ctx, routes) })
	}
	return g.Wait()
}

// Close releases connections opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// ParseRoles validates role names.
func ParseRoles(names []string) ([]Role, error) {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		switch r := Role(n); r {
		case RoleAPI, RoleWorker, RoleResults, RoleDeadLetter:
			roles = append(roles, r)
		default:
			return nil, fmt.Errorf("unknown role %q", n)
		}
	}
	return roles, nil
}
