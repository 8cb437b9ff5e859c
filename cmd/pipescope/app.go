package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"pipescope/internal/approvals"
	"pipescope/internal/config"
	"pipescope/internal/credentials"
	"pipescope/internal/definitions"
	"pipescope/internal/filters"
	"pipescope/internal/logs"
	"pipescope/internal/metrics"
	"pipescope/internal/notify"
	"pipescope/internal/refresh"
	"pipescope/internal/store"
	"pipescope/internal/timeline"
	"pipescope/pkg/azdo"
	"pipescope/pkg/bus"
	"pipescope/pkg/db"
	"pipescope/pkg/render"
	gos3 "pipescope/pkg/s3"
	"pipescope/pkg/telemetry"
)

const serviceName = "pipescope"

type globalFlags struct {
	org     string
	project string
}

// app holds the wired components shared by every command.
type app struct {
	cfg      config.Config
	override string
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	renderer *render.Engine

	api       *azdo.API
	creds     credentials.Source
	filters   filters.Store
	decisions *store.Postgres
	database  *db.DB
	bus       *bus.Bus

	broker      *notify.Broker
	notifier    notify.Notifier
	scheduler   *refresh.Scheduler
	builder     *timeline.Builder
	definitions *definitions.Index
	logs        *logs.Reader

	closers []func()
}

func loadConfig(ctx context.Context, flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if flags.org != "" {
		cfg.OrgURL = flags.org
	}
	if flags.project != "" {
		cfg.Project = flags.project
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(ctx, flags)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		override: flags.project,
		logger:   telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogConsole, os.Stderr),
		metrics:  metrics.New(),
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	shutdown, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("shutdown telemetry")
		}
	})

	if a.renderer, err = render.New(); err != nil {
		return err
	}

	client := azdo.NewClient(azdo.Options{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.HTTPTimeout,
		Retries:   retries(cfg.HTTPRetries),
		Transport: telemetry.Transport(nil),
		Observer:  a.metrics,
		Logger:    &a.logger,
	})
	if a.api, err = azdo.NewAPI(client, azdo.APIConfig{
		OrgURL:              cfg.OrgURL,
		APIVersion:          cfg.APIVersion,
		ApprovalsAPIVersion: cfg.ApprovalsAPIVersion,
	}); err != nil {
		return err
	}

	if err := a.wireCredentials(); err != nil {
		return err
	}
	if err := a.wireFilters(ctx); err != nil {
		return err
	}

	a.broker = notify.NewBroker(32, a.logger)
	sinks := notify.Multi{a.broker}
	if cfg.NATSURL != "" {
		if a.bus, err = bus.New(cfg.NATSURL); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.onClose(a.bus.Close)
		host, _ := os.Hostname()
		published := notify.NewBusNotifier(a.bus, cfg.NATSSubject, host, a.logger)
		a.onClose(published.Wait)
		sinks = append(sinks, published)
	}
	a.notifier = sinks

	if a.scheduler, err = refresh.NewScheduler(a.notifier, refresh.Options{
		Interval: cfg.RefreshInterval,
		Recorder: a.metrics,
		Logger:   &a.logger,
	}); err != nil {
		return err
	}
	a.onClose(a.scheduler.Stop)

	if a.builder, err = timeline.NewBuilder(a.api, a.creds, a.filters, timeline.Options{
		Project:  cfg.Project,
		MaxRuns:  cfg.MaxRuns,
		Reporter: reporters{timeline.NewLogReporter(a.logger), a.metrics},
		Observer: a.scheduler,
		Notifier: a.notifier,
		Logger:   &a.logger,
	}); err != nil {
		return err
	}

	if a.definitions, err = definitions.NewIndex(a.api, a.creds); err != nil {
		return err
	}
	if a.logs, err = logs.NewReader(a.api, a.creds); err != nil {
		return err
	}
	return nil
}

func (a *app) wireCredentials() error {
	chain := credentials.Chain{credentials.NewEnv()}
	if a.cfg.PAT != "" {
		chain = append(chain, credentials.Static(a.cfg.PAT))
	}
	if a.cfg.AgeSecretKey != "" || a.cfg.Passphrase != "" {
		path := a.cfg.CredentialFile
		if path == "" {
			var err error
			if path, err = credentials.DefaultPath(); err != nil {
				return err
			}
		}
		file, err := credentials.NewAgeFile(path, a.cfg.AgeSecretKey, a.cfg.Passphrase)
		if err != nil {
			return err
		}
		chain = append(chain, file)
	}
	a.creds = chain
	return nil
}

func (a *app) wireFilters(ctx context.Context) error {
	var base filters.Store
	if a.cfg.DBDSN != "" {
		database, err := db.Open(ctx, a.cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.database = database
		a.onClose(database.Close)
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		if a.decisions, err = store.New(database); err != nil {
			return err
		}
		base = a.decisions
	} else {
		path := a.cfg.FilterFile
		if path == "" {
			var err error
			if path, err = filters.DefaultFilePath(); err != nil {
				return err
			}
		}
		file, err := filters.NewFileStore(path)
		if err != nil {
			return err
		}
		base = file
	}
	a.filters = configuredFilters{Store: base, project: a.override, allowedProjects: a.cfg.AllowedProjects}
	return nil
}

// gateway builds an approval gateway that confirms through confirmer.
func (a *app) gateway(confirmer approvals.Confirmer) (*approvals.Gateway, error) {
	opts := approvals.Options{Logger: &a.logger}
	if a.decisions != nil {
		opts.Recorder = a.decisions
	}
	return approvals.NewGateway(a.api, a.creds, confirmer, opts)
}

func (a *app) archiver(ctx context.Context) (*logs.Archiver, error) {
	client, err := gos3.NewClient(ctx, gos3.Config{
		Endpoint:       a.cfg.S3Endpoint,
		Region:         a.cfg.S3Region,
		AccessKey:      a.cfg.S3AccessKey,
		SecretKey:      a.cfg.S3SecretKey,
		DisableTLS:     a.cfg.S3DisableTLS,
		ForcePathStyle: a.cfg.S3ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return logs.NewArchiver(client, a.cfg.ArchiveLinkTTL)
}

// project resolves the project commands act on.
func (a *app) project(ctx context.Context) (string, error) {
	state, err := a.filters.Load(ctx)
	if err != nil {
		return "", err
	}
	if state.SelectedProject != "" {
		return state.SelectedProject, nil
	}
	if a.cfg.Project != "" {
		return a.cfg.Project, nil
	}
	return "", timeline.ErrNoProject
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// configuredFilters applies the configured project allow-list when the stored
// state carries none. A project given on the command line replaces the stored
// selection.
type configuredFilters struct {
	filters.Store
	project         string
	allowedProjects []string
}

func (c configuredFilters) Load(ctx context.Context) (filters.State, error) {
	state, err := c.Store.Load(ctx)
	if err != nil {
		return filters.State{}, err
	}
	if len(state.AllowedProjects) == 0 && len(c.allowedProjects) > 0 {
		state.AllowedProjects = append([]string(nil), c.allowedProjects...)
	}
	if c.project != "" && c.project != state.SelectedProject {
		state = state.SelectProject(c.project)
	}
	return state, nil
}

type reporters []timeline.Reporter

func (rs reporters) Report(op string, err error) {
	for _, r := range rs {
		r.Report(op, err)
	}
}
