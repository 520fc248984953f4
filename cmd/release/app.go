package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/accession"
	"github.com/mkoziy/genome/release/internal/command"
	"github.com/mkoziy/genome/release/internal/config"
	"github.com/mkoziy/genome/release/internal/database"
	"github.com/mkoziy/genome/release/internal/logging"
	"github.com/mkoziy/genome/release/internal/metrics"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/postprocess"
	"github.com/mkoziy/genome/release/internal/ratelimit"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasejob"
	"github.com/mkoziy/genome/release/internal/snapshot"
	"github.com/mkoziy/genome/release/internal/sources/metadata"
	"github.com/mkoziy/genome/release/internal/sources/taxonomy"
	"github.com/mkoziy/genome/release/internal/tracker"
	"github.com/mkoziy/genome/release/internal/validate"
	"github.com/mkoziy/genome/release/internal/workflow"
)

// app owns the config, logger and connections of one invocation.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	runID   string
	db      *bun.DB
	closers []func()
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath, profile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindConfiguration, "logging", err)
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID, "profile", profile)

	db, err := database.NewDB(cfg.Tracker.BuildDSN(), cfg.Tracker.Debug)
	if err != nil {
		return nil, fmt.Errorf("open tracker database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, runID: runID, db: db}
	a.closers = append(a.closers, func() { _ = db.Close() })

	err = ratelimit.Retry(ctx, cfg.RetryPolicy("tracker"), func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("reach tracker database: %w", err)
	}
	if err := a.tracker().EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate tracker database: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) trackerOptions() tracker.Options {
	return tracker.Options{
		Instances:  a.cfg.Staging.Instances,
		GenomesDir: a.cfg.Release.GenomesDir,
		Retry:      a.cfg.RetryPolicy("tracker"),
	}
}

// tracker returns a Service able to read and mark targets.
func (a *app) tracker() *tracker.Service {
	return tracker.New(a.db, nil, nil, nil, a.trackerOptions(), a.logger)
}

// seedingTracker connects the metadata database, NCBI and the source
// accessioning store needed to seed and probe targets.
func (a *app) seedingTracker(ctx context.Context) (*tracker.Service, error) {
	metaDB, err := database.NewDB(a.cfg.Metadata.BuildDSN(), a.cfg.Metadata.Debug)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = metaDB.Close() })

	client := taxonomy.NewClient(ratelimit.NewLimiter(a.cfg.NCBI.Limits), a.cfg.NCBI.APIKey, a.cfg.NCBI.Email)
	names := taxonomy.NewResolver(client, a.cfg.RetryPolicy("ncbi"))

	mongoClient, err := accession.Connect(ctx, accession.ConnectOptions{
		URI:            a.cfg.Mongo.URI,
		User:           a.cfg.Mongo.User,
		Password:       a.cfg.Mongo.Password,
		AuthSource:     a.cfg.Mongo.AuthSource,
		ReadPreference: a.cfg.Mongo.ReadPref,
		Retry:          a.cfg.Mongo.ConnectRetry,
	})
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindResource, "connect to accessioning store", err)
	}
	a.closers = append(a.closers, func() { _ = mongoClient.Disconnect(context.Background()) })
	prober := accession.NewSourceStore(mongoClient.Database(a.cfg.Mongo.Database), a.cfg.RetryPolicy("mongo"))

	return tracker.New(a.db, metadata.NewStore(metaDB, a.cfg.Metadata.Schema), names, prober, a.trackerOptions(), a.logger), nil
}

func (a *app) runner() *command.ExecRunner {
	t := a.cfg.Tools
	return command.NewExecRunner(map[command.Tool][]string{
		command.Mongodump:          {t.Mongodump},
		command.Mongorestore:       {t.Mongorestore},
		command.Bgzip:              {t.Bgzip},
		command.Bcftools:           {t.Bcftools},
		command.Sort:               {t.Sort},
		command.VCFValidator:       {t.VCFValidator},
		command.VCFAssemblyChecker: {t.VCFAssemblyChecker},
		command.Java:               {t.Java},
		command.PortForward:        a.cfg.Staging.ForwardArgv[:1],
	})
}

func (a *app) connectStaging(ctx context.Context, t *models.ReleaseTarget, port int) (workflow.Staging, error) {
	client, err := accession.Connect(ctx, accession.ConnectOptions{
		URI:        fmt.Sprintf("mongodb://127.0.0.1:%d", port),
		User:       a.cfg.Mongo.StagingUser,
		Password:   a.cfg.Mongo.StagingPass,
		AuthSource: a.cfg.Mongo.StagingAuth,
		Direct:     true,
		Retry:      a.cfg.Mongo.ConnectRetry,
	})
	if err != nil {
		return nil, err
	}
	return accession.NewStaging(client, t), nil
}

func (a *app) workflow() (*workflow.Workflow, *metrics.Recorder) {
	runner := a.runner()
	cfg := a.cfg
	source := snapshot.Endpoint{
		URI:        cfg.Mongo.URI,
		Database:   cfg.Mongo.Database,
		User:       cfg.Mongo.User,
		Password:   cfg.Mongo.Password,
		AuthSource: cfg.Mongo.AuthSource,
	}
	forwarder := workflow.NewCommandForwarder(runner, workflow.ForwardOptions{
		Args:       cfg.Staging.ForwardArgv[1:],
		Gateway:    cfg.Staging.Gateway,
		RemotePort: cfg.Staging.RemotePort,
		ReadyWait:  cfg.Staging.ReadyWait,
		Retry:      cfg.RetryPolicy("forward"),
	}, a.logger)

	deps := workflow.Deps{
		Tracker:   a.tracker(),
		Forwarder: forwarder,
		Connect:   a.connectStaging,
		Snapshot:  snapshot.New(runner, source, cfg.Release.TmpDir, a.logger),
		Job: releasejob.New(runner, releasejob.Options{
			Jar:        cfg.Tools.ReleaseJar,
			JVMArgs:    cfg.Tools.ReleaseJVMArgs,
			User:       cfg.Mongo.StagingUser,
			Password:   cfg.Mongo.StagingPass,
			AuthSource: cfg.Mongo.StagingAuth,
		}, a.logger),
		Post: postprocess.New(runner, postprocess.Options{
			SortMemory:      cfg.Release.SortMemory,
			TmpDir:          cfg.Release.TmpDir,
			IncludeMultimap: cfg.Release.MultimapPublished(),
		}, a.logger),
		Validator: validate.New(runner, a.logger),
	}
	rec := metrics.New(a.runID)
	return workflow.New(deps, workflow.Options{
		Root:              cfg.Release.Root,
		RunID:             a.runID,
		StagingUser:       cfg.Mongo.StagingUser,
		StagingPassword:   cfg.Mongo.StagingPass,
		StagingAuthSource: cfg.Mongo.StagingAuth,
		IncludeMultimap:   cfg.Release.MultimapPublished(),
	}, rec, a.logger), rec
}
