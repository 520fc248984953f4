// Package workflow runs the release pipeline of one target: snapshot,
// release job, post-processing, validation and breakdown counts, behind a
// port forward to the target's staging instance. Completed steps are
// checkpointed in the assembly folder so a failed or cancelled run resumes
// from the first incomplete step.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mkoziy/genome/release/internal/logging"
	"github.com/mkoziy/genome/release/internal/metrics"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/postprocess"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasefiles"
	"github.com/mkoziy/genome/release/internal/releasejob"
	"github.com/mkoziy/genome/release/internal/snapshot"
	"github.com/mkoziy/genome/release/internal/validate"
)

// Tracker is the part of the release tracker the workflow drives.
type Tracker interface {
	Get(ctx context.Context, key models.Key) (*models.ReleaseTarget, error)
	Mark(ctx context.Context, key models.Key, status models.ReleaseStatus) error
}

type Snapshotter interface {
	Snapshot(ctx context.Context, t *models.ReleaseTarget, staging snapshot.Database, dest snapshot.Endpoint) (*snapshot.Result, error)
}

type ReleaseJob interface {
	Run(ctx context.Context, t *models.ReleaseTarget, port int, outDir string) (*releasejob.Artifacts, error)
}

type PostProcessor interface {
	Process(ctx context.Context, t *models.ReleaseTarget, dir string, inputs map[models.Category][]models.Source) (*postprocess.Result, error)
}

type Validator interface {
	Validate(ctx context.Context, t *models.ReleaseTarget, dir string, store validate.RSStore) (*validate.Report, error)
}

// Staging is a connected staging database.
type Staging interface {
	snapshot.Database
	validate.RSStore
	Breakdown(ctx context.Context) (models.RSCounts, error)
	Close(ctx context.Context) error
}

// StagingConnector connects to the staging database of t through a local port.
type StagingConnector func(ctx context.Context, t *models.ReleaseTarget, port int) (Staging, error)

// Deps are the collaborators of a Workflow.
type Deps struct {
	Tracker   Tracker
	Forwarder Forwarder
	Connect   StagingConnector
	Snapshot  Snapshotter
	Job       ReleaseJob
	Post      PostProcessor
	Validator Validator
}

// Options configure a Workflow.
type Options struct {
	Root  string
	RunID string
	// StagingUser and StagingPassword authenticate the restore into staging.
	StagingUser       string
	StagingPassword   string
	StagingAuthSource string
	IncludeMultimap   bool
}

// Workflow runs single targets.
type Workflow struct {
	deps    Deps
	opts    Options
	layout  releasefiles.Layout
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func New(deps Deps, opts Options, rec *metrics.Recorder, logger *slog.Logger) *Workflow {
	if rec == nil {
		rec = metrics.New(opts.RunID)
	}
	return &Workflow{deps: deps, opts: opts, layout: releasefiles.Layout{Root: opts.Root}, metrics: rec, logger: logger}
}

// Outcome is the result of one target.
type Outcome struct {
	Key      models.Key
	Status   models.ReleaseStatus
	Skipped  bool
	LogPath  string
	Err      error
	Duration time.Duration
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// run is the per-target state shared by the steps.
type run struct {
	t       *models.ReleaseTarget
	dir     string
	cp      *Checkpoint
	tunnel  Tunnel
	staging Staging
	logger  *slog.Logger
}

// Run processes the target with key. Targets that should not be released
// and Completed targets are skipped. A cancelled run leaves the target
// Started; any other failure marks it Failed.
func (w *Workflow) Run(ctx context.Context, key models.Key) *Outcome {
	start := time.Now()
	out := &Outcome{Key: key}
	finish := func(status models.ReleaseStatus, err error) *Outcome {
		out.Status, out.Err, out.Duration = status, err, time.Since(start)
		if !out.Skipped {
			w.metrics.TargetFinished(string(status))
		}
		return out
	}

	t, err := w.deps.Tracker.Get(ctx, key)
	if err != nil {
		return finish("", err)
	}
	if t.IsUnmapped() || !t.ShouldBeReleased || t.ReleaseStatus == models.StatusCompleted {
		out.Skipped = true
		w.logger.Info("skipping target", "target", key.String(), "status", t.ReleaseStatus, "should_be_released", t.ShouldBeReleased)
		return finish(t.ReleaseStatus, nil)
	}

	r := &run{t: t, dir: w.layout.TargetDir(t)}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return finish(t.ReleaseStatus, releaseerr.New(releaseerr.KindResource, "create release folder", err))
	}
	tlog, err := logging.OpenTargetLog(w.logger, w.layout.LogPath(t),
		"taxonomy", t.Taxonomy, "assembly", t.AssemblyAccession, "release_version", t.ReleaseVersion, "run_id", w.opts.RunID)
	if err != nil {
		return finish(t.ReleaseStatus, releaseerr.New(releaseerr.KindResource, "open target log", err))
	}
	defer tlog.Close()
	out.LogPath = tlog.Path
	r.logger = tlog.Logger

	if err := w.deps.Tracker.Mark(ctx, key, models.StatusStarted); err != nil {
		return finish(t.ReleaseStatus, err)
	}

	err = w.execute(ctx, r)
	switch {
	case err == nil:
		if err := w.deps.Tracker.Mark(ctx, key, models.StatusCompleted); err != nil {
			return finish(models.StatusStarted, err)
		}
		r.logger.Info("target completed", "duration", time.Since(start))
		return finish(models.StatusCompleted, nil)
	case isCanceled(err) || ctx.Err() != nil:
		r.logger.Warn("target interrupted, left Started for resume", "next_step", r.cp.Next(), "error", err)
		return finish(models.StatusStarted, err)
	default:
		r.logger.Error("target failed", "kind", releaseerr.KindOf(err), "error", err)
		if markErr := w.deps.Tracker.Mark(context.WithoutCancel(ctx), key, models.StatusFailed); markErr != nil {
			r.logger.Error("could not mark target failed", "error", markErr)
		}
		return finish(models.StatusFailed, err)
	}
}

// execute opens the forward and staging connection, then runs every step
// not yet recorded in the checkpoint. The forward is closed on every path.
func (w *Workflow) execute(ctx context.Context, r *run) (err error) {
	r.cp, err = LoadCheckpoint(r.dir)
	if err != nil || r.cp == nil || !r.cp.matches(r.t) {
		if err != nil {
			r.logger.Warn("discarding unreadable checkpoint", "error", err)
		}
		r.cp = newCheckpoint(r.t, w.opts.RunID)
	}
	if next := r.cp.Next(); next != Steps[0] {
		r.logger.Info("resuming target", "from_step", next, "previous_run", r.cp.RunID)
	}
	r.cp.RunID = w.opts.RunID

	r.tunnel, err = w.deps.Forwarder.Open(ctx, r.t.StagingInstance)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.tunnel.Close(); cerr != nil {
			r.logger.Warn("closing port forward", "error", cerr)
		}
	}()

	r.staging, err = w.deps.Connect(ctx, r.t, r.tunnel.Port())
	if err != nil {
		if isCanceled(err) {
			return err
		}
		return releaseerr.New(releaseerr.KindResource, "connect to staging", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = r.staging.Close(cctx)
	}()

	for _, step := range Steps {
		if r.cp.Done(step) {
			w.metrics.SkipStep(string(step))
			r.logger.Info("step already complete", "step", step)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stepStart := time.Now()
		r.logger.Info("step started", "step", step)
		err := w.step(ctx, r, step)
		w.metrics.ObserveStep(string(step), time.Since(stepStart), err)
		if err != nil {
			return err
		}
		r.cp.Completed[step] = time.Now().UTC()
		if err := SaveCheckpoint(r.dir, r.cp); err != nil {
			return releaseerr.New(releaseerr.KindResource, "save checkpoint", err)
		}
		r.logger.Info("step finished", "step", step, "duration", time.Since(stepStart))
	}
	return nil
}

func (w *Workflow) step(ctx context.Context, r *run, step Step) error {
	switch step {
	case StepSnapshot:
		dest := snapshot.Endpoint{
			URI:        fmt.Sprintf("mongodb://127.0.0.1:%d/?directConnection=true", r.tunnel.Port()),
			Database:   r.staging.Name(),
			User:       w.opts.StagingUser,
			Password:   w.opts.StagingPassword,
			AuthSource: w.opts.StagingAuthSource,
		}
		res, err := w.deps.Snapshot.Snapshot(ctx, r.t, r.staging, dest)
		if err != nil {
			return err
		}
		r.logger.Info("staging populated", "database", res.Database, "collections", res.Collections)
		return nil

	case StepReleaseJob:
		art, err := w.deps.Job.Run(ctx, r.t, r.tunnel.Port(), r.dir)
		if err != nil {
			return err
		}
		r.cp.Inputs = art.Inputs
		return nil

	case StepPostProcess:
		inputs := r.cp.Inputs
		if inputs == nil {
			art, err := releasejob.Collect(r.t, r.dir)
			if err != nil {
				return err
			}
			inputs = art.Inputs
		}
		res, err := w.deps.Post.Process(ctx, r.t, r.dir, inputs)
		if err != nil {
			return err
		}
		r.cp.Files = res.Files
		for _, e := range res.Manifest {
			if info, ok := releasefiles.ParseName(e.File); ok && !info.GenBank {
				w.metrics.ReleasedRS(r.t.Taxonomy, r.t.AssemblyAccession, string(info.Category), e.Count)
			}
		}
		return nil

	case StepValidate:
		rep, err := w.deps.Validator.Validate(ctx, r.t, r.dir, r.staging)
		if rep != nil && rep.RS != nil {
			for reason, n := range rep.RS.Accounted {
				w.metrics.AccountedRS(string(reason), n)
			}
		}
		return err

	case StepBreakdown:
		c, err := r.staging.Breakdown(ctx)
		if err != nil {
			if isCanceled(err) {
				return err
			}
			return releaseerr.New(releaseerr.KindValidation, "breakdown counts", err)
		}
		return releasefiles.WriteBreakdown(r.dir, releasefiles.NewBreakdown(c))
	}
	return fmt.Errorf("unknown step %q", step)
}
