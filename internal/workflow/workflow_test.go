package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/release/internal/accession"
	"github.com/mkoziy/genome/release/internal/database"
	"github.com/mkoziy/genome/release/internal/logging"
	"github.com/mkoziy/genome/release/internal/metrics"
	"github.com/mkoziy/genome/release/internal/migrations"
	"github.com/mkoziy/genome/release/internal/models"
	"github.com/mkoziy/genome/release/internal/postprocess"
	"github.com/mkoziy/genome/release/internal/releaseerr"
	"github.com/mkoziy/genome/release/internal/releasefiles"
	"github.com/mkoziy/genome/release/internal/releasejob"
	"github.com/mkoziy/genome/release/internal/repositories"
	"github.com/mkoziy/genome/release/internal/snapshot"
	"github.com/mkoziy/genome/release/internal/tracker"
	"github.com/mkoziy/genome/release/internal/validate"
)

const cow = "GCA_000003055.3"

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := database.NewDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.RunMigrations(context.Background(), db, logging.Discard()))
	return db
}

type fakeTunnel struct {
	f    *fakeForwarder
	port int
}

func (t *fakeTunnel) Port() int { return t.port }

func (t *fakeTunnel) Close() error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.f.closed++
	t.f.active--
	return nil
}

type fakeForwarder struct {
	mu     sync.Mutex
	opened int
	closed int
	active int
}

func (f *fakeForwarder) Open(_ context.Context, instance string) (Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.active++
	return &fakeTunnel{f: f, port: 40000 + f.opened}, nil
}

type fakeStaging struct {
	mu      sync.Mutex
	name    string
	dropped int
	closed  int
}

func (s *fakeStaging) Name() string { return s.name }

func (s *fakeStaging) Drop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
	return nil
}

func (s *fakeStaging) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStaging) ReleasableRS(context.Context) (accession.IDSet, error) {
	return accession.NewIDSet(1), nil
}

func (s *fakeStaging) Accounted(context.Context, accession.Reason, []int64) (accession.IDSet, error) {
	return accession.NewIDSet(), nil
}

func (s *fakeStaging) Breakdown(context.Context) (models.RSCounts, error) {
	return models.RSCounts{ClusteredRS: 5, SSClustered: 9}, nil
}

type fakeSnapshot struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSnapshot) Snapshot(_ context.Context, t *models.ReleaseTarget, staging snapshot.Database, dest snapshot.Endpoint) (*snapshot.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &snapshot.Result{Database: staging.Name()}, nil
}

type fakeJob struct {
	mu    sync.Mutex
	calls int
	run   func(ctx context.Context) error
}

func (f *fakeJob) Run(ctx context.Context, t *models.ReleaseTarget, port int, outDir string) (*releasejob.Artifacts, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.run != nil {
		if err := f.run(ctx); err != nil {
			return nil, err
		}
	}
	in := make(map[models.Category][]models.Source)
	for _, c := range models.Categories {
		if c.Required() {
			in[c] = t.Sources.List()
		}
	}
	return &releasejob.Artifacts{Dir: outDir, Inputs: in}, nil
}

type fakePost struct {
	mu     sync.Mutex
	calls  int
	inputs map[models.Category][]models.Source
}

func (f *fakePost) Process(_ context.Context, t *models.ReleaseTarget, dir string, inputs map[models.Category][]models.Source) (*postprocess.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.inputs = inputs
	name := releasefiles.Final(t.Taxonomy, t.AssemblyAccession, models.CategoryCurrent)
	return &postprocess.Result{
		Files:    []string{name},
		Manifest: []releasefiles.Entry{{File: name, Count: 1}},
	}, nil
}

type fakeValidator struct {
	calls int
	err   error
}

func (f *fakeValidator) Validate(ctx context.Context, _ *models.ReleaseTarget, _ string, store validate.RSStore) (*validate.Report, error) {
	f.calls++
	if _, err := store.ReleasableRS(ctx); err != nil {
		return nil, err
	}
	return &validate.Report{RS: &validate.RSCheck{Accounted: map[accession.Reason]int{accession.ReasonMerged: 2}}}, f.err
}

type harness struct {
	db        *bun.DB
	tracker   *tracker.Service
	forwarder *fakeForwarder
	staging   *fakeStaging
	snap      *fakeSnapshot
	job       *fakeJob
	post      *fakePost
	validator *fakeValidator
	root      string
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		db:        newTestDB(t),
		forwarder: &fakeForwarder{},
		staging:   &fakeStaging{name: models.StagingDatabaseName(9913, cow)},
		snap:      &fakeSnapshot{},
		job:       &fakeJob{},
		post:      &fakePost{},
		validator: &fakeValidator{},
		root:      t.TempDir(),
	}
	h.tracker = tracker.New(h.db, nil, nil, nil, tracker.Options{}, logging.Discard())
	return h
}

func (h *harness) workflow(runID string) *Workflow {
	deps := Deps{
		Tracker:   h.tracker,
		Forwarder: h.forwarder,
		Connect: func(context.Context, *models.ReleaseTarget, int) (Staging, error) {
			return h.staging, nil
		},
		Snapshot:  h.snap,
		Job:       h.job,
		Post:      h.post,
		Validator: h.validator,
	}
	return New(deps, Options{Root: h.root, RunID: runID}, metrics.New(runID), logging.Discard())
}

func (h *harness) seed(t *testing.T, tax int64, asm, instance string) *models.ReleaseTarget {
	target := &models.ReleaseTarget{
		Taxonomy:          tax,
		AssemblyAccession: asm,
		ReleaseVersion:    2,
		ScientificName:    "Bos taurus",
		Sources:           models.SourcesBoth,
		ReleaseStatus:     models.StatusPending,
		StagingInstance:   instance,
		ShouldBeReleased:  true,
		NumRSToRelease:    10,
		ReleaseFolderName: "bos_taurus",
	}
	require.NoError(t, repositories.UpsertTargets(context.Background(), h.db, []*models.ReleaseTarget{target}))
	return target
}

func (h *harness) row(t *testing.T, key models.Key) *models.ReleaseTarget {
	got, err := h.tracker.Get(context.Background(), key)
	require.NoError(t, err)
	return got
}

func TestRunCompletesTarget(t *testing.T) {
	h := newHarness(t)
	target := h.seed(t, 9913, cow, "mongo-1")

	out := h.workflow("run-1").Run(context.Background(), target.Key())
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCompleted, out.Status)

	row := h.row(t, target.Key())
	assert.Equal(t, models.StatusCompleted, row.ReleaseStatus)
	assert.NotNil(t, row.ReleaseStart)
	assert.NotNil(t, row.ReleaseEnd)
	assert.Equal(t, 1, h.forwarder.opened)
	assert.Equal(t, 1, h.forwarder.closed)
	assert.Equal(t, 1, h.staging.closed)

	dir := releasefiles.Layout{Root: h.root}.TargetDir(row)
	b, err := releasefiles.ReadBreakdown(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.ClusteredRS)

	cp, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, Step(""), cp.Next())
	assert.Equal(t, "run-1", cp.RunID)
	assert.FileExists(t, out.LogPath)
}

func TestRunCancelledLeavesTargetStartedAndResumes(t *testing.T) {
	h := newHarness(t)
	target := h.seed(t, 9913, cow, "mongo-1")

	ctx, cancel := context.WithCancel(context.Background())
	h.job.run = func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	out := h.workflow("run-1").Run(ctx, target.Key())
	require.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, models.StatusStarted, out.Status)

	row := h.row(t, target.Key())
	assert.Equal(t, models.StatusStarted, row.ReleaseStatus)
	assert.Nil(t, row.ReleaseEnd)
	assert.Equal(t, 1, h.forwarder.closed, "port forward is closed on cancel")
	assert.Equal(t, 0, h.staging.dropped, "staging database is kept")

	dir := releasefiles.Layout{Root: h.root}.TargetDir(row)
	cp, err := LoadCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, StepReleaseJob, cp.Next())

	h.job.run = nil
	out = h.workflow("run-2").Run(context.Background(), target.Key())
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 1, h.snap.calls, "snapshot is not repeated")
	assert.Equal(t, 2, h.job.calls)
	assert.Equal(t, 2, h.forwarder.closed)
}

func TestRunFailureMarksFailedAndRetryResumes(t *testing.T) {
	h := newHarness(t)
	target := h.seed(t, 9913, cow, "mongo-1")
	h.validator.err = releaseerr.Newf(releaseerr.KindUnattributedMissingRS, "rs check", "1 RS unexplained")

	out := h.workflow("run-1").Run(context.Background(), target.Key())
	require.ErrorIs(t, out.Err, releaseerr.ErrUnattributedMissingRS)
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.NotEmpty(t, out.LogPath)

	row := h.row(t, target.Key())
	assert.Equal(t, models.StatusFailed, row.ReleaseStatus)
	assert.NotNil(t, row.ReleaseEnd)
	assert.Equal(t, 1, h.forwarder.closed)

	h.validator.err = nil
	out = h.workflow("run-2").Run(context.Background(), target.Key())
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 1, h.snap.calls)
	assert.Equal(t, 1, h.job.calls)
	assert.Equal(t, 1, h.post.calls)
	assert.Equal(t, 2, h.validator.calls)
}

func TestRunSkipsTargetsNotToRelease(t *testing.T) {
	h := newHarness(t)
	target := h.seed(t, 9913, models.UnmappedAssembly, "mongo-1")
	require.NoError(t, repositories.UpdateReleasability(context.Background(), h.db, target.Key(), false, 0, models.SourcesBoth))

	out := h.workflow("run-1").Run(context.Background(), target.Key())
	assert.True(t, out.Skipped)
	assert.NoError(t, out.Err)
	assert.Equal(t, 0, h.forwarder.opened)
	assert.Equal(t, models.StatusPending, h.row(t, target.Key()).ReleaseStatus)
}

func TestRunPostProcessAfterResumeCollectsInputs(t *testing.T) {
	h := newHarness(t)
	target := h.seed(t, 9913, cow, "mongo-1")
	row := h.row(t, target.Key())
	dir := releasefiles.Layout{Root: h.root}.TargetDir(row)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	cp := newCheckpoint(row, "old")
	cp.Completed[StepSnapshot] = time.Now()
	cp.Completed[StepReleaseJob] = time.Now()
	require.NoError(t, SaveCheckpoint(dir, cp))
	for _, c := range models.Categories {
		if !c.Required() {
			continue
		}
		for _, src := range target.Sources.List() {
			name := releasefiles.ProvenanceInput(src, target.Taxonomy, target.AssemblyAccession, c)
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
		}
	}

	out := h.workflow("run-2").Run(context.Background(), target.Key())
	require.NoError(t, out.Err)
	assert.Equal(t, 0, h.job.calls)
	assert.Len(t, h.post.inputs[models.CategoryCurrent], 2)
}

type instanceForwarder struct {
	fakeForwarder
	inUse map[string]bool
	clash bool
}

type trackingTunnel struct {
	Tunnel
	release func()
}

func (t trackingTunnel) Close() error {
	t.release()
	return t.Tunnel.Close()
}

func (f *instanceForwarder) Open(ctx context.Context, instance string) (Tunnel, error) {
	f.mu.Lock()
	if f.inUse[instance] {
		f.clash = true
	}
	f.inUse[instance] = true
	f.mu.Unlock()
	tun, err := f.fakeForwarder.Open(ctx, instance)
	if err != nil {
		return nil, err
	}
	time.Sleep(10 * time.Millisecond)
	return trackingTunnel{Tunnel: tun, release: func() {
		f.mu.Lock()
		f.inUse[instance] = false
		f.mu.Unlock()
	}}, nil
}

func TestRunAllSerializesSharedInstances(t *testing.T) {
	h := newHarness(t)
	a := h.seed(t, 9913, cow, "mongo-1")
	b := h.seed(t, 9913, "GCA_000001.1", "mongo-1")
	c := h.seed(t, 9940, "GCA_000002.1", "mongo-2")

	fwd := &instanceForwarder{inUse: make(map[string]bool)}
	w := h.workflow("run-1")
	w.deps.Forwarder = fwd

	failing := b.Key()
	w.deps.Validator = validatorFunc(func(key models.Key) error {
		if key == failing {
			return errors.New("validator crashed")
		}
		return nil
	})

	outcomes := w.RunAll(context.Background(), []*models.ReleaseTarget{a, b, c}, 3)
	require.Len(t, outcomes, 3)
	assert.False(t, fwd.clash, "two targets used one staging instance at once")
	assert.Equal(t, models.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, models.StatusFailed, outcomes[1].Status)
	assert.Equal(t, models.StatusCompleted, outcomes[2].Status)
	assert.Equal(t, 1, Failed(outcomes))
}

type validatorFunc func(models.Key) error

func (f validatorFunc) Validate(_ context.Context, t *models.ReleaseTarget, _ string, _ validate.RSStore) (*validate.Report, error) {
	return &validate.Report{}, f(t.Key())
}
