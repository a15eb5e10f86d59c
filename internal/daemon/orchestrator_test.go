package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrange/dcrange/internal/catalog"
	"github.com/dcrange/dcrange/internal/models"
	"github.com/dcrange/dcrange/internal/planner"
	"github.com/dcrange/dcrange/internal/poll"
	"github.com/dcrange/dcrange/internal/salt"
	"github.com/dcrange/dcrange/internal/shell"
	"github.com/dcrange/dcrange/internal/store"
	"github.com/dcrange/dcrange/internal/terraform"
	testutil "github.com/dcrange/dcrange/internal/testing"
)

// memRepo is an in-memory JobRepository that records every save.
type memRepo struct {
	mu      sync.Mutex
	job     *models.Job
	saves   []models.Job
	saveErr error
}

func (r *memRepo) Load(context.Context) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job == nil {
		return nil, nil
	}
	job := r.job.Clone()
	return &job, nil
}

func (r *memRepo) Save(_ context.Context, job models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	clone := job.Clone()
	r.job = &clone
	r.saves = append(r.saves, clone)
	return nil
}

func (r *memRepo) Clear(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job = nil
	return nil
}

func (r *memRepo) statuses() []models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.JobStatus
	for _, job := range r.saves {
		if len(out) == 0 || out[len(out)-1] != job.Status {
			out = append(out, job.Status)
		}
	}
	return out
}

type destroyCall struct {
	hostnames []string
	opts      terraform.DestroyOptions
}

type fakeInfra struct {
	mu           sync.Mutex
	applyPlans   [][]models.MachinePlan
	destroyCalls []destroyCall
	applyErr     error
	destroyErrs  []error
	applyEntered chan struct{}
	applyRelease chan struct{}
	destroyBlock chan struct{}
}

func (f *fakeInfra) Apply(ctx context.Context, plan []models.MachinePlan) ([]models.MachinePlan, error) {
	f.mu.Lock()
	f.applyPlans = append(f.applyPlans, models.CloneMachines(plan))
	entered, release, applyErr := f.applyEntered, f.applyRelease, f.applyErr
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if applyErr != nil {
		return nil, applyErr
	}
	out := models.CloneMachines(plan)
	for i := range out {
		out[i].IP = fmt.Sprintf("10.20.0.%d", 11+i)
	}
	return out, nil
}

func (f *fakeInfra) Destroy(ctx context.Context, plan []models.MachinePlan, opts terraform.DestroyOptions) error {
	f.mu.Lock()
	f.destroyCalls = append(f.destroyCalls, destroyCall{hostnames: hostnames(plan), opts: opts})
	var err error
	if len(f.destroyErrs) > 0 {
		err = f.destroyErrs[0]
		f.destroyErrs = f.destroyErrs[1:]
	}
	block := f.destroyBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeInfra) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applyPlans)
}

func (f *fakeInfra) destroys() []destroyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]destroyCall(nil), f.destroyCalls...)
}

type fakeFleet struct {
	mu            sync.Mutex
	accepted      [][]string
	acceptErr     error
	applied       []string
	failOS        string
	removeFilters []salt.Matcher
	removeErr     error

	// expectParallel makes Apply wait until that many calls are in flight.
	expectParallel int
	arrivals       int
	allIn          chan struct{}
	sawParallel    bool
}

func (f *fakeFleet) AcceptMembers(ctx context.Context, ids []string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, append([]string(nil), ids...))
	return f.acceptErr
}

func (f *fakeFleet) Apply(ctx context.Context, machine models.MachinePlan, timeout time.Duration) (models.ApplySummary, error) {
	f.mu.Lock()
	f.applied = append(f.applied, machine.Hostname)
	var wait chan struct{}
	if f.expectParallel > 0 {
		if f.allIn == nil {
			f.allIn = make(chan struct{})
		}
		f.arrivals++
		if f.arrivals == f.expectParallel {
			close(f.allIn)
		}
		wait = f.allIn
	}
	failOS := f.failOS
	f.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
			f.mu.Lock()
			f.sawParallel = true
			f.mu.Unlock()
		case <-time.After(2 * time.Second):
		}
	}
	if failOS != "" && machine.OS == failOS {
		return models.ApplySummary{Minion: machine.Hostname, JID: "20240101120000000001"}, fmt.Errorf("salt apply %s: %w", machine.Hostname, &poll.TimeoutError{Op: "state.apply", After: timeout})
	}
	return models.ApplySummary{
		Minion:  machine.Hostname,
		JID:     "20240101120000000001",
		OK:      true,
		Changed: len(machine.SaltStates),
	}, nil
}

func (f *fakeFleet) RemoveMembers(ctx context.Context, filter salt.Matcher) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeFilters = append(f.removeFilters, filter)
	return nil, f.removeErr
}

func (f *fakeFleet) acceptCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

func (f *fakeFleet) appliedHosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

type orchestratorFixture struct {
	orch    *Orchestrator
	repo    store.JobRepository
	catalog *catalog.Source
	infra   *fakeInfra
	fleet   *fakeFleet
	clock   *testutil.FakeClock
}

func newFixture(t *testing.T, repo store.JobRepository) *orchestratorFixture {
	t.Helper()
	if repo == nil {
		repo = &memRepo{}
	}
	root := t.TempDir()
	testutil.WriteCatalog(t, root, testutil.DefaultCatalog())

	logger := log.New(io.Discard, "", 0)
	f := &orchestratorFixture{
		repo:    repo,
		catalog: &catalog.Source{Dir: root, Logger: logger},
		infra:   &fakeInfra{},
		fleet:   &fakeFleet{},
		clock:   testutil.NewFakeClock(testutil.FixedTime),
	}
	f.orch = NewOrchestrator(repo, f.catalog, f.infra, f.fleet, OrchestratorConfig{
		RecoveryPause: time.Second,
	}, logger).WithClock(f.clock).WithRedactor(NewRedactor(nil)).WithMetrics(NewMetrics())

	var idMu sync.Mutex
	next := 0
	f.orch.newID = func() string {
		idMu.Lock()
		defer idMu.Unlock()
		next++
		return fmt.Sprintf("job-%d", next)
	}
	f.orch.newRand = func() *rand.Rand { return planner.NewRand(7) }
	t.Cleanup(f.orch.Wait)
	return f
}

func rangeRequest() planner.Request {
	return planner.Request{Options: models.JobOptions{
		Difficulty:    models.DifficultyMedium,
		TotalMachines: 3,
		Composition:   map[string]int{models.OSLinux: 2, models.OSWindows: 1},
	}}
}

func requireStatus(t *testing.T, o *Orchestrator, want models.JobStatus) models.Job {
	t.Helper()
	job, ok := o.Status()
	require.True(t, ok, "expected a job")
	require.Equal(t, want, job.Status, "progress=%q error=%+v", job.Progress, job.Error)
	return job
}

func waitForStatus(t *testing.T, o *Orchestrator, want models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := o.Status()
		return ok && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartRunsPipelineToDeployed(t *testing.T) {
	repo := &memRepo{}
	f := newFixture(t, repo)

	queued, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, queued.Status)
	assert.Equal(t, "job-1", queued.ID)

	f.orch.Wait()
	job := requireStatus(t, f.orch, models.JobDeployed)
	assert.Equal(t, progressDeployed, job.Progress)
	assert.Nil(t, job.Error)
	require.Len(t, job.Machines, 3)

	osCount := map[string]int{}
	seen := map[string]bool{}
	for _, m := range job.Machines {
		osCount[m.OS]++
		assert.False(t, seen[m.Hostname], "duplicate hostname %s", m.Hostname)
		seen[m.Hostname] = true
		assert.Regexp(t, `^10\.20\.0\.\d+$`, m.IP)
		require.NotNil(t, m.Apply, "machine %s has no apply summary", m.Hostname)
		assert.True(t, m.Apply.OK)
		assert.Len(t, m.SaltStates, 2)
	}
	assert.Equal(t, map[string]int{models.OSLinux: 2, models.OSWindows: 1}, osCount)

	assert.Equal(t, 1, f.infra.applyCount())
	require.Equal(t, 1, f.fleet.acceptCalls())
	assert.ElementsMatch(t, hostnames(job.Machines), f.fleet.accepted[0])
	assert.ElementsMatch(t, hostnames(job.Machines), f.fleet.appliedHosts())
	assert.Equal(t, []models.JobStatus{models.JobQueued, models.JobBuilding, models.JobDeployed}, repo.statuses())
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	repo := &memRepo{}
	f := newFixture(t, repo)

	req := rangeRequest()
	req.Options.TotalMachines = 9
	req.Options.Difficulty = "impossible"
	_, err := f.orch.Start(context.Background(), req)
	verr, ok := AsValidation(err)
	require.True(t, ok, "expected validation error, got %v", err)
	assert.GreaterOrEqual(t, len(verr.Problems), 2)

	_, ok = f.orch.Status()
	assert.False(t, ok)
	assert.Empty(t, repo.saves)
}

func TestStartIsSingleFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.infra.applyEntered = make(chan struct{}, 1)
	f.infra.applyRelease = make(chan struct{})

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	<-f.infra.applyEntered

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	conflicts := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Start(context.Background(), rangeRequest())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			conflict, ok := AsConflict(err)
			if ok {
				conflicts++
				assert.Equal(t, defaultRetryAfter, conflict.RetryAfter)
				assert.Equal(t, models.JobBuilding, conflict.Status)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, accepted)
	assert.Equal(t, 10, conflicts)

	close(f.infra.applyRelease)
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobDeployed)

	_, err = f.orch.Start(context.Background(), rangeRequest())
	_, ok := AsConflict(err)
	assert.True(t, ok, "a deployed range still blocks new requests")
	assert.Equal(t, 1, f.infra.applyCount())
}

func TestStartAfterFailureReplacesJob(t *testing.T) {
	f := newFixture(t, nil)
	f.infra.applyErr = errors.New("provider unreachable")

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobFailed)

	f.infra.mu.Lock()
	f.infra.applyErr = nil
	f.infra.mu.Unlock()
	job, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	assert.Equal(t, "job-2", job.ID)
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobDeployed)
}

func TestPartialApplyFailureStillDeploys(t *testing.T) {
	f := newFixture(t, nil)
	f.fleet.failOS = models.OSWindows
	f.fleet.expectParallel = 3

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobDeployed)
	assert.Nil(t, job.Error, "configuration failures never become a job error")
	assert.True(t, f.fleet.sawParallel, "machines are configured in parallel")
	for _, m := range job.Machines {
		require.NotNil(t, m.Apply)
		if m.OS == models.OSWindows {
			assert.False(t, m.Apply.OK)
			assert.Contains(t, m.Apply.Error, "timeout waiting for state.apply")
			assert.Equal(t, len(m.SaltStates), m.Apply.Failed)
			assert.Equal(t, "20240101120000000001", m.Apply.JID)
			continue
		}
		assert.True(t, m.Apply.OK)
		assert.Empty(t, m.Apply.Error)
	}
}

func TestProvisionConflictFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	cmdErr := &shell.CommandError{
		Command:  "terraform -chdir=/srv/tf apply -auto-approve",
		ExitCode: 1,
		Stderr:   "Error: resource pool/range-vm already exists",
	}
	f.infra.applyErr = fmt.Errorf("%w: %w", terraform.ErrInfraConflict, cmdErr)

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobFailed)
	assert.Equal(t, progressDeployFailed, job.Progress)
	require.NotNil(t, job.Error)
	assert.Equal(t, JobErrorInfraConflict, job.Error.Code)
	assert.Contains(t, job.Error.Message, "already exists")
	assert.Contains(t, job.Error.Trace, "$ terraform -chdir=/srv/tf apply")
	assert.Equal(t, 0, f.fleet.acceptCalls())
	require.Len(t, job.Machines, 3, "the plan stays visible after a failure")
}

func TestAcceptTimeoutFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.fleet.acceptErr = &poll.TimeoutError{Op: "fleet members", After: 3 * time.Minute}

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, JobErrorTimeout, job.Error.Code)
	assert.Empty(t, f.fleet.appliedHosts())
}

func TestCancelDuringProvisioningNeverDeploys(t *testing.T) {
	f := newFixture(t, nil)
	f.infra.applyEntered = make(chan struct{}, 1)
	f.infra.applyRelease = make(chan struct{})

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	<-f.infra.applyEntered

	job, err := f.orch.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, job.Status)
	assert.Equal(t, progressUserCanceled, job.Progress)

	close(f.infra.applyRelease)
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobCanceled)
	assert.Equal(t, 0, f.fleet.acceptCalls())
	assert.Empty(t, f.infra.destroys(), "cancel never unwinds infrastructure")
}

func TestCancelWhileWaitingForInfraLockSkipsApply(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.infraMu.Lock()
	locked := true
	defer func() {
		if locked {
			f.orch.infraMu.Unlock()
		}
	}()

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, ok := f.orch.Status()
		return ok && job.Progress == progressProvisioning
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.orch.Cancel(context.Background())
	require.NoError(t, err)
	f.orch.infraMu.Unlock()
	locked = false
	f.orch.Wait()

	requireStatus(t, f.orch, models.JobCanceled)
	f.infra.mu.Lock()
	applies := len(f.infra.applyPlans)
	f.infra.mu.Unlock()
	assert.Zero(t, applies)
	assert.Zero(t, f.fleet.acceptCalls())
}

func TestCancelRules(t *testing.T) {
	t.Run("no job", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.orch.Cancel(context.Background())
		assert.ErrorIs(t, err, ErrNoJob)
	})

	for _, status := range []models.JobStatus{models.JobDeployed, models.JobFailed, models.JobDestroyed, models.JobDestroying} {
		t.Run(string(status), func(t *testing.T) {
			job := testutil.NewTestJob(testutil.JobOpts{Status: status})
			repo := &memRepo{job: &job}
			f := newFixture(t, repo)
			f.orch.job = &job

			_, err := f.orch.Cancel(context.Background())
			conflict, ok := AsConflict(err)
			require.True(t, ok, "expected conflict, got %v", err)
			assert.Equal(t, "job already "+string(status), conflict.Message)
			requireStatus(t, f.orch, status)
		})
	}

	t.Run("already canceled", func(t *testing.T) {
		job := testutil.NewTestJob(testutil.JobOpts{Status: models.JobCanceled, Progress: progressUserCanceled})
		repo := &memRepo{job: &job}
		f := newFixture(t, repo)
		f.orch.job = &job

		got, err := f.orch.Cancel(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.JobCanceled, got.Status)
		assert.Empty(t, repo.saves, "repeat cancel writes nothing")
	})
}

func TestDestroyRefusesBuildWithoutForce(t *testing.T) {
	f := newFixture(t, nil)
	f.infra.applyEntered = make(chan struct{}, 1)
	f.infra.applyRelease = make(chan struct{})

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	<-f.infra.applyEntered

	_, err = f.orch.Destroy(context.Background(), false)
	conflict, ok := AsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, models.JobBuilding, conflict.Status)
	requireStatus(t, f.orch, models.JobBuilding)
	assert.Empty(t, f.infra.destroys())

	close(f.infra.applyRelease)
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobDeployed)
}

func TestForcedDestroyCancelsBuild(t *testing.T) {
	repo := &memRepo{}
	f := newFixture(t, repo)
	f.infra.applyEntered = make(chan struct{}, 1)
	f.infra.applyRelease = make(chan struct{})

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	<-f.infra.applyEntered

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Destroy(context.Background(), true)
		done <- err
	}()
	waitForStatus(t, f.orch, models.JobDestroying)
	close(f.infra.applyRelease)
	require.NoError(t, <-done)
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobDestroyed)
	assert.Empty(t, job.Machines)
	assert.Equal(t, 0, f.fleet.acceptCalls(), "the canceled build stops after provisioning")
	require.Len(t, f.infra.destroys(), 1)
	assert.Len(t, f.infra.destroys()[0].hostnames, 3)
	assert.Equal(t, []models.JobStatus{
		models.JobQueued, models.JobBuilding, models.JobCanceled, models.JobDestroying, models.JobDestroyed,
	}, repo.statuses())
}

func TestDestroyDeployedRange(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	f.orch.Wait()
	deployed := requireStatus(t, f.orch, models.JobDeployed)

	job, err := f.orch.Destroy(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.JobDestroyed, job.Status)
	assert.Equal(t, progressDestroyed, job.Progress)
	assert.Empty(t, job.Machines)
	assert.Nil(t, job.Error)

	require.Len(t, f.fleet.removeFilters, 1)
	filter := f.fleet.removeFilters[0]
	require.NotNil(t, filter)
	for _, m := range deployed.Machines {
		assert.True(t, filter(m.Hostname))
	}
	assert.False(t, filter("unrelated-minion"))

	calls := f.infra.destroys()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, hostnames(deployed.Machines), calls[0].hostnames)
	assert.False(t, calls[0].opts.ForceCleanup)
}

func TestDestroyWithoutJobRecordsDestroyed(t *testing.T) {
	f := newFixture(t, nil)

	job, err := f.orch.Destroy(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.JobDestroyed, job.Status)
	assert.Equal(t, "job-1", job.ID)

	require.Len(t, f.fleet.removeFilters, 1)
	assert.Nil(t, f.fleet.removeFilters[0], "unknown machines remove every member")
	require.Len(t, f.infra.destroys(), 1)
	assert.Empty(t, f.infra.destroys()[0].hostnames)
}

func TestDestroyContinuesAfterFleetRemovalError(t *testing.T) {
	f := newFixture(t, nil)
	f.fleet.removeErr = errors.New("salt-key -L failed")

	job, err := f.orch.Destroy(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.JobDestroyed, job.Status)
	assert.Len(t, f.infra.destroys(), 1)
}

func TestDestroyFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.infra.destroyErrs = []error{&shell.CommandError{
		Command:  "terraform destroy",
		ExitCode: 1,
		Stderr:   "Error: pm_password=hunter22 rejected",
	}}

	job, err := f.orch.Destroy(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, progressDestroyFailed, job.Progress)
	require.NotNil(t, job.Error)
	assert.Equal(t, JobErrorExternalTool, job.Error.Code)
	assert.NotContains(t, job.Error.Message, "hunter22")
	assert.NotContains(t, job.Error.Trace, "hunter22")
}

func TestDestroyWhileDestroyingConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.infra.destroyBlock = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Destroy(context.Background(), false)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.infra.destroys()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := f.orch.Destroy(context.Background(), true)
	_, ok := AsConflict(err)
	assert.True(t, ok, "expected conflict, got %v", err)

	close(f.infra.destroyBlock)
	require.NoError(t, <-done)
	requireStatus(t, f.orch, models.JobDestroyed)
}

func TestRecoverResumesInterruptedBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "current-job.json")
	repo, err := store.NewFileRepository(path, nil, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	stale := testutil.NewTestJob(testutil.JobOpts{
		Status:   models.JobBuilding,
		Progress: progressProvisioning,
		Total:    3,
		Machines: []models.MachinePlan{testutil.NewTestMachine(testutil.MachineOpts{})},
	})
	stale.Options.Composition = map[string]int{models.OSLinux: 2, models.OSWindows: 1}
	require.NoError(t, repo.Save(context.Background(), stale))

	f := newFixture(t, repo)
	require.NoError(t, f.orch.Recover(context.Background()))
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobDeployed)
	assert.Equal(t, testutil.TestJobID, job.ID)
	assert.Len(t, job.Machines, 3, "the plan is rebuilt on resume")

	reopened, err := store.NewFileRepository(path, nil, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	persisted, err := reopened.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, models.JobDeployed, persisted.Status)
}

func TestRecoverResumesQueuedJob(t *testing.T) {
	queued := testutil.NewTestJob(testutil.JobOpts{Status: models.JobQueued, Total: 1})
	repo := &memRepo{job: &queued}
	f := newFixture(t, repo)

	require.NoError(t, f.orch.Recover(context.Background()))
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobDeployed)
	assert.Equal(t, models.JobQueued, repo.saves[0].Status)
	assert.Equal(t, progressRecoverRun, repo.saves[0].Progress)
}

func TestRecoverFinishesInterruptedDestroy(t *testing.T) {
	machine := testutil.NewTestMachine(testutil.MachineOpts{IP: testutil.TestIP})
	destroying := testutil.NewTestJob(testutil.JobOpts{Status: models.JobDestroying, Machines: []models.MachinePlan{machine}})
	repo := &memRepo{job: &destroying}
	f := newFixture(t, repo)

	require.NoError(t, f.orch.Recover(context.Background()))
	f.orch.Wait()

	requireStatus(t, f.orch, models.JobDestroyed)
	calls := f.infra.destroys()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{testutil.TestHostname}, calls[0].hostnames)
	assert.False(t, calls[0].opts.ForceCleanup)
	assert.Equal(t, progressRecoverDestroy, repo.saves[0].Progress)
}

func TestRecoverRemediatesInfraConflictOnce(t *testing.T) {
	failed := testutil.NewTestJob(testutil.JobOpts{
		Status: models.JobFailed,
		Total:  1,
		Error:  &models.JobError{Code: JobErrorInfraConflict, Message: "config file already exists"},
	})
	repo := &memRepo{job: &failed}
	f := newFixture(t, repo)

	require.NoError(t, f.orch.Recover(context.Background()))
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobDeployed)
	assert.Equal(t, testutil.TestJobID, job.ID)
	calls := f.infra.destroys()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].opts.ForceCleanup)
	assert.Contains(t, f.clock.Sleeps(), time.Second)
	assert.Equal(t, 1, f.infra.applyCount())

	// A second conflict in the same process is left for an operator.
	refailed := testutil.NewTestJob(testutil.JobOpts{
		Status: models.JobFailed,
		Error:  &models.JobError{Code: JobErrorInfraConflict, Message: "already exists"},
	})
	repo.mu.Lock()
	repo.job = &refailed
	repo.mu.Unlock()
	require.NoError(t, f.orch.Recover(context.Background()))
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobFailed)
	assert.Len(t, f.infra.destroys(), 1)
}

func TestRecoverRemediationFailureStopsRetrying(t *testing.T) {
	failed := testutil.NewTestJob(testutil.JobOpts{
		Status: models.JobFailed,
		Error:  &models.JobError{Code: JobErrorInfraConflict, Message: "already exists"},
	})
	repo := &memRepo{job: &failed}
	f := newFixture(t, repo)
	f.infra.destroyErrs = []error{errors.New("state locked")}

	require.NoError(t, f.orch.Recover(context.Background()))
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobFailed)
	assert.Equal(t, progressRemediateFailed, job.Progress)
	assert.Len(t, f.infra.destroys(), 1)
	assert.Equal(t, 0, f.infra.applyCount())
	assert.Empty(t, f.clock.Sleeps())
}

func TestRecoverLeavesOtherFailuresAlone(t *testing.T) {
	failed := testutil.NewTestJob(testutil.JobOpts{
		Status: models.JobFailed,
		Error:  &models.JobError{Code: JobErrorExternalTool, Message: "resource already exists"},
	})
	repo := &memRepo{job: &failed}
	f := newFixture(t, repo)

	require.NoError(t, f.orch.Recover(context.Background()))
	f.orch.Wait()
	requireStatus(t, f.orch, models.JobFailed)
	assert.Empty(t, f.infra.destroys())
	assert.Empty(t, repo.saves)
}

func TestPersistFailureLeavesJobUntouched(t *testing.T) {
	repo := &memRepo{saveErr: errors.New("disk full")}
	f := newFixture(t, repo)

	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist job")

	_, ok := f.orch.Status()
	assert.False(t, ok)
	assert.Equal(t, 0, f.infra.applyCount())
}

func TestApplyMachineWithoutStatesIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	machine := testutil.NewTestMachine(testutil.MachineOpts{SaltStates: []string{}})

	summary := f.orch.applyMachine(context.Background(), machine)
	assert.True(t, summary.OK)
	assert.Equal(t, testutil.TestHostname, summary.Minion)
	assert.Empty(t, f.fleet.appliedHosts())
}

func TestStatusReturnsCopies(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Start(context.Background(), rangeRequest())
	require.NoError(t, err)
	f.orch.Wait()

	job := requireStatus(t, f.orch, models.JobDeployed)
	job.Machines[0].Hostname = "mutated"
	job.Machines[0].Apply.OK = false

	again := requireStatus(t, f.orch, models.JobDeployed)
	assert.NotEqual(t, "mutated", again.Machines[0].Hostname)
	assert.True(t, again.Machines[0].Apply.OK)
}
