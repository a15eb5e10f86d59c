package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dcrange/dcrange/internal/catalog"
	"github.com/dcrange/dcrange/internal/models"
	"github.com/dcrange/dcrange/internal/planner"
	"github.com/dcrange/dcrange/internal/poll"
	"github.com/dcrange/dcrange/internal/salt"
	"github.com/dcrange/dcrange/internal/store"
	"github.com/dcrange/dcrange/internal/terraform"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAcceptTimeout = 3 * time.Minute
	defaultApplyTimeout  = 12 * time.Minute
	defaultRecoveryPause = 5 * time.Second
)

// Progress labels recorded on the job.
const (
	progressQueued          = "Queued"
	progressPlanning        = "Planning machines"
	progressPlanned         = "Planning complete"
	progressProvisioning    = "Provisioning infrastructure"
	progressProvisioned     = "Infrastructure provisioning complete"
	progressAccepting       = "Waiting for fleet members to check in"
	progressAccepted        = "All fleet members accepted"
	progressConfiguring     = "Configuring machines"
	progressConfigured      = "Configuration apply complete"
	progressDeployed        = "Range deployed"
	progressDeployFailed    = "Range deployment failed"
	progressForceCanceled   = "Canceled by destroy (force)"
	progressUserCanceled    = "Canceled by user"
	progressUnregistering   = "Unregistering fleet members"
	progressDestroyingInfra = "Destroying infrastructure"
	progressDestroyed       = "Range destroyed"
	progressDestroyFailed   = "Destroy failed"
	progressRecoverRun      = "Recovering previous run"
	progressRecoverDestroy  = "Recovering previous destroy"
	progressRemediating     = "Remediating infrastructure conflict"
	progressRemediated      = "Re-queued after infrastructure cleanup"
	progressRemediateFailed = "Automatic cleanup failed; manual intervention required"
)

// Infrastructure provisions and tears down the range machines.
type Infrastructure interface {
	Apply(ctx context.Context, plan []models.MachinePlan) ([]models.MachinePlan, error)
	Destroy(ctx context.Context, plan []models.MachinePlan, opts terraform.DestroyOptions) error
}

// Fleet enrolls and configures the range machines.
type Fleet interface {
	AcceptMembers(ctx context.Context, ids []string, timeout time.Duration) error
	Apply(ctx context.Context, machine models.MachinePlan, timeout time.Duration) (models.ApplySummary, error)
	RemoveMembers(ctx context.Context, filter salt.Matcher) ([]string, error)
}

// CatalogLoader returns a fresh registry snapshot.
type CatalogLoader interface {
	Load(ctx context.Context) (catalog.Registry, error)
}

// OrchestratorConfig holds the pipeline limits.
type OrchestratorConfig struct {
	MaxMachines   int
	AcceptTimeout time.Duration
	ApplyTimeout  time.Duration
	RecoveryPause time.Duration
}

// Orchestrator owns the single range job and drives it through its states.
type Orchestrator struct {
	repo     store.JobRepository
	catalog  CatalogLoader
	infra    Infrastructure
	fleet    Fleet
	cfg      OrchestratorConfig
	logger   *log.Logger
	metrics  *Metrics
	redactor *Redactor
	clock    poll.Clock
	now      func() time.Time
	newID    func() string
	newRand  func() *rand.Rand

	// persistMu orders writes to the repository; mu guards the job cell.
	persistMu sync.Mutex
	mu        sync.Mutex
	job       *models.Job

	// infraMu serializes provisioning tool runs.
	infraMu sync.Mutex

	runCtx     context.Context
	stopRuns   context.CancelFunc
	wg         sync.WaitGroup
	remediated bool
}

// NewOrchestrator wires the orchestrator to its ports. Call Recover once
// before serving requests.
func NewOrchestrator(repo store.JobRepository, loader CatalogLoader, infra Infrastructure, fleet Fleet, cfg OrchestratorConfig, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxMachines <= 0 {
		cfg.MaxMachines = planner.DefaultMaxMachines
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = defaultAcceptTimeout
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.RecoveryPause <= 0 {
		cfg.RecoveryPause = defaultRecoveryPause
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:     repo,
		catalog:  loader,
		infra:    infra,
		fleet:    fleet,
		cfg:      cfg,
		logger:   logger,
		clock:    poll.RealClock{},
		now:      time.Now,
		newID:    uuid.NewString,
		newRand:  func() *rand.Rand { return planner.NewRand(rand.Uint64()) },
		runCtx:   runCtx,
		stopRuns: stop,
	}
}

// WithMetrics attaches a metrics sink.
func (o *Orchestrator) WithMetrics(metrics *Metrics) *Orchestrator {
	o.metrics = metrics
	return o
}

// WithRedactor scrubs recorded errors and log lines.
func (o *Orchestrator) WithRedactor(redactor *Redactor) *Orchestrator {
	o.redactor = redactor
	return o
}

// WithClock replaces the clock used for timestamps and pauses.
func (o *Orchestrator) WithClock(clock poll.Clock) *Orchestrator {
	if clock != nil {
		o.clock = clock
		o.now = clock.Now
	}
	return o
}

// Status returns a copy of the current job. ok is false when idle.
func (o *Orchestrator) Status() (models.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job == nil {
		return models.Job{}, false
	}
	return o.job.Clone(), true
}

// History returns recent status transitions when the repository keeps them.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]store.Transition, error) {
	reader, ok := o.repo.(store.HistoryReader)
	if !ok {
		return nil, ErrHistoryUnavailable
	}
	return reader.History(ctx, limit)
}

// Start validates the request, records a queued job and launches the
// pipeline in the background. It returns once the job is persisted.
func (o *Orchestrator) Start(ctx context.Context, req planner.Request) (models.Job, error) {
	req = planner.Normalize(req)
	if err := planner.Validate(req, o.cfg.MaxMachines); err != nil {
		return models.Job{}, err
	}
	job, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur != nil && cur.Status.Active() {
			return nil, &ConflictError{
				Message:    "a range is already running",
				Status:     cur.Status,
				RetryAfter: defaultRetryAfter,
			}
		}
		now := o.now().UTC()
		return &models.Job{
			ID:        o.newID(),
			Status:    models.JobQueued,
			Progress:  progressQueued,
			CreatedAt: now,
			Options:   req.Options,
			Scenarios: req.Scenarios,
			Machines:  []models.MachinePlan{},
		}, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	o.logger.Printf("orchestrator: job %s queued (difficulty=%s machines=%d)", job.ID, job.Options.Difficulty, job.Options.TotalMachines)
	o.launch(job.ID)
	return job, nil
}

// Cancel marks a queued or building job canceled. It does not unwind
// infrastructure; a destroy is still required.
func (o *Orchestrator) Cancel(ctx context.Context) (models.Job, error) {
	var unchanged *models.Job
	job, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil {
			return nil, ErrNoJob
		}
		switch cur.Status {
		case models.JobCanceled:
			unchanged = cur
			return nil, nil
		case models.JobDeployed, models.JobFailed, models.JobDestroyed, models.JobDestroying:
			return nil, &ConflictError{Message: fmt.Sprintf("job already %s", cur.Status), Status: cur.Status}
		}
		cur.Status = models.JobCanceled
		cur.Progress = progressUserCanceled
		return cur, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	if unchanged != nil {
		return *unchanged, nil
	}
	o.logger.Printf("orchestrator: job %s canceled", job.ID)
	return job, nil
}

// Destroy tears down fleet membership and infrastructure. With force a
// queued or building job is canceled first; without it such a job is a
// conflict. The teardown continues even if the caller goes away.
func (o *Orchestrator) Destroy(ctx context.Context, force bool) (models.Job, error) {
	return o.destroy(context.WithoutCancel(ctx), destroyRequest{Force: force})
}

// Recover loads the persisted job and resumes interrupted work. It runs
// once at startup.
func (o *Orchestrator) Recover(ctx context.Context) error {
	loaded, err := o.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	o.mu.Lock()
	o.job = loaded
	o.mu.Unlock()
	if loaded == nil {
		return nil
	}

	switch loaded.Status {
	case models.JobQueued, models.JobBuilding:
		job, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
			cur.Status = models.JobQueued
			cur.Progress = progressRecoverRun
			return cur, nil
		})
		if err != nil {
			return err
		}
		o.metrics.IncRecovery("resume")
		o.logger.Printf("orchestrator: resuming job %s", job.ID)
		o.launch(job.ID)
	case models.JobDestroying:
		if _, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
			cur.Progress = progressRecoverDestroy
			return cur, nil
		}); err != nil {
			return err
		}
		o.metrics.IncRecovery("destroy")
		o.logger.Printf("orchestrator: resuming destroy of job %s", loaded.ID)
		o.background(func(ctx context.Context) {
			_, _ = o.destroy(ctx, destroyRequest{Force: true, Resume: true})
		})
	case models.JobFailed:
		if loaded.Error == nil || loaded.Error.Code != JobErrorInfraConflict || o.remediated {
			return nil
		}
		o.remediated = true
		o.metrics.IncRecovery("remediate")
		o.logger.Printf("orchestrator: job %s failed on an infrastructure conflict; cleaning up", loaded.ID)
		o.background(func(ctx context.Context) {
			o.remediate(ctx, loaded.ID)
		})
	}
	return nil
}

// Wait blocks until background work finishes.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown interrupts background work and waits for it. Interrupted jobs
// keep their persisted status so the next start resumes them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopRuns()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) launch(jobID string) {
	o.background(func(ctx context.Context) {
		o.runPipeline(ctx, jobID)
	})
}

func (o *Orchestrator) background(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.runCtx)
	}()
}

// commit applies fn to a copy of the current job and, when fn returns a
// replacement, stamps it, installs it and persists it. A nil replacement
// with a nil error leaves the job untouched.
func (o *Orchestrator) commit(ctx context.Context, fn func(cur *models.Job) (*models.Job, error)) (models.Job, error) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.Lock()
	var cur *models.Job
	from := models.JobIdle
	if o.job != nil {
		clone := o.job.Clone()
		cur = &clone
		from = o.job.Status
	}
	next, err := fn(cur)
	if err != nil || next == nil {
		o.mu.Unlock()
		return models.Job{}, err
	}
	next.UpdatedAt = o.now().UTC()
	prev := o.job
	o.job = next
	snapshot := next.Clone()
	o.mu.Unlock()

	if err := o.repo.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		// The cell never runs ahead of what a restart would load.
		o.mu.Lock()
		o.job = prev
		o.mu.Unlock()
		o.metrics.IncPersistError()
		o.logger.Printf("orchestrator: persist job %s: %v", snapshot.ID, err)
		return models.Job{}, fmt.Errorf("persist job: %w", err)
	}
	if from != snapshot.Status {
		o.metrics.IncTransition(from, snapshot.Status)
		if snapshot.Status == models.JobDeployed || snapshot.Status == models.JobFailed {
			o.metrics.ObserveJobDuration(snapshot.Status, snapshot.UpdatedAt.Sub(snapshot.CreatedAt))
		}
	}
	return snapshot, nil
}

// gate reports errSuperseded unless jobID is the current job and still building.
func (o *Orchestrator) gate(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job == nil || o.job.ID != jobID || o.job.Status != models.JobBuilding {
		return errSuperseded
	}
	return nil
}

// step updates a job that must still be building.
func (o *Orchestrator) step(ctx context.Context, jobID, progress string, mutate func(job *models.Job)) error {
	_, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != jobID || cur.Status != models.JobBuilding {
			return nil, errSuperseded
		}
		cur.Progress = progress
		if mutate != nil {
			mutate(cur)
		}
		return cur, nil
	})
	return err
}

func (o *Orchestrator) runPipeline(ctx context.Context, jobID string) {
	job, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != jobID || cur.Status != models.JobQueued {
			return nil, errSuperseded
		}
		cur.Status = models.JobBuilding
		cur.Progress = progressPlanning
		cur.Error = nil
		return cur, nil
	})
	if err != nil {
		o.logger.Printf("orchestrator: job %s not started: %v", jobID, err)
		return
	}
	o.logger.Printf("orchestrator: job %s building", jobID)
	if err := o.build(ctx, job); err != nil {
		o.failPipeline(ctx, jobID, err)
	}
}

func (o *Orchestrator) build(ctx context.Context, job models.Job) error {
	started := o.now()
	machines, err := o.plan(ctx, job)
	if err != nil {
		return err
	}
	o.metrics.ObservePhase("plan", o.now().Sub(started))
	if err := o.step(ctx, job.ID, progressPlanned, func(j *models.Job) { j.Machines = models.CloneMachines(machines) }); err != nil {
		return err
	}

	if err := o.step(ctx, job.ID, progressProvisioning, nil); err != nil {
		return err
	}
	started = o.now()
	machines, err = o.provision(ctx, job.ID, machines)
	if err != nil {
		return err
	}
	o.metrics.ObservePhase("provision", o.now().Sub(started))
	if err := o.step(ctx, job.ID, progressProvisioned, func(j *models.Job) { j.Machines = models.CloneMachines(machines) }); err != nil {
		return err
	}

	if err := o.step(ctx, job.ID, progressAccepting, nil); err != nil {
		return err
	}
	started = o.now()
	if err := o.fleet.AcceptMembers(ctx, hostnames(machines), o.cfg.AcceptTimeout); err != nil {
		return fmt.Errorf("accept fleet members: %w", err)
	}
	o.metrics.ObservePhase("accept", o.now().Sub(started))
	if err := o.step(ctx, job.ID, progressAccepted, nil); err != nil {
		return err
	}

	if err := o.step(ctx, job.ID, progressConfiguring, nil); err != nil {
		return err
	}
	started = o.now()
	summaries := o.configure(ctx, machines)
	o.metrics.ObservePhase("configure", o.now().Sub(started))
	if err := o.step(ctx, job.ID, progressConfigured, func(j *models.Job) {
		for i := range j.Machines {
			if summary, ok := summaries[j.Machines[i].Hostname]; ok {
				summaryCopy := summary
				j.Machines[i].Apply = &summaryCopy
			}
		}
	}); err != nil {
		return err
	}

	_, err = o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != job.ID || cur.Status != models.JobBuilding {
			return nil, errSuperseded
		}
		cur.Status = models.JobDeployed
		cur.Progress = progressDeployed
		return cur, nil
	})
	if err == nil {
		o.logger.Printf("orchestrator: job %s deployed (%d machines)", job.ID, len(machines))
	}
	return err
}

func (o *Orchestrator) plan(ctx context.Context, job models.Job) ([]models.MachinePlan, error) {
	if o.catalog == nil {
		return nil, errors.New("catalog unavailable")
	}
	registry, err := o.catalog.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	req := planner.Request{Options: job.Options, Scenarios: job.Scenarios}
	machines, err := planner.Build(req, registry, o.newRand())
	if err != nil {
		return nil, err
	}
	o.redactor.AddGivens(machines)
	return machines, nil
}

func (o *Orchestrator) provision(ctx context.Context, jobID string, machines []models.MachinePlan) ([]models.MachinePlan, error) {
	o.infraMu.Lock()
	defer o.infraMu.Unlock()
	// A cancel or destroy may have landed while waiting for the lock.
	if err := o.gate(jobID); err != nil {
		return nil, err
	}
	resolved, err := o.infra.Apply(ctx, machines)
	if err != nil {
		return nil, fmt.Errorf("provision infrastructure: %w", err)
	}
	return resolved, nil
}

// configure applies every machine's states in parallel. A machine failure is
// recorded in its own summary and never fails the job.
func (o *Orchestrator) configure(ctx context.Context, machines []models.MachinePlan) map[string]models.ApplySummary {
	results := make([]models.ApplySummary, len(machines))
	var g errgroup.Group
	for i, machine := range machines {
		g.Go(func() error {
			results[i] = o.applyMachine(ctx, machine)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]models.ApplySummary, len(machines))
	for i, machine := range machines {
		out[machine.Hostname] = results[i]
	}
	return out
}

func (o *Orchestrator) applyMachine(ctx context.Context, machine models.MachinePlan) models.ApplySummary {
	if len(machine.SaltStates) == 0 {
		o.metrics.IncApply("skipped")
		o.logger.Printf("orchestrator: %s has no states; skipping apply", machine.Hostname)
		return models.ApplySummary{Minion: machine.Hostname, OK: true}
	}
	summary, err := o.fleet.Apply(ctx, machine, o.cfg.ApplyTimeout)
	if summary.Minion == "" {
		summary.Minion = machine.Hostname
	}
	if err != nil {
		summary.OK = false
		summary.Error = o.redactor.Redact(err.Error())
		if summary.Failed == 0 {
			summary.Failed = len(machine.SaltStates)
		}
		o.metrics.IncApply("error")
		o.logger.Printf("orchestrator: apply failed for %s: %s", machine.Hostname, summary.Error)
		return summary
	}
	if summary.OK {
		o.metrics.IncApply("ok")
	} else {
		o.metrics.IncApply("failed")
		o.logger.Printf("orchestrator: %s finished with %d failed states", machine.Hostname, summary.Failed)
	}
	return summary
}

func (o *Orchestrator) failPipeline(ctx context.Context, jobID string, cause error) {
	if errors.Is(cause, errSuperseded) {
		o.logger.Printf("orchestrator: job %s left building; pipeline stopped", jobID)
		return
	}
	if o.runCtx.Err() != nil && errors.Is(cause, context.Canceled) {
		o.logger.Printf("orchestrator: job %s interrupted by shutdown; it resumes on restart", jobID)
		return
	}
	jobErr := newJobError(cause, o.redactor)
	_, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != jobID || cur.Status != models.JobBuilding {
			return nil, errSuperseded
		}
		cur.Status = models.JobFailed
		cur.Progress = progressDeployFailed
		cur.Error = jobErr
		return cur, nil
	})
	if errors.Is(err, errSuperseded) {
		o.logger.Printf("orchestrator: job %s left building before its failure was recorded: %s", jobID, jobErr.Message)
		return
	}
	if err != nil {
		o.logger.Printf("orchestrator: record failure of job %s: %v", jobID, err)
	}
	o.logger.Printf("orchestrator: job %s failed (%s): %s", jobID, jobErr.Code, jobErr.Message)
}

type destroyRequest struct {
	// Force cancels a queued or building job instead of refusing.
	Force bool
	// Resume re-enters a destroy that was interrupted by a restart.
	Resume bool
	// ForceCleanup discards provisioning state instead of destroying.
	ForceCleanup bool
}

func (o *Orchestrator) destroy(ctx context.Context, req destroyRequest) (models.Job, error) {
	var plan []models.MachinePlan
	job, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil {
			now := o.now().UTC()
			return &models.Job{
				ID:        o.newID(),
				Status:    models.JobDestroying,
				Progress:  progressUnregistering,
				CreatedAt: now,
				Machines:  []models.MachinePlan{},
			}, nil
		}
		switch cur.Status {
		case models.JobQueued, models.JobBuilding:
			if !req.Force {
				return nil, &ConflictError{Message: "a range is currently being built", Status: cur.Status}
			}
			cur.Status = models.JobCanceled
			cur.Progress = progressForceCanceled
			return cur, nil
		case models.JobDestroying:
			if !req.Resume {
				return nil, &ConflictError{Message: "a destroy is already in progress", Status: cur.Status}
			}
		}
		plan = models.CloneMachines(cur.Machines)
		cur.Status = models.JobDestroying
		cur.Progress = progressUnregistering
		return cur, nil
	})
	if err != nil {
		return models.Job{}, err
	}
	if job.Status == models.JobCanceled {
		o.logger.Printf("orchestrator: job %s canceled by forced destroy", job.ID)
		plan = models.CloneMachines(job.Machines)
		job, err = o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
			if cur == nil || cur.ID != job.ID || cur.Status != models.JobCanceled {
				return nil, &ConflictError{Message: "job changed during destroy", RetryAfter: defaultRetryAfter}
			}
			cur.Status = models.JobDestroying
			cur.Progress = progressUnregistering
			return cur, nil
		})
		if err != nil {
			return models.Job{}, err
		}
	}
	jobID := job.ID
	o.logger.Printf("orchestrator: destroying range for job %s (%d machines)", jobID, len(plan))
	started := o.now()

	var filter salt.Matcher
	if len(plan) > 0 {
		filter = salt.MatchIDs(hostnames(plan)...)
	}
	removed, err := o.fleet.RemoveMembers(ctx, filter)
	if err != nil {
		o.logger.Printf("orchestrator: fleet removal for job %s incomplete: %v", jobID, o.redactor.Redact(err.Error()))
	} else {
		o.logger.Printf("orchestrator: removed %d fleet members", len(removed))
	}

	if _, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != jobID {
			return nil, errSuperseded
		}
		cur.Progress = progressDestroyingInfra
		return cur, nil
	}); errors.Is(err, errSuperseded) {
		return models.Job{}, err
	}

	o.infraMu.Lock()
	err = o.infra.Destroy(ctx, plan, terraform.DestroyOptions{ForceCleanup: req.ForceCleanup})
	o.infraMu.Unlock()
	o.metrics.ObservePhase("destroy", o.now().Sub(started))

	if err != nil {
		cause := fmt.Errorf("destroy infrastructure: %w", err)
		jobErr := newJobError(cause, o.redactor)
		failed, commitErr := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
			if cur == nil || cur.ID != jobID {
				return nil, errSuperseded
			}
			cur.Status = models.JobFailed
			cur.Progress = progressDestroyFailed
			cur.Error = jobErr
			return cur, nil
		})
		if commitErr != nil {
			o.logger.Printf("orchestrator: record destroy failure of job %s: %v", jobID, commitErr)
		}
		o.logger.Printf("orchestrator: destroy of job %s failed: %s", jobID, jobErr.Message)
		return failed, cause
	}

	done, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != jobID {
			return nil, errSuperseded
		}
		cur.Status = models.JobDestroyed
		cur.Progress = progressDestroyed
		cur.Machines = []models.MachinePlan{}
		cur.Error = nil
		return cur, nil
	})
	if err != nil {
		return done, err
	}
	o.logger.Printf("orchestrator: job %s destroyed", jobID)
	return done, nil
}

// remediate cleans up after an infrastructure conflict and re-queues the
// job. It runs at most once per process start.
func (o *Orchestrator) remediate(ctx context.Context, jobID string) {
	if _, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != jobID || cur.Status != models.JobFailed {
			return nil, errSuperseded
		}
		cur.Progress = progressRemediating
		return cur, nil
	}); err != nil {
		o.logger.Printf("orchestrator: remediation of job %s skipped: %v", jobID, err)
		return
	}

	if _, err := o.destroy(ctx, destroyRequest{Force: true, ForceCleanup: true}); err != nil {
		o.metrics.IncRecovery("remediate_failed")
		_, _ = o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
			if cur == nil || cur.ID != jobID || cur.Status != models.JobFailed {
				return nil, errSuperseded
			}
			cur.Progress = progressRemediateFailed
			return cur, nil
		})
		o.logger.Printf("orchestrator: automatic cleanup of job %s failed; manual intervention required: %v", jobID, err)
		return
	}

	if err := o.clock.Sleep(ctx, o.cfg.RecoveryPause); err != nil {
		return
	}
	job, err := o.commit(ctx, func(cur *models.Job) (*models.Job, error) {
		if cur == nil || cur.ID != jobID || cur.Status != models.JobDestroyed {
			return nil, errSuperseded
		}
		cur.Status = models.JobQueued
		cur.Progress = progressRemediated
		cur.Error = nil
		cur.Machines = []models.MachinePlan{}
		return cur, nil
	})
	if err != nil {
		o.logger.Printf("orchestrator: re-queue of job %s skipped: %v", jobID, err)
		return
	}
	o.logger.Printf("orchestrator: job %s re-queued after cleanup", job.ID)
	o.runPipeline(ctx, job.ID)
}

func hostnames(machines []models.MachinePlan) []string {
	out := make([]string, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.Hostname)
	}
	return out
}
