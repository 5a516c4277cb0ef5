package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/gate"
	"github.com/loomworks/entsync/internal/planner"
	"github.com/loomworks/entsync/internal/repo"
)

var (
	// ErrWorkspaceBusy is returned synchronously when an execute job is
	// submitted while another execute job holds the workspace.
	ErrWorkspaceBusy = errors.New("workspace has an execute job in flight")

	// ErrUnknownJob is returned for job IDs the manager has never seen.
	ErrUnknownJob = errors.New("unknown job")
)

// PhaseApplying is the single phase reported by execute jobs.
const PhaseApplying = planner.Phase("applying")

// subscriberBuffer is the per-subscriber event channel capacity. A
// subscriber that falls this far behind loses intermediate progress
// events; the completion event is never dropped.
const subscriberBuffer = 64

// completionSendTimeout bounds how long finish waits on a subscriber
// that has stopped reading before abandoning its completion delivery.
const completionSendTimeout = 5 * time.Second

// Previewer computes a preview report. *planner.Planner satisfies it.
type Previewer interface {
	Plan(ctx context.Context, reporter planner.Reporter) (*entity.SyncPreviewReport, error)
}

// Executor applies a resolved report. *apply.Applier satisfies it.
type Executor interface {
	Apply(ctx context.Context, report *entity.SyncPreviewReport, req entity.ResolutionRequest, progress func(current, total int)) (*entity.ApplySummary, error)
}

// Config holds manager tuning knobs.
type Config struct {
	// PhaseTimeout bounds how long a job may sit in one phase without
	// reporting progress. Zero disables the watchdog.
	PhaseTimeout time.Duration

	// Logger receives manager diagnostics. Nil means stderr.
	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{PhaseTimeout: 2 * time.Minute}
}

// tracked is the manager's mutable record of one job.
type tracked struct {
	snap    Job
	cancel  context.CancelFunc
	subs    map[int]chan Event
	nextSub int
}

// Manager owns job lifecycles for one engine instance.
type Manager struct {
	previewer Previewer
	executor  Executor
	cfg       Config
	logger    *log.Logger

	mu        sync.Mutex
	jobs      map[string]*tracked
	jobCtx    map[string]context.Context
	executing map[string]bool
}

// NewManager creates a manager over the given planner and applier.
func NewManager(p Previewer, e Executor, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[job] ", log.LstdFlags)
	}
	return &Manager{
		previewer: p,
		executor:  e,
		cfg:       cfg,
		logger:    logger,
		jobs:      make(map[string]*tracked),
		jobCtx:    make(map[string]context.Context),
		executing: make(map[string]bool),
	}
}

// SubmitPreview starts a preview job and returns its ID. Any number of
// preview jobs may run concurrently. The job performs no work before
// this call returns.
func (m *Manager) SubmitPreview(workspaceID string) (string, error) {
	t, start := m.newJob(workspaceID, KindPreview)

	go m.runPreview(t.snap.ID, start)

	close(start)
	return t.snap.ID, nil
}

// SubmitExecute validates the resolution request against the report
// and, if the gate passes and no execute job holds the workspace,
// starts an execute job and returns its ID.
//
// Gate rejections and workspace contention are reported synchronously;
// no job is created for them.
func (m *Manager) SubmitExecute(workspaceID string, report *entity.SyncPreviewReport, req entity.ResolutionRequest) (string, error) {
	if err := gate.Validate(report, req); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.executing[workspaceID] {
		m.mu.Unlock()
		return "", fmt.Errorf("workspace %s: %w", workspaceID, ErrWorkspaceBusy)
	}
	m.executing[workspaceID] = true
	m.mu.Unlock()

	t, start := m.newJob(workspaceID, KindExecute)

	go m.runExecute(t.snap.ID, report, req, start)

	close(start)
	return t.snap.ID, nil
}

// newJob registers a queued job and returns it with its start gate.
// The goroutine blocks on the gate so no phase can begin before the
// submission call has returned the job ID.
func (m *Manager) newJob(workspaceID string, kind Kind) (*tracked, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tracked{
		snap: Job{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			Kind:        kind,
			State:       StateQueued,
			CreatedAt:   time.Now().UTC(),
		},
		cancel: cancel,
		subs:   make(map[int]chan Event),
	}
	m.mu.Lock()
	m.jobs[t.snap.ID] = t
	m.jobCtx[t.snap.ID] = ctx
	m.mu.Unlock()

	return t, make(chan struct{})
}

// Job returns a snapshot of the job, for polling callers.
func (m *Manager) Job(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrUnknownJob)
	}
	return t.snap, nil
}

// Jobs returns snapshots of every known job, newest first.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, t := range m.jobs {
		out = append(out, t.snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel requests cooperative cancellation. Previews stop between
// phases; execute jobs stop between entities, never mid-entity.
// Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrUnknownJob)
	}
	if !t.snap.State.Terminal() {
		t.cancel()
	}
	return nil
}

// Subscribe returns the job's event channel and an unsubscribe func.
// Events are live only; there is no replay. Subscribing to an
// already-terminal job yields its completion event before the channel
// closes, so late subscribers still learn the outcome.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("job %s: %w", id, ErrUnknownJob)
	}

	if t.snap.State.Terminal() {
		ch := make(chan Event, 1)
		ch <- completionEvent(t.snap)
		close(ch)
		return ch, func() {}, nil
	}

	ch := make(chan Event, subscriberBuffer)
	key := t.nextSub
	t.nextSub++
	t.subs[key] = ch

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := t.subs[key]; ok {
			delete(t.subs, key)
			close(cur)
		}
	}
	return ch, unsubscribe, nil
}

// publish fans an event out to the job's subscribers. Slow subscribers
// lose intermediate events rather than stalling the job.
func (m *Manager) publish(id string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.jobs[id]
	if !ok {
		return
	}
	for key, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Printf("Dropping %s event for slow subscriber %d of job %s", ev.Type, key, id)
		}
	}
}

// finish moves the job to a terminal state, emits the completion event
// and closes every subscriber channel. For execute jobs it releases the
// workspace.
func (m *Manager) finish(id string, mutate func(*Job)) {
	m.mu.Lock()
	t, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	t.snap.Phase = ""
	t.snap.FinishedAt = &now
	mutate(&t.snap)

	if t.snap.Kind == KindExecute {
		delete(m.executing, t.snap.WorkspaceID)
	}

	ev := completionEvent(t.snap)
	subs := t.subs
	t.subs = make(map[int]chan Event)
	m.mu.Unlock()

	// Completion must be the last event and must not be dropped: send
	// outside the lock, then close. A subscriber that stopped reading
	// with a full buffer forfeits delivery after a grace period.
	for key, ch := range subs {
		select {
		case ch <- ev:
		case <-time.After(completionSendTimeout):
			m.logger.Printf("Abandoning completion delivery to subscriber %d of job %s", key, id)
		}
		close(ch)
	}
}

// setRunning records the current phase on the snapshot.
func (m *Manager) setRunning(id string, phase planner.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.jobs[id]; ok && !t.snap.State.Terminal() {
		t.snap.State = StateRunning
		t.snap.Phase = phase
	}
}

func (m *Manager) context(id string) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx, ok := m.jobCtx[id]; ok {
		return ctx
	}
	return context.Background()
}

func (m *Manager) runPreview(id string, start <-chan struct{}) {
	<-start
	defer m.recoverPanic(id)

	ctx := m.context(id)
	wd := newWatchdog(m.cfg.PhaseTimeout, func() {
		m.logger.Printf("Job %s exceeded phase timeout, cancelling", id)
		m.cancelJob(id)
	})
	defer wd.stop()

	report, err := m.previewer.Plan(ctx, &jobReporter{m: m, id: id, wd: wd})
	if err != nil {
		m.fail(id, err, wd.expired())
		return
	}

	m.finish(id, func(j *Job) {
		j.State = StateSucceeded
		j.Report = report
	})
}

func (m *Manager) runExecute(id string, report *entity.SyncPreviewReport, req entity.ResolutionRequest, start <-chan struct{}) {
	<-start
	defer m.recoverPanic(id)

	ctx := m.context(id)
	wd := newWatchdog(m.cfg.PhaseTimeout, func() {
		m.logger.Printf("Job %s exceeded phase timeout, cancelling", id)
		m.cancelJob(id)
	})
	defer wd.stop()

	m.setRunning(id, PhaseApplying)
	m.publish(id, Event{Type: EventProgress, JobID: id, Phase: PhaseApplying})

	summary, err := m.executor.Apply(ctx, report, req, func(current, total int) {
		wd.touch()
		m.publish(id, Event{
			Type: EventProgress, JobID: id,
			Phase: PhaseApplying, Current: current, Total: total,
		})
	})
	if err != nil {
		m.finish(id, func(j *Job) {
			j.State = StateFailed
			j.Summary = summary
			j.Error = err.Error()
			j.Retryable = retryable(err, wd.expired())
		})
		return
	}

	m.finish(id, func(j *Job) {
		j.Summary = summary
		if summary.Succeeded() {
			j.State = StateSucceeded
		} else {
			j.State = StateFailed
			j.Error = fmt.Sprintf("%d entit(ies) failed to apply", len(summary.Failed))
			j.Retryable = true
		}
	})
}

// cancelJob cancels a job's context without marking it terminal; the
// runner observes the cancellation and finishes the job itself.
func (m *Manager) cancelJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.jobs[id]; ok {
		t.cancel()
	}
}

func (m *Manager) fail(id string, err error, timedOut bool) {
	msg := err.Error()
	if timedOut {
		msg = "phase timed out: " + msg
	}
	m.finish(id, func(j *Job) {
		j.State = StateFailed
		j.Error = msg
		j.Retryable = retryable(err, timedOut)
	})
}

// retryable classifies a failure for the caller: transient repository
// errors, timeouts and cancellations may succeed on resubmission;
// authentication failures will not.
func retryable(err error, timedOut bool) bool {
	if timedOut {
		return true
	}
	if repo.IsFatal(err) {
		return false
	}
	if repo.IsRetryable(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// recoverPanic converts a runner panic into a failed job so the
// workspace lock is always released and subscribers always see a
// completion event.
func (m *Manager) recoverPanic(id string) {
	if r := recover(); r != nil {
		m.logger.Printf("Job %s panicked: %v", id, r)
		m.finish(id, func(j *Job) {
			j.State = StateFailed
			j.Error = fmt.Sprintf("internal error: %v", r)
		})
	}
}

// jobReporter bridges planner progress into job events and feeds the
// phase watchdog.
type jobReporter struct {
	m  *Manager
	id string
	wd *watchdog
}

func (r *jobReporter) Progress(phase planner.Phase, current, total int) {
	r.wd.touch()
	r.m.setRunning(r.id, phase)
	r.m.publish(r.id, Event{
		Type: EventProgress, JobID: r.id,
		Phase: phase, Current: current, Total: total,
	})
}

func (r *jobReporter) Log(level, message string) {
	r.m.publish(r.id, Event{
		Type: EventLog, JobID: r.id,
		Level: level, Message: message,
	})
}
