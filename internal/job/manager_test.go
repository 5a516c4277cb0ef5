package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/gate"
	"github.com/loomworks/entsync/internal/planner"
	"github.com/loomworks/entsync/internal/repo"
)

// fakePreviewer returns a canned report, optionally blocking until
// released or cancelled.
type fakePreviewer struct {
	report *entity.SyncPreviewReport
	err    error
	block  chan struct{}
}

func (f *fakePreviewer) Plan(ctx context.Context, r planner.Reporter) (*entity.SyncPreviewReport, error) {
	r.Progress(planner.PhaseCloning, 0, 0)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	r.Progress(planner.PhaseComparing, 1, 1)
	return f.report, nil
}

// fakeExecutor returns a canned summary, optionally blocking.
type fakeExecutor struct {
	summary *entity.ApplySummary
	err     error
	block   chan struct{}
}

func (f *fakeExecutor) Apply(ctx context.Context, _ *entity.SyncPreviewReport, _ entity.ResolutionRequest, progress func(int, int)) (*entity.ApplySummary, error) {
	if progress != nil {
		progress(0, 1)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return f.summary, ctx.Err()
		}
	}
	if f.err != nil {
		return f.summary, f.err
	}
	if progress != nil {
		progress(1, 1)
	}
	return f.summary, nil
}

func emptyReport() *entity.SyncPreviewReport {
	return &entity.SyncPreviewReport{
		ToPull:     []entity.SyncAction{},
		ToPush:     []entity.SyncAction{},
		Conflicts:  []entity.SyncConflict{},
		WillOrphan: []entity.OrphanInfo{},
	}
}

func cleanSummary() *entity.ApplySummary {
	return &entity.ApplySummary{
		Applied: []entity.EntityResult{{Path: "workflows/billing.yaml"}},
		Failed:  []entity.EntityResult{},
	}
}

// drain reads every event until the channel closes.
func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func TestPreviewLifecycle(t *testing.T) {
	m := NewManager(&fakePreviewer{report: emptyReport()}, nil, Config{})

	id, err := m.SubmitPreview("ws1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ch, unsub, err := m.Subscribe(id)
	require.NoError(t, err)
	defer unsub()

	events := drain(t, ch)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, EventCompletion, last.Type)
	assert.Equal(t, StateSucceeded, last.State)
	require.NotNil(t, last.Report)
	assert.True(t, last.Report.IsEmpty())

	for _, ev := range events[:len(events)-1] {
		assert.NotEqual(t, EventCompletion, ev.Type, "completion must be the last event")
	}

	snap, err := m.Job(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, snap.State)
	assert.NotNil(t, snap.FinishedAt)
}

func TestSubscribeAfterCompletion(t *testing.T) {
	m := NewManager(&fakePreviewer{report: emptyReport()}, nil, Config{})

	id, err := m.SubmitPreview("ws1")
	require.NoError(t, err)
	waitTerminal(t, m, id)

	ch, unsub, err := m.Subscribe(id)
	require.NoError(t, err)
	defer unsub()

	events := drain(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventCompletion, events[0].Type)
	assert.Equal(t, StateSucceeded, events[0].State)
}

func TestExecuteWorkspaceLock(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(nil, &fakeExecutor{summary: cleanSummary(), block: release}, Config{})

	first, err := m.SubmitExecute("ws1", emptyReport(), entity.ResolutionRequest{})
	require.NoError(t, err)

	// Second execute on the same workspace is rejected synchronously.
	_, err = m.SubmitExecute("ws1", emptyReport(), entity.ResolutionRequest{})
	require.ErrorIs(t, err, ErrWorkspaceBusy)

	// A different workspace is unaffected.
	_, err = m.SubmitExecute("ws2", emptyReport(), entity.ResolutionRequest{})
	require.NoError(t, err)

	close(release)
	waitTerminal(t, m, first)

	// The lock is released on completion.
	_, err = m.SubmitExecute("ws1", emptyReport(), entity.ResolutionRequest{})
	require.NoError(t, err)
}

func TestExecuteGateRejectionIsSynchronous(t *testing.T) {
	m := NewManager(nil, &fakeExecutor{summary: cleanSummary()}, Config{})

	report := emptyReport()
	report.Conflicts = []entity.SyncConflict{{Path: "workflows/billing.yaml"}}

	_, err := m.SubmitExecute("ws1", report, entity.ResolutionRequest{})
	require.ErrorIs(t, err, gate.ErrRejected)
	assert.Empty(t, m.Jobs(), "rejected submissions must not create jobs")

	// Rejection does not poison the workspace lock.
	_, err = m.SubmitExecute("ws1", emptyReport(), entity.ResolutionRequest{})
	require.NoError(t, err)
}

func TestExecutePartialFailure(t *testing.T) {
	summary := &entity.ApplySummary{
		Applied: []entity.EntityResult{{Path: "workflows/a.yaml"}},
		Failed:  []entity.EntityResult{{Path: "workflows/b.yaml", Error: "remote hung up"}},
	}
	m := NewManager(nil, &fakeExecutor{summary: summary}, Config{})

	id, err := m.SubmitExecute("ws1", emptyReport(), entity.ResolutionRequest{})
	require.NoError(t, err)
	snap := waitTerminal(t, m, id)

	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Summary)
	assert.Len(t, snap.Summary.Applied, 1)
	assert.Len(t, snap.Summary.Failed, 1)
	assert.True(t, snap.Retryable)
}

func TestCancelPreview(t *testing.T) {
	m := NewManager(&fakePreviewer{report: emptyReport(), block: make(chan struct{})}, nil, Config{})

	id, err := m.SubmitPreview("ws1")
	require.NoError(t, err)

	// Let the job reach its blocking phase before cancelling.
	waitRunning(t, m, id)
	require.NoError(t, m.Cancel(id))

	snap := waitTerminal(t, m, id)
	assert.Equal(t, StateFailed, snap.State)
	assert.True(t, snap.Retryable)
}

func TestPhaseTimeout(t *testing.T) {
	m := NewManager(&fakePreviewer{report: emptyReport(), block: make(chan struct{})}, nil,
		Config{PhaseTimeout: 20 * time.Millisecond})

	id, err := m.SubmitPreview("ws1")
	require.NoError(t, err)

	snap := waitTerminal(t, m, id)
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "phase timed out")
	assert.True(t, snap.Retryable)
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient", fmt.Errorf("pull: %w", repo.ErrTransient), true},
		{"timeout", fmt.Errorf("pull: %w", repo.ErrTimeout), true},
		{"auth", fmt.Errorf("pull: %w", repo.ErrAuth), false},
		{"other", errors.New("schema mismatch"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(&fakePreviewer{err: tt.err}, nil, Config{})
			id, err := m.SubmitPreview("ws1")
			require.NoError(t, err)

			snap := waitTerminal(t, m, id)
			assert.Equal(t, StateFailed, snap.State)
			assert.Equal(t, tt.retryable, snap.Retryable)
		})
	}
}

func TestConcurrentPreviews(t *testing.T) {
	m := NewManager(&fakePreviewer{report: emptyReport()}, nil, Config{})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.SubmitPreview("ws1")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		snap := waitTerminal(t, m, id)
		assert.Equal(t, StateSucceeded, snap.State)
	}
}

func TestUnknownJob(t *testing.T) {
	m := NewManager(&fakePreviewer{report: emptyReport()}, nil, Config{})

	_, err := m.Job("nope")
	require.ErrorIs(t, err, ErrUnknownJob)

	_, _, err = m.Subscribe("nope")
	require.ErrorIs(t, err, ErrUnknownJob)

	err = m.Cancel("nope")
	require.ErrorIs(t, err, ErrUnknownJob)
}

// waitTerminal polls until the job reaches a terminal state.
func waitTerminal(t *testing.T, m *Manager, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := m.Job(id)
		require.NoError(t, err)
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return Job{}
}

// waitRunning polls until the job reports a phase.
func waitRunning(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := m.Job(id)
		require.NoError(t, err)
		if snap.State == StateRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never started running", id)
}
