package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safemod/internal/checkpoint"
	"safemod/internal/eventhub"
	"safemod/internal/logging"
	"safemod/internal/risk"
	"safemod/internal/rollback"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []eventhub.SafetyEvent
}

func (r *eventRecorder) BroadcastEvent(name string, payload interface{}) {
	if name != eventhub.SafetyEventName {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload.(eventhub.SafetyEvent))
}

func (r *eventRecorder) types(opID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.OperationID == opID {
			out = append(out, e.Type)
		}
	}
	return out
}

func newOrchestrator(t *testing.T, opts Options) (*Orchestrator, *eventRecorder) {
	t.Helper()
	o, rec, _ := newOrchestratorWithStore(t, opts, 0)
	return o, rec
}

func newOrchestratorWithStore(t *testing.T, opts Options, maxCheckpoints int) (*Orchestrator, *eventRecorder, *checkpoint.Manager) {
	t.Helper()
	rec := &eventRecorder{}
	hub := eventhub.New(rec)

	m, err := checkpoint.NewManager(context.Background(), checkpoint.Options{
		BaseDir:        t.TempDir(),
		MaxCheckpoints: maxCheckpoints,
		Hub:            hub,
		Logger:         logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	o, err := New(Deps{Checkpoints: m, Hub: hub, Logger: logging.Nop()}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o, rec, m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func eventTypes(events []eventhub.SafetyEvent) []string {
	return lo.Map(events, func(e eventhub.SafetyEvent, _ int) string { return e.Type })
}

func TestNew_RequiresCheckpoints(t *testing.T) {
	_, err := New(Deps{}, DefaultOptions())
	assert.Error(t, err)
}

func TestAssessOperation_InvalidInput(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	cases := map[string]OperationContext{
		"blank description": {Description: "  ", Type: risk.OpModify, Targets: []string{"a.go"}},
		"no targets":        {Description: "edit", Type: risk.OpModify},
		"blank target":      {Description: "edit", Type: risk.OpModify, Targets: []string{" "}},
		"unknown type":      {Description: "edit", Type: "rename", Targets: []string{"a.go"}},
		"empty side effect": {Description: "edit", Type: risk.OpModify, Targets: []string{"a.go"}, SideEffects: []string{""}},
	}
	for name, opCtx := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.AssessOperation(ctx, opCtx)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Empty(t, o.ListOperations())
}

// A new file is created by the operation and removed again on rollback.
func TestScenario_CreateThenRollback(t *testing.T) {
	o, rec := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "foo.txt")

	a, err := o.AssessOperation(ctx, OperationContext{
		Description: "create foo",
		Type:        risk.OpCreate,
		Targets:     []string{target},
		NewContent:  map[string][]byte{target: []byte("hello\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, a.Status)
	assert.NotEmpty(t, a.CheckpointID)
	assert.Equal(t, 1, a.ChangePreview.Summary.NewFiles)
	require.NotNil(t, a.RollbackPlan)
	assert.True(t, a.RollbackPlan.CanAutoRollback)

	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		return os.WriteFile(target, []byte("hello\n"), 0644)
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.RollbackAvailable)
	assert.FileExists(t, target)

	restore, err := o.RollbackOperation(ctx, a.OperationID)
	require.NoError(t, err)
	assert.True(t, restore.Success, restore.Error)
	assert.Equal(t, []string{target}, restore.FilesRemoved)
	assert.NoFileExists(t, target)

	status, ok := o.GetOperationStatus(a.OperationID)
	require.True(t, ok)
	assert.Equal(t, StatusRolledBack, status.Status)
	assert.Equal(t, []string{
		EventOperationStarted,
		EventRiskAssessed,
		EventCheckpointCreated,
		EventOperationApproved,
		EventOperationExecuting,
		EventOperationCompleted,
		EventRollbackStarted,
		EventRollbackCompleted,
	}, eventTypes(status.Events))
	assert.Equal(t, eventTypes(status.Events), rec.types(a.OperationID))

	again, err := o.RollbackOperation(ctx, a.OperationID)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.Len(t, o.GetSafetyEvents(a.OperationID), len(status.Events))
}

// Deleting a dependency manifest is high risk and waits for approval.
func TestScenario_DeleteManifestNeedsApproval(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	manifest := filepath.Join(t.TempDir(), "package.json")
	writeFile(t, manifest, `{"name":"app"}`)

	a, err := o.AssessOperation(ctx, OperationContext{
		Description: "drop manifest",
		Type:        risk.OpDelete,
		Targets:     []string{manifest},
	})
	require.NoError(t, err)
	assert.Equal(t, risk.LevelHigh, a.RiskAssessment.Level)
	assert.False(t, a.RiskAssessment.AutomaticApproval)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 2, a.RequiredApprovals)
	assert.Contains(t, eventTypes(a.Events), EventApprovalRequired)

	called := false
	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.False(t, called)
	assert.Equal(t, StatusPending, res.Status)
	assert.FileExists(t, manifest)
}

// A failing apply is rolled back automatically and its error returned.
func TestScenario_FailedApplyRollsBack(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "main.go")
	writeFile(t, target, "package main\n")

	a, err := o.AssessOperation(ctx, OperationContext{
		Description: "edit main",
		Type:        risk.OpModify,
		Targets:     []string{target},
		NewContent:  map[string][]byte{target: []byte("package main\n\nfunc main() {}\n")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, a.Status)
	assert.Equal(t, 2, a.ChangePreview.Summary.AddedLines)

	rolledBack := testutil.ToFloat64(transitionsTotal.WithLabelValues(string(StatusRolledBack)))
	boom := errors.New("boom")
	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		if err := os.WriteFile(target, []byte("package broken\n"), 0644); err != nil {
			return err
		}
		return boom
	})
	assert.Same(t, boom, err)
	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, "package main\n", readFile(t, target))
	assert.Equal(t, rolledBack+1, testutil.ToFloat64(transitionsTotal.WithLabelValues(string(StatusRolledBack))))

	status, _ := o.GetOperationStatus(a.OperationID)
	assert.Equal(t, StatusRolledBack, status.Status)
	assert.Equal(t, "boom", status.Error)
	assert.Subset(t, eventTypes(status.Events), []string{EventOperationFailed, EventRollbackStarted, EventRollbackCompleted})
}

func TestExecuteOperation_PanicIsRecovered(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "main.go")
	writeFile(t, target, "package main\n")

	a, err := o.AssessOperation(ctx, OperationContext{Description: "edit", Type: risk.OpModify, Targets: []string{target}})
	require.NoError(t, err)

	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		writeFile(t, target, "garbage")
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Equal(t, "package main\n", readFile(t, target))
}

func TestExecuteOperation_RollbackConflictWithoutForce(t *testing.T) {
	opts := DefaultOptions()
	opts.ForceRollback = false
	o, _ := newOrchestrator(t, opts)
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "main.go")
	writeFile(t, target, "package main\n")

	a, err := o.AssessOperation(ctx, OperationContext{Description: "edit", Type: risk.OpModify, Targets: []string{target}})
	require.NoError(t, err)

	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		writeFile(t, target, "package broken\n")
		return errors.New("compile failed")
	})
	require.Error(t, err)
	assert.False(t, res.RolledBack)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "package broken\n", readFile(t, target))

	status, _ := o.GetOperationStatus(a.OperationID)
	assert.Contains(t, eventTypes(status.Events), EventRollbackFailed)
}

func TestExecuteOperation_CheckpointOutlivesRetention(t *testing.T) {
	o, _, m := newOrchestratorWithStore(t, DefaultOptions(), 1)
	ctx := context.Background()
	dir := t.TempDir()
	first := filepath.Join(dir, "first.go")
	second := filepath.Join(dir, "second.go")
	writeFile(t, first, "package first\n")
	writeFile(t, second, "package second\n")

	a, err := o.AssessOperation(ctx, OperationContext{Description: "edit first", Type: risk.OpModify, Targets: []string{first}})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, a.Status)
	b, err := o.AssessOperation(ctx, OperationContext{Description: "edit second", Type: risk.OpModify, Targets: []string{second}})
	require.NoError(t, err)

	_, ok := m.GetCheckpoint(a.CheckpointID)
	require.True(t, ok, "checkpoint of an unfinished operation is kept over the limit")

	boom := errors.New("boom")
	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		writeFile(t, first, "half-written garbage")
		return boom
	})
	assert.Same(t, boom, err)
	assert.True(t, res.RolledBack)
	assert.Equal(t, StatusRolledBack, res.Status)
	assert.Equal(t, "package first\n", readFile(t, first))

	// the finished operation no longer holds its checkpoint
	_, ok = m.GetCheckpoint(a.CheckpointID)
	assert.False(t, ok)
	_, ok = m.GetCheckpoint(b.CheckpointID)
	assert.True(t, ok)
}

func TestExecuteOperation_MissingCheckpoint(t *testing.T) {
	o, _, m := newOrchestratorWithStore(t, DefaultOptions(), 0)
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "main.go")
	writeFile(t, target, "package main\n")

	a, err := o.AssessOperation(ctx, OperationContext{Description: "edit", Type: risk.OpModify, Targets: []string{target}})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, a.Status)
	require.True(t, m.DeleteCheckpoint(ctx, a.CheckpointID))

	called := false
	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCheckpointMissing)
	assert.False(t, called)
	assert.Equal(t, StatusRejected, res.Status)

	status, _ := o.GetOperationStatus(a.OperationID)
	assert.Equal(t, StatusRejected, status.Status)
	assert.Equal(t, EventCheckpointFailed, status.Events[len(status.Events)-1].Type)
}

func TestRollbackOperation_HaltsAtSideEffect(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "config.txt")
	writeFile(t, target, "v1\n")

	a, err := o.AssessOperation(ctx, OperationContext{
		Description: "bump config",
		Type:        risk.OpModify,
		Targets:     []string{target},
		SideEffects: []string{"restart the api server"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, a.Status)
	require.False(t, a.RollbackPlan.CanAutoRollback)

	_, err = o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		writeFile(t, target, "v2\n")
		return nil
	})
	require.NoError(t, err)

	restore, err := o.RollbackOperation(ctx, a.OperationID)
	require.NoError(t, err)
	assert.False(t, restore.Success)
	assert.Equal(t, "v1\n", readFile(t, target), "automated steps run before the manual one")

	status, _ := o.GetOperationStatus(a.OperationID)
	assert.Equal(t, StatusCompleted, status.Status)
	require.Len(t, status.PendingRollbackSteps, 1)
	assert.Equal(t, rollback.ActionManual, status.PendingRollbackSteps[0].Action)
	assert.Equal(t, "restart the api server", status.PendingRollbackSteps[0].Target)
	assert.Contains(t, eventTypes(status.Events), EventRollbackFailed)
}

func TestExecuteOperation_FailureReportsManualSteps(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "config.txt")
	writeFile(t, target, "v1\n")

	a, err := o.AssessOperation(ctx, OperationContext{
		Description: "bump config",
		Type:        risk.OpModify,
		Targets:     []string{target},
		SideEffects: []string{"purge the cdn cache"},
	})
	require.NoError(t, err)

	res, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.False(t, res.RolledBack)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotEmpty(t, res.PendingRollbackSteps)
	last := res.PendingRollbackSteps[len(res.PendingRollbackSteps)-1]
	assert.Equal(t, rollback.ActionManual, last.Action)
	assert.Equal(t, "purge the cdn cache", last.Target)

	status, _ := o.GetOperationStatus(a.OperationID)
	assert.Equal(t, res.PendingRollbackSteps, status.PendingRollbackSteps)
}

func TestAutoApprove_Preference(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	target := filepath.Join(t.TempDir(), "notes.txt")
	writeFile(t, target, "a\n")

	a, err := o.AssessOperation(context.Background(), OperationContext{
		Description: "edit notes",
		Type:        risk.OpModify,
		Targets:     []string{target},
		Preferences: Preferences{AutoApprove: lo.ToPtr(false)},
	})
	require.NoError(t, err)
	assert.True(t, a.RiskAssessment.AutomaticApproval)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, 1, a.RequiredApprovals)
	assert.Empty(t, a.Approvals)
}

func TestAutoApprove_OnlySafeOperations(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	dir := t.TempDir()
	ctx := context.Background()

	var targets []string
	for i := 0; i < 7; i++ {
		p := filepath.Join(dir, fmt.Sprintf("file%d.go", i))
		writeFile(t, p, "package x\n")
		targets = append(targets, p)
	}

	cases := []struct {
		name    string
		targets []string
		level   risk.Level
	}{
		{"single file", targets[:1], risk.LevelMinimal},
		{"few files", targets[:3], risk.LevelLow},
		{"many files", targets, risk.LevelMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := o.AssessOperation(ctx, OperationContext{Description: tc.name, Type: risk.OpModify, Targets: tc.targets})
			require.NoError(t, err)
			assert.Equal(t, tc.level, a.RiskAssessment.Level)
			if a.Status == StatusApproved {
				assert.Equal(t, risk.SafetySafe, a.RiskAssessment.SafetyLevel)
				require.Len(t, a.Approvals, 1)
				assert.Equal(t, ApprovalAutomated, a.Approvals[0].Type)
			} else {
				assert.Equal(t, StatusPending, a.Status)
				assert.NotEqual(t, risk.SafetySafe, a.RiskAssessment.SafetyLevel)
			}
		})
	}
}

func TestApprove_CountsDistinctApprovers(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	manifest := filepath.Join(t.TempDir(), "package.json")
	writeFile(t, manifest, `{}`)

	a, err := o.AssessOperation(context.Background(), OperationContext{Description: "remove", Type: risk.OpDelete, Targets: []string{manifest}})
	require.NoError(t, err)
	require.Equal(t, 2, a.RequiredApprovals)

	_, err = o.Approve(a.OperationID, "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	a, err = o.Approve(a.OperationID, "alice", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)

	_, err = o.Approve(a.OperationID, "alice", "again")
	assert.ErrorIs(t, err, ErrInvalidInput)

	a, err = o.Approve(a.OperationID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, a.Status)
	assert.Equal(t, 2, a.manualApprovals())
	assert.Contains(t, eventTypes(a.Events), EventApprovalRecorded)

	_, err = o.Approve(a.OperationID, "carol", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	res, err := o.ExecuteOperation(context.Background(), a.OperationID, func(context.Context) error {
		return os.Remove(manifest)
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NoFileExists(t, manifest)

	restore, err := o.RollbackOperation(context.Background(), a.OperationID)
	require.NoError(t, err)
	assert.True(t, restore.Success, restore.Error)
	assert.Equal(t, `{}`, readFile(t, manifest))
}

func TestReject(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	manifest := filepath.Join(t.TempDir(), "go.mod")
	writeFile(t, manifest, "module x\n")

	a, err := o.AssessOperation(context.Background(), OperationContext{Description: "remove", Type: risk.OpDelete, Targets: []string{manifest}})
	require.NoError(t, err)

	a, err = o.Reject(a.OperationID, "alice", "too risky")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, a.Status)
	assert.Contains(t, eventTypes(a.Events), EventOperationRejected)

	_, err = o.Reject(a.OperationID, "alice", "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.Approve(a.OperationID, "bob", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.ExecuteOperation(context.Background(), a.OperationID, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestRollbackOperation_InvalidStates(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	_, err := o.RollbackOperation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	manifest := filepath.Join(t.TempDir(), "package.json")
	writeFile(t, manifest, `{}`)
	a, err := o.AssessOperation(ctx, OperationContext{Description: "remove", Type: risk.OpDelete, Targets: []string{manifest}})
	require.NoError(t, err)

	_, err = o.RollbackOperation(ctx, a.OperationID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExecuteOperation_RollbackRefusedWhileExecuting(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, target, "a")

	a, err := o.AssessOperation(ctx, OperationContext{Description: "edit", Type: risk.OpModify, Targets: []string{target}})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
		done <- err
	}()

	<-entered
	status, ok := o.GetOperationStatus(a.OperationID)
	require.True(t, ok)
	assert.Equal(t, StatusExecuting, status.Status)

	_, err = o.RollbackOperation(ctx, a.OperationID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotApproved)

	close(release)
	require.NoError(t, <-done)
}

func TestAssessOperation_CheckpointFailureRejects(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	dir := filepath.Join(t.TempDir(), "subdir")
	require.NoError(t, os.Mkdir(dir, 0755))

	a, err := o.AssessOperation(context.Background(), OperationContext{Description: "edit dir", Type: risk.OpModify, Targets: []string{dir}})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, a.Status)
	assert.Empty(t, a.CheckpointID)
	assert.Nil(t, a.RollbackPlan)
	assert.Contains(t, a.Error, "checkpoint failed")
	assert.Contains(t, eventTypes(a.Events), EventCheckpointFailed)

	_, err = o.ExecuteOperation(context.Background(), a.OperationID, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestApprovalTable_EvictsFinishedOperations(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxOperations = 2
	o, _ := newOrchestrator(t, opts)
	ctx := context.Background()
	dir := t.TempDir()

	assess := func(name string, auto bool) *Approval {
		p := filepath.Join(dir, name)
		writeFile(t, p, name)
		a, err := o.AssessOperation(ctx, OperationContext{
			Description: name,
			Type:        risk.OpModify,
			Targets:     []string{p},
			Preferences: Preferences{AutoApprove: lo.ToPtr(auto)},
		})
		require.NoError(t, err)
		return a
	}
	complete := func(a *Approval) {
		_, err := o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error { return nil })
		require.NoError(t, err)
	}

	first := assess("first", true)
	complete(first)
	pending := assess("pending", false)
	third := assess("third", true)
	complete(third)

	_, ok := o.GetOperationStatus(first.OperationID)
	assert.False(t, ok, "oldest finished operation is evicted")
	_, ok = o.GetOperationStatus(pending.OperationID)
	assert.True(t, ok)

	fourth := assess("fourth", false)
	ids := lo.Map(o.ListOperations(), func(a *Approval, _ int) string { return a.OperationID })
	assert.Equal(t, []string{pending.OperationID, fourth.OperationID}, ids)
	assert.NotContains(t, ids, third.OperationID)
}

func TestApprovalTable_NeverEvictsActiveOperations(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxOperations = 1
	o, _ := newOrchestrator(t, opts)
	dir := t.TempDir()

	var ids []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, fmt.Sprintf("f%d", i))
		writeFile(t, p, "x")
		a, err := o.AssessOperation(context.Background(), OperationContext{
			Description: "edit",
			Type:        risk.OpModify,
			Targets:     []string{p},
			Preferences: Preferences{AutoApprove: lo.ToPtr(false)},
		})
		require.NoError(t, err)
		ids = append(ids, a.OperationID)
	}
	for _, id := range ids {
		_, ok := o.GetOperationStatus(id)
		assert.True(t, ok)
	}
}

func TestConcurrentOperations(t *testing.T) {
	o, _ := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()
	dir := t.TempDir()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := filepath.Join(dir, fmt.Sprintf("file%d.txt", i))
			if err := os.WriteFile(p, []byte("before"), 0644); err != nil {
				errs <- err
				return
			}
			a, err := o.AssessOperation(ctx, OperationContext{Description: "edit", Type: risk.OpModify, Targets: []string{p}})
			if err != nil {
				errs <- err
				return
			}
			_, err = o.ExecuteOperation(ctx, a.OperationID, func(context.Context) error {
				if err := os.WriteFile(p, []byte("after"), 0644); err != nil {
					return err
				}
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
			if i%2 == 0 && err == nil {
				errs <- fmt.Errorf("operation %d: expected failure", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	ops := o.ListOperations()
	require.Len(t, ops, n)
	for _, a := range ops {
		assert.Contains(t, []Status{StatusCompleted, StatusRolledBack}, a.Status)
		want := "after"
		if a.Status == StatusRolledBack {
			want = "before"
		}
		assert.Equal(t, want, readFile(t, a.Targets[0]))
	}
}

func TestDriftDetection(t *testing.T) {
	opts := DefaultOptions()
	opts.WatchDrift = true
	opts.DriftDebounce = 20 * time.Millisecond
	o, _ := newOrchestrator(t, opts)
	target := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, target, "a: 1\n")

	a, err := o.AssessOperation(context.Background(), OperationContext{
		Description: "edit config",
		Type:        risk.OpModify,
		Targets:     []string{target},
		Preferences: Preferences{AutoApprove: lo.ToPtr(false)},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, a.Status)
	time.Sleep(50 * time.Millisecond)

	writeFile(t, target, "a: 2\n")
	assert.Eventually(t, func() bool {
		return lo.Contains(eventTypes(o.GetSafetyEvents(a.OperationID)), EventExternalModification)
	}, 2*time.Second, 20*time.Millisecond)

	_, err = o.Reject(a.OperationID, "alice", "drifted")
	require.NoError(t, err)
	before := len(o.GetSafetyEvents(a.OperationID))

	writeFile(t, target, "a: 3\n")
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, o.GetSafetyEvents(a.OperationID), before)
}
