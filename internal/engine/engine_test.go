package engine_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sopline/internal/config"
	"sopline/internal/db"
	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/migrate"
	"sopline/internal/repo"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	DB     *sql.DB
	Clock  *fakeClock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clock := &fakeClock{t: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = clock.Now
	return testEnv{Engine: eng, DB: conn, Clock: clock, Ctx: context.Background()}
}

type stepDef struct {
	title    string
	optional bool
	estimate int64
	schema   string
}

func (env testEnv) seedProject(t *testing.T, defs ...stepDef) (domain.Project, []domain.Step) {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Title: "Release checklist", ActorID: "alice"})
	require.NoError(t, err)
	var steps []domain.Step
	for _, sp := range defs {
		opts := engine.StepAddOptions{
			ProjectRef: engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"},
			Title:      sp.title,
			Optional:   sp.optional,
		}
		if sp.estimate > 0 {
			est := sp.estimate
			opts.EstimatedDuration = &est
		}
		if sp.schema != "" {
			opts.OutputSchema = json.RawMessage(sp.schema)
		}
		st, err := env.Engine.AddStep(env.Ctx, opts)
		require.NoError(t, err)
		steps = append(steps, st)
	}
	p, err = env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	return p, steps
}

func titled(titles ...string) []stepDef {
	out := make([]stepDef, 0, len(titles))
	for _, title := range titles {
		out = append(out, stepDef{title: title})
	}
	return out
}

func (env testEnv) auditCount(t *testing.T, entityID string) int {
	t.Helper()
	var n int
	require.NoError(t, env.DB.QueryRow(`SELECT COUNT(*) FROM sop_audit_logs WHERE entity_id=?`, entityID).Scan(&n))
	return n
}

func (env testEnv) op(id string) engine.TransitionOptions {
	return engine.TransitionOptions{ExecutionID: id, ActorID: "bob"}
}

func (env testEnv) complete(t *testing.T, id string) domain.Execution {
	t.Helper()
	ex, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: id, ActorID: "bob"})
	require.NoError(t, err)
	return ex
}

func checkInvariants(t *testing.T, ex domain.Execution) {
	t.Helper()
	require.LessOrEqual(t, ex.CompletedSteps, ex.TotalSteps)
	require.Equal(t, engine.Progress(ex.CompletedSteps, ex.TotalSteps), ex.Progress)
	if ex.Status == domain.ExecutionCompleted {
		require.Nil(t, ex.CurrentStepPosition)
		require.NotNil(t, ex.CompletedAt)
		require.Nil(t, ex.FailedAt)
	} else {
		require.NotNil(t, ex.CurrentStepPosition)
	}
	if ex.Status == domain.ExecutionFailed {
		require.NotNil(t, ex.FailedAt)
		require.Nil(t, ex.CompletedAt)
	}
	// A cancelled run ends without a completion or failure time.
	if ex.Status == domain.ExecutionCancelled {
		require.NotNil(t, ex.CancelledAt)
		require.Nil(t, ex.CompletedAt)
		require.Nil(t, ex.FailedAt)
	} else {
		require.Nil(t, ex.CancelledAt)
	}
}

func TestThreeStepScenario(t *testing.T) {
	env := newTestEnv(t)
	p, steps := env.seedProject(t, titled("prepare", "execute", "verify")...)

	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionRunning, ex.Status)
	require.Equal(t, 1, *ex.CurrentStepPosition)
	require.Equal(t, steps[0].ID, *ex.CurrentStepID)
	require.Equal(t, 3, ex.TotalSteps)
	require.Equal(t, 0, ex.CompletedSteps)
	require.Equal(t, 0, ex.Progress)
	checkInvariants(t, ex)

	wantProgress := []int{33, 67, 100}
	for i := range steps {
		env.Clock.Advance(time.Minute)
		ex = env.complete(t, ex.ID)
		checkInvariants(t, ex)
		require.Equal(t, i+1, ex.CompletedSteps)
		require.Equal(t, wantProgress[i], ex.Progress)
		if i < 2 {
			require.Equal(t, i+2, *ex.CurrentStepPosition)
			require.Equal(t, steps[i+1].ID, *ex.CurrentStepID)
		}
	}
	require.Equal(t, domain.ExecutionCompleted, ex.Status)
	require.Equal(t, 3, ex.CompletedSteps)
	require.Equal(t, 100, ex.Progress)
	require.NotNil(t, ex.CompletedAt)
	require.Equal(t, int64(180), *ex.ActualDuration)
	require.Len(t, ex.StepResults, 3)

	stored, err := env.Engine.GetExecution(env.Ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, ex.Version, stored.Version)
	require.Equal(t, domain.ExecutionCompleted, stored.Status)
	require.Equal(t, 4, env.auditCount(t, ex.ID))
}

func TestStartRejectsPositionGap(t *testing.T) {
	env := newTestEnv(t)
	p, steps := env.seedProject(t, titled("one", "two")...)
	_, err := env.DB.Exec(`UPDATE sop_steps SET position=3 WHERE id=?`, steps[1].ID)
	require.NoError(t, err)

	_, err = env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	var sie *engine.SequenceIntegrityError
	require.ErrorAs(t, err, &sie)
	require.Equal(t, p.ID, sie.ProjectID)
	require.ErrorAs(t, env.Engine.CheckSequence(env.Ctx, p.ID), &sie)
}

func TestStartGuards(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: "missing", ActorID: "bob"})
	var nf *engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.True(t, errors.Is(err, repo.ErrNotFound))

	_, err = env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: "p"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "actor_id", ve.Field)

	empty, _ := env.seedProject(t)
	_, err = env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: empty.ID, ActorID: "bob"})
	var sie *engine.SequenceIntegrityError
	require.ErrorAs(t, err, &sie)

	p, _ := env.seedProject(t, titled("only")...)
	_, err = env.Engine.ActivateProject(env.Ctx, engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"})
	require.NoError(t, err)
	_, err = env.Engine.ArchiveProject(env.Ctx, engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"})
	require.NoError(t, err)
	_, err = env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.ErrorAs(t, err, &ve)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one")...)

	done, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	done = env.complete(t, done.ID)
	require.Equal(t, domain.ExecutionCompleted, done.Status)

	cancelled, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	cancelled, err = env.Engine.CancelExecution(env.Ctx, env.op(cancelled.ID))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CurrentStepPosition)
	checkInvariants(t, cancelled)

	for _, ex := range []domain.Execution{done, cancelled} {
		audits := env.auditCount(t, ex.ID)
		attempts := map[string]func() (domain.Execution, error){
			"complete": func() (domain.Execution, error) {
				return env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob"})
			},
			"skip":   func() (domain.Execution, error) { return env.Engine.SkipStep(env.Ctx, env.op(ex.ID)) },
			"pause":  func() (domain.Execution, error) { return env.Engine.PauseExecution(env.Ctx, env.op(ex.ID)) },
			"resume": func() (domain.Execution, error) { return env.Engine.ResumeExecution(env.Ctx, env.op(ex.ID)) },
			"cancel": func() (domain.Execution, error) { return env.Engine.CancelExecution(env.Ctx, env.op(ex.ID)) },
			"fail": func() (domain.Execution, error) {
				o := env.op(ex.ID)
				o.Reason = "boom"
				return env.Engine.FailExecution(env.Ctx, o)
			},
			"retry": func() (domain.Execution, error) {
				o := env.op(ex.ID)
				o.Override = true
				return env.Engine.RetryExecution(env.Ctx, o)
			},
		}
		for name, attempt := range attempts {
			_, err := attempt()
			var ite *engine.InvalidTransitionError
			require.ErrorAs(t, err, &ite, name)
			require.Equal(t, string(ex.Status), ite.Current)
		}
		stored, err := env.Engine.GetExecution(env.Ctx, ex.ID)
		require.NoError(t, err)
		require.Equal(t, ex.Version, stored.Version)
		require.Equal(t, ex.Status, stored.Status)
		require.Equal(t, audits, env.auditCount(t, ex.ID))
	}
}

func TestPauseResumeCancel(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	_, err = env.Engine.ResumeExecution(env.Ctx, env.op(ex.ID))
	var ite *engine.InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	env.Clock.Advance(30 * time.Second)
	ex, err = env.Engine.PauseExecution(env.Ctx, env.op(ex.ID))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionPaused, ex.Status)
	require.NotNil(t, ex.PausedAt)
	require.Equal(t, int64(30), *ex.ActualDuration)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob"})
	require.ErrorAs(t, err, &ite)
	require.Equal(t, "paused", ite.Current)

	ex, err = env.Engine.ResumeExecution(env.Ctx, env.op(ex.ID))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionRunning, ex.Status)
	require.Nil(t, ex.PausedAt)

	ex, err = env.Engine.PauseExecution(env.Ctx, env.op(ex.ID))
	require.NoError(t, err)
	ex, err = env.Engine.CancelExecution(env.Ctx, env.op(ex.ID))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCancelled, ex.Status)
	checkInvariants(t, ex)
}

func snapshotDiff(t *testing.T, a domain.AuditLog) map[string]bool {
	t.Helper()
	var before, after map[string]any
	require.NoError(t, json.Unmarshal(a.Before, &before))
	require.NoError(t, json.Unmarshal(a.After, &after))
	changed := map[string]bool{}
	for k, v := range before {
		if !reflect.DeepEqual(v, after[k]) {
			changed[k] = true
		}
	}
	for k, v := range after {
		if !reflect.DeepEqual(v, before[k]) {
			changed[k] = true
		}
	}
	return changed
}

func TestEachTransitionAuditsDocumentedFields(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two", "three")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	common := []string{"version", "updated_at", "actual_duration"}
	allowed := map[string][]string{
		"execution.complete_step": {"status", "completed_steps", "progress", "current_step_position", "current_step_id", "step_results", "estimated_completion", "completed_at"},
		"execution.pause":         {"status", "paused_at"},
		"execution.resume":        {"status", "paused_at"},
		"execution.fail":          {"status", "failed_at", "failure_reason", "retry_count", "escalation_level", "retryable"},
		"execution.retry":         {"status", "failed_at", "failure_reason", "retry_count", "retryable", "current_step_position", "current_step_id"},
		"execution.cancel":        {"status", "cancelled_at", "paused_at"},
	}
	fail := env.op(ex.ID)
	fail.Reason = "sensor offline"
	ops := []func() (domain.Execution, error){
		func() (domain.Execution, error) {
			return env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob"})
		},
		func() (domain.Execution, error) { return env.Engine.PauseExecution(env.Ctx, env.op(ex.ID)) },
		func() (domain.Execution, error) { return env.Engine.ResumeExecution(env.Ctx, env.op(ex.ID)) },
		func() (domain.Execution, error) { return env.Engine.FailExecution(env.Ctx, fail) },
		func() (domain.Execution, error) { return env.Engine.RetryExecution(env.Ctx, env.op(ex.ID)) },
		func() (domain.Execution, error) { return env.Engine.CancelExecution(env.Ctx, env.op(ex.ID)) },
	}
	for _, run := range ops {
		env.Clock.Advance(10 * time.Second)
		count := env.auditCount(t, ex.ID)
		_, err := run()
		require.NoError(t, err)
		require.Equal(t, count+1, env.auditCount(t, ex.ID))

		page, err := env.Engine.AuditHistory(env.Ctx, engine.AuditQuery{EntityType: domain.EntityExecution, EntityID: ex.ID, Limit: 200})
		require.NoError(t, err)
		last := page.Items[len(page.Items)-1]
		require.Equal(t, "bob", last.ActorID)
		require.Equal(t, p.ID, *last.ProjectID)
		changed := snapshotDiff(t, last)
		require.True(t, changed["version"], last.Action)
		permitted := map[string]bool{}
		for _, f := range append(allowed[last.Action], common...) {
			permitted[f] = true
		}
		for f := range changed {
			require.True(t, permitted[f], "%s changed %s", last.Action, f)
		}
	}

	rep, err := env.Engine.VerifyAuditChain(env.Ctx, domain.EntityExecution, ex.ID)
	require.NoError(t, err)
	require.True(t, rep.Valid, rep.Reason)
	require.Equal(t, 7, rep.Entries)
}

func TestRetryEscalationCycle(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	fail := env.op(ex.ID)
	fail.Reason = "timeout"
	for i := 1; i <= 3; i++ {
		ex, err = env.Engine.FailExecution(env.Ctx, fail)
		require.NoError(t, err)
		require.Equal(t, domain.ExecutionFailed, ex.Status)
		require.Equal(t, i, ex.RetryCount)
		require.Equal(t, 0, ex.EscalationLevel)
		require.True(t, ex.Retryable)
		checkInvariants(t, ex)

		ex, err = env.Engine.RetryExecution(env.Ctx, env.op(ex.ID))
		require.NoError(t, err)
		require.Equal(t, domain.ExecutionRunning, ex.Status)
		require.Nil(t, ex.FailedAt)
	}

	ex, err = env.Engine.FailExecution(env.Ctx, fail)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionFailed, ex.Status)
	require.Equal(t, 1, ex.EscalationLevel)
	require.False(t, ex.Retryable)

	_, err = env.Engine.RetryExecution(env.Ctx, env.op(ex.ID))
	var rna *engine.RetryNotAllowedError
	require.ErrorAs(t, err, &rna)
	require.Equal(t, 3, rna.RetryCount)
	require.Equal(t, 1, rna.EscalationLevel)

	override := env.op(ex.ID)
	override.Override = true
	ex, err = env.Engine.RetryExecution(env.Ctx, override)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionRunning, ex.Status)
	require.Equal(t, 0, ex.RetryCount)
	require.Equal(t, 1, ex.EscalationLevel)
}

func TestEscalationIsCapped(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Policy.MaxRetries = 0
	env.Engine.Config.Policy.MaxEscalationLevel = 2
	p, _ := env.seedProject(t, titled("one")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	fail := env.op(ex.ID)
	fail.Reason = "broken"
	override := env.op(ex.ID)
	override.Override = true
	levels := []int{1, 2, 2}
	for _, want := range levels {
		ex, err = env.Engine.FailExecution(env.Ctx, fail)
		require.NoError(t, err)
		require.Equal(t, want, ex.EscalationLevel)
		ex, err = env.Engine.RetryExecution(env.Ctx, override)
		require.NoError(t, err)
	}
}

func TestRetryResumesAfterLastResolvedStep(t *testing.T) {
	env := newTestEnv(t)
	p, steps := env.seedProject(t, titled("one", "two", "three")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	ex = env.complete(t, ex.ID)

	fail := env.op(ex.ID)
	fail.Reason = "operator error"
	ex, err = env.Engine.FailExecution(env.Ctx, fail)
	require.NoError(t, err)
	require.Equal(t, 2, *ex.CurrentStepPosition)

	ex, err = env.Engine.RetryExecution(env.Ctx, env.op(ex.ID))
	require.NoError(t, err)
	require.Equal(t, 2, *ex.CurrentStepPosition)
	require.Equal(t, steps[1].ID, *ex.CurrentStepID)
	require.Equal(t, 1, ex.CompletedSteps)
}

func TestFailRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.FailExecution(env.Ctx, env.op("whatever"))
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "reason", ve.Field)
}

func TestConcurrentCompleteStepOneWinner(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two", "three")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	version := ex.Version
	const writers = 2
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob", ExpectedVersion: &version})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		var cme *engine.ConcurrentModificationError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &cme):
			conflicts++
			require.True(t, errors.Is(err, repo.ErrConflict))
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)

	stored, err := env.Engine.GetExecution(env.Ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.CompletedSteps)
	require.Equal(t, version+1, stored.Version)
}

func TestConcurrentCompleteSamePositionOneWinner(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two", "three")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	position := *ex.CurrentStepPosition
	const writers = 2
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob", ExpectedPosition: &position})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		var cme *engine.ConcurrentModificationError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &cme):
			conflicts++
			require.True(t, errors.Is(err, repo.ErrConflict))
			require.Equal(t, position, *cme.ExpectedPosition)
			require.Equal(t, position+1, *cme.ActualPosition)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)

	stored, err := env.Engine.GetExecution(env.Ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.CompletedSteps)
	require.Equal(t, 2, *stored.CurrentStepPosition)
	require.Len(t, stored.StepResults, 1)
	require.Equal(t, 2, env.auditCount(t, ex.ID))
}

func TestStaleExpectedPositionRejectsSkip(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, stepDef{title: "one"}, stepDef{title: "two", optional: true}, stepDef{title: "three", optional: true})
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	ex = env.complete(t, ex.ID)

	o := env.op(ex.ID)
	o.ExpectedPosition = ex.CurrentStepPosition
	ex, err = env.Engine.SkipStep(env.Ctx, o)
	require.NoError(t, err)
	require.Equal(t, 3, *ex.CurrentStepPosition)

	audits := env.auditCount(t, ex.ID)
	_, err = env.Engine.SkipStep(env.Ctx, o)
	var cme *engine.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	require.Contains(t, cme.Error(), "expected step 2, current step 3")

	stored, err := env.Engine.GetExecution(env.Ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, ex.Version, stored.Version)
	require.Equal(t, audits, env.auditCount(t, ex.ID))

	// A finished run has no current step to match.
	ex = env.complete(t, ex.ID)
	require.Equal(t, domain.ExecutionCompleted, ex.Status)
	three := 3
	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob", ExpectedPosition: &three})
	var ite *engine.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestStaleExpectedVersionLeavesStateAlone(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	stale := ex.Version
	env.complete(t, ex.ID)

	opts := env.op(ex.ID)
	opts.ExpectedVersion = &stale
	_, err = env.Engine.PauseExecution(env.Ctx, opts)
	var cme *engine.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	require.Equal(t, stale, cme.Expected)
	require.Equal(t, stale+1, cme.Actual)

	stored, err := env.Engine.GetExecution(env.Ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionRunning, stored.Status)
}

func TestAuditFailureRollsBackTransition(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	_, err = env.DB.Exec(`CREATE TRIGGER reject_audit BEFORE INSERT ON sop_audit_logs BEGIN SELECT RAISE(ABORT, 'audit store unavailable'); END;`)
	require.NoError(t, err)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob"})
	var awe *engine.AuditWriteError
	require.ErrorAs(t, err, &awe)

	stored, err := env.Engine.GetExecution(env.Ctx, ex.ID)
	require.NoError(t, err)
	require.Equal(t, ex.Version, stored.Version)
	require.Equal(t, 0, stored.CompletedSteps)
}

func TestDeleteProjectKeepsAuditHistory(t *testing.T) {
	env := newTestEnv(t)
	p, steps := env.seedProject(t, titled("one", "two")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	env.complete(t, ex.ID)
	dropped, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	_, err = env.Engine.CancelExecution(env.Ctx, env.op(dropped.ID))
	require.NoError(t, err)

	res, err := env.Engine.DeleteProject(env.Ctx, engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Steps)
	require.Equal(t, int64(2), res.Executions)
	require.Equal(t, int64(1), res.ActiveExecutions)

	_, err = env.Engine.GetProject(env.Ctx, p.ID)
	require.True(t, errors.Is(err, repo.ErrNotFound))
	_, err = env.Engine.GetExecution(env.Ctx, ex.ID)
	require.True(t, errors.Is(err, repo.ErrNotFound))

	page, err := env.Engine.AuditHistory(env.Ctx, engine.AuditQuery{EntityType: domain.EntityExecution, EntityID: ex.ID})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	for _, a := range page.Items {
		require.Nil(t, a.ProjectID)
		require.Nil(t, a.ExecutionID)
		require.Nil(t, a.StepID)
		require.NotEmpty(t, a.After)
	}

	page, err = env.Engine.AuditHistory(env.Ctx, engine.AuditQuery{EntityType: domain.EntityStep, EntityID: steps[0].ID})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Nil(t, page.Items[0].ProjectID)

	page, err = env.Engine.AuditHistory(env.Ctx, engine.AuditQuery{EntityType: domain.EntityProject, EntityID: p.ID})
	require.NoError(t, err)
	require.Equal(t, "project.deleted", page.Items[len(page.Items)-1].Action)

	for _, id := range []string{ex.ID, p.ID} {
		kind := domain.EntityExecution
		if id == p.ID {
			kind = domain.EntityProject
		}
		rep, err := env.Engine.VerifyAuditChain(env.Ctx, kind, id)
		require.NoError(t, err)
		require.True(t, rep.Valid, rep.Reason)
	}
}

func TestUnknownStoredStatusIsAnError(t *testing.T) {
	env := newTestEnv(t)
	p, steps := env.seedProject(t, titled("one")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	// CHECK constraints keep these values out; write them on a connection that ignores them.
	raw, err := env.DB.Conn(env.Ctx)
	require.NoError(t, err)
	_, err = raw.ExecContext(env.Ctx, `PRAGMA ignore_check_constraints = ON`)
	require.NoError(t, err)
	_, err = raw.ExecContext(env.Ctx, `UPDATE sop_steps SET status='half-done' WHERE id=?`, steps[0].ID)
	require.NoError(t, err)
	_, err = raw.ExecContext(env.Ctx, `UPDATE sop_executions SET status='limbo' WHERE id=?`, ex.ID)
	require.NoError(t, err)
	_, err = raw.ExecContext(env.Ctx, `PRAGMA ignore_check_constraints = OFF`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = env.Engine.ListSteps(env.Ctx, p.ID)
	require.ErrorContains(t, err, `unknown step status "half-done"`)
	_, err = env.Engine.GetExecution(env.Ctx, ex.ID)
	require.ErrorContains(t, err, `unknown execution status "limbo"`)
}

func TestSkipOnlyOptionalSteps(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, stepDef{title: "required"}, stepDef{title: "optional", optional: true}, stepDef{title: "last"})
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	_, err = env.Engine.SkipStep(env.Ctx, env.op(ex.ID))
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	env.complete(t, ex.ID)
	skip := env.op(ex.ID)
	skip.Reason = "not applicable"
	ex, err = env.Engine.SkipStep(env.Ctx, skip)
	require.NoError(t, err)
	require.Equal(t, 2, ex.CompletedSteps)
	require.Equal(t, 3, *ex.CurrentStepPosition)
	require.Equal(t, domain.StepSkipped, ex.StepResults[1].Outcome)
	require.Equal(t, "not applicable", ex.StepResults[1].Reason)
	checkInvariants(t, ex)
}

func TestCompleteStepValidatesOutput(t *testing.T) {
	env := newTestEnv(t)
	schema := `{"type":"object","required":["approved"],"properties":{"approved":{"type":"boolean"}}}`
	p, _ := env.seedProject(t, stepDef{title: "sign-off", schema: schema})
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob", Output: json.RawMessage(`{}`)})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "output", ve.Field)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob", Output: json.RawMessage(`{not json`)})
	require.ErrorAs(t, err, &ve)

	ex, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{ExecutionID: ex.ID, ActorID: "bob", Output: json.RawMessage(`{"approved":true}`)})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, ex.Status)
	require.JSONEq(t, `{"approved":true}`, string(ex.StepResults[0].Output))
}

func TestAddStepRejectsBadSchema(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t)
	_, err := env.Engine.AddStep(env.Ctx, engine.StepAddOptions{
		ProjectRef:   engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"},
		Title:        "bad",
		OutputSchema: json.RawMessage(`{"type":`),
	})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestEstimatedCompletion(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, stepDef{title: "a", estimate: 100}, stepDef{title: "b", estimate: 200}, stepDef{title: "c"})
	start := env.Clock.Now()
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	require.True(t, ex.EstimatedCompletion.Equal(start.Add(300*time.Second)))

	env.Clock.Advance(time.Minute)
	ex = env.complete(t, ex.ID)
	want := env.Clock.Now().Add(2 * time.Minute)
	require.True(t, ex.EstimatedCompletion.Equal(want), "got %v want %v", ex.EstimatedCompletion, want)
}

func TestStepEditsDoNotDisturbRunningExecution(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("one", "two")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	_, err = env.Engine.AddStep(env.Ctx, engine.StepAddOptions{ProjectRef: engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"}, Title: "three"})
	require.NoError(t, err)

	ex = env.complete(t, ex.ID)
	ex = env.complete(t, ex.ID)
	require.Equal(t, domain.ExecutionCompleted, ex.Status)
	require.Equal(t, 2, ex.TotalSteps)

	next, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	require.Equal(t, 3, next.TotalSteps)
}

func TestRemovedStepShiftsRunningExecutionCursor(t *testing.T) {
	env := newTestEnv(t)
	p, steps := env.seedProject(t, titled("one", "two", "three")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)

	_, err = env.Engine.RemoveStep(env.Ctx, engine.StepRef{StepID: steps[1].ID, ActorID: "alice"})
	require.NoError(t, err)

	// Positions are resolved against the live list, so position 2 is now "three".
	ex = env.complete(t, ex.ID)
	require.Equal(t, 2, *ex.CurrentStepPosition)
	require.Equal(t, steps[2].ID, *ex.CurrentStepID)
	require.Equal(t, 3, ex.TotalSteps)
	checkInvariants(t, ex)

	ex = env.complete(t, ex.ID)
	require.Equal(t, 3, *ex.CurrentStepPosition)
	require.Nil(t, ex.CurrentStepID)

	ex = env.complete(t, ex.ID)
	require.Equal(t, domain.ExecutionCompleted, ex.Status)
	require.Equal(t, 100, ex.Progress)
	require.Len(t, ex.StepResults, 3)
	require.Equal(t, steps[0].ID, ex.StepResults[0].StepID)
	require.Equal(t, steps[2].ID, ex.StepResults[1].StepID)
	require.Empty(t, ex.StepResults[2].StepID)
	checkInvariants(t, ex)
}

func TestStepAuthoring(t *testing.T) {
	env := newTestEnv(t)
	p, steps := env.seedProject(t, titled("a", "b", "c")...)
	require.Equal(t, int64(4), p.Version)
	ref := engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"}

	first, err := env.Engine.AddStep(env.Ctx, engine.StepAddOptions{ProjectRef: ref, Title: "zero", Position: 1})
	require.NoError(t, err)
	require.Equal(t, 1, first.Position)
	titles := func() []string {
		list, err := env.Engine.ListSteps(env.Ctx, p.ID)
		require.NoError(t, err)
		out := []string{}
		for i, s := range list {
			require.Equal(t, i+1, s.Position)
			out = append(out, s.Title)
		}
		return out
	}
	require.Equal(t, []string{"zero", "a", "b", "c"}, titles())

	_, err = env.Engine.MoveStep(env.Ctx, engine.StepRef{StepID: first.ID, ActorID: "alice"}, 4)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "zero"}, titles())

	_, err = env.Engine.SetStepParent(env.Ctx, engine.StepRef{StepID: steps[1].ID, ActorID: "alice"}, steps[0].ID)
	require.NoError(t, err)
	_, err = env.Engine.SetStepParent(env.Ctx, engine.StepRef{StepID: steps[0].ID, ActorID: "alice"}, steps[1].ID)
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	p, err = env.Engine.RemoveStep(env.Ctx, engine.StepRef{StepID: steps[0].ID, ActorID: "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "zero"}, titles())
	orphan, err := env.Engine.GetStep(env.Ctx, steps[1].ID)
	require.NoError(t, err)
	require.Nil(t, orphan.ParentStepID)
	require.Equal(t, int64(8), p.Version)
	require.NoError(t, env.Engine.CheckSequence(env.Ctx, p.ID))

	stale := int64(1)
	_, err = env.Engine.AddStep(env.Ctx, engine.StepAddOptions{ProjectRef: engine.ProjectRef{ProjectID: p.ID, ActorID: "alice", ExpectedVersion: &stale}, Title: "late"})
	var cme *engine.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	require.Equal(t, "project", cme.Kind)

	_, err = env.Engine.AddStep(env.Ctx, engine.StepAddOptions{ProjectRef: ref, Title: "far", Position: 9})
	require.ErrorAs(t, err, &ve)
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t)
	ref := engine.ProjectRef{ProjectID: p.ID, ActorID: "alice"}

	_, err := env.Engine.ArchiveProject(env.Ctx, ref)
	var ite *engine.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, "draft", ite.Current)

	active, err := env.Engine.ActivateProject(env.Ctx, ref)
	require.NoError(t, err)
	require.Equal(t, domain.ProjectActive, active.Status)
	require.Equal(t, p.Version+1, active.Version)

	_, err = env.Engine.ActivateProject(env.Ctx, ref)
	require.ErrorAs(t, err, &ite)

	archived, err := env.Engine.ArchiveProject(env.Ctx, ref)
	require.NoError(t, err)
	require.Equal(t, domain.ProjectArchived, archived.Status)

	_, err = env.Engine.AddStep(env.Ctx, engine.StepAddOptions{ProjectRef: ref, Title: "late"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	list, err := env.Engine.ListProjects(env.Ctx, "archived", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = env.Engine.ListProjects(env.Ctx, "bogus", "")
	require.ErrorAs(t, err, &ve)
}

func TestInstantiateTemplate(t *testing.T) {
	env := newTestEnv(t)
	est := int64(120)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:    "Incident response",
		ActorID: "alice",
		Steps: []domain.TemplateStep{
			{Title: "triage", IsRequired: true, EstimatedDuration: &est},
			{Title: "postmortem", IsRequired: false},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, tpl.Steps[1].Position)

	p, err := env.Engine.InstantiateTemplate(env.Ctx, engine.TemplateInstantiateOptions{TemplateID: tpl.ID, ActorID: "bob"})
	require.NoError(t, err)
	require.Equal(t, "Incident response", p.Title)
	require.Equal(t, domain.ProjectDraft, p.Status)
	require.Equal(t, tpl.ID, *p.TemplateID)
	require.Equal(t, est, *p.EstimatedDuration)

	steps, err := env.Engine.ListSteps(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.False(t, steps[1].IsRequired)

	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	require.Equal(t, 2, ex.TotalSteps)

	_, err = env.Engine.InstantiateTemplate(env.Ctx, engine.TemplateInstantiateOptions{TemplateID: "nope", ActorID: "bob"})
	var nf *engine.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestAuditHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("a", "b", "c", "d")...)
	ex, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		env.complete(t, ex.ID)
	}

	var got []domain.AuditLog
	cursor := ""
	pages := 0
	for {
		page, err := env.Engine.AuditHistory(env.Ctx, engine.AuditQuery{EntityType: domain.EntityExecution, EntityID: ex.ID, Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		got = append(got, page.Items...)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, 3, pages)
	require.Len(t, got, 5)
	require.Equal(t, "execution.started", got[0].Action)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
		require.Greater(t, got[i].Seq, got[i-1].Seq)
	}

	_, err = env.Engine.AuditHistory(env.Ctx, engine.AuditQuery{EntityType: domain.EntityExecution, EntityID: ex.ID, Cursor: "garbage"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.AuditHistory(env.Ctx, engine.AuditQuery{EntityType: "widget", EntityID: "x"})
	require.ErrorAs(t, err, &ve)
}

func TestListExecutions(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.seedProject(t, titled("a")...)
	for i := 0; i < 3; i++ {
		env.Clock.Advance(time.Second)
		_, err := env.Engine.StartExecution(env.Ctx, engine.StartOptions{ProjectID: p.ID, ActorID: "bob"})
		require.NoError(t, err)
	}
	page, err := env.Engine.ListExecutions(env.Ctx, engine.ExecutionQuery{ProjectID: p.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	require.True(t, page.Items[0].StartedAt.After(*page.Items[1].StartedAt))

	rest, err := env.Engine.ListExecutions(env.Ctx, engine.ExecutionQuery{ProjectID: p.ID, Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	require.Empty(t, rest.NextCursor)

	running, err := env.Engine.ListExecutions(env.Ctx, engine.ExecutionQuery{ProjectID: p.ID, Status: "running"})
	require.NoError(t, err)
	require.Len(t, running.Items, 3)
}

func TestProgressRounding(t *testing.T) {
	require.Equal(t, 0, engine.Progress(0, 0))
	require.Equal(t, 0, engine.Progress(0, 3))
	require.Equal(t, 33, engine.Progress(1, 3))
	require.Equal(t, 67, engine.Progress(2, 3))
	require.Equal(t, 100, engine.Progress(3, 3))
	require.Equal(t, 14, engine.Progress(1, 7))
}

func TestAllowedIsClosed(t *testing.T) {
	statuses := domain.ExecutionStatuses
	require.Equal(t, []domain.ExecutionStatus{
		domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionPaused, domain.ExecutionFailed,
	}, domain.ActiveExecutionStatuses())
	events := []engine.Event{
		engine.EventStart, engine.EventCompleteStep, engine.EventSkipStep, engine.EventPause,
		engine.EventResume, engine.EventFail, engine.EventRetry, engine.EventCancel,
	}
	for _, s := range statuses {
		for _, ev := range events {
			if s.Terminal() {
				require.False(t, engine.Allowed(s, ev), "%s/%s", s, ev)
			}
		}
	}
	require.True(t, engine.Allowed(domain.ExecutionFailed, engine.EventRetry))
	require.False(t, engine.Allowed(domain.ExecutionFailed, engine.EventCancel))
}
