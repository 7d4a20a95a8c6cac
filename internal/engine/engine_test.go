package engine_test

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpool/internal/activework"
	"taskpool/internal/config"
	"taskpool/internal/db"
	"taskpool/internal/domain"
	"taskpool/internal/engine"
	"taskpool/internal/migrate"
	"taskpool/internal/repo"
)

const (
	org     = int64(1)
	project = int64(10)
	ada     = int64(5)
	grace   = int64(7)
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	eng.Logger = log.New(io.Discard, "", 0)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	require.NoError(t, eng.Repo.UpsertProject(ctx, domain.Project{ID: project, OrgID: org, Name: "Apollo"}))
	require.NoError(t, eng.Repo.UpsertUser(ctx, domain.User{ID: ada, DisplayName: "Ada"}))
	require.NoError(t, eng.Repo.UpsertUser(ctx, domain.User{ID: grace, DisplayName: "Grace"}))
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) task(t *testing.T, typeID int64, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{OrgID: org, ProjectID: project, TypeID: typeID, Title: title})
	require.NoError(t, err)
	return task
}

// completed drives a fresh task through claim and complete by ada.
func (env testEnv) completed(t *testing.T, typeID int64, title string) domain.Task {
	t.Helper()
	task := env.task(t, typeID, title)
	task, err := env.Engine.ClaimTask(env.Ctx, org, task.ID, ada, task.Version)
	require.NoError(t, err)
	task, err = env.Engine.CompleteTask(env.Ctx, org, task.ID, ada, task.Version)
	require.NoError(t, err)
	return task
}

type ruleFixture struct {
	Workflow domain.Workflow
	Rule     domain.Rule
	Template domain.TaskTemplate
}

func (env testEnv) reviewRule(t *testing.T, description string) ruleFixture {
	t.Helper()
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowInput{OrgID: org, Name: "QA", Active: true, CreatedBy: ada})
	require.NoError(t, err)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateInput{
		OrgID: org, Name: "Review {{origin}}", Description: description, TypeID: 9, Priority: 3,
	})
	require.NoError(t, err)
	typeFilter := int64(5)
	rl, err := env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{
		Name: "review completed work", ResourceType: domain.ResourceTask, TaskTypeID: &typeFilter,
		ToState: string(domain.TaskCompleted), Active: true, TemplateIDs: []int64{tpl.ID},
	})
	require.NoError(t, err)
	return ruleFixture{Workflow: w, Rule: rl, Template: tpl}
}

func assertClaimInvariant(t *testing.T, task domain.Task) {
	t.Helper()
	if task.Status == domain.TaskAvailable {
		assert.Nil(t, task.ClaimedBy, "available task must have no claimant")
	} else {
		assert.NotNil(t, task.ClaimedBy, "%s task must have a claimant", task.Status)
	}
}

func TestClaimStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, 1, "T1")
	require.Equal(t, int64(1), t1.Version)

	claimed, err := env.Engine.ClaimTask(env.Ctx, org, t1.ID, ada, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClaimed, claimed.Status)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, ada, *claimed.ClaimedBy)
	assert.Equal(t, int64(2), claimed.Version)

	_, err = env.Engine.ClaimTask(env.Ctx, org, t1.ID, grace, 1)
	var conflict engine.ConflictError
	require.ErrorAs(t, err, &conflict)

	stored, err := env.Engine.GetTask(env.Ctx, org, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed, stored)
}

func TestReleaseThenReclaim(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, 1, "T1")
	_, err := env.Engine.ClaimTask(env.Ctx, org, t1.ID, ada, 1)
	require.NoError(t, err)

	released, err := env.Engine.ReleaseTask(env.Ctx, org, t1.ID, ada, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAvailable, released.Status)
	assert.Nil(t, released.ClaimedBy)
	assert.Equal(t, int64(3), released.Version)
	assertClaimInvariant(t, released)

	reclaimed, err := env.Engine.ClaimTask(env.Ctx, org, t1.ID, grace, 3)
	require.NoError(t, err)
	require.NotNil(t, reclaimed.ClaimedBy)
	assert.Equal(t, grace, *reclaimed.ClaimedBy)
	assert.Equal(t, int64(4), reclaimed.Version)
}

func TestNonClaimantIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, 1, "T1")
	claimed, err := env.Engine.ClaimTask(env.Ctx, org, t1.ID, ada, 1)
	require.NoError(t, err)

	var forbidden engine.ForbiddenError
	_, err = env.Engine.ReleaseTask(env.Ctx, org, t1.ID, grace, claimed.Version)
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, ada, forbidden.ClaimantID)

	// claimant is checked before the version
	_, err = env.Engine.CompleteTask(env.Ctx, org, t1.ID, grace, 99)
	require.ErrorAs(t, err, &forbidden)

	stored, err := env.Engine.GetTask(env.Ctx, org, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed, stored)
}

func TestTransitionErrors(t *testing.T) {
	env := newTestEnv(t)
	var notFound engine.NotFoundError
	_, err := env.Engine.ClaimTask(env.Ctx, org, 404, ada, 1)
	require.ErrorAs(t, err, &notFound)

	t1 := env.task(t, 1, "T1")
	_, err = env.Engine.ClaimTask(env.Ctx, org+1, t1.ID, ada, 1)
	require.ErrorAs(t, err, &notFound, "other orgs do not see the task")

	var conflict engine.ConflictError
	_, err = env.Engine.CompleteTask(env.Ctx, org, t1.ID, ada, 1)
	require.ErrorAs(t, err, &conflict, "available task cannot be completed")

	claimed, err := env.Engine.ClaimTask(env.Ctx, org, t1.ID, ada, 1)
	require.NoError(t, err)
	_, err = env.Engine.ReleaseTask(env.Ctx, org, t1.ID, ada, 1)
	require.ErrorAs(t, err, &conflict, "stale release")

	done, err := env.Engine.CompleteTask(env.Ctx, org, t1.ID, ada, claimed.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, done.Status)
	require.NotNil(t, done.ClaimedBy)
	assert.Equal(t, ada, *done.ClaimedBy)
	assert.NotNil(t, done.CompletedAt)
	assertClaimInvariant(t, done)

	_, err = env.Engine.ClaimTask(env.Ctx, org, t1.ID, grace, done.Version)
	require.ErrorAs(t, err, &conflict, "completed task is terminal")
}

func TestTransitionSideEffects(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, 1, "T1")
	claimed, err := env.Engine.ClaimTask(env.Ctx, org, t1.ID, ada, 1)
	require.NoError(t, err)

	store := activework.Store{DB: env.Engine.DB}
	w, err := store.Get(env.Ctx, ada)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, w.TaskID)

	_, err = env.Engine.CompleteTask(env.Ctx, org, t1.ID, ada, claimed.Version)
	require.NoError(t, err)
	_, err = store.Get(env.Ctx, ada)
	require.ErrorIs(t, err, activework.ErrNone)

	entries, err := env.Engine.Repo.LatestAudit(env.Ctx, repo.AuditFilters{OrgID: org, OriginType: domain.ResourceTask, OriginID: t1.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "task.completed", entries[0].Event)
	assert.Equal(t, "claimed", entries[0].FromStatus)
	assert.Equal(t, "completed", entries[0].ToStatus)
	assert.Equal(t, "task.claimed", entries[1].Event)
}

func TestAuditFailureDoesNotUndoTransition(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, 1, "T1")
	_, err := env.Engine.DB.Exec(`DROP TABLE audit_log`)
	require.NoError(t, err)
	_, err = env.Engine.DB.Exec(`DROP TABLE active_work`)
	require.NoError(t, err)

	claimed, err := env.Engine.ClaimTask(env.Ctx, org, t1.ID, ada, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClaimed, claimed.Status)
	_, err = env.Engine.ReleaseTask(env.Ctx, org, t1.ID, ada, claimed.Version)
	require.NoError(t, err)
}

func TestRuleAppliesOnceThenIdempotent(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "{{user}} finished {{ origin }} in {{project}}: {{previous_state}} -> {{new_state}} {{ticket}}")
	origin := env.completed(t, 5, "Ship release")
	ev := engine.TaskEvent(origin, domain.TaskClaimed)

	res, err := env.Engine.EvaluateRule(env.Ctx, fx.Rule, ev, &engine.Actor{ID: ada})
	require.NoError(t, err)
	require.True(t, res.Applied())
	require.NotNil(t, res.Execution)
	assert.Equal(t, ada, *res.Execution.UserID)
	require.Len(t, res.Tasks, 1)
	created := res.Tasks[0]
	assert.Equal(t, "Review Ship release", created.Title)
	assert.Equal(t, "Ada finished Ship release in Apollo: claimed -> completed {{ticket}}", created.Description)
	assert.Equal(t, int64(9), created.TypeID)
	assert.Equal(t, 3, created.Priority)
	assert.Equal(t, domain.TaskAvailable, created.Status)
	assert.Equal(t, project, created.ProjectID)
	assert.Equal(t, fx.Rule.ID, *created.SourceRuleID)
	assert.Equal(t, res.Execution.ID, *created.SourceExecutionID)

	again, err := env.Engine.EvaluateRule(env.Ctx, fx.Rule, ev, &engine.Actor{ID: ada})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuppressed, again.Outcome)
	assert.Equal(t, domain.ReasonIdempotent, again.Reason)

	xs, err := env.Engine.ListExecutions(env.Ctx, org, fx.Rule.ID, 0)
	require.NoError(t, err)
	assert.Len(t, xs, 1)
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{OrgID: org, ProjectID: project})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestDeactivatedWorkflowSuppressesInactive(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "check")
	first := env.completed(t, 5, "first")
	firstEv := engine.TaskEvent(first, domain.TaskClaimed)
	res, err := env.Engine.EvaluateRule(env.Ctx, fx.Rule, firstEv, &engine.Actor{ID: ada})
	require.NoError(t, err)
	require.True(t, res.Applied())

	n, err := env.Engine.SetActiveCascade(env.Ctx, fx.Workflow.ID, org, nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rl, err := env.Engine.GetRule(env.Ctx, org, fx.Rule.ID)
	require.NoError(t, err)
	assert.False(t, rl.Active)

	fresh := env.completed(t, 5, "fresh")
	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(fresh, domain.TaskClaimed), &engine.Actor{ID: ada})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInactive, res.Reason)

	// inactive wins over idempotent
	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, firstEv, &engine.Actor{ID: ada})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInactive, res.Reason)

	_, err = env.Engine.SetActiveCascade(env.Ctx, fx.Workflow.ID, org, nil, true)
	require.NoError(t, err)
	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(fresh, domain.TaskClaimed), &engine.Actor{ID: ada})
	require.NoError(t, err)
	assert.True(t, res.Applied())
}

func TestInactiveRuleUnderActiveWorkflow(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "check")
	in := engine.RuleInput{Name: fx.Rule.Name, ResourceType: domain.ResourceTask, ToState: "completed", Active: false}
	_, err := env.Engine.UpdateRule(env.Ctx, org, fx.Rule.ID, in)
	require.NoError(t, err)

	origin := env.completed(t, 5, "x")
	res, err := env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(origin, domain.TaskClaimed), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInactive, res.Reason)
}

func TestRuleCreatedUnderInactiveWorkflowIsInactive(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowInput{OrgID: org, Name: "Dormant", Active: false, CreatedBy: ada})
	require.NoError(t, err)
	rl, err := env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{
		Name: "r", ResourceType: domain.ResourceTask, ToState: "claimed", Active: true,
	})
	require.NoError(t, err)
	assert.False(t, rl.Active)
}

func TestSuppressionReasons(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "check")

	wrongType := env.completed(t, 6, "other type")
	res, err := env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(wrongType, domain.TaskClaimed), &engine.Actor{ID: ada})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotMatching, res.Reason)

	claimed := env.task(t, 5, "claimed only")
	claimed, err = env.Engine.ClaimTask(env.Ctx, org, claimed.ID, ada, 1)
	require.NoError(t, err)
	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(claimed, domain.TaskAvailable), &engine.Actor{ID: ada})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotMatching, res.Reason, "wrong target state")

	ev := engine.Event{OrgID: org, ProjectID: project, ResourceType: domain.ResourceCard, OriginID: 1, NewState: "completed"}
	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, ev, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotMatching, res.Reason, "wrong resource type")

	ev = engine.TaskEvent(wrongType, domain.TaskClaimed)
	ev.OrgID, ev.TypeID = org+1, 5
	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, ev, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotMatching, res.Reason, "other organization")

	userOnly := engine.RuleInput{
		Name: fx.Rule.Name, ResourceType: domain.ResourceTask, TaskTypeID: fx.Rule.TaskTypeID,
		ToState: "completed", Active: true, UserTriggeredOnly: true,
	}
	_, err = env.Engine.UpdateRule(env.Ctx, org, fx.Rule.ID, userOnly)
	require.NoError(t, err)
	origin := env.completed(t, 5, "system closed")
	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(origin, domain.TaskClaimed), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotUserTriggered, res.Reason)
	assert.Nil(t, res.Execution)

	// suppressions leave no ledger row, so a later user transition still fires
	xs, err := env.Engine.ListExecutions(env.Ctx, org, fx.Rule.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, xs)

	res, err = env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(origin, domain.TaskClaimed), &engine.Actor{ID: grace})
	require.NoError(t, err)
	assert.True(t, res.Applied())
	require.Len(t, res.Tasks, 1)
	xs, err = env.Engine.ListExecutions(env.Ctx, org, fx.Rule.ID, 0)
	require.NoError(t, err)
	require.Len(t, xs, 1)
	assert.Equal(t, domain.OutcomeApplied, xs[0].Outcome)
}

func TestProjectScopedWorkflowMatchesOwnProjectOnly(t *testing.T) {
	env := newTestEnv(t)
	other := int64(11)
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowInput{OrgID: org, ProjectID: &other, Name: "Other", Active: true})
	require.NoError(t, err)
	rl, err := env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{
		Name: "r", ResourceType: domain.ResourceTask, ToState: "completed", Active: true,
	})
	require.NoError(t, err)
	origin := env.completed(t, 1, "in project 10")
	res, err := env.Engine.EvaluateRule(env.Ctx, rl, engine.TaskEvent(origin, domain.TaskClaimed), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotMatching, res.Reason)
}

func TestStrictPlaceholderFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.StrictPlaceholders = true
	fx := env.reviewRule(t, "assign to {{owner}}")
	origin := env.completed(t, 5, "x")

	_, err := env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(origin, domain.TaskClaimed), &engine.Actor{ID: ada})
	var evalErr engine.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, fx.Rule.ID, evalErr.RuleID)

	xs, err := env.Engine.ListExecutions(env.Ctx, org, fx.Rule.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, xs, "no ledger row without its tasks")
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{OrgID: org})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRuleWithoutTemplatesStillApplies(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowInput{OrgID: org, Name: "Bare", Active: true})
	require.NoError(t, err)
	rl, err := env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{Name: "r", ResourceType: domain.ResourceTask, ToState: "completed", Active: true})
	require.NoError(t, err)
	origin := env.completed(t, 1, "x")
	res, err := env.Engine.EvaluateRule(env.Ctx, rl, engine.TaskEvent(origin, domain.TaskClaimed), nil)
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.Empty(t, res.Tasks)
	assert.Nil(t, res.Execution.UserID)
}

func TestConcurrentEvaluationAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "check")
	origin := env.completed(t, 5, "contended")
	ev := engine.TaskEvent(origin, domain.TaskClaimed)

	const workers = 8
	results := make([]engine.Evaluation, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.EvaluateRule(env.Ctx, fx.Rule, ev, &engine.Actor{ID: ada})
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Applied() {
			applied++
		} else {
			assert.Equal(t, domain.ReasonIdempotent, results[i].Reason)
		}
	}
	assert.Equal(t, 1, applied)
}

func TestConcurrentClaimOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, 1, "hot potato")

	const workers = 8
	claimed := make([]domain.Task, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed[i], errs[i] = env.Engine.ClaimTask(env.Ctx, org, task.ID, int64(100+i), task.Version)
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "second winner %d", i)
			winner = i
			continue
		}
		var ce engine.ConflictError
		require.ErrorAs(t, err, &ce)
	}
	require.NotEqual(t, -1, winner)

	got, err := env.Engine.GetTask(env.Ctx, org, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskClaimed, got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, int64(100+winner), *got.ClaimedBy)
	assert.Equal(t, task.Version+1, got.Version)
	assert.Equal(t, got.Version, claimed[winner].Version)
}

func TestDuplicateWorkflowNameAlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	in := engine.WorkflowInput{OrgID: 1, Name: "Onboarding", Active: true, CreatedBy: ada}
	_, err := env.Engine.CreateWorkflow(env.Ctx, in)
	require.NoError(t, err)
	_, err = env.Engine.CreateWorkflow(env.Ctx, in)
	var exists engine.AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "Onboarding", exists.Name)

	scoped := in
	scoped.ProjectID = &[]int64{project}[0]
	_, err = env.Engine.CreateWorkflow(env.Ctx, scoped)
	require.NoError(t, err, "same name in a project scope is a different tuple")
}

func TestUpdateWorkflow(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "check")
	other, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowInput{OrgID: org, Name: "Other", Active: true})
	require.NoError(t, err)

	_, err = env.Engine.UpdateWorkflow(env.Ctx, other.ID, engine.WorkflowInput{OrgID: org, Name: "QA", Active: true})
	var exists engine.AlreadyExistsError
	require.ErrorAs(t, err, &exists)

	_, err = env.Engine.UpdateWorkflow(env.Ctx, 404, engine.WorkflowInput{OrgID: org, Name: "x"})
	var notFound engine.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = env.Engine.UpdateWorkflow(env.Ctx, fx.Workflow.ID, engine.WorkflowInput{OrgID: org, ProjectID: &[]int64{project}[0], Name: "QA"})
	require.ErrorAs(t, err, &notFound, "org workflow is not visible through a project scope")

	w, err := env.Engine.UpdateWorkflow(env.Ctx, fx.Workflow.ID, engine.WorkflowInput{OrgID: org, Name: "QA gate", Description: "d", Active: false})
	require.NoError(t, err)
	assert.Equal(t, "QA gate", w.Name)
	rl, err := env.Engine.GetRule(env.Ctx, org, fx.Rule.ID)
	require.NoError(t, err)
	assert.False(t, rl.Active, "deactivation cascades")
}

func TestDeleteWorkflowCascades(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "check")
	origin := env.completed(t, 5, "x")
	_, err := env.Engine.EvaluateRule(env.Ctx, fx.Rule, engine.TaskEvent(origin, domain.TaskClaimed), nil)
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteWorkflow(env.Ctx, fx.Workflow.ID, org, nil))
	n, err := env.Engine.Repo.CountRules(env.Ctx, nil, fx.Workflow.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = env.Engine.GetRule(env.Ctx, org, fx.Rule.ID)
	var notFound engine.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = env.Engine.GetTemplate(env.Ctx, org, fx.Template.ID)
	require.NoError(t, err, "templates outlive the rules they were attached to")

	err = env.Engine.DeleteWorkflow(env.Ctx, fx.Workflow.ID, org, nil)
	require.ErrorAs(t, err, &notFound)
}

func TestDetachKeepsTemplate(t *testing.T) {
	env := newTestEnv(t)
	fx := env.reviewRule(t, "check")
	require.NoError(t, env.Engine.DetachTemplate(env.Ctx, org, fx.Rule.ID, fx.Template.ID))
	rl, err := env.Engine.GetRule(env.Ctx, org, fx.Rule.ID)
	require.NoError(t, err)
	assert.Empty(t, rl.TemplateIDs)
	_, err = env.Engine.GetTemplate(env.Ctx, org, fx.Template.ID)
	require.NoError(t, err)

	var notFound engine.NotFoundError
	require.ErrorAs(t, env.Engine.DetachTemplate(env.Ctx, org, fx.Rule.ID, fx.Template.ID), &notFound)
	require.NoError(t, env.Engine.AttachTemplate(env.Ctx, org, fx.Rule.ID, fx.Template.ID))
	require.NoError(t, env.Engine.AttachTemplate(env.Ctx, org, fx.Rule.ID, fx.Template.ID))
	rl, err = env.Engine.GetRule(env.Ctx, org, fx.Rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{fx.Template.ID}, rl.TemplateIDs)
}

func TestRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowInput{OrgID: org, Name: "V", Active: true})
	require.NoError(t, err)
	var invalid engine.ValidationError
	_, err = env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{Name: "r", ResourceType: domain.ResourceTask, ToState: "cerrada"})
	require.ErrorAs(t, err, &invalid)
	typeID := int64(1)
	_, err = env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{Name: "r", ResourceType: domain.ResourceCard, ToState: "cerrada", TaskTypeID: &typeID})
	require.ErrorAs(t, err, &invalid)

	_, err = env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{Name: "r", ResourceType: domain.ResourceCard, ToState: "cerrada", TemplateIDs: []int64{404}})
	var notFound engine.NotFoundError
	require.ErrorAs(t, err, &notFound)
	rules, err := env.Engine.ListRules(env.Ctx, org, w.ID)
	require.NoError(t, err)
	assert.Empty(t, rules, "failed create leaves no rule behind")
}

func TestCardMovesAndDispatch(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowInput{OrgID: org, ProjectID: &[]int64{project}[0], Name: "Cards", Active: true})
	require.NoError(t, err)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateInput{OrgID: org, Name: "Retro for {{origin}}", TypeID: 2})
	require.NoError(t, err)
	_, err = env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{
		Name: "retro", ResourceType: domain.ResourceCard, ToState: string(domain.CardClosed), Active: true, TemplateIDs: []int64{tpl.ID},
	})
	require.NoError(t, err)
	_, err = env.Engine.CreateRule(env.Ctx, org, w.ID, engine.RuleInput{
		Name: "kickoff", ResourceType: domain.ResourceCard, ToState: string(domain.CardInProgress), Active: true,
	})
	require.NoError(t, err)

	card, err := env.Engine.CreateCard(env.Ctx, org, project, "Sprint 1")
	require.NoError(t, err)
	var conflict engine.ConflictError
	_, _, err = env.Engine.MoveCard(env.Ctx, org, card.ID, ada, domain.CardClosed, card.Version)
	require.ErrorAs(t, err, &conflict, "pendiente cannot jump to cerrada")

	card, from, err := env.Engine.MoveCard(env.Ctx, org, card.ID, ada, domain.CardInProgress, card.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.CardPending, from)
	_, _, err = env.Engine.MoveCard(env.Ctx, org, card.ID, ada, domain.CardClosed, card.Version-1)
	require.ErrorAs(t, err, &conflict, "stale version")

	card, from, err = env.Engine.MoveCard(env.Ctx, org, card.ID, ada, domain.CardClosed, card.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(3), card.Version)

	results, err := env.Engine.Transitioned(env.Ctx, engine.CardEvent(card, from), &engine.Actor{ID: ada, Name: "Ada L."})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Applied())
	require.Len(t, results[0].Tasks, 1)
	assert.Equal(t, "Retro for Sprint 1", results[0].Tasks[0].Title)
	assert.Equal(t, domain.ReasonNotMatching, results[1].Reason)
}
