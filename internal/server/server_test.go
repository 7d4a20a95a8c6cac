package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpool/internal/config"
	"taskpool/internal/db"
	"taskpool/internal/domain"
	"taskpool/internal/engine"
	"taskpool/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, config.Default())
	e.Logger = log.New(io.Discard, "", 0)
	ctx := context.Background()
	require.NoError(t, e.Repo.UpsertProject(ctx, domain.Project{ID: 10, OrgID: 1, Name: "Apollo"}))
	require.NoError(t, e.Repo.UpsertUser(ctx, domain.User{ID: 5, DisplayName: "Ada"}))
	require.NoError(t, e.Repo.UpsertUser(ctx, domain.User{ID: 7, DisplayName: "Grace"}))

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, Logger: e.Logger}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func bearer(t *testing.T, p Principal) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, p, 0)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

var (
	adaAdmin = Principal{UserID: 5, OrgID: 1, Name: "Ada", Roles: []string{"admin"}}
	grace    = Principal{UserID: 7, OrgID: 1, Name: "Grace"}
	outsider = Principal{UserID: 9, OrgID: 2, Name: "Eve", Roles: []string{"admin"}}
)

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func createTask(t *testing.T, srv *testServer, as Principal, typeID int64, title string) domain.Task {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/1/tasks", map[string]any{
		"project_id": 10,
		"type_id":    typeID,
		"title":      title,
	}, bearer(t, as))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var task domain.Task
	require.NoError(t, json.Unmarshal(data, &task))
	return task
}

func transition(t *testing.T, srv *testServer, as Principal, taskID int64, op string, version int64) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/tasks/%d/%s", srv.URL, taskID, op),
		map[string]any{"version": version}, bearer(t, as))
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/1/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/1/tasks", nil,
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)
}

func TestOrgMismatchForbidden(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/1/tasks", nil, bearer(t, outsider))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Code)
}

func TestRegistryWritesNeedAdmin(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/1/workflows",
		map[string]any{"name": "Onboarding"}, bearer(t, grace))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/1/workflows",
		map[string]any{"name": "Onboarding"}, bearer(t, adaAdmin))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	// Reads are open to any member of the org.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/1/workflows", nil, bearer(t, grace))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list WorkflowList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.True(t, list.Items[0].Active)
}

func TestDuplicateWorkflowName(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{"name": "Release", "project_id": 10}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/1/workflows", body, bearer(t, adaAdmin))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/1/workflows", body, bearer(t, adaAdmin))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_exists", decodeError(t, data).Code)
}

func TestClaimConflictAndForbiddenRelease(t *testing.T) {
	srv := newTestServer(t)
	task := createTask(t, srv, grace, 1, "Write docs")

	res, data := transition(t, srv, grace, task.ID, "claim", task.Version)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var claimed TaskTransitionResponse
	require.NoError(t, json.Unmarshal(data, &claimed))
	assert.Equal(t, domain.TaskClaimed, claimed.Task.Status)
	assert.Empty(t, claimed.Evaluations)

	res, data = transition(t, srv, adaAdmin, task.ID, "claim", task.Version)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "conflict", decodeError(t, data).Code)

	res, data = transition(t, srv, adaAdmin, task.ID, "release", claimed.Task.Version)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Code)

	res, data = transition(t, srv, grace, task.ID, "release", claimed.Task.Version)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestMissingTask(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/1/tasks/404", nil, bearer(t, grace))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestCompleteRunsWorkflowRules(t *testing.T) {
	srv := newTestServer(t)
	admin := bearer(t, adaAdmin)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/1/workflows", map[string]any{"name": "Review"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var wf domain.Workflow
	require.NoError(t, json.Unmarshal(data, &wf))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/1/templates", map[string]any{
		"name":        "Review {{origin}}",
		"description": "{{user}} moved it to {{new_state}} in {{project}}",
		"type_id":     2,
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var tpl domain.TaskTemplate
	require.NoError(t, json.Unmarshal(data, &tpl))

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/workflows/%d/rules", srv.URL, wf.ID), map[string]any{
		"name":          "review on complete",
		"resource_type": "task",
		"task_type_id":  1,
		"to_state":      "completed",
		"template_ids":  []int64{tpl.ID},
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rule domain.Rule
	require.NoError(t, json.Unmarshal(data, &rule))

	task := createTask(t, srv, grace, 1, "Ship it")
	res, data = transition(t, srv, grace, task.ID, "claim", task.Version)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var claimed TaskTransitionResponse
	require.NoError(t, json.Unmarshal(data, &claimed))

	res, data = transition(t, srv, grace, task.ID, "complete", claimed.Task.Version)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var done TaskTransitionResponse
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, domain.TaskCompleted, done.Task.Status)
	assert.Empty(t, done.DispatchErrors)
	require.Len(t, done.Evaluations, 1)
	eval := done.Evaluations[0]
	assert.Equal(t, domain.OutcomeApplied, eval.Outcome)
	require.Len(t, eval.Tasks, 1)
	assert.Equal(t, "Review Ship it", eval.Tasks[0].Title)
	assert.Equal(t, "Grace moved it to completed in Apollo", eval.Tasks[0].Description)

	// Evaluating again for the same origin is suppressed by the ledger.
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/rules/%d/evaluate", srv.URL, rule.ID), map[string]any{
		"origin_type":    "task",
		"origin_id":      task.ID,
		"previous_state": "claimed",
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var again engine.Evaluation
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, domain.OutcomeSuppressed, again.Outcome)
	assert.Equal(t, domain.ReasonIdempotent, again.Reason)

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/orgs/1/rules/%d/executions", srv.URL, rule.ID), nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var xs ExecutionList
	require.NoError(t, json.Unmarshal(data, &xs))
	require.Len(t, xs.Items, 1)
	assert.Equal(t, task.ID, xs.Items[0].OriginID)
}

func TestDeactivateCascadesToRules(t *testing.T) {
	srv := newTestServer(t)
	admin := bearer(t, adaAdmin)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/1/workflows", map[string]any{"name": "Cards"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var wf domain.Workflow
	require.NoError(t, json.Unmarshal(data, &wf))
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/workflows/%d/rules", srv.URL, wf.ID), map[string]any{
		"name":          "on close",
		"resource_type": "card",
		"to_state":      "cerrada",
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPut, fmt.Sprintf("%s/v0/orgs/1/workflows/%d/active", srv.URL, wf.ID),
		map[string]any{"active": false}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out SetActiveResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, int64(1), out.RulesUpdated)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/1/cards", map[string]any{"project_id": 10, "title": "Epic"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var card domain.Card
	require.NoError(t, json.Unmarshal(data, &card))

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/cards/%d/move", srv.URL, card.ID),
		map[string]any{"status": "en_curso", "version": card.Version}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved CardTransitionResponse
	require.NoError(t, json.Unmarshal(data, &moved))

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/cards/%d/move", srv.URL, card.ID),
		map[string]any{"status": "cerrada", "version": moved.Card.Version}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &moved))
	require.Len(t, moved.Evaluations, 1)
	assert.Equal(t, domain.ReasonInactive, moved.Evaluations[0].Reason)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/orgs/{org_id}/tasks/{task_id}/claim")
	assert.Contains(t, paths, "/v0/orgs/{org_id}/rules/{rule_id}/evaluate")
}

func createWorkflow(t *testing.T, srv *testServer, name string) domain.Workflow {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/1/workflows", map[string]any{"name": name}, bearer(t, adaAdmin))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var wf domain.Workflow
	require.NoError(t, json.Unmarshal(data, &wf))
	return wf
}

func TestPathParametersReachHandlers(t *testing.T) {
	srv := newTestServer(t)
	admin := bearer(t, adaAdmin)
	client := srv.Client()
	wf := createWorkflow(t, srv, "Triage")

	res, data := doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/orgs/1/workflows/%d", srv.URL, wf.ID),
		map[string]any{"name": "Triage v2", "description": "renamed"}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated domain.Workflow
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, wf.ID, updated.ID)
	assert.Equal(t, "Triage v2", updated.Name)
	assert.True(t, updated.Active)

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/workflows/%d/rules", srv.URL, wf.ID), map[string]any{
		"name":          "on claim",
		"resource_type": "task",
		"to_state":      "claimed",
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rule domain.Rule
	require.NoError(t, json.Unmarshal(data, &rule))

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/orgs/1/rules/%d", srv.URL, rule.ID), map[string]any{
		"name":                "on claim by a person",
		"resource_type":       "task",
		"to_state":            "claimed",
		"user_triggered_only": true,
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var patched domain.Rule
	require.NoError(t, json.Unmarshal(data, &patched))
	assert.Equal(t, rule.ID, patched.ID)
	assert.True(t, patched.UserTriggeredOnly)

	// A path org that differs from the token org is still rejected.
	res, data = doJSON(t, client, http.MethodPut, fmt.Sprintf("%s/v0/orgs/2/workflows/%d/active", srv.URL, wf.ID),
		map[string]any{"active": false}, admin)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, float64(2), decodeError(t, data).Details["org_id"])

	res, data = doJSON(t, client, http.MethodPut, fmt.Sprintf("%s/v0/orgs/1/workflows/%d/active", srv.URL, wf.ID),
		map[string]any{"active": false}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out SetActiveResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, wf.ID, out.WorkflowID)
	assert.Equal(t, int64(1), out.RulesUpdated)
}

func TestEvaluateRejectsUnknownPreviousState(t *testing.T) {
	srv := newTestServer(t)
	admin := bearer(t, adaAdmin)
	wf := createWorkflow(t, srv, "Checks")
	res, data := doJSON(t, srv.Client(), http.MethodPost, fmt.Sprintf("%s/v0/orgs/1/workflows/%d/rules", srv.URL, wf.ID), map[string]any{
		"name":          "on complete",
		"resource_type": "task",
		"to_state":      "completed",
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var rule domain.Rule
	require.NoError(t, json.Unmarshal(data, &rule))
	task := createTask(t, srv, adaAdmin, 1, "Audit")

	url := fmt.Sprintf("%s/v0/orgs/1/rules/%d/evaluate", srv.URL, rule.ID)
	for _, prev := range []string{"en_curso", "nonsense"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{
			"origin_type":    "task",
			"origin_id":      task.ID,
			"previous_state": prev,
		}, admin)
		require.Equal(t, http.StatusBadRequest, res.StatusCode, prev)
		body := decodeError(t, data)
		assert.Equal(t, "bad_request", body.Code)
		assert.Equal(t, "previous_state", body.Details["field"])
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{
		"origin_type": "task",
		"origin_id":   task.ID,
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var ev engine.Evaluation
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, domain.ReasonNotMatching, ev.Reason)
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		require.NotEmpty(t, b)
		assert.Equal(t, bodies[0], b)
	}
}
