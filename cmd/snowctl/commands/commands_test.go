package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/app"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/config"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
)

const createdID = "0123456789abcdef0123456789abcdef"

type instance struct {
	mu    sync.Mutex
	calls []string
}

func (in *instance) handler(w http.ResponseWriter, r *http.Request) {
	in.mu.Lock()
	in.calls = append(in.calls, r.Method+" "+r.URL.Path)
	in.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/now/table/incident":
		io.WriteString(w, `{"result":{"sys_id":"`+createdID+`","number":"INC0010001"}}`)
	case r.Method == http.MethodPatch:
		io.WriteString(w, `{"result":{"sys_id":"`+createdID+`","state":"2"}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"message":"No Record found"}}`)
	}
}

func (in *instance) Calls() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.calls...)
}

// run executes the command tree with cfg in place of the environment.
func run(t *testing.T, cfg config.Config, stdin string, args ...string) (string, error) {
	t.Helper()
	opts := &rootOptions{
		build:  app.Build,
		loader: func(...string) (config.Config, error) { return cfg, nil },
	}
	root := newRootCommand("test", opts)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func offline() config.Config {
	cfg := config.Default()
	cfg.LogLevel = "disabled"
	return cfg
}

func online(t *testing.T) (config.Config, *instance) {
	in := &instance{}
	srv := httptest.NewServer(http.HandlerFunc(in.handler))
	t.Cleanup(srv.Close)

	cfg := offline()
	cfg.ServiceNow.Instance = srv.URL
	cfg.ServiceNow.AccessToken = "token"
	cfg.SchemaHints = false
	return cfg, in
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const yamlPlan = `title: Open and triage
steps:
  - action: create
    table: incident
    data:
      short_description: VPN down
  - op: update
    table: incident
    sys_id: $step1.sys_id
    fields:
      state: 2
`

func TestRun_DryRun(t *testing.T) {
	path := writeFile(t, "plan.yaml", yamlPlan)

	out, err := run(t, offline(), "", "run", path, "--dry-run")
	require.NoError(t, err)

	var got dryRunOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Steps, 2)
	assert.Equal(t, models.OpCreate, got.Steps[0].Operation)
	assert.Equal(t, "VPN down", got.Steps[0].Fields["short_description"])
	assert.Equal(t, models.OpUpdate, got.Steps[1].Operation)
	assert.Equal(t, "$step1.sys_id", got.Steps[1].SysID)
	assert.Equal(t, "Open and triage", got.Summary.Title)
}

func TestRun_ExecutesAgainstInstance(t *testing.T) {
	cfg, in := online(t)
	path := writeFile(t, "plan.yaml", yamlPlan)

	out, err := run(t, cfg, "", "run", path)
	require.NoError(t, err)

	var report models.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.OK)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, createdID, report.Steps[0].SysID)
	assert.Equal(t, []string{
		"POST /api/now/table/incident",
		"PATCH /api/now/table/incident/" + createdID,
	}, in.Calls())
}

func TestRun_JSONFromStdin(t *testing.T) {
	cfg, in := online(t)

	plan := `[{"operation":"create","table":"incident","fields":{"short_description":"x"}}]`
	_, err := run(t, cfg, plan, "run", "-")
	require.NoError(t, err)
	assert.Len(t, in.Calls(), 1)
}

func TestRun_FailedStep(t *testing.T) {
	cfg, in := online(t)
	path := writeFile(t, "plan.json", `{"steps":[
		{"operation":"get","table":"incident","sys_id":"`+createdID+`"},
		{"operation":"create","table":"incident","fields":{}}
	]}`)

	out, err := run(t, cfg, "", "run", path)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, out, `"ok": false`)
	assert.Len(t, in.Calls(), 1)

	_, err = run(t, cfg, "", "run", path, "--continue-on-error")
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Len(t, in.Calls(), 3)
}

func TestRun_Offline(t *testing.T) {
	path := writeFile(t, "plan.yaml", yamlPlan)

	out, err := run(t, offline(), "", "run", path)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, out, "auth not configured")
}

func TestRun_BadInput(t *testing.T) {
	_, err := run(t, offline(), "", "run", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read plan")

	path := writeFile(t, "plan.yaml", "steps: [unclosed")
	_, err = run(t, offline(), "", "run", path)
	assert.ErrorContains(t, err, "parse plan")

	_, err = run(t, offline(), "", "run")
	assert.Error(t, err)
}

func TestPlan_Fallback(t *testing.T) {
	out, err := run(t, offline(), "", "plan", "list", "my", "incidents")
	require.NoError(t, err)

	var plan models.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.NotEmpty(t, plan.ID)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "sys_user", plan.Steps[0].Table)
	assert.Equal(t, "fallback", plan.Meta["planner"])
}

func TestPlan_RequiresMessage(t *testing.T) {
	_, err := run(t, offline(), "", "plan")
	assert.Error(t, err)
}

func TestLogLevelOverride(t *testing.T) {
	opts := &rootOptions{
		logLevel: "debug",
		loader:   func(...string) (config.Config, error) { return config.Default(), nil },
	}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}
