package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/agents"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/extract"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/orchestrator"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/telemetry"
)

// stubRecords answers every query with two users and every other call with
// a single record.
type stubRecords struct {
	mu      sync.Mutex
	queries int
}

func (s *stubRecords) users() map[string]any {
	s.mu.Lock()
	s.queries++
	s.mu.Unlock()
	return map[string]any{"result": []any{
		map[string]any{"sys_id": "u1", "name": "Ada"},
		map[string]any{"sys_id": "u2", "name": "Grace"},
	}}
}

func (s *stubRecords) Create(context.Context, string, map[string]any) (any, error) {
	return map[string]any{"result": map[string]any{"sys_id": "new1"}}, nil
}
func (s *stubRecords) Read(context.Context, string, string, map[string]any) (any, error) {
	return map[string]any{"result": map[string]any{"sys_id": "r1"}}, nil
}
func (s *stubRecords) Update(context.Context, string, string, map[string]any) (any, error) {
	return map[string]any{"result": map[string]any{"sys_id": "r1"}}, nil
}
func (s *stubRecords) Delete(context.Context, string, string) (any, error) { return nil, nil }
func (s *stubRecords) Query(context.Context, string, string, map[string]any) (any, error) {
	return s.users(), nil
}
func (s *stubRecords) ChangeUpdateSet(context.Context, string) (any, error) {
	return map[string]any{"result": map[string]any{"sys_id": "us1"}}, nil
}

// recordingPlanner wraps the fallback planner and keeps every request.
type recordingPlanner struct {
	mu   sync.Mutex
	reqs []models.Request
}

func (p *recordingPlanner) Plan(ctx context.Context, req models.Request) (*models.Plan, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return agents.FallbackPlanner{}.Plan(ctx, req)
}

func (p *recordingPlanner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *recordingPlanner) last() models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

type stubIdentity struct {
	body any
	err  error
}

func (s stubIdentity) Me(context.Context) (any, error) { return s.body, s.err }

type fixture struct {
	srv     *httptest.Server
	planner *recordingPlanner
	records *stubRecords
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{planner: &recordingPlanner{}, records: &stubRecords{}, metrics: telemetry.NewMetrics("snagent")}
	orch := orchestrator.New(f.planner, &agents.RecordExecutor{Client: f.records}, nil, orchestrator.WithMetrics(f.metrics))
	opts = append([]Option{WithMetrics(f.metrics), WithResultCache(cache.NewMemory(time.Minute, 100))}, opts...)
	f.srv = httptest.NewServer(New(orch, opts...).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionHeader, "test-session")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (f *fixture) newPlan(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/plan", map[string]any{"message": "list active users"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["planId"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestPlan_Preview(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/plan", map[string]any{"message": "list active users", "contextText": "from the HR team"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "preview", body["mode"])
	assert.NotEmpty(t, body["planId"])
	assert.Equal(t, previewReply, body["reply"])
	assert.Equal(t, "fallback", body["meta"].(map[string]any)["planner"])
	summary := body["planSummary"].(map[string]any)
	step := summary["steps"].([]any)[0].(map[string]any)
	assert.Equal(t, "QUERY", step["op"])
	assert.Equal(t, "sys_user", step["table"])

	ctx := f.planner.last().ContextText
	assert.True(t, strings.HasPrefix(ctx, "from the HR team"))
	assert.Contains(t, ctx, "USER: list active users")
}

func TestPlan_RequiresMessage(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/plan", map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "message is required", body["error"])

	resp, _ = f.do(t, http.MethodPost, "/api/plan", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetPlan(t *testing.T) {
	f := newFixture(t)
	id := f.newPlan(t)

	resp, body := f.do(t, http.MethodGet, "/api/plan/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["plan"].(map[string]any)["plan_id"])

	resp, _ = f.do(t, http.MethodGet, "/api/plan/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlan_RepeatedMessageReusesPlan(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, f.newPlan(t))
	}
	// the recent-turns window only repeats once it is full
	assert.Equal(t, 5, f.planner.count())
	assert.Equal(t, ids[4], ids[5])
	assert.NotEqual(t, ids[3], ids[4])

	resp, body := f.do(t, http.MethodGet, "/api/plan/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ids[5], body["planId"])
}

func TestPlan_CachedPlanSurvivesCancel(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.newPlan(t))
	}
	resp, _ := f.do(t, http.MethodPost, "/api/confirm", map[string]any{"action": "cancel", "planId": ids[4]})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/plan/"+ids[4], nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, ids[4], f.newPlan(t))
	assert.Equal(t, 5, f.planner.count())
	resp, _ = f.do(t, http.MethodGet, "/api/plan/"+ids[4], nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a cache hit registers the plan again")
}

func TestCurrentPlanAndNewSession(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/plan/current", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "No plan available (generate a plan first).", body["error"])

	first := f.newPlan(t)
	resp, body = f.do(t, http.MethodGet, "/api/plan/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first, body["planId"])
	assert.Equal(t, first, body["plan"].(map[string]any)["plan_id"])

	// a cancelled pending plan falls back to the last one shown, now gone
	resp, _ = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"action": "cancel", "planId": first})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/plan/current", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Plan expired or not found. Generate again.", body["error"])

	f.newPlan(t)
	resp, body = f.do(t, http.MethodPost, "/api/new_session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, body = f.do(t, http.MethodGet, "/api/plan/current", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "No plan available (generate a plan first).", body["error"])
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	id := f.newPlan(t)

	resp, body := f.do(t, http.MethodPost, "/api/confirm", map[string]any{"action": "modify", "planId": id})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "modifyText is required", body["error"])

	resp, body = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"action": "modify", "planId": id, "modifyText": "only the first five"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	newID, _ := body["planId"].(string)
	assert.NotEqual(t, id, newID)
	assert.Equal(t, "only the first five", f.planner.last().Message)
	resp, _ = f.do(t, http.MethodGet, "/api/plan/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "the replaced plan is dropped")

	resp, body = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"action": "cancel", "planId": newID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Cancelled.", body["reply"])
	resp, _ = f.do(t, http.MethodGet, "/api/plan/"+newID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Unsupported action: approve", body["error"])
}

func TestExecute(t *testing.T) {
	f := newFixture(t)
	id := f.newPlan(t)

	resp, body := f.do(t, http.MethodPost, "/api/execute", map[string]any{"planId": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "Done. All 1 steps completed.", body["reply"])
	steps := body["steps"].([]any)
	require.Len(t, steps, 1)
	assert.Equal(t, "u1", steps[0].(map[string]any)["sys_id"])
	facts := body["facts"].(map[string]any)
	assert.Len(t, facts["last_query:sys_user"], 2)

	// the same query again is served from the session's result cache
	resp, body = f.do(t, http.MethodPost, "/api/execute", map[string]any{"planId": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["steps"].([]any)[0].(map[string]any)["cached"])
	assert.Equal(t, 1, f.records.queries)

	// facts feed the next plan request
	f.newPlan(t)
	assert.Contains(t, f.planner.last().ContextText, `KNOWN_FACTS_JSON:`+"\n"+`{"last_query:sys_user":`)

	resp, _ = f.do(t, http.MethodPost, "/api/execute", map[string]any{"planId": "gone"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/execute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestExecuteStream(t *testing.T) {
	f := newFixture(t)
	id := f.newPlan(t)

	resp, err := http.Get(f.srv.URL + "/api/execute_stream?planId=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"start", "step", "done"}, []string{events[0].name, events[1].name, events[2].name})

	var start map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &start))
	assert.Equal(t, id, start["planId"])
	assert.NotEmpty(t, start["runId"])

	var step models.StepResult
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &step))
	assert.Equal(t, 1, step.Index)
	assert.True(t, step.OK)

	var report models.Report
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &report))
	assert.True(t, report.OK)
}

func TestExecuteStream_ConcurrentRunsOfOnePlan(t *testing.T) {
	f := newFixture(t)
	id := f.newPlan(t)

	var wg sync.WaitGroup
	runs := make([][]sseEvent, 2)
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(f.srv.URL + "/api/execute_stream?planId=" + id)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			runs[i] = readSSE(t, resp.Body)
		}(i)
	}
	wg.Wait()

	var runIDs []string
	for _, events := range runs {
		require.Len(t, events, 3)
		assert.Equal(t, []string{"start", "step", "done"}, []string{events[0].name, events[1].name, events[2].name})
		var start map[string]any
		require.NoError(t, json.Unmarshal([]byte(events[0].data), &start))
		runIDs = append(runIDs, start["runId"].(string))
	}
	assert.NotEqual(t, runIDs[0], runIDs[1])
}

func TestExecuteStream_Errors(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/execute_stream", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/execute_stream?planId=gone", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func upload(t *testing.T, f *fixture, name, ctype string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="file"; filename="` + name + `"`}
	h["Content-Type"] = []string{ctype}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestUpload(t *testing.T) {
	f := newFixture(t)

	doc := []byte("<html><body><p>Laptop for <b>new hire</b></p></body></html>")
	resp, body := upload(t, f, "req.html", "text/html", doc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req.html", body["filename"])
	assert.Equal(t, "text/html", body["contentType"])
	assert.Equal(t, "Laptop for new hire", body["text"])
	assert.Equal(t, float64(len(doc)), body["size"])

	resp, body = upload(t, f, "pic.png", "image/png", []byte{0x89, 'P', 'N', 'G', 0xff})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["text"])

	resp, body = upload(t, f, "big.txt", "text/plain", bytes.Repeat([]byte("x"), extract.MaxBytes+10))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "File too large. Upload files under 3MB.", body["error"])
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/api/me", nil)
	assert.Equal(t, false, body["loggedIn"])

	f = newFixture(t, WithIdentity(stubIdentity{body: map[string]any{"result": map[string]any{"user_name": "admin"}}}))
	_, body = f.do(t, http.MethodGet, "/api/me", nil)
	assert.Equal(t, true, body["loggedIn"])
	assert.Equal(t, "admin", body["name"])

	f = newFixture(t, WithIdentity(stubIdentity{err: errors.New("401")}))
	resp, _ := f.do(t, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMetricsAndCORS(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/health", nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), `snagent_http_requests_total{code="200",method="GET",route="GET /health"} 1`)

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/plan", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestMemory_ContextText(t *testing.T) {
	m := &Memory{Facts: map[string]any{}}
	for i := 0; i < 12; i++ {
		m.Turns = append(m.Turns, Turn{Role: "user", Text: string(rune('a' + i))})
	}
	txt := m.ContextText()
	assert.NotContains(t, txt, "USER: d\n")
	assert.Contains(t, txt, "USER: e\n")
	assert.True(t, strings.HasSuffix(txt, "KNOWN_FACTS_JSON:"))

	s := sessions{store: cache.NewMemory(time.Minute, 10)}
	s.save(context.Background(), "sid", m)
	assert.Len(t, s.load(context.Background(), "sid").Turns, keptTurns)
}
