// Package api exposes the plan-confirm-execute flow over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/agents"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/extract"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/orchestrator"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/telemetry"
)

const (
	previewReply = "Here's what I'm going to do. Do you want me to proceed?"

	planCacheTTL    = 15 * time.Minute
	planCacheItems  = 300
	planCachePrefix = "plan_cache:"
)

// Identity answers who the configured ServiceNow credentials belong to.
type Identity interface {
	Me(ctx context.Context) (any, error)
}

type Server struct {
	orch     *orchestrator.Orchestrator
	narrator *agents.Narrator
	results  cache.Cache
	plans    cache.Store
	sessions sessions
	identity Identity
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

type Option func(*Server)

func WithNarrator(n *agents.Narrator) Option { return func(s *Server) { s.narrator = n } }

// WithResultCache enables read-through caching of get and query steps. Each
// session gets its own key space.
func WithResultCache(c cache.Cache) Option { return func(s *Server) { s.results = c } }

// WithSessionStore replaces the in-memory conversation store.
func WithSessionStore(st cache.Store) Option { return func(s *Server) { s.sessions = sessions{store: st} } }

// WithPlanCache replaces the in-memory store that lets a repeated message in
// the same conversation reuse its plan.
func WithPlanCache(st cache.Store) Option { return func(s *Server) { s.plans = st } }

func WithIdentity(id Identity) Option { return func(s *Server) { s.identity = id } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.logger = l } }

func New(orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		narrator: &agents.Narrator{},
		plans:    cache.NewMemory(planCacheTTL, planCacheItems),
		sessions: sessions{store: cache.NewMemory(sessionTTL, 300)},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API with logging, metrics and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /api/plan", s.plan)
	mux.HandleFunc("GET /api/plan/current", s.currentPlan)
	mux.HandleFunc("GET /api/plan/{id}", s.getPlan)
	mux.HandleFunc("POST /api/new_session", s.newSession)
	mux.HandleFunc("POST /api/confirm", s.confirm)
	mux.HandleFunc("POST /api/execute", s.execute)
	mux.HandleFunc("GET /api/execute_stream", s.executeStream)
	mux.HandleFunc("POST /api/upload", s.upload)
	mux.HandleFunc("GET /api/me", s.me)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return cors(instrument(mux, s.logger, s.metrics))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type planRequest struct {
	Message     string `json:"message"`
	ContextText string `json:"contextText"`
}

type planPreview struct {
	Mode        string             `json:"mode"`
	PlanID      string             `json:"planId"`
	Plan        *models.Plan       `json:"plan"`
	PlanSummary models.PlanSummary `json:"planSummary"`
	Meta        map[string]any     `json:"meta"`
	Reply       string             `json:"reply"`
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	sid := sessionID(w, r)
	plan, err := s.newPlan(r.Context(), sid, req.Message, req.ContextText)
	if err != nil {
		s.logger.Error().Err(err).Msg("planning failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, preview(plan))
}

// newPlan records the user turn, plans with the session memory merged into
// the context and stores the plan summary for the next turn. The same message
// against the same context reuses the earlier plan and its id.
func (s *Server) newPlan(ctx context.Context, sid, message, contextText string) (*models.Plan, error) {
	mem := s.sessions.load(ctx, sid)
	mem.Turns = append(mem.Turns, Turn{Role: "user", Text: message})
	merged := strings.TrimSpace(strings.Join([]string{contextText, mem.ContextText()}, "\n\n"))

	key := planCachePrefix + cache.Key("plan", sid, nil, message, map[string]any{"context": merged})
	plan, err := s.cachedPlan(ctx, key)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		plan, err = s.orch.PlanRequest(ctx, models.Request{Message: message, ContextText: merged})
		if err != nil {
			return nil, err
		}
		s.plans.SetTTL(ctx, key, *plan, planCacheTTL)
	}
	summary := models.Summarize(plan)
	mem.LastPlan = &summary
	mem.PendingPlanID = plan.ID
	mem.LastPlanID = plan.ID
	mem.Turns = append(mem.Turns, Turn{Role: "assistant", Text: previewReply})
	s.sessions.save(ctx, sid, mem)
	return plan, nil
}

// cachedPlan returns the plan stored under key, registered again so it can be
// confirmed, or nil on a miss.
func (s *Server) cachedPlan(ctx context.Context, key string) (*models.Plan, error) {
	v, ok := s.plans.Get(ctx, key)
	if !ok {
		return nil, nil
	}
	plan, err := orchestrator.DecodePlan(v)
	if err != nil || plan.ID == "" {
		s.logger.Warn().Err(err).Msg("dropping unreadable cached plan")
		s.plans.Delete(ctx, key)
		return nil, nil
	}
	if err := s.orch.StorePlan(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("plan_id", plan.ID).Msg("plan cache hit")
	return plan, nil
}

func preview(plan *models.Plan) planPreview {
	meta := plan.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return planPreview{
		Mode:        "preview",
		PlanID:      plan.ID,
		Plan:        plan,
		PlanSummary: models.Summarize(plan),
		Meta:        meta,
		Reply:       previewReply,
	}
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.orch.Plan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.planError(w, err)
		return
	}
	meta := plan.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"plan": plan, "meta": meta})
}

// currentPlan returns the session's pending plan, falling back to the last
// plan it was shown.
func (s *Server) currentPlan(w http.ResponseWriter, r *http.Request) {
	id := s.sessions.load(r.Context(), sessionID(w, r)).CurrentPlanID()
	if id == "" {
		respondError(w, http.StatusNotFound, "No plan available (generate a plan first).")
		return
	}
	plan, err := s.orch.Plan(r.Context(), id)
	if err != nil {
		s.planError(w, err)
		return
	}
	meta := plan.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"planId": plan.ID, "plan": plan, "meta": meta})
}

// newSession forgets which plans the session has seen. Turns and facts stay.
func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.update(r.Context(), sessionID(w, r), func(m *Memory) {
		m.PendingPlanID = ""
		m.LastPlanID = ""
		m.LastPlan = nil
	})
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type confirmRequest struct {
	Action      string `json:"action"`
	PlanID      string `json:"planId"`
	ModifyText  string `json:"modifyText"`
	ContextText string `json:"contextText"`
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "cancel":
		if req.PlanID != "" {
			s.orch.DiscardPlan(r.Context(), req.PlanID)
		}
		s.sessions.update(r.Context(), sessionID(w, r), func(m *Memory) {
			if req.PlanID == "" || m.PendingPlanID == req.PlanID {
				m.PendingPlanID = ""
			}
		})
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "reply": "Cancelled."})
	case "modify":
		text := strings.TrimSpace(req.ModifyText)
		if text == "" {
			respondError(w, http.StatusBadRequest, "modifyText is required")
			return
		}
		plan, err := s.newPlan(r.Context(), sessionID(w, r), text, req.ContextText)
		if err != nil {
			s.logger.Error().Err(err).Msg("re-planning failed")
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if req.PlanID != "" && req.PlanID != plan.ID {
			s.orch.DiscardPlan(r.Context(), req.PlanID)
		}
		out := preview(plan)
		respondJSON(w, http.StatusOK, map[string]any{
			"ok":          true,
			"planId":      out.PlanID,
			"plan":        out.Plan,
			"planSummary": out.PlanSummary,
			"meta":        out.Meta,
		})
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported action: %s", req.Action))
	}
}

type executeRequest struct {
	PlanID          string `json:"planId"`
	ContinueOnError bool   `json:"continueOnError"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PlanID == "" {
		respondError(w, http.StatusBadRequest, "planId is required")
		return
	}
	sid := sessionID(w, r)
	plan, err := s.orch.Plan(r.Context(), req.PlanID)
	if err != nil {
		s.planError(w, err)
		return
	}
	report, err := s.orch.ExecutePlan(r.Context(), req.PlanID, s.runOptions(sid, req.ContinueOnError)...)
	if err != nil {
		s.planError(w, err)
		return
	}
	facts := s.remember(r.Context(), sid, report)
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":     report.OK,
		"planId": req.PlanID,
		"steps":  report.Steps,
		"facts":  facts,
		"reply":  s.narrator.Reply(r.Context(), plan, report),
	})
}

func (s *Server) runOptions(sid string, continueOnError bool) []orchestrator.RunOption {
	opts := []orchestrator.RunOption{orchestrator.WithStopOnError(!continueOnError)}
	if s.results != nil {
		opts = append(opts, orchestrator.WithCache(cache.WithPrefix(s.results, sid+":")))
	}
	return opts
}

// remember merges the facts of report into the session and returns them.
func (s *Server) remember(ctx context.Context, sid string, report *models.Report) map[string]any {
	facts := models.ExtractFacts(report)
	s.sessions.update(ctx, sid, func(m *Memory) {
		for k, v := range facts {
			m.Facts[k] = v
		}
	})
	return facts
}

// executeStream runs a stored plan and streams its events as SSE. Each
// stream subscribes to its own run, taken before the run starts so no event
// is missed and runs of the same plan never interleave.
func (s *Server) executeStream(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("planId")
	if planID == "" {
		respondError(w, http.StatusBadRequest, "planId is required")
		return
	}
	if _, err := s.orch.Plan(r.Context(), planID); err != nil {
		s.planError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sid := sessionID(w, r)
	continueOnError := r.URL.Query().Get("continueOnError") == "true"

	runID := uuid.NewString()
	events, unsubscribe := s.orch.Subscribe(runID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	go func() {
		opts := append(s.runOptions(sid, continueOnError), orchestrator.WithRunID(runID))
		report, err := s.orch.ExecutePlan(ctx, planID, opts...)
		if err != nil {
			s.logger.Warn().Err(err).Str("plan_id", planID).Str("run_id", runID).Msg("streamed run failed")
			return
		}
		s.remember(context.WithoutCancel(ctx), sid, report)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			name, data := sseFrame(msg)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
			flusher.Flush()
			if name == orchestrator.EventDone || name == orchestrator.EventError {
				return
			}
		}
	}
}

// sseFrame splits a hub message into the SSE event name and its payload.
func sseFrame(msg []byte) (string, []byte) {
	var ev struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Event == "" {
		return "message", msg
	}
	if len(ev.Payload) == 0 {
		return ev.Event, []byte("{}")
	}
	return ev.Event, ev.Payload
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, extract.MaxBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "too large") {
			respondError(w, http.StatusBadRequest, "File too large. Upload files under 3MB.")
			return
		}
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, extract.MaxBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) > extract.MaxBytes {
		respondError(w, http.StatusBadRequest, "File too large. Upload files under 3MB.")
		return
	}

	name := header.Filename
	if name == "" {
		name = "uploaded_file"
	}
	ctype := header.Header.Get("Content-Type")
	out := map[string]any{"filename": name, "contentType": ctype, "size": len(data), "text": nil}

	text, err := extract.Text(name, ctype, data)
	switch {
	case errors.Is(err, extract.ErrUnsupportedType):
	case err != nil:
		s.logger.Warn().Err(err).Str("filename", name).Msg("upload extraction failed")
		out["error"] = err.Error()
	default:
		out["text"] = text
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	if s.identity == nil {
		respondJSON(w, http.StatusOK, map[string]any{"loggedIn": false, "user": map[string]any{}, "name": nil})
		return
	}
	body, err := s.identity.Me(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("identity lookup failed")
		respondJSON(w, http.StatusBadGateway, map[string]any{"loggedIn": false, "error": err.Error()})
		return
	}
	user, _ := body.(map[string]any)
	if inner, ok := user["result"].(map[string]any); ok {
		user = inner
	}
	if user == nil {
		user = map[string]any{}
	}
	var name any
	if n, _ := user["name"].(string); n != "" {
		name = n
	} else if n, _ := user["user_name"].(string); n != "" {
		name = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"loggedIn": true, "user": user, "name": name})
}

func (s *Server) planError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrPlanNotFound) {
		respondError(w, http.StatusNotFound, "Plan expired or not found. Generate again.")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
