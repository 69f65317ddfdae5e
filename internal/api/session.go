package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
)

const (
	sessionCookie = "snagent_sid"
	sessionHeader = "X-Session-ID"
	sessionTTL    = time.Hour
	keptTurns     = 10
	contextTurns  = 8
)

type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Memory is the conversation state kept per browser session. It feeds the
// planner with recent turns and the rows of earlier queries.
type Memory struct {
	Turns         []Turn              `json:"turns"`
	Facts         map[string]any      `json:"facts"`
	LastPlan      *models.PlanSummary `json:"last_plan,omitempty"`
	PendingPlanID string              `json:"pending_plan_id,omitempty"`
	LastPlanID    string              `json:"last_plan_id,omitempty"`
}

// CurrentPlanID is the plan awaiting confirmation, else the last one shown.
func (m *Memory) CurrentPlanID() string {
	if m.PendingPlanID != "" {
		return m.PendingPlanID
	}
	return m.LastPlanID
}

// ContextText renders the memory as planner context.
func (m *Memory) ContextText() string {
	turns := m.Turns
	if len(turns) > contextTurns {
		turns = turns[len(turns)-contextTurns:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, strings.ToUpper(t.Role)+": "+t.Text)
	}
	facts := ""
	if len(m.Facts) > 0 {
		if b, err := json.Marshal(m.Facts); err == nil {
			facts = string(b)
		}
	}
	return strings.TrimSpace("RECENT_TURNS:\n" + strings.Join(lines, "\n") + "\n\nKNOWN_FACTS_JSON:\n" + facts)
}

type sessions struct {
	store cache.Store
}

func (s sessions) key(sid string) string { return "mem:" + sid }

func (s sessions) load(ctx context.Context, sid string) *Memory {
	m := &Memory{Facts: map[string]any{}}
	v, ok := s.store.Get(ctx, s.key(sid))
	if !ok {
		return m
	}
	switch t := v.(type) {
	case *Memory:
		cp := *t
		cp.Turns = append([]Turn(nil), t.Turns...)
		cp.Facts = make(map[string]any, len(t.Facts))
		for k, f := range t.Facts {
			cp.Facts[k] = f
		}
		return &cp
	default:
		// shared backends hand back decoded JSON
		if b, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(b, m)
		}
	}
	if m.Facts == nil {
		m.Facts = map[string]any{}
	}
	return m
}

func (s sessions) save(ctx context.Context, sid string, m *Memory) {
	if len(m.Turns) > keptTurns {
		m.Turns = m.Turns[len(m.Turns)-keptTurns:]
	}
	s.store.SetTTL(ctx, s.key(sid), m, sessionTTL)
}

func (s sessions) update(ctx context.Context, sid string, fn func(*Memory)) {
	m := s.load(ctx, sid)
	fn(m)
	s.save(ctx, sid, m)
}

// sessionID reads the caller's session from the header or cookie, issuing a
// new cookie when neither is present.
func sessionID(w http.ResponseWriter, r *http.Request) string {
	if sid := strings.TrimSpace(r.Header.Get(sessionHeader)); sid != "" {
		return sid
	}
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	sid := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionTTL / time.Second),
	})
	return sid
}
