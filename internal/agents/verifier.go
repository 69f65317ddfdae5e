package agents

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
)

// Verifier inspects a body returned with a 2xx status and reports
// application-level failures.
type Verifier interface {
	Verify(ctx context.Context, step models.Step, body any) error
}

// EmbeddedError is an error envelope ServiceNow returned on HTTP success.
type EmbeddedError struct {
	Message string
	Detail  any
}

func (e *EmbeddedError) Error() string { return "ServiceNow error: " + e.Message }

// EnvelopeVerifier fails any body whose top-level "error" field is set.
type EnvelopeVerifier struct{}

func (EnvelopeVerifier) Verify(_ context.Context, _ models.Step, body any) error {
	m, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	v, ok := m["error"]
	if !ok || !truthy(v) {
		return nil
	}
	return &EmbeddedError{Message: errorMessage(v), Detail: v}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}

// errorMessage renders the envelope ServiceNow uses,
// {"message": "...", "detail": "..."}, or the raw value otherwise.
func errorMessage(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		msg, _ := t["message"].(string)
		detail, _ := t["detail"].(string)
		switch {
		case msg != "" && detail != "":
			return msg + ": " + detail
		case msg != "":
			return msg
		case detail != "":
			return detail
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "unknown error"
	}
	return strings.TrimSpace(string(b))
}
