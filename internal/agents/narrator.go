package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/llm"
)

// Narrator turns an execution report into the short reply shown in chat.
type Narrator struct {
	Client llm.Client
	Logger zerolog.Logger
}

// Reply asks the model for a summary of report and falls back to
// DefaultReply when no model is configured or the call fails.
func (n *Narrator) Reply(ctx context.Context, plan *models.Plan, report *models.Report) string {
	if n == nil || n.Client == nil || report == nil {
		return DefaultReply(report)
	}
	txt, err := n.Client.GenerateText(ctx, buildReplyPrompt(plan, report))
	if err != nil || strings.TrimSpace(txt) == "" {
		n.Logger.Debug().Err(err).Msg("narrator falling back to default reply")
		return DefaultReply(report)
	}
	return strings.TrimSpace(txt)
}

// DefaultReply describes a report without a model.
func DefaultReply(report *models.Report) string {
	if report == nil || len(report.Steps) == 0 {
		return "There was nothing to execute."
	}
	if report.OK {
		return fmt.Sprintf("Done. All %d steps completed.", len(report.Steps))
	}
	for _, s := range report.Steps {
		if !s.OK {
			return fmt.Sprintf("Step %d (%s %s) failed: %s. %d step(s) ran.", s.Index, s.Operation, s.Table, s.Error, len(report.Steps))
		}
	}
	return "The plan did not complete."
}

func buildReplyPrompt(plan *models.Plan, report *models.Report) string {
	var b strings.Builder
	b.WriteString("Summarize for a ServiceNow administrator, in two sentences at most, what this automation run did. Mention failures and the records affected.\n\n")
	if plan != nil && plan.Title != "" {
		fmt.Fprintf(&b, "Plan: %s\n", plan.Title)
	}
	for _, s := range report.Steps {
		status := "ok"
		if !s.OK {
			status = "failed: " + s.Error
		}
		fmt.Fprintf(&b, "%d. %s %s", s.Index, s.Operation, s.Table)
		if s.SysID != "" {
			fmt.Fprintf(&b, " sys_id=%s", s.SysID)
		}
		if len(s.DisplayRows) > 0 {
			fmt.Fprintf(&b, " rows=%d", len(s.DisplayRows))
		}
		fmt.Fprintf(&b, " -> %s\n", status)
	}
	return b.String()
}
