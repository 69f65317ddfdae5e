package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/cache"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/servicenow"
)

// DefaultHintTables are described to the planner when schema hints are on.
var DefaultHintTables = []string{
	"sys_user",
	"incident",
	"sys_update_set",
	"sys_user_preference",
	"sc_cat_item",
	"item_option_new",
	"sc_item_option_mtom",
	"catalog_script_client",
	"catalog_ui_policy",
	"catalog_ui_policy_action",
}

// tables whose "type" column is a choice list worth spelling out
var choiceTables = map[string]bool{
	"item_option_new":          true,
	"catalog_script_client":    true,
	"catalog_ui_policy":        true,
	"catalog_ui_policy_action": true,
}

const (
	maxHintFields   = 60
	failedHintTTL   = time.Minute
	defaultHintTTL  = 15 * time.Minute
	hintCachePrefix = "schema:"
)

// SchemaHints reads field definitions from sys_dictionary so the planner
// uses real column names. Every failure degrades to an empty hint.
type SchemaHints struct {
	Client servicenow.Records
	Cache  cache.Store
	TTL    time.Duration
	Tables []string
	Logger zerolog.Logger
}

// Build describes every configured table, skipping those with no hint.
func (h *SchemaHints) Build(ctx context.Context) string {
	if h == nil || h.Client == nil {
		return ""
	}
	tables := h.Tables
	if len(tables) == 0 {
		tables = DefaultHintTables
	}
	var chunks []string
	for _, t := range tables {
		if hint := h.Table(ctx, t); hint != "" {
			chunks = append(chunks, hint)
		}
	}
	return strings.Join(chunks, "\n\n")
}

// Table describes one table's fields, consulting the cache first.
func (h *SchemaHints) Table(ctx context.Context, table string) string {
	key := hintCachePrefix + table
	if h.Cache != nil {
		if v, ok := h.Cache.Get(ctx, key); ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	hint, err := h.describe(ctx, table)
	ttl := h.TTL
	if ttl <= 0 {
		ttl = defaultHintTTL
	}
	if err != nil {
		h.Logger.Debug().Err(err).Str("table", table).Msg("schema hint unavailable")
		ttl = failedHintTTL
	}
	if h.Cache != nil {
		h.Cache.SetTTL(ctx, key, hint, ttl)
	}
	return hint
}

func (h *SchemaHints) describe(ctx context.Context, table string) (string, error) {
	body, err := h.Client.Query(ctx, "sys_dictionary",
		"name="+table+"^internal_type!=collection^ORDERBYposition",
		map[string]any{
			"sysparm_fields": "element,internal_type,mandatory,max_length,reference",
			"sysparm_limit":  "200",
		})
	if err != nil {
		return "", err
	}
	rows := resultRows(body)
	if len(rows) == 0 {
		return "", nil
	}

	var lines []string
	for i, r := range rows {
		if i == maxHintFields {
			break
		}
		el := fieldText(r["element"])
		if el == "" {
			continue
		}
		line := "- " + el + " (" + fieldText(r["internal_type"])
		if ref := fieldText(r["reference"]); ref != "" {
			line += " ref=" + ref
		}
		if fieldText(r["mandatory"]) == "true" {
			line += " mandatory"
		}
		lines = append(lines, line+")")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\nFields:\n%s", table, strings.Join(lines, "\n"))
	if choiceTables[table] {
		// choices are a nice-to-have; the field list stands on its own
		if choices, err := h.choices(ctx, table); err == nil && choices != "" {
			b.WriteString("\nChoices for 'type':\n")
			b.WriteString(choices)
		}
	}
	return b.String(), nil
}

func (h *SchemaHints) choices(ctx context.Context, table string) (string, error) {
	body, err := h.Client.Query(ctx, "sys_choice",
		"name="+table+"^element=type^ORDERBYsequence",
		map[string]any{"sysparm_fields": "label,value", "sysparm_limit": "200"})
	if err != nil {
		return "", err
	}
	var lines []string
	for _, r := range resultRows(body) {
		label, ok := r["label"]
		if !ok || label == nil {
			continue
		}
		lines = append(lines, "- "+fieldText(label)+" = "+fieldText(r["value"]))
	}
	return strings.Join(lines, "\n"), nil
}

func resultRows(body any) []map[string]any {
	m, _ := body.(map[string]any)
	list, _ := m["result"].([]any)
	rows := make([]map[string]any, 0, len(list))
	for _, x := range list {
		if r, ok := x.(map[string]any); ok {
			rows = append(rows, r)
		}
	}
	return rows
}

// fieldText reads a Table API value, which is either a plain string or a
// {"value", "link"} object for references.
func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t["value"].(string)
		return s
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
