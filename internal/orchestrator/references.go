package orchestrator

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultAliases maps a table to the token registered when a step produces a
// record in it.
var DefaultAliases = map[string]string{
	"sc_cat_item": "CAT_ITEM_SYS_ID",
}

// References holds the identifiers produced so far in one run. Step keys are
// written once and values are never empty.
type References struct {
	keys    map[string]string
	aliases map[string]string
}

func NewReferences() *References {
	return &References{keys: map[string]string{}, aliases: map[string]string{}}
}

// StepKey is the context key of the record produced by step i.
func StepKey(i int) string { return "step" + strconv.Itoa(i) + ".sys_id" }

// RowKey is the context key of row j returned by step i.
func RowKey(i, j int) string {
	return "step" + strconv.Itoa(i) + ".result[" + strconv.Itoa(j) + "].sys_id"
}

// Set records value under key. It reports false, leaving the context
// untouched, when value is empty or key is already bound.
func (r *References) Set(key, value string) bool {
	if value == "" {
		return false
	}
	if _, ok := r.keys[key]; ok {
		return false
	}
	r.keys[key] = value
	return true
}

// SetAlias binds an alias token. A later record in the same table rebinds it.
func (r *References) SetAlias(name, value string) {
	if name == "" || value == "" {
		return
	}
	r.aliases[name] = value
}

func (r *References) Lookup(key string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r.keys[key]
	return v, ok
}

func (r *References) Alias(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r.aliases[name]
	return v, ok
}

// Len counts step keys and aliases.
func (r *References) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys) + len(r.aliases)
}

// Snapshot copies every binding, aliases included.
func (r *References) Snapshot() map[string]string {
	out := make(map[string]string, r.Len())
	if r == nil {
		return out
	}
	for k, v := range r.keys {
		out[k] = v
	}
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

var (
	stepRefPattern  = regexp.MustCompile(`\$step(\d+)\.sys_id`)
	rowRefPattern   = regexp.MustCompile(`\$step(\d+)\.result\[(\d+)\]\.sys_id`)
	aliasRefPattern = regexp.MustCompile(`<([A-Z0-9_]+)>`)
)

// SubstituteString rewrites the three reference forms in s, in order:
// $stepN.sys_id, $stepN.result[i].sys_id, then <TOKEN>. Tokens with no
// binding are left as written.
func SubstituteString(s string, refs *References) string {
	if !strings.ContainsAny(s, "$<") {
		return s
	}
	s = replaceRefs(stepRefPattern, s, func(g []string) (string, bool) {
		return refs.Lookup("step" + g[1] + ".sys_id")
	})
	s = replaceRefs(rowRefPattern, s, func(g []string) (string, bool) {
		return refs.Lookup("step" + g[1] + ".result[" + g[2] + "].sys_id")
	})
	return replaceRefs(aliasRefPattern, s, func(g []string) (string, bool) {
		return refs.Alias(g[1])
	})
}

func replaceRefs(re *regexp.Regexp, s string, resolve func(groups []string) (string, bool)) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		groups := make([]string, len(m)/2)
		for g := range groups {
			if m[2*g] >= 0 {
				groups[g] = s[m[2*g]:m[2*g+1]]
			}
		}
		if v, ok := resolve(groups); ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[m[0]:m[1]])
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Substitute returns a deep copy of v with every string rewritten by
// SubstituteString. Mappings and slices are copied, other values are
// returned as is. The input is never modified.
func Substitute(v any, refs *References) any {
	switch t := v.(type) {
	case string:
		return SubstituteString(t, refs)
	case map[string]any:
		return SubstituteMap(t, refs)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = SubstituteString(s, refs)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = Substitute(t[i], refs)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i := range t {
			out[i] = SubstituteString(t[i], refs)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i := range t {
			out[i] = SubstituteMap(t[i], refs)
		}
		return out
	}
	return v
}

// SubstituteMap is Substitute for a mapping; the result is never nil.
func SubstituteMap(m map[string]any, refs *References) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Substitute(v, refs)
	}
	return out
}
