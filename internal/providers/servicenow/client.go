// Package servicenow is a thin client for the ServiceNow Table API and the
// scripted REST resources the agent relies on.
package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Records is the set of remote operations a plan step can dispatch to.
// Every method returns the decoded JSON body, usually {result, error?}.
type Records interface {
	Create(ctx context.Context, table string, fields map[string]any) (any, error)
	Read(ctx context.Context, table, sysID string, params map[string]any) (any, error)
	Update(ctx context.Context, table, sysID string, fields map[string]any) (any, error)
	Delete(ctx context.Context, table, sysID string) (any, error)
	Query(ctx context.Context, table, query string, params map[string]any) (any, error)
	ChangeUpdateSet(ctx context.Context, sysID string) (any, error)
}

const (
	DefaultTimeout       = 30 * time.Second
	DefaultUpdateSetPath = "/api/pwcm2/agentservicenow/changeUpdateSet"
	// DefaultQueryLimit applies when a query carries no sysparm_limit.
	DefaultQueryLimit = 25
	maxErrorBody      = 1000
)

var (
	ErrNotConfigured = errors.New("servicenow: auth not configured")
	ErrInvalidSysID  = errors.New("servicenow: sys_id must be a 32-char hex string")
)

var sysIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// ValidSysID reports whether s looks like a ServiceNow record identifier.
func ValidSysID(s string) bool { return sysIDPattern.MatchString(strings.TrimSpace(s)) }

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("servicenow: %s %s: HTTP %d", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Config selects the instance and credentials. Auth precedence: AccessToken,
// then OAuth client credentials, then basic auth.
type Config struct {
	Instance      string
	AccessToken   string
	TokenType     string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	Timeout       time.Duration
	UpdateSetPath string
}

type Client struct {
	instance      string
	http          *http.Client
	accessToken   string
	tokenType     string
	username      string
	password      string
	oauth         bool
	updateSetPath string
}

// New builds a client. With client credentials configured the returned
// client fetches and refreshes bearer tokens from /oauth_token.do.
func New(cfg Config) (*Client, error) {
	instance := strings.TrimRight(strings.TrimSpace(cfg.Instance), "/")
	if instance == "" {
		return nil, fmt.Errorf("%w: missing instance URL", ErrNotConfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		instance:      instance,
		accessToken:   cfg.AccessToken,
		tokenType:     cfg.TokenType,
		username:      cfg.Username,
		password:      cfg.Password,
		updateSetPath: cfg.UpdateSetPath,
	}
	if c.tokenType == "" {
		c.tokenType = "Bearer"
	}
	if c.updateSetPath == "" {
		c.updateSetPath = DefaultUpdateSetPath
	}

	base := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	switch {
	case c.accessToken != "":
		c.http = base
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     instance + "/oauth_token.do",
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		c.http = cc.Client(tokenCtx)
		c.http.Timeout = timeout
		c.oauth = true
	case c.username != "" && c.password != "":
		c.http = base
	default:
		return nil, ErrNotConfigured
	}
	return c, nil
}

// Instance returns the instance base URL.
func (c *Client) Instance() string { return c.instance }

func (c *Client) Create(ctx context.Context, table string, fields map[string]any) (any, error) {
	return c.do(ctx, http.MethodPost, tablePath(table, ""), nil, orEmpty(fields))
}

func (c *Client) Read(ctx context.Context, table, sysID string, params map[string]any) (any, error) {
	return c.do(ctx, http.MethodGet, tablePath(table, sysID), params, nil)
}

func (c *Client) Update(ctx context.Context, table, sysID string, fields map[string]any) (any, error) {
	return c.do(ctx, http.MethodPatch, tablePath(table, sysID), nil, orEmpty(fields))
}

func (c *Client) Delete(ctx context.Context, table, sysID string) (any, error) {
	return c.do(ctx, http.MethodDelete, tablePath(table, sysID), nil, nil)
}

// Query lists records matching an encoded query. sysparm_query is always the
// given query unless params already carries one; sysparm_limit defaults to 25.
func (c *Client) Query(ctx context.Context, table, query string, params map[string]any) (any, error) {
	p := make(map[string]any, len(params)+2)
	for k, v := range params {
		p[k] = v
	}
	if _, ok := p["sysparm_query"]; !ok {
		p["sysparm_query"] = query
	}
	if _, ok := p["sysparm_limit"]; !ok {
		p["sysparm_limit"] = strconv.Itoa(DefaultQueryLimit)
	}
	return c.do(ctx, http.MethodGet, tablePath(table, ""), p, nil)
}

// ChangeUpdateSet makes the given update set current through the scripted
// REST resource.
func (c *Client) ChangeUpdateSet(ctx context.Context, sysID string) (any, error) {
	if !ValidSysID(sysID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSysID, sysID)
	}
	return c.do(ctx, http.MethodPost, c.updateSetPath, nil, map[string]any{"sys_id": strings.TrimSpace(sysID)})
}

// Me returns the profile of the authenticated user.
func (c *Client) Me(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/api/now/ui/me", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]any, payload any) (any, error) {
	u := c.instance + path
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			if v == nil {
				continue
			}
			q.Set(k, paramString(v))
		}
		u += "?" + q.Encode()
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("servicenow: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("servicenow: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.accessToken != "":
		req.Header.Set("Authorization", c.tokenType+" "+c.accessToken)
	case !c.oauth && c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("servicenow: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("servicenow: read %s %s: %w", method, path, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		text := strings.TrimSpace(string(raw))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &HTTPError{Method: method, Path: path, Status: res.StatusCode, Body: text}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		// DELETE answers 204 with no body
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("servicenow: decode %s %s: %w", method, path, err)
	}
	return out, nil
}

func tablePath(table, sysID string) string {
	p := "/api/now/table/" + url.PathEscape(table)
	if sysID != "" {
		p += "/" + url.PathEscape(sysID)
	}
	return p
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			parts = append(parts, paramString(x))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
