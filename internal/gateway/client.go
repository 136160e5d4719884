package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/victorarias/dev-sessions/internal/backend"
	"github.com/victorarias/dev-sessions/internal/config"
	"github.com/victorarias/dev-sessions/internal/logging"
	"github.com/victorarias/dev-sessions/internal/manager"
	"github.com/victorarias/dev-sessions/internal/registry"
	"github.com/victorarias/dev-sessions/internal/transcript"
)

// Client implements the manager's surface by relaying every operation to
// a gateway server on the host. It is selected when IS_SANDBOX=1.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

// NewClient targets the configured gateway URL.
func NewClient(log *logging.Logger) *Client {
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		baseURL: config.GatewayURL(),
		http:    &http.Client{},
		log:     log,
	}
}

func (c *Client) connectivityHint(err error) error {
	return fmt.Errorf("cannot reach gateway at %s: %w (start it on the host with: devs gateway serve)", c.baseURL, err)
}

func (c *Client) post(ctx context.Context, path string, body any, out *apiResponse) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out *apiResponse) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out *apiResponse) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return c.connectivityHint(err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	if !out.OK {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// CreateSession relays create, translating the workspace path to its
// host-side form first.
func (c *Client) CreateSession(ctx context.Context, opts manager.CreateOptions) (registry.SessionRecord, error) {
	cli := "claude"
	if opts.Kind == registry.KindRPC {
		cli = "codex"
	}
	var out apiResponse
	err := c.post(ctx, "/create", createRequest{
		Path:        TranslatePath(opts.WorkspacePath),
		CLI:         cli,
		Mode:        string(opts.Mode),
		Model:       opts.Model,
		Description: opts.Description,
	}, &out)
	if err != nil {
		return registry.SessionRecord{}, err
	}
	if out.Session != nil {
		return *out.Session, nil
	}
	return registry.SessionRecord{Handle: out.SessionID}, nil
}

// SendMessage relays send.
func (c *Client) SendMessage(ctx context.Context, h, text string) error {
	var out apiResponse
	return c.post(ctx, "/send", sendRequest{SessionID: h, Message: text}, &out)
}

// KillSession relays kill.
func (c *Client) KillSession(ctx context.Context, h string) error {
	var out apiResponse
	return c.post(ctx, "/kill", map[string]string{"sessionId": h}, &out)
}

// ListSessions relays list.
func (c *Client) ListSessions(ctx context.Context) ([]registry.SessionRecord, error) {
	var out apiResponse
	if err := c.get(ctx, "/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession relays inspect.
func (c *Client) GetSession(h string) (registry.SessionRecord, error) {
	var out apiResponse
	if err := c.get(context.Background(), "/inspect", url.Values{"id": {h}}, &out); err != nil {
		return registry.SessionRecord{}, err
	}
	if out.Session == nil {
		return registry.SessionRecord{}, fmt.Errorf("gateway returned no session for %s", h)
	}
	return *out.Session, nil
}

// GetSessionStatus relays status.
func (c *Client) GetSessionStatus(ctx context.Context, h string) (string, error) {
	var out apiResponse
	if err := c.get(ctx, "/status", url.Values{"id": {h}}, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// WaitForSession relays wait. Durations are sent as whole seconds.
func (c *Client) WaitForSession(ctx context.Context, h string, opts backend.WaitOptions) (backend.WaitResult, error) {
	query := url.Values{"id": {h}}
	if opts.Timeout > 0 {
		query.Set("timeout", strconv.Itoa(int(opts.Timeout/time.Second)))
	}
	if opts.Interval > 0 {
		query.Set("interval", strconv.Itoa(int(opts.Interval/time.Second)))
	}
	var out apiResponse
	if err := c.get(ctx, "/wait", query, &out); err != nil {
		return backend.WaitResult{}, err
	}
	if out.WaitResult == nil {
		return backend.WaitResult{}, fmt.Errorf("gateway returned no wait result")
	}
	return *out.WaitResult, nil
}

// GetLastMessages relays last-message.
func (c *Client) GetLastMessages(ctx context.Context, h string, n int) ([]string, error) {
	query := url.Values{"id": {h}}
	if n > 0 {
		query.Set("n", strconv.Itoa(n))
	}
	var out apiResponse
	if err := c.get(ctx, "/last-message", query, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// GetLogs relays logs.
func (c *Client) GetLogs(ctx context.Context, h string) ([]transcript.Turn, error) {
	var out apiResponse
	if err := c.get(ctx, "/logs", url.Values{"id": {h}}, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Health probes the gateway.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.connectivityHint(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}
