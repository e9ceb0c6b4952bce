package xenapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/xenstack/vdisk/utils"
)

const (
	// task statuses reported by the control API.
	taskPending   = "pending"
	taskSuccess   = "success"
	taskFailure   = "failure"
	taskCancelled = "cancelled"

	defaultTaskPollInterval = time.Second
)

// Client is a Session implementation speaking JSON-RPC to a xapi endpoint,
// either over TCP ("https://host/jsonrpc") or the local control-domain
// socket.
type Client struct {
	hc       *http.Client
	url      string
	taskPoll time.Duration
	nextID   atomic.Int64

	mu      sync.Mutex
	session string
	host    string
}

// NewClient creates a client for the given endpoint and logs in.
func NewClient(ctx context.Context, endpoint, username, password string) (*Client, error) {
	c := &Client{
		hc:       &http.Client{Timeout: 30 * time.Second},
		url:      strings.TrimSuffix(endpoint, "/") + "/jsonrpc",
		taskPoll: defaultTaskPollInterval,
	}
	if err := c.login(ctx, username, password); err != nil {
		return nil, err
	}
	return c, nil
}

// NewSocketClient creates a client over the local xapi Unix socket.
func NewSocketClient(ctx context.Context, socketPath, username, password string) (*Client, error) {
	c := &Client{
		hc:       utils.NewSocketHTTPClient(socketPath),
		url:      "http://localhost/jsonrpc",
		taskPoll: defaultTaskPollInterval,
	}
	if err := c.login(ctx, username, password); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) login(ctx context.Context, username, password string) error {
	result, err := c.rpc(ctx, "session.login_with_password", username, password, "1.0", "vdisk")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	ref, ok := result.(string)
	if !ok {
		return fmt.Errorf("login: unexpected session ref %T", result)
	}
	c.mu.Lock()
	c.session = ref
	c.mu.Unlock()
	return nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

type rpcResponse struct {
	Result any       `json:"result"`
	Error  *rpcError `json:"error"`
}

type rpcError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// rpc performs one JSON-RPC round trip without prepending the session ref.
func (c *Client) rpc(ctx context.Context, method string, params ...any) (any, error) {
	body, err := json.Marshal(rpcRequest{
		Method: method,
		Params: params,
		ID:     c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	post := func() ([]byte, error) {
		return utils.DoAPI(ctx, c.hc, http.MethodPost, c.url, body, http.StatusOK)
	}
	var raw []byte
	if retrySafe(method) {
		raw, err = utils.DoWithRetry(ctx, post)
	} else {
		raw, err = post()
	}
	if err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, remoteError(method, resp.Error)
	}
	return resp.Result, nil
}

// retrySafe reports whether a method may be repeated after an ambiguous
// transport failure. Reads and session calls are; anything that can
// create or mutate server records is not, because the first attempt may
// already have been applied.
func retrySafe(method string) bool {
	if strings.HasPrefix(method, "session.") {
		return true
	}
	if i := strings.Index(method, "."); i >= 0 {
		return strings.HasPrefix(method[i+1:], "get_")
	}
	return false
}

// remoteError converts a JSON-RPC error into a *Failure when the endpoint
// supplied a structured detail list.
func remoteError(method string, e *rpcError) error {
	if len(e.Data) > 0 {
		var details []string
		if err := json.Unmarshal(e.Data, &details); err == nil && len(details) > 0 {
			return &Failure{Details: details}
		}
	}
	return fmt.Errorf("%s: %s", method, e.Message)
}

func (c *Client) sessionRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Call implements Session.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	return c.rpc(ctx, method, append([]any{c.sessionRef()}, args...)...)
}

// CallAsync implements Session: it invokes the "Async." variant of method
// and returns the task handle.
func (c *Client) CallAsync(ctx context.Context, method string, args ...any) (TaskRef, error) {
	result, err := c.Call(ctx, "Async."+method, args...)
	if err != nil {
		return "", err
	}
	ref, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("Async.%s: unexpected task ref %T", method, result)
	}
	return TaskRef(ref), nil
}

// CallPlugin implements Session. Plugin calls are dispatched to this
// client's own host.
func (c *Client) CallPlugin(ctx context.Context, plugin, fn string, args map[string]string) (TaskRef, error) {
	host, err := c.ThisHost(ctx)
	if err != nil {
		return "", err
	}
	return c.CallAsync(ctx, "host.call_plugin", host, plugin, fn, args)
}

// ThisHost returns (and caches) the ref of the host this session runs on.
func (c *Client) ThisHost(ctx context.Context) (string, error) {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if host != "" {
		return host, nil
	}

	result, err := c.rpc(ctx, "session.get_this_host", c.sessionRef(), c.sessionRef())
	if err != nil {
		return "", fmt.Errorf("resolve host: %w", err)
	}
	ref, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("resolve host: unexpected ref %T", result)
	}
	c.mu.Lock()
	c.host = ref
	c.mu.Unlock()
	return ref, nil
}

// WaitForTask implements Session: it polls the task until it leaves the
// pending state, then collects its result or failure and destroys the
// task record.
func (c *Client) WaitForTask(ctx context.Context, task TaskRef) (string, error) {
	logger := log.WithFunc("xenapi.WaitForTask")

	var status string
	poll := func() (bool, error) {
		result, err := c.Call(ctx, "task.get_status", string(task))
		if err != nil {
			return false, fmt.Errorf("task %s status: %w", task, err)
		}
		status, _ = result.(string)
		return status != taskPending, nil
	}
	ticker := time.NewTicker(c.taskPoll)
	defer ticker.Stop()
	for {
		done, err := poll()
		if err != nil {
			return "", err
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}

	defer func() {
		if _, err := c.Call(ctx, "task.destroy", string(task)); err != nil {
			logger.Warnf(ctx, "destroy task %s: %v", task, err)
		}
	}()

	switch status {
	case taskSuccess:
		result, err := c.Call(ctx, "task.get_result", string(task))
		if err != nil {
			return "", fmt.Errorf("task %s result: %w", task, err)
		}
		s, _ := result.(string)
		return stripValueWrapper(s), nil
	case taskFailure:
		result, err := c.Call(ctx, "task.get_error_info", string(task))
		if err != nil {
			return "", fmt.Errorf("task %s error info: %w", task, err)
		}
		return "", failureFromErrorInfo(result)
	case taskCancelled:
		return "", fmt.Errorf("task %s cancelled", task)
	default:
		return "", fmt.Errorf("task %s finished with status %q", task, status)
	}
}

// stripValueWrapper removes the "<value>...</value>" envelope xapi wraps
// task results in.
func stripValueWrapper(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<value>")
	s = strings.TrimSuffix(s, "</value>")
	return s
}

func failureFromErrorInfo(result any) error {
	items, ok := result.([]any)
	if !ok {
		return fmt.Errorf("task failed: %v", result)
	}
	details := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			details = append(details, s)
		}
	}
	return &Failure{Details: details}
}

var _ Session = (*Client)(nil)
