package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
)

// ErrClientClosed is returned for calls on a closed or disconnected client
var ErrClientClosed = errors.New("mcp client closed")

type clientRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type clientResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Client talks to an MCP server over a pair of streams. Several calls may be
// in flight at once; responses are matched to callers by id.
type Client struct {
	w      io.WriteCloser
	r      io.Reader
	cmd    *exec.Cmd
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan clientResponse
	readErr error
	done    chan struct{}
}

// Spawn starts command as an MCP server and connects to its stdio
func Spawn(ctx context.Context, command string, args []string, env []string) (*Client, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	c := newClient(stdout, stdin)
	c.cmd = cmd
	if err := c.initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect performs the initialize handshake over already connected streams
func Connect(ctx context.Context, r io.Reader, w io.WriteCloser) (*Client, error) {
	c := newClient(r, w)
	if err := c.initialize(ctx); err != nil {
		w.Close()
		return nil, err
	}
	return c, nil
}

func newClient(r io.Reader, w io.WriteCloser) *Client {
	c := &Client{
		w:       w,
		r:       r,
		pending: make(map[int64]chan clientResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	err := io.EOF
	for scanner.Scan() {
		var resp clientResponse
		if jerr := json.Unmarshal(scanner.Bytes(), &resp); jerr != nil || resp.ID == 0 {
			// server notifications and unparseable lines have no caller
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	if serr := scanner.Err(); serr != nil {
		err = serr
	}

	c.mu.Lock()
	c.readErr = err
	c.pending = nil
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      ServerInfo{Name: "cursor-bridge-client", Version: "1.0.0"},
	}
	if _, err := c.Call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return c.send(clientRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
}

// ListTools returns the server's tool catalogue
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool. Tool failures come back as a result with IsError
// set; protocol failures are returned as *RPCError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.Call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return &result, nil
}

// ListResources returns the server's resource catalogue
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding resources/list: %w", err)
	}
	return result.Resources, nil
}

// ReadResource fetches one resource by URI
func (c *Client) ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error) {
	raw, err := c.Call(ctx, "resources/read", ResourceReadParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result ResourceReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding resources/read: %w", err)
	}
	return &result, nil
}

// Call sends a request and waits for its response or for ctx to end
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan clientResponse, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(clientRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("%w: %v", ErrClientClosed, c.readErr)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) send(req clientRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", req.Method, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing %s: %w", req.Method, err)
	}
	return nil
}

// Close closes the server's stdin and, for spawned servers, waits for the
// process to exit
func (c *Client) Close() error {
	err := c.w.Close()
	if c.cmd != nil {
		<-c.done
		return c.cmd.Wait()
	}
	return err
}
