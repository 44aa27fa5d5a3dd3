package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// defaultCallTimeout bounds a single request when the config sets none.
const defaultCallTimeout = 30 * time.Second

// Transport carries JSON-RPC traffic to one server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Events() <-chan *JSONRPCNotification
	Connected() bool
}

// StdioTransport speaks newline-delimited JSON-RPC with a child process.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	events    chan *JSONRPCNotification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a transport for the given server config.
func NewStdioTransport(cfg *ServerConfig) *StdioTransport {
	return &StdioTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect starts the subprocess and its reader goroutines.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if err := t.config.Validate(); err != nil {
		return err
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	// Tool results can be large; the default scanner limit is too small.
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started tool server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}

	return nil
}

// Close kills the subprocess and stops the readers.
func (t *StdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
	}

	t.wg.Wait()
	// Readers are done; no more sends can race this close.
	close(t.events)
	return nil
}

// Call sends a request and waits for its response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification; no response is expected.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	if err := t.write(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Events returns the channel of server notifications.
func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether the subprocess is up.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// write serializes one frame onto stdin. Concurrent callers must not
// interleave partial lines.
func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.stdout.Text()
		if line == "" {
			continue
		}
		t.processLine(line)
	}

	if err := t.stdout.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// processLine routes one JSON-RPC message to its waiter or the event
// channel.
func (t *StdioTransport) processLine(line string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn("unexpected response id type", "id", resp.ID)
			return
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}

func (t *StdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
