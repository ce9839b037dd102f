// Package gateway manages the optional external tool child process: a
// line-delimited JSON-RPC channel over stdio, tool discovery, and the bridge
// into the in-process registry. Gateway failure is never fatal; the agent
// continues with in-process tools only.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Transport is the stdio JSON-RPC channel to the gateway child process.
// One reader goroutine dispatches replies to per-call waiters keyed by a
// correlation id.
type Transport struct {
	logger *observability.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	writeMu sync.Mutex

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewTransport creates an unstarted transport.
func NewTransport(logger *observability.Logger) *Transport {
	return &Transport{
		logger:  logger,
		pending: make(map[int64]chan *rpcResponse),
		stop:    make(chan struct{}),
	}
}

// Start launches the child process and the reader goroutines.
func (t *Transport) Start(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("gateway command is empty")
	}

	t.process = exec.CommandContext(ctx, argv[0], argv[1:]...)
	t.process.Env = os.Environ()

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.process.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start gateway process: %w", err)
	}

	t.attach(stdin, stdout, stderr)
	t.logger.Info(ctx, "gateway process started",
		"command", argv[0], "pid", t.process.Process.Pid)
	return nil
}

// attach wires the pipes and spawns the readers. Tests call it directly with
// in-process pipes instead of a child.
func (t *Transport) attach(stdin io.WriteCloser, stdout io.Reader, stderr io.Reader) {
	t.stdin = stdin
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024)

	t.connected.Store(true)
	t.wg.Add(1)
	go t.readLoop()

	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
}

// Connected reports whether the channel is usable.
func (t *Transport) Connected() bool { return t.connected.Load() }

// Call sends one request and waits for its correlated reply.
func (t *Transport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("gateway not connected")
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respCh := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.writeMu.Lock()
	_, err = t.stdin.Write(append(line, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("gateway error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("gateway request timeout after %v", timeout)
	case <-t.stop:
		return nil, fmt.Errorf("gateway transport closed")
	}
}

// Close drains waiters, closes the channel, and kills the child.
func (t *Transport) Close() error {
	t.connected.Store(false)
	t.stopOnce.Do(func() { close(t.stop) })

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		_ = t.process.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		line := t.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := t.stdout.Err(); err != nil {
		t.logger.Warn(context.Background(), "gateway stdout closed", "error", err)
	}
}

func (t *Transport) dispatch(line []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
		t.logger.Debug(context.Background(), "gateway message without correlation id dropped")
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[*resp.ID]
	if ok {
		delete(t.pending, *resp.ID)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Debug(context.Background(), "gateway reply for unknown id", "id", *resp.ID)
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}

func (t *Transport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug(context.Background(), "gateway stderr", "message", line)
		}
	}
}
