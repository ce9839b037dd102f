package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/medulla-ai/medulla/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

// pipeServer is the far end of an in-process transport: it reads request
// lines and answers through the handler.
type pipeServer struct {
	requests *bufio.Scanner
	replies  io.Writer
}

func newPipeTransport(t *testing.T, handler func(req rpcRequest) *rpcResponse) *Transport {
	t.Helper()

	reqReader, stdin := io.Pipe()
	stdout, respWriter := io.Pipe()

	tr := NewTransport(testLogger())
	tr.attach(stdin, stdout, nil)
	t.Cleanup(func() { tr.Close() })

	srv := &pipeServer{requests: bufio.NewScanner(reqReader), replies: respWriter}
	go func() {
		// EOF on the request pipe ends the server; closing the reply pipe
		// lets the transport's read loop drain out.
		defer respWriter.Close()
		for srv.requests.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(srv.requests.Bytes(), &req); err != nil {
				continue
			}
			resp := handler(req)
			if resp == nil {
				continue
			}
			line, _ := json.Marshal(resp)
			srv.replies.Write(append(line, '\n'))
		}
	}()
	return tr
}

func TestCallRoundTrip(t *testing.T) {
	tr := newPipeTransport(t, func(req rpcRequest) *rpcResponse {
		id := req.ID
		return &rpcResponse{JSONRPC: "2.0", ID: &id, Result: json.RawMessage(`{"ok": true}`)}
	})

	raw, err := tr.Call(context.Background(), "initialize", map[string]any{"client": "medulla"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if result["ok"] != true {
		t.Fatalf("result = %v", result)
	}
}

func TestCallCorrelatesConcurrentReplies(t *testing.T) {
	tr := newPipeTransport(t, func(req rpcRequest) *rpcResponse {
		id := req.ID
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      &id,
			Result:  json.RawMessage(`{"method": "` + req.Method + `"}`),
		}
	})

	type outcome struct {
		method string
		raw    json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)
	for _, method := range []string{"alpha", "beta"} {
		go func(m string) {
			raw, err := tr.Call(context.Background(), m, nil, time.Second)
			results <- outcome{method: m, raw: raw, err: err}
		}(method)
	}

	for i := 0; i < 2; i++ {
		got := <-results
		if got.err != nil {
			t.Fatal(got.err)
		}
		var body map[string]string
		if err := json.Unmarshal(got.raw, &body); err != nil {
			t.Fatal(err)
		}
		if body["method"] != got.method {
			t.Fatalf("reply for %q carried %q", got.method, body["method"])
		}
	}
}

func TestCallRemoteError(t *testing.T) {
	tr := newPipeTransport(t, func(req rpcRequest) *rpcResponse {
		id := req.ID
		return &rpcResponse{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: -32601, Message: "method not found"}}
	})

	_, err := tr.Call(context.Background(), "bogus", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	tr := newPipeTransport(t, func(req rpcRequest) *rpcResponse {
		return nil // never reply
	})

	start := time.Now()
	_, err := tr.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout did not fire promptly")
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	tr := newPipeTransport(t, func(req rpcRequest) *rpcResponse {
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "hang", nil, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("waiter must fail after close")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after close")
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	tr := newPipeTransport(t, func(req rpcRequest) *rpcResponse {
		return nil
	})
	tr.Close()

	if _, err := tr.Call(context.Background(), "x", nil, time.Second); err == nil {
		t.Fatal("call on closed transport must fail")
	}
}
