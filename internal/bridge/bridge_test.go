package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolwire/toolwire/internal/config"
	"github.com/toolwire/toolwire/internal/jsonrpc"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	in      chan []byte
	stopped bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16)}
}

func (f *fakeTransport) Start(context.Context) error { return nil }

func (f *fakeTransport) Send(line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return fmt.Errorf("transport stopped")
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeTransport) Lines() <-chan []byte { return f.in }

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.in)
	}
}

func (f *fakeTransport) Pid() int { return 0 }

func (f *fakeTransport) deliver(line string) { f.in <- []byte(line) }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	b := New(t.Name(), "stdio", ft)
	t.Cleanup(b.Stop)
	return b, ft
}

func TestCorrelationRoundTrip(t *testing.T) {
	b, ft := newTestBridge(t)

	h, err := b.SendRequest(jsonrpc.NewRequest("1", "tools/call", map[string]any{"name": "echo"}))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if got := b.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d; want 1", got)
	}

	ft.deliver(`{"jsonrpc":"2.0","id":"1","result":{"content":[{"type":"text","text":"hi"}]}}`)
	resp := b.AwaitResponse(h, time.Second)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("result = %s", resp.Result)
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after resolve = %d; want 0", got)
	}
}

func TestNumericIDCorrelation(t *testing.T) {
	b, ft := newTestBridge(t)

	h, err := b.SendRequest(jsonrpc.NewRequest(42, "ping", nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	ft.deliver(`{"jsonrpc":"2.0","id":42,"result":{}}`)
	resp := b.AwaitResponse(h, time.Second)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestBatchAllTimeout(t *testing.T) {
	b, _ := newTestBridge(t)

	reqs := []jsonrpc.Request{
		jsonrpc.NewRequest("a", "slow", nil),
		jsonrpc.NewRequest("b", "slow", nil),
		jsonrpc.NewRequest("c", "slow", nil),
	}
	handles, err := b.SendBatch(reqs)
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	start := time.Now()
	resps := b.AwaitResponses(handles, 80*time.Millisecond)
	elapsed := time.Since(start)
	if elapsed < 80*time.Millisecond || elapsed > time.Second {
		t.Fatalf("elapsed = %v; want roughly the shared deadline", elapsed)
	}
	if len(resps) != 3 {
		t.Fatalf("responses = %d; want 3", len(resps))
	}
	for key, resp := range resps {
		if resp.Error == nil || resp.Error.Message != jsonrpc.MsgTimeout {
			t.Fatalf("response %s = %+v; want timeout", key, resp)
		}
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after timeout = %d; want 0", got)
	}
}

func TestSharedDeadlineNotPerHandle(t *testing.T) {
	b, _ := newTestBridge(t)

	handles, err := b.SendBatch([]jsonrpc.Request{
		jsonrpc.NewRequest("a", "slow", nil),
		jsonrpc.NewRequest("b", "slow", nil),
		jsonrpc.NewRequest("c", "slow", nil),
		jsonrpc.NewRequest("d", "slow", nil),
	})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	start := time.Now()
	b.AwaitResponses(handles, 60*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 4*60*time.Millisecond {
		t.Fatalf("elapsed = %v; deadline appears to be applied per handle", elapsed)
	}
}

func TestClearStalePartial(t *testing.T) {
	b, ft := newTestBridge(t)

	handles, err := b.SendBatch([]jsonrpc.Request{
		jsonrpc.NewRequest("old1", "x", nil),
		jsonrpc.NewRequest("old2", "x", nil),
		jsonrpc.NewRequest("fresh", "x", nil),
	})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	// Age two entries past the threshold.
	b.mu.Lock()
	b.pending[`"old1"`].enqueued = time.Now().Add(-time.Hour)
	b.pending[`"old2"`].enqueued = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	if n := b.ClearStale(time.Minute); n != 2 {
		t.Fatalf("ClearStale = %d; want 2", n)
	}
	if got := b.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d; want 1", got)
	}

	// Reaped entries resolve with timeouts.
	for _, key := range []string{`"old1"`, `"old2"`} {
		resp := b.AwaitResponse(handles[key], 50*time.Millisecond)
		if resp.Error == nil || resp.Error.Message != jsonrpc.MsgTimeout {
			t.Fatalf("reaped %s = %+v; want timeout", key, resp)
		}
	}

	// The survivor is still awaitable.
	ft.deliver(`{"jsonrpc":"2.0","id":"fresh","result":{"ok":true}}`)
	resp := b.AwaitResponse(handles[`"fresh"`], time.Second)
	if resp.Error != nil {
		t.Fatalf("fresh entry = %+v; want result", resp)
	}
}

func TestNotificationRouting(t *testing.T) {
	b, ft := newTestBridge(t)

	h, err := b.SendRequest(jsonrpc.NewRequest("1", "x", nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	ft.deliver(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	ft.deliver(`{"jsonrpc":"2.0","id":"1","result":{}}`)
	// Duplicate response to an already-resolved id: routed to notifications.
	ft.deliver(`{"jsonrpc":"2.0","id":"1","result":{"dup":true}}`)
	// Unknown id: same treatment.
	ft.deliver(`{"jsonrpc":"2.0","id":"never-sent","result":{}}`)

	if resp := b.AwaitResponse(h, time.Second); resp.Error != nil {
		t.Fatalf("response = %+v", resp)
	}

	deadline := time.Now().Add(time.Second)
	var notifs []json.RawMessage
	for time.Now().Before(deadline) {
		notifs = append(notifs, b.DrainNotifications()...)
		if len(notifs) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(notifs) != 3 {
		t.Fatalf("notifications = %d; want 3", len(notifs))
	}
	if !strings.Contains(string(notifs[0]), "list_changed") {
		t.Fatalf("first notification = %s; want ordered arrival", notifs[0])
	}
	if got := b.DrainNotifications(); len(got) != 0 {
		t.Fatalf("second drain = %d entries; want 0", len(got))
	}
	if got := b.NotificationCount(); got != 0 {
		t.Fatalf("NotificationCount after drain = %d; want 0", got)
	}
}

func TestUndecodableResponseResolvesPending(t *testing.T) {
	b, ft := newTestBridge(t)

	h, err := b.SendRequest(jsonrpc.NewRequest("1", "x", nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	// Matches the pending id but the error member is not an object, so it
	// cannot decode as a response. The caller must get a prompt synthetic
	// failure, not sit out its timeout.
	ft.deliver(`{"jsonrpc":"2.0","id":"1","error":"boom"}`)

	start := time.Now()
	resp := b.AwaitResponse(h, 5*time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("resolution took %v; want well under the timeout", elapsed)
	}
	if resp.Error == nil || resp.Error.Message != jsonrpc.MsgInvalid {
		t.Fatalf("response = %+v; want %q error", resp, jsonrpc.MsgInvalid)
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d; want 0", got)
	}
}

func TestSendNotificationBypassesTable(t *testing.T) {
	b, ft := newTestBridge(t)

	if err := b.SendNotification("notifications/initialized", nil); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d; want 0", got)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 1 {
		t.Fatalf("sent = %d lines; want 1", len(ft.sent))
	}
	if strings.Contains(string(ft.sent[0]), `"id"`) {
		t.Fatalf("notification carries an id: %s", ft.sent[0])
	}
}

func TestSendRequestValidation(t *testing.T) {
	b, _ := newTestBridge(t)

	_, err := b.SendRequest(jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "x"})
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("missing id error = %v (%T); want *config.ConfigError", err, err)
	}

	if _, err := b.SendRequest(jsonrpc.NewRequest("dup", "x", nil)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := b.SendRequest(jsonrpc.NewRequest("dup", "x", nil)); err == nil {
		t.Fatal("expected error for duplicate in-flight id")
	}
}

func TestRequestsWrittenInOrder(t *testing.T) {
	b, ft := newTestBridge(t)

	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	reqs := make([]jsonrpc.Request, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, jsonrpc.NewRequest(id, "x", nil))
	}
	if _, err := b.SendBatch(reqs); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != len(ids) {
		t.Fatalf("sent = %d; want %d", len(ft.sent), len(ids))
	}
	for i, id := range ids {
		if !strings.Contains(string(ft.sent[i]), `"id":"`+id+`"`) {
			t.Fatalf("line %d = %s; want id %s", i, ft.sent[i], id)
		}
	}
}

func TestStopResolvesPending(t *testing.T) {
	b, _ := newTestBridge(t)

	h, err := b.SendRequest(jsonrpc.NewRequest("inflight", "x", nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	done := make(chan jsonrpc.Response, 1)
	go func() {
		done <- b.AwaitResponse(h, 30*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Stop()
	b.Stop() // idempotent

	select {
	case resp := <-done:
		if resp.Error == nil || resp.Error.Message != jsonrpc.MsgShutdown {
			t.Fatalf("response = %+v; want shutdown error", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("caller stayed blocked through Stop")
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after stop = %d; want 0", got)
	}

	if _, err := b.SendRequest(jsonrpc.NewRequest("late", "x", nil)); err == nil {
		t.Fatal("expected error sending on stopped bridge")
	}
}

func TestConcurrentSendersPendingCount(t *testing.T) {
	b, ft := newTestBridge(t)

	const callers = 8
	const perCaller = 25
	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				id := fmt.Sprintf("c%d-%d", c, i)
				if _, err := b.SendRequest(jsonrpc.NewRequest(id, "x", nil)); err != nil {
					t.Errorf("SendRequest %s: %v", id, err)
				}
			}
		}(c)
	}
	wg.Wait()

	if got := b.PendingCount(); got != callers*perCaller {
		t.Fatalf("PendingCount = %d; want %d", got, callers*perCaller)
	}

	for c := 0; c < callers; c++ {
		for i := 0; i < perCaller; i++ {
			ft.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":"c%d-%d","result":{}}`, c, i))
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for b.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after resolve = %d; want 0", got)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), config.ServerConfig{
		TransportConfig: config.TransportConfig{Command: "", Args: config.Args{}, Transport: "stdio"},
	})
	var ce *config.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T); want *config.ConfigError", err, err)
	}
}

func TestOpenEchoSubprocess(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	b, err := Open(context.Background(), config.ServerConfig{
		Name:            "echo",
		TransportConfig: config.TransportConfig{Command: "cat", Transport: "stdio"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Stop()

	// cat echoes the request line itself; its id matches the pending entry,
	// so the round trip exercises the whole pipeline.
	h, err := b.SendRequest(jsonrpc.NewRequest("e1", "noop", nil))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	resp := b.AwaitResponse(h, 5*time.Second)
	if resp.Error != nil {
		t.Fatalf("response = %+v; want echoed message", resp)
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d; want 0", got)
	}
}
