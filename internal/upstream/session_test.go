package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/aviary-mcp/proxy/internal/config"
	"github.com/aviary-mcp/proxy/pkg/wire"
)

type noopReverseHandler struct{}

func (noopReverseHandler) HandleReverseRequest(context.Context, string, *wire.Message) {}

func (noopReverseHandler) HandleUpstreamNotification(context.Context, string, *wire.Message) {}

// newPipedSession wires a Session's codec to an in-memory net.Pipe instead
// of a real child process, so Request/fulfill/listenLoop can be exercised
// without spawning anything.
func newPipedSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	clientSide, upstreamSide := net.Pipe()

	s := New(config.ServerConfig{ID: "piped"}, noopReverseHandler{}, nil, nil, 0, 0)
	s.codec = wire.NewCodec(clientSide, clientSide, "piped", true, nil)
	s.pending = make(map[string]chan *wire.Message)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBackground = cancel
	s.done = make(chan struct{})
	go s.listenLoop(ctx)

	t.Cleanup(func() {
		cancel()
		_ = clientSide.Close()
		_ = upstreamSide.Close()
	})

	return s, upstreamSide
}

func TestBackoffDelaySequence(t *testing.T) {
	want := []int{1, 2, 4, 8, 16}
	for attempt, expected := range want {
		got := backoffDelay(attempt)
		if got.Seconds() != float64(expected) {
			t.Errorf("backoffDelay(%d) = %v, want %ds", attempt, got, expected)
		}
	}
}

func TestBackoffDelayCapsAtThirtySeconds(t *testing.T) {
	got := backoffDelay(10)
	if got != backoffCap {
		t.Errorf("backoffDelay(10) = %v, want cap %v", got, backoffCap)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUnstarted:            "unstarted",
		StateSpawning:             "spawning",
		StateRunningUninitialized: "running, uninitialized",
		StateRunningInitialized:   "running, initialized",
		StateDraining:             "draining",
		StateTerminated:           "terminated",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestRewriteClientInfoFillsDefaultsAndSuffixesName(t *testing.T) {
	rewritten, err := rewriteClientInfo(nil)
	if err != nil {
		t.Fatalf("rewriteClientInfo(nil): %v", err)
	}
	if string(rewritten) == "" {
		t.Fatal("expected non-empty rewritten params")
	}

	var decoded struct {
		ClientInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if err := json.Unmarshal(rewritten, &decoded); err != nil {
		t.Fatalf("decode rewritten params: %v", err)
	}
	if decoded.ClientInfo.Name != "mcp-client-through-proxy" {
		t.Errorf("clientInfo.name = %q, want mcp-client-through-proxy", decoded.ClientInfo.Name)
	}
	if decoded.ClientInfo.Version != "0.0" {
		t.Errorf("clientInfo.version = %q, want default 0.0", decoded.ClientInfo.Version)
	}
}

func TestSessionRequestReceivesMatchingResponse(t *testing.T) {
	s, upstreamSide := newPipedSession(t)
	reader := bufio.NewReader(upstreamSide)

	go func() {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var sent struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &sent); err != nil {
			return
		}
		resp, err := wire.EncodeResult(sent.ID, json.RawMessage(`{"ok":true}`))
		if err != nil {
			return
		}
		_, _ = upstreamSide.Write(append(resp, '\n'))
	}()

	resp, err := s.Request(context.Background(), "ping", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Errorf("result = %s, want {\"ok\":true}", resp.Result)
	}
}

func TestSessionRequestTimesOutWithoutResponse(t *testing.T) {
	s, upstreamSide := newPipedSession(t)

	// Drain the request so codec.Write doesn't block on the unbuffered
	// pipe, but never reply, forcing the timeout path.
	go func() {
		reader := bufio.NewReader(upstreamSide)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	_, err := s.Request(context.Background(), "ping", nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	s.pendingMu.Lock()
	remaining := len(s.pending)
	s.pendingMu.Unlock()
	if remaining != 0 {
		t.Errorf("pending map should be cleaned up after timeout, has %d entries", remaining)
	}
}

func TestConcurrentRequestAndShutdownReturnsErrorNotZeroValue(t *testing.T) {
	s, upstreamSide := newPipedSession(t)

	// Drain writes but never reply, so the request stays pending until
	// Shutdown's clearPending races against it.
	go func() {
		reader := bufio.NewReader(upstreamSide)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	resultCh := make(chan error, 1)
	go func() {
		msg, err := s.Request(context.Background(), "tools/call", nil, 5*time.Second)
		if err == nil && msg == nil {
			t.Error("Request returned nil error with nil message, indistinguishable from a real reply")
		}
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected an error from Request after concurrent Shutdown, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Request did not return after Shutdown closed its pending channel")
	}
}

func TestRewriteClientInfoPreservesCallerIdentity(t *testing.T) {
	params := []byte(`{"clientInfo":{"name":"my-client","version":"1.2.3"},"capabilities":{}}`)
	rewritten, err := rewriteClientInfo(params)
	if err != nil {
		t.Fatalf("rewriteClientInfo: %v", err)
	}

	var decoded struct {
		ClientInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
		Capabilities map[string]any `json:"capabilities"`
	}
	if err := json.Unmarshal(rewritten, &decoded); err != nil {
		t.Fatalf("decode rewritten params: %v", err)
	}
	if decoded.ClientInfo.Name != "my-client-through-proxy" {
		t.Errorf("clientInfo.name = %q, want suffixed name", decoded.ClientInfo.Name)
	}
	if decoded.ClientInfo.Version != "1.2.3" {
		t.Errorf("clientInfo.version = %q, want preserved version", decoded.ClientInfo.Version)
	}
	if decoded.Capabilities == nil {
		t.Error("expected capabilities to survive rewrite")
	}
}

func TestInitializeMemoizesResultAndRemembersCallerParams(t *testing.T) {
	s, upstreamSide := newPipedSession(t)
	reader := bufio.NewReader(upstreamSide)

	go func() {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var sent struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				ClientInfo struct {
					Name string `json:"name"`
				} `json:"clientInfo"`
			} `json:"params"`
		}
		if err := json.Unmarshal([]byte(line), &sent); err != nil {
			return
		}
		if sent.Method != "initialize" {
			return
		}
		if sent.Params.ClientInfo.Name != "host-through-proxy" {
			t.Errorf("forwarded clientInfo.name = %q, want host-through-proxy", sent.Params.ClientInfo.Name)
		}
		resp, err := wire.EncodeResult(sent.ID, json.RawMessage(`{"capabilities":{"tools":{}}}`))
		if err != nil {
			return
		}
		_, _ = upstreamSide.Write(append(resp, '\n'))
		// Swallow the notifications/initialized fire-and-forget.
		_, _ = reader.ReadString('\n')
	}()

	params := json.RawMessage(`{"clientInfo":{"name":"host","version":"9"}}`)
	res, err := s.Initialize(context.Background(), params, time.Second)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if string(res) != `{"capabilities":{"tools":{}}}` {
		t.Errorf("result = %s", res)
	}

	// The remembered replay params are the caller's originals, so a
	// restart's re-initialize doesn't stack a second clientInfo suffix.
	s.initMu.Lock()
	remembered := string(s.lastInitParams)
	s.initMu.Unlock()
	if remembered != string(params) {
		t.Errorf("lastInitParams = %s, want caller params", remembered)
	}

	// A second call returns the memoized result without another request.
	again, err := s.Initialize(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if string(again) != string(res) {
		t.Errorf("memoized result = %s, want %s", again, res)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	s, _ := newPipedSession(t)
	s.setState(StateRunningUninitialized)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start on a running session: %v", err)
	}
	if got := s.State(); got != StateRunningUninitialized {
		t.Errorf("state = %v, want unchanged running state", got)
	}
}
