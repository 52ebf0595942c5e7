// Package upstream implements the supervised lifecycle of one child
// MCP server process: spawn, handshake, request/response correlation,
// health checking, and restart with exponential backoff.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/aviary-mcp/proxy/internal/config"
	"github.com/aviary-mcp/proxy/internal/mcperr"
	"github.com/aviary-mcp/proxy/internal/metrics"
	"github.com/aviary-mcp/proxy/pkg/wire"
)

// State is one of the upstream session's lifecycle states.
type State int

const (
	StateUnstarted State = iota
	StateSpawning
	StateRunningUninitialized
	StateRunningInitialized
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateSpawning:
		return "spawning"
	case StateRunningUninitialized:
		return "running, uninitialized"
	case StateRunningInitialized:
		return "running, initialized"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	maxRestartAttempts = 5
	backoffBase        = 1 * time.Second
	backoffCap         = 30 * time.Second
	shutdownWaitStep   = 2 * time.Second
	stabilityDuration  = 5 * time.Minute
)

// ReverseHandler receives requests and notifications a session's listen
// loop reads from its upstream but which are addressed to the client
// (the router implements this).
type ReverseHandler interface {
	HandleReverseRequest(ctx context.Context, alias string, msg *wire.Message)
	HandleUpstreamNotification(ctx context.Context, alias string, msg *wire.Message)
}

// Session supervises one upstream child process for the lifetime of the
// proxy process.
type Session struct {
	cfg      config.ServerConfig
	router   ReverseHandler
	logger   *slog.Logger
	metrics  *metrics.Registry
	instance uuid.UUID

	healthcheckEnabled  bool
	healthcheckInterval time.Duration
	healthcheckTimeout  time.Duration

	mu           sync.RWMutex
	state        State
	healthy      bool
	healthySince time.Time

	cmd   *exec.Cmd
	stdin io.WriteCloser
	codec *wire.Codec

	counter int64

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Message

	initMu         sync.Mutex
	initialized    bool
	initResult     json.RawMessage
	lastInitParams json.RawMessage

	restarting atomic.Bool

	// restartCount carries restart-attempt exhaustion across episodes;
	// it is reset after a sustained healthy run (see resetStabilityIfDue)
	// and only ever touched by the restart supervisor, which the
	// restarting flag serializes.
	restartCount int

	// parentCtx is the context Serve started this session under; restart
	// attempts derive their background contexts from it rather than from
	// the torn-down incarnation's context.
	parentCtx        context.Context
	cancelBackground context.CancelFunc
	done             chan struct{}
}

// New constructs a Session for cfg. healthcheckInterval/Timeout are the
// proxy-wide healthcheck settings (healthchecking is tied to
// the proxy config, not per-server); a zero interval disables the
// health loop. The session does not spawn its child until Start is
// called.
func New(cfg config.ServerConfig, router ReverseHandler, logger *slog.Logger, reg *metrics.Registry, healthcheckInterval, healthcheckTimeout time.Duration) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:                 cfg,
		router:              router,
		logger:              logger.With("upstream", cfg.ID),
		metrics:             reg,
		instance:            uuid.New(),
		pending:             make(map[string]chan *wire.Message),
		healthcheckEnabled:  healthcheckInterval > 0 && healthcheckTimeout > 0,
		healthcheckInterval: healthcheckInterval,
		healthcheckTimeout:  healthcheckTimeout,
	}
}

// Alias returns the upstream's client-visible id.
func (s *Session) Alias() string { return s.cfg.ID }

// StartupTimeout is the bound applied to this upstream's initialize call.
func (s *Session) StartupTimeout() time.Duration { return s.cfg.StartupTimeoutDuration() }

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setHealthy(h bool) {
	s.mu.Lock()
	wasHealthy := s.healthy
	s.healthy = h
	if h && !wasHealthy {
		s.healthySince = time.Now()
	}
	s.mu.Unlock()
	if s.metrics != nil {
		v := 0.0
		if h {
			v = 1.0
		}
		s.metrics.UpstreamHealthy.WithLabelValues(s.cfg.ID).Set(v)
	}
}

// Healthy reports the session's current health flag.
func (s *Session) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Start spawns the child process, wires a codec over its stdio, and
// launches the listen loop, stderr pump, and (if configured) health
// loop as background goroutines. Starting a session that is already
// spawning or running is a no-op, so callers can use it to mean
// "ensure started".
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateSpawning, StateRunningUninitialized, StateRunningInitialized:
		s.mu.Unlock()
		return nil
	}
	s.state = StateSpawning
	if s.parentCtx == nil {
		s.parentCtx = ctx
	}
	s.mu.Unlock()

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateTerminated)
		return fmt.Errorf("upstream %s: stdin pipe: %w", s.cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateTerminated)
		return fmt.Errorf("upstream %s: stdout pipe: %w", s.cfg.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateTerminated)
		return fmt.Errorf("upstream %s: stderr pipe: %w", s.cfg.ID, err)
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateTerminated)
		return fmt.Errorf("upstream %s: start: %w", s.cfg.ID, err)
	}

	bgCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.codec = wire.NewCodec(stdout, stdin, s.cfg.ID, s.cfg.StdioMode == "newline", s.logger)
	s.cancelBackground = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.stderrPump(stderr)
	go s.listenLoop(bgCtx)
	if s.healthcheckEnabled {
		go s.healthLoop(bgCtx)
	}

	s.setState(StateRunningUninitialized)
	s.setHealthy(true)
	s.logger.Info("upstream started", "pid", cmd.Process.Pid, "instance", s.instance.String())
	return nil
}

func mergeEnv(base []string, overlay map[string]string) []string {
	out := append([]string{}, base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func (s *Session) stderrPump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		s.logger.Debug("upstream stderr", "line", scanner.Text())
	}
}

// listenLoop reads frames from the child until end-of-stream, routing
// responses to their pending slot and handing requests/notifications
// from the child to the router's reverse path.
func (s *Session) listenLoop(ctx context.Context) {
	defer close(s.done)

	s.mu.RLock()
	codec := s.codec
	s.mu.RUnlock()
	if codec == nil {
		return
	}

	for {
		raw, err := codec.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// EOF during a deliberate teardown is not a failure.
			if st := s.State(); st == StateDraining || st == StateTerminated {
				return
			}
			s.logger.Warn("upstream stream ended", "error", err)
			s.handleUnhealthy(ctx)
			return
		}

		msg, err := wire.Parse(raw)
		if err != nil {
			s.logger.Warn("malformed frame from upstream, dropping", "error", err)
			continue
		}
		msg.Server = s.cfg.ID

		switch {
		case msg.IsResponse():
			s.fulfill(msg)
		case msg.IsRequest():
			s.router.HandleReverseRequest(ctx, s.cfg.ID, msg)
		default:
			s.router.HandleUpstreamNotification(ctx, s.cfg.ID, msg)
		}
	}
}

func (s *Session) fulfill(msg *wire.Message) {
	key := string(msg.ID)
	s.pendingMu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Warn("response with unknown id, dropping", "id", key)
		return
	}
	ch <- msg
}

func (s *Session) handleUnhealthy(ctx context.Context) {
	s.setHealthy(false)
	s.triggerRestart(ctx)
}

// healthLoop periodically pings the upstream once both healthcheck
// parameters are configured.
func (s *Session) healthLoop(ctx context.Context) {
	interval := s.healthcheckInterval
	timeout := s.healthcheckTimeout

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		_, err := s.Request(ctx, "ping", nil, timeout)
		if err != nil {
			wasHealthy := s.Healthy()
			s.setHealthy(false)
			s.logger.Warn("healthcheck failed", "error", err, "was_healthy", wasHealthy)
			s.triggerRestart(ctx)
			continue
		}
		if !s.Healthy() {
			s.logger.Info("upstream recovered")
		}
		s.setHealthy(true)
	}
}

// nextID returns the next monotonic upstream request id and its string
// key for the pending map.
func (s *Session) nextID() (jsonrpc.ID, string) {
	n := atomic.AddInt64(&s.counter, 1)
	id, _ := jsonrpc.MakeID(float64(n))
	return id, strconv.FormatInt(n, 10)
}

// Request sends method/params to the upstream, blocking until a
// matching response arrives, the timeout elapses, or ctx is cancelled.
func (s *Session) Request(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*wire.Message, error) {
	id, key := s.nextID()
	raw, err := wire.EncodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: encode %s: %w", s.cfg.ID, method, err)
	}

	ch := make(chan *wire.Message, 1)
	s.pendingMu.Lock()
	s.pending[key] = ch
	s.pendingMu.Unlock()

	s.mu.RLock()
	codec := s.codec
	s.mu.RUnlock()
	if codec == nil {
		s.removePending(key)
		return nil, mcperr.UpstreamUnavailable(s.cfg.ID)
	}

	if err := codec.Write(raw); err != nil {
		s.removePending(key)
		return nil, fmt.Errorf("upstream %s: write %s: %w", s.cfg.ID, method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, mcperr.UpstreamUnavailable(s.cfg.ID)
		}
		return msg, nil
	case <-timer.C:
		s.removePending(key)
		return nil, mcperr.UpstreamTimeout(s.cfg.ID)
	case <-ctx.Done():
		s.removePending(key)
		return nil, ctx.Err()
	}
}

func (s *Session) removePending(key string) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}

// SendRaw writes msg verbatim, with no id allocation or pending slot;
// used by the router to relay the client's reply to a reverse request.
func (s *Session) SendRaw(raw []byte) error {
	s.mu.RLock()
	codec := s.codec
	s.mu.RUnlock()
	if codec == nil {
		return mcperr.UpstreamUnavailable(s.cfg.ID)
	}
	return codec.Write(raw)
}

// defaultClientInfo is substituted when the caller's initialize params
// omit clientInfo.
var defaultClientInfo = struct {
	Name    string
	Version string
}{Name: "mcp-client", Version: "0.0"}

// Initialize sends the upstream initialize handshake, rewriting
// clientInfo to identify the proxy, and memoizes the result. Calling it
// again after a successful initialize returns the memoized result
// without re-sending the request.
func (s *Session) Initialize(ctx context.Context, clientParams json.RawMessage, startupTimeout time.Duration) (json.RawMessage, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized {
		return s.initResult, nil
	}

	rewritten, err := rewriteClientInfo(clientParams)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: rewriting clientInfo: %w", s.cfg.ID, err)
	}

	resp, err := s.Request(ctx, "initialize", rewritten, startupTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream %s: initialize failed: %s", s.cfg.ID, resp.Error.Message)
	}

	s.initialized = true
	s.initResult = resp.Result
	// Remember the caller's params, not the rewritten ones: a restart
	// replays them through the same clientInfo rewrite, which would
	// otherwise stack a second "-through-proxy" suffix.
	s.lastInitParams = clientParams
	s.setState(StateRunningInitialized)

	if raw, err := wire.EncodeNotification("notifications/initialized", nil); err == nil {
		s.mu.RLock()
		codec := s.codec
		s.mu.RUnlock()
		if codec != nil {
			_ = codec.Write(raw)
		}
	}

	return s.initResult, nil
}

func rewriteClientInfo(params json.RawMessage) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &generic); err != nil {
			generic = map[string]json.RawMessage{}
		}
	} else {
		generic = map[string]json.RawMessage{}
	}

	var caller struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if raw, ok := generic["clientInfo"]; ok {
		_ = json.Unmarshal(raw, &caller)
	}
	if caller.Name == "" {
		caller.Name = defaultClientInfo.Name
	}
	if caller.Version == "" {
		caller.Version = defaultClientInfo.Version
	}

	rewritten := map[string]string{
		"name":    caller.Name + "-through-proxy",
		"version": caller.Version,
	}
	encoded, err := json.Marshal(rewritten)
	if err != nil {
		return nil, err
	}
	generic["clientInfo"] = encoded

	return json.Marshal(generic)
}

// IsInitialized reports whether initialize has completed successfully.
func (s *Session) IsInitialized() bool {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initialized
}

// InitResult returns the memoized initialize result, or nil if not yet
// initialized.
func (s *Session) InitResult() json.RawMessage {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initResult
}

// triggerRestart starts the restart supervisor unless one is already in
// flight, in which case this trigger is coalesced (dropped), per
// the session's concurrency model.
func (s *Session) triggerRestart(ctx context.Context) {
	if !s.restarting.CompareAndSwap(false, true) {
		return
	}

	// Restart under the context the session was originally started
	// with, not the torn-down incarnation's background context, which
	// is about to be cancelled.
	s.mu.RLock()
	if s.parentCtx != nil {
		ctx = s.parentCtx
	}
	s.mu.RUnlock()

	go func() {
		defer s.restarting.Store(false)
		s.runRestartSequence(ctx)
	}()
}

func (s *Session) runRestartSequence(ctx context.Context) {
	s.setState(StateDraining)
	s.resetStabilityIfDue()

	s.mu.Lock()
	cancel := s.cancelBackground
	s.cancelBackground = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.shutdownChild(s.cfg.ShutdownGraceDuration())

	if s.metrics != nil {
		s.metrics.UpstreamRestarts.WithLabelValues(s.cfg.ID).Inc()
	}

	for s.restartCount < maxRestartAttempts {
		attempt := s.restartCount
		s.restartCount++

		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		s.logger.Info("restart attempt", "attempt", attempt+1, "delay", delay)

		if err := s.Start(ctx); err != nil {
			s.logger.Warn("restart attempt failed to start", "attempt", attempt+1, "error", err)
			continue
		}

		s.initMu.Lock()
		s.initialized = false
		replay := s.lastInitParams
		s.initMu.Unlock()

		if _, err := s.Initialize(ctx, replay, s.cfg.StartupTimeoutDuration()); err != nil {
			s.logger.Warn("restart attempt failed to initialize", "attempt", attempt+1, "error", err)
			s.setState(StateDraining)
			s.mu.Lock()
			cancel := s.cancelBackground
			s.cancelBackground = nil
			s.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			_ = s.shutdownChild(s.cfg.ShutdownGraceDuration())
			continue
		}

		s.setHealthy(true)
		s.restartCount = 0
		s.logger.Info("restart succeeded", "attempt", attempt+1)
		return
	}

	s.logger.Error("restart attempts exhausted, upstream unavailable", "attempts", maxRestartAttempts)
	s.setState(StateTerminated)
}

func (s *Session) resetStabilityIfDue() {
	s.mu.RLock()
	since := s.healthySince
	s.mu.RUnlock()
	if !since.IsZero() && time.Since(since) >= stabilityDuration {
		s.restartCount = 0
	}
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Shutdown performs the graceful-then-forceful shutdown sequence:
// a bounded "shutdown" RPC, a termination signal, a short grace wait,
// then a hard kill if the child is still alive. It cancels the
// session's background goroutines and clears session state.
func (s *Session) Shutdown(ctx context.Context) error {
	s.setState(StateDraining)

	grace := s.cfg.ShutdownGraceDuration()
	if s.State() == StateRunningInitialized || s.IsInitialized() {
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		_, _ = s.Request(shutdownCtx, "shutdown", nil, grace)
		cancel()
	}

	err := s.shutdownChild(grace)

	s.mu.Lock()
	cancel := s.cancelBackground
	s.cancelBackground = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.clearPending()

	s.initMu.Lock()
	s.initialized = false
	s.initResult = nil
	s.initMu.Unlock()
	s.setHealthy(false)
	s.setState(StateTerminated)

	return err
}

func (s *Session) shutdownChild(grace time.Duration) error {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.cmd = nil
	s.stdin = nil
	s.codec = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	if err := sendTerminationSignal(cmd.Process); err != nil && err != os.ErrProcessDone {
		s.logger.Warn("termination signal failed", "error", err)
	}

	deadline := time.Now().Add(shutdownWaitStep)
	for time.Now().Before(deadline) {
		if !processIsAlive(cmd.Process) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if processIsAlive(cmd.Process) {
		if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return fmt.Errorf("upstream %s: hard kill: %w", s.cfg.ID, err)
		}
	}

	_ = cmd.Wait()
	return nil
}

func (s *Session) clearPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for key, ch := range s.pending {
		close(ch)
		delete(s.pending, key)
	}
}
