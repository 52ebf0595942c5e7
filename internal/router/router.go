// Package router implements the proxy's client-facing dispatch: method
// routing, catalog aggregation and namespacing, pagination, reverse
// request relay, and the auth/rate-limit gates on every client request
// for tools, prompts, and resources.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aviary-mcp/proxy/internal/authgate"
	"github.com/aviary-mcp/proxy/internal/config"
	"github.com/aviary-mcp/proxy/internal/mcperr"
	"github.com/aviary-mcp/proxy/internal/metrics"
	"github.com/aviary-mcp/proxy/internal/policy"
	"github.com/aviary-mcp/proxy/internal/ratelimit"
	"github.com/aviary-mcp/proxy/internal/upstream"
	"github.com/aviary-mcp/proxy/pkg/wire"
)

const defaultProtocolVersion = "2025-06-18"

type registryEntry struct {
	Alias    string
	Original string
}

type reverseEntry struct {
	Alias      string
	UpstreamID json.RawMessage
}

// Router is the proxy's single client-facing dispatcher. It owns every
// upstream session for the process lifetime and implements
// upstream.ReverseHandler so sessions can hand it child-originated
// traffic.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Registry

	authGate *authgate.Gate
	limiter  *ratelimit.Limiter
	policy   *policy.Gate

	responseTimeout time.Duration
	levelVar        *slog.LevelVar

	sessions    []*upstream.Session
	sessionByID map[string]*upstream.Session

	clientCodec *wire.Codec

	regMu            sync.RWMutex
	toolRegistry     map[string]registryEntry
	promptRegistry   map[string]registryEntry
	resourceRegistry map[string]registryEntry

	reverseMu       sync.Mutex
	reverseRouter   map[string]reverseEntry
	reverseCounters map[string]*int64

	initMu      sync.RWMutex
	initialized bool
}

// New constructs a Router and the upstream sessions for every server in
// cfg, wired so each session's reverse traffic lands back on this
// Router. Sessions are not started until Serve is called.
func New(cfg *config.ProxyConfig, clientCodec *wire.Codec, logger *slog.Logger, levelVar *slog.LevelVar, reg *metrics.Registry, polGate *policy.Gate) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		logger:           logger,
		metrics:          reg,
		authGate:         authgate.New(cfg.AuthToken),
		limiter:          ratelimit.New(cfg.RateLimitPerMinute),
		policy:           polGate,
		responseTimeout:  time.Duration(cfg.ResponseTimeout) * time.Second,
		levelVar:         levelVar,
		sessionByID:      make(map[string]*upstream.Session, len(cfg.Servers)),
		clientCodec:      clientCodec,
		toolRegistry:     make(map[string]registryEntry),
		promptRegistry:   make(map[string]registryEntry),
		resourceRegistry: make(map[string]registryEntry),
		reverseRouter:    make(map[string]reverseEntry),
		reverseCounters:  make(map[string]*int64),
	}

	var healthInterval, healthTimeout time.Duration
	if cfg.HealthcheckEnabled() {
		healthInterval = cfg.HealthcheckIntervalDuration()
		healthTimeout = cfg.HealthcheckTimeoutDuration()
	}

	for _, sc := range cfg.Servers {
		s := upstream.New(sc, r, logger, reg, healthInterval, healthTimeout)
		r.sessions = append(r.sessions, s)
		r.sessionByID[sc.ID] = s
		counter := int64(0)
		r.reverseCounters[sc.ID] = &counter
	}

	return r
}

type clientFrame struct {
	raw []byte
	err error
}

// Serve starts every upstream session and then loops reading client
// frames until end-of-stream or ctx cancellation, dispatching each
// concurrently. It shuts down every session before returning.
func (r *Router) Serve(ctx context.Context) error {
	for _, s := range r.sessions {
		if err := s.Start(ctx); err != nil {
			r.logger.Error("failed to start upstream", "upstream", s.Alias(), "error", err)
		}
	}

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		r.shutdownAll(context.Background())
	}()

	// The reader goroutine is the only thing blocked on the client
	// stream, so a shutdown signal can interrupt Serve even while no
	// frame is in flight. It exits with the process on cancellation.
	frames := make(chan clientFrame)
	go func() {
		for {
			raw, err := r.clientCodec.Read()
			select {
			case frames <- clientFrame{raw: raw, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var frame clientFrame
		select {
		case <-ctx.Done():
			r.logger.Info("shutdown signal received")
			return nil
		case frame = <-frames:
		}
		if frame.err != nil {
			r.logger.Info("client stream ended", "error", frame.err)
			return nil
		}

		msg, err := wire.Parse(frame.raw)
		if err != nil {
			r.logger.Warn("malformed client frame, dropping", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handleClientMessage(ctx, msg)
		}()
	}
}

func (r *Router) handleClientMessage(ctx context.Context, msg *wire.Message) {
	switch {
	case msg.IsRequest():
		r.handleClientRequest(ctx, msg)
	case msg.IsResponse():
		r.handleClientResponse(msg)
	default:
		r.broadcastNotification(ctx, msg)
	}
}

func (r *Router) writeClient(raw []byte) {
	if err := r.clientCodec.Write(raw); err != nil {
		r.logger.Warn("failed to write to client", "error", err)
	}
}

func (r *Router) replyResult(id json.RawMessage, result any) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("failed to marshal result", "error", err)
		return
	}
	raw, err := wire.EncodeResult(id, resultJSON)
	if err != nil {
		r.logger.Error("failed to encode result", "error", err)
		return
	}
	r.writeClient(raw)
}

func (r *Router) replyError(id json.RawMessage, mcpErr *mcperr.Error) {
	raw, err := mcpErr.Encode(id)
	if err != nil {
		r.logger.Error("failed to encode error", "error", err)
		return
	}
	r.writeClient(raw)
}

func (r *Router) handleClientRequest(ctx context.Context, msg *wire.Message) {
	if r.metrics != nil {
		r.metrics.RouterRequests.WithLabelValues(msg.Method).Inc()
	}

	token := authgate.ExtractToken(msg.Params)
	if err := r.limiter.Allow(token); err != nil {
		if r.metrics != nil {
			r.metrics.RateLimitRejections.Inc()
		}
		r.replyError(msg.ID, err)
		return
	}

	params, authErr := r.authGate.Check(msg.Params)
	if authErr != nil {
		r.replyError(msg.ID, authErr)
		return
	}

	switch msg.Method {
	case "initialize":
		r.handleInitialize(ctx, msg.ID, params)
	case "shutdown":
		r.shutdownAll(ctx)
		r.replyResult(msg.ID, map[string]any{})
	case "ping":
		r.replyResult(msg.ID, map[string]any{"ok": true})
	case "tools/list":
		r.handleList(ctx, msg.ID, params, "tools", "tools/list", true)
	case "tools/call":
		r.handleToolCall(ctx, msg.ID, params)
	case "resources/list":
		r.handleResourcesList(ctx, msg.ID, params)
	case "resources/read":
		r.handleResourceRead(ctx, msg.ID, params)
	case "resources/templates/list":
		r.handleList(ctx, msg.ID, params, "resourceTemplates", "resources/templates/list", false)
	case "prompts/list":
		r.handleList(ctx, msg.ID, params, "prompts", "prompts/list", true)
	case "prompts/get":
		r.handleCall(ctx, msg.ID, params, "prompts/get", "name")
	case "logging/setLevel":
		r.handleSetLevel(msg.ID, params)
	default:
		r.replyError(msg.ID, mcperr.MethodNotFound(msg.Method))
	}
}

// handleClientResponse routes a response to a reverse request back to
// the upstream that originated it, rewriting the id to the upstream's
// original one. Unmatched ids are logged and dropped.
func (r *Router) handleClientResponse(msg *wire.Message) {
	key := string(msg.ID)

	r.reverseMu.Lock()
	entry, ok := r.reverseRouter[key]
	if ok {
		delete(r.reverseRouter, key)
	}
	r.reverseMu.Unlock()

	if !ok {
		r.logger.Warn("response to unknown reverse request, dropping", "id", key)
		return
	}

	session, ok := r.sessionByID[entry.Alias]
	if !ok {
		r.logger.Warn("reverse response references unknown upstream", "alias", entry.Alias)
		return
	}

	rewritten, err := withID(msg.Raw, entry.UpstreamID)
	if err != nil {
		r.logger.Error("failed to rewrite reverse response id", "error", err)
		return
	}
	if err := session.SendRaw(rewritten); err != nil {
		r.logger.Warn("failed to forward client response to upstream", "upstream", entry.Alias, "error", err)
	}
}

// broadcastNotification forwards a client notification to every running
// session concurrently, discarding per-session failures.
func (r *Router) broadcastNotification(ctx context.Context, msg *wire.Message) {
	raw, err := wire.EncodeNotification(msg.Method, msg.Params)
	if err != nil {
		r.logger.Error("failed to re-encode client notification", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, s := range r.sessions {
		wg.Add(1)
		go func(s *upstream.Session) {
			defer wg.Done()
			if err := s.SendRaw(raw); err != nil {
				r.logger.Debug("notification broadcast failed", "upstream", s.Alias(), "error", err)
			}
		}(s)
	}
	wg.Wait()
}

func (r *Router) handleInitialize(ctx context.Context, id json.RawMessage, params json.RawMessage) {
	protocolVersion := extractProtocolVersion(params)

	var wg sync.WaitGroup
	results := make([]json.RawMessage, len(r.sessions))
	for i, s := range r.sessions {
		wg.Add(1)
		go func(i int, s *upstream.Session) {
			defer wg.Done()
			if err := s.Start(ctx); err != nil {
				r.logger.Error("upstream start failed during initialize", "upstream", s.Alias(), "error", err)
				return
			}
			res, err := s.Initialize(ctx, params, s.StartupTimeout())
			if err != nil {
				r.logger.Error("upstream initialize failed", "upstream", s.Alias(), "error", err)
				return
			}
			results[i] = res
		}(i, s)
	}
	wg.Wait()

	var nonNil []json.RawMessage
	for _, res := range results {
		if res != nil {
			nonNil = append(nonNil, res)
		}
	}

	r.initMu.Lock()
	r.initialized = true
	r.initMu.Unlock()

	r.replyResult(id, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    aggregateCapabilities(nonNil),
		"serverInfo": map[string]any{
			"name":    "mcp-proxy",
			"version": "0.1.0",
		},
	})
}

func extractProtocolVersion(params json.RawMessage) string {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.ProtocolVersion == "" {
		return defaultProtocolVersion
	}
	return p.ProtocolVersion
}

func (r *Router) isInitialized() bool {
	r.initMu.RLock()
	defer r.initMu.RUnlock()
	return r.initialized
}

func (r *Router) handleSetLevel(id json.RawMessage, params json.RawMessage) {
	var p struct {
		Level    string `json:"level"`
		LogLevel string `json:"logLevel"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	levelName := p.Level
	if levelName == "" {
		levelName = p.LogLevel
	}

	if r.levelVar != nil && levelName != "" {
		if lvl, ok := parseLevel(levelName); ok {
			r.levelVar.Set(lvl)
		} else {
			r.logger.Warn("logging/setLevel: unrecognized level, ignoring", "level", levelName)
		}
	}

	r.replyResult(id, map[string]any{})
}

func parseLevel(name string) (slog.Level, bool) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return 0, false
	}
	return lvl, true
}

// shutdownAll tears down every upstream session concurrently.
func (r *Router) shutdownAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range r.sessions {
		wg.Add(1)
		go func(s *upstream.Session) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				r.logger.Warn("upstream shutdown error", "upstream", s.Alias(), "error", err)
			}
		}(s)
	}
	wg.Wait()
}

// --- reverse traffic: upstream -> client ---

// HandleReverseRequest implements upstream.ReverseHandler. It allocates
// a synthetic client-facing id, records the mapping for the eventual
// client response, and forwards the request to the client — except for
// the pre-initialize roots/list short-circuit.
func (r *Router) HandleReverseRequest(ctx context.Context, alias string, msg *wire.Message) {
	if msg.Method == "roots/list" && !r.isInitialized() {
		session, ok := r.sessionByID[alias]
		if !ok {
			return
		}
		resp, err := wire.EncodeResult(msg.ID, json.RawMessage(`{"roots":[]}`))
		if err != nil {
			r.logger.Error("failed to encode pre-init roots/list short-circuit", "error", err)
			return
		}
		if err := session.SendRaw(resp); err != nil {
			r.logger.Warn("failed to send roots/list short-circuit", "upstream", alias, "error", err)
		}
		return
	}

	syntheticID := r.nextReverseID(alias)

	r.reverseMu.Lock()
	r.reverseRouter[string(syntheticID)] = reverseEntry{Alias: alias, UpstreamID: msg.ID}
	r.reverseMu.Unlock()

	params, err := injectParamsProxyField(msg.Params, "server", alias)
	if err != nil {
		r.logger.Error("failed to annotate reverse request params", "error", err)
		params = msg.Params
	}

	envelope := map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      syntheticID,
	}
	methodJSON, _ := json.Marshal(msg.Method)
	envelope["method"] = methodJSON
	if len(params) > 0 {
		envelope["params"] = params
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Error("failed to encode reverse request for client", "error", err)
		return
	}
	r.writeClient(raw)
}

// HandleUpstreamNotification implements upstream.ReverseHandler,
// forwarding a child-originated notification to the client with its
// origin annotated.
func (r *Router) HandleUpstreamNotification(ctx context.Context, alias string, msg *wire.Message) {
	params, err := injectParamsProxyField(msg.Params, "server", alias)
	if err != nil {
		r.logger.Error("failed to annotate reverse notification params", "error", err)
		params = msg.Params
	}
	raw, err := wire.EncodeNotification(msg.Method, params)
	if err != nil {
		r.logger.Error("failed to encode reverse notification for client", "error", err)
		return
	}
	r.writeClient(raw)
}

func (r *Router) nextReverseID(alias string) json.RawMessage {
	r.reverseMu.Lock()
	counter := r.reverseCounters[alias]
	if counter == nil {
		var c int64
		counter = &c
		r.reverseCounters[alias] = counter
	}
	*counter++
	n := *counter
	r.reverseMu.Unlock()

	synthetic := fmt.Sprintf("%s:%d", alias, n)
	encoded, _ := json.Marshal(synthetic)
	return encoded
}

// --- list aggregation ---

type upstreamListResult struct {
	alias string
	items []json.RawMessage
	err   error
}

func (r *Router) gatherList(ctx context.Context, method string) []upstreamListResult {
	results := make([]upstreamListResult, len(r.sessions))
	var wg sync.WaitGroup
	for i, s := range r.sessions {
		wg.Add(1)
		go func(i int, s *upstream.Session) {
			defer wg.Done()
			resp, err := s.Request(ctx, method, nil, r.responseTimeout)
			if err != nil {
				results[i] = upstreamListResult{alias: s.Alias(), err: err}
				return
			}
			if resp.Error != nil {
				results[i] = upstreamListResult{alias: s.Alias(), err: fmt.Errorf("%s", resp.Error.Message)}
				return
			}
			results[i] = upstreamListResult{alias: s.Alias(), items: extractList(resp.Result, method)}
		}(i, s)
	}
	wg.Wait()
	return results
}

// extractKeyForMethod maps a client list method to the result key the
// underlying MCP list response carries its items under.
func extractKeyForMethod(method string) string {
	switch method {
	case "tools/list":
		return "tools"
	case "prompts/list":
		return "prompts"
	case "resources/list":
		return "resources"
	case "resources/templates/list":
		return "resourceTemplates"
	default:
		return ""
	}
}

// extractList pulls the item array out of an upstream list result: key
// K if present, else "data", else the result itself if it is an array,
// else empty.
func extractList(result json.RawMessage, method string) []json.RawMessage {
	key := extractKeyForMethod(method)

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(result, &generic); err == nil {
		if raw, ok := generic[key]; ok {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err == nil {
				return cloneItems(items)
			}
		}
		if raw, ok := generic["data"]; ok {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err == nil {
				return cloneItems(items)
			}
		}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(result, &items); err == nil {
		return cloneItems(items)
	}
	return nil
}

func cloneItems(items []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		cp := make(json.RawMessage, len(item))
		copy(cp, item)
		out[i] = cp
	}
	return out
}

// handleList serves tools/list, prompts/list, and
// resources/templates/list: gather every upstream's list, rename (when
// namespaced) and annotate each descriptor, replace the registry, then
// paginate the merged result.
func (r *Router) handleList(ctx context.Context, id json.RawMessage, params json.RawMessage, resultKey, method string, namespaced bool) {
	upstreamResults := r.gatherList(ctx, method)

	var merged []json.RawMessage
	newRegistry := make(map[string]registryEntry)

	for _, res := range upstreamResults {
		if res.err != nil {
			r.logger.Warn("upstream list failed, omitting", "upstream", res.alias, "method", method, "error", res.err)
			continue
		}
		for _, item := range res.items {
			if namespaced {
				original, err := fieldString(item, "name")
				if err != nil {
					r.logger.Warn("list item missing name, omitting", "upstream", res.alias, "method", method)
					continue
				}
				synthetic := encodeName(res.alias, original)
				renamed, err := setFieldString(item, "name", synthetic)
				if err != nil {
					r.logger.Error("failed to rename list item", "error", err)
					continue
				}
				annotated, err := withProxyMetadata(renamed, map[string]string{"server": res.alias, "originalName": original})
				if err != nil {
					r.logger.Error("failed to annotate list item", "error", err)
					continue
				}
				newRegistry[synthetic] = registryEntry{Alias: res.alias, Original: original}
				merged = append(merged, annotated)
			} else {
				annotated, err := withProxyMetadata(item, map[string]string{"server": res.alias})
				if err != nil {
					r.logger.Error("failed to annotate list item", "error", err)
					continue
				}
				merged = append(merged, annotated)
			}
		}
	}

	if namespaced {
		r.replaceRegistry(method, newRegistry)
		sortByField(merged, "name")
	}

	r.replyPaginatedList(id, params, resultKey, merged)
}

func (r *Router) handleResourcesList(ctx context.Context, id json.RawMessage, params json.RawMessage) {
	upstreamResults := r.gatherList(ctx, "resources/list")

	var merged []json.RawMessage
	newRegistry := make(map[string]registryEntry)

	for _, res := range upstreamResults {
		if res.err != nil {
			r.logger.Warn("upstream resources/list failed, omitting", "upstream", res.alias, "error", res.err)
			continue
		}
		for _, item := range res.items {
			original, err := fieldString(item, "uri")
			if err != nil {
				r.logger.Warn("resource item missing uri, omitting", "upstream", res.alias)
				continue
			}
			synthetic, err := encodeResourceURI(res.alias, original)
			if err != nil {
				r.logger.Error("failed to encode resource uri", "error", err)
				continue
			}
			renamed, err := setFieldString(item, "uri", synthetic)
			if err != nil {
				r.logger.Error("failed to rewrite resource uri", "error", err)
				continue
			}
			annotated, err := withProxyMetadata(renamed, map[string]string{"server": res.alias, "originalUri": original})
			if err != nil {
				r.logger.Error("failed to annotate resource item", "error", err)
				continue
			}
			newRegistry[synthetic] = registryEntry{Alias: res.alias, Original: original}
			merged = append(merged, annotated)
		}
	}

	r.replaceRegistry("resources/list", newRegistry)
	sortByField(merged, "uri")
	r.replyPaginatedList(id, params, "resources", merged)
}

// sortByField orders descriptors by a string field, for a deterministic
// merged listing across upstreams (pagination depends on stable order).
func sortByField(items []json.RawMessage, field string) {
	sort.Slice(items, func(i, j int) bool {
		a, _ := fieldString(items[i], field)
		b, _ := fieldString(items[j], field)
		return a < b
	})
}

func (r *Router) replaceRegistry(method string, entries map[string]registryEntry) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	switch method {
	case "tools/list":
		r.toolRegistry = entries
	case "prompts/list":
		r.promptRegistry = entries
	case "resources/list":
		r.resourceRegistry = entries
	}
}

func (r *Router) replyPaginatedList(id json.RawMessage, params json.RawMessage, resultKey string, items []json.RawMessage) {
	var p struct {
		Limit  int    `json:"limit"`
		Cursor string `json:"cursor"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}

	page, next := paginate(items, p.Limit, p.Cursor)
	if page == nil {
		page = []json.RawMessage{}
	}

	result := map[string]any{resultKey: page}
	if next != "" {
		result["nextCursor"] = next
	}
	r.replyResult(id, result)
}

// --- targeted call/get/read ---

// registrySnapshot returns the current registry for a targeted method.
// Registries are replaced wholesale and never mutated after publication,
// so the returned map is safe to read without further locking.
func (r *Router) registrySnapshot(method string) map[string]registryEntry {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	switch method {
	case "tools/call":
		return r.toolRegistry
	case "prompts/get":
		return r.promptRegistry
	default:
		return r.resourceRegistry
	}
}

func (r *Router) lookupRegistry(method, name string) (registryEntry, bool) {
	if entry, ok := r.registrySnapshot(method)[name]; ok {
		return entry, true
	}
	alias, original, ok := decodeName(name)
	if !ok {
		return registryEntry{}, false
	}
	return registryEntry{Alias: alias, Original: original}, true
}

// resolveCall looks up the synthetic name in params[nameField] against
// the method's registry (falling back to name-splitting), returning the
// owning session and params rewritten to carry the upstream's original
// name.
func (r *Router) resolveCall(id json.RawMessage, params json.RawMessage, method, nameField string) (*upstream.Session, registryEntry, json.RawMessage, bool) {
	name, err := fieldString(params, nameField)
	if err != nil || name == "" {
		r.replyError(id, mcperr.InvalidParams(fmt.Sprintf("missing %q in %s params", nameField, method)))
		return nil, registryEntry{}, nil, false
	}

	entry, ok := r.lookupRegistry(method, name)
	if !ok {
		r.replyError(id, mcperr.InvalidParams(fmt.Sprintf("unknown %s: %s", nameField, name)))
		return nil, registryEntry{}, nil, false
	}

	session, ok := r.sessionByID[entry.Alias]
	if !ok {
		r.replyError(id, mcperr.InvalidParams(fmt.Sprintf("unknown upstream alias: %s", entry.Alias)))
		return nil, registryEntry{}, nil, false
	}

	forwardParams, err := setFieldString(params, nameField, entry.Original)
	if err != nil {
		r.replyError(id, mcperr.InvalidParams("failed to rewrite request for upstream"))
		return nil, registryEntry{}, nil, false
	}

	return session, entry, forwardParams, true
}

// handleCall resolves the synthetic name in params[nameField] to
// (alias, original), rewrites params[nameField] to original, and routes
// the call to that upstream.
func (r *Router) handleCall(ctx context.Context, id json.RawMessage, params json.RawMessage, method, nameField string) {
	session, _, forwardParams, ok := r.resolveCall(id, params, method, nameField)
	if !ok {
		return
	}
	r.forward(ctx, id, session, method, forwardParams)
}

// handleToolCall is tools/call's entry point: it resolves the target
// upstream exactly as handleCall does, but additionally runs the
// optional CEL policy gate before forwarding.
func (r *Router) handleToolCall(ctx context.Context, id json.RawMessage, params json.RawMessage) {
	session, entry, forwardParams, ok := r.resolveCall(id, params, "tools/call", "name")
	if !ok {
		return
	}

	if r.policy != nil && r.policy.Enabled() {
		arguments := extractArguments(params)
		decision, err := r.policy.Evaluate(ctx, entry.Original, entry.Alias, arguments)
		if err != nil {
			r.logger.Error("policy evaluation failed", "tool", entry.Original, "server", entry.Alias, "error", err)
			r.replyError(id, mcperr.InvalidParams("policy evaluation failed"))
			return
		}
		if !decision.Allowed {
			r.logger.Info("tools/call denied by policy", "tool", entry.Original, "server", entry.Alias, "rule", decision.Rule)
			r.replyError(id, mcperr.Unauthorized())
			return
		}
	}

	r.forward(ctx, id, session, "tools/call", forwardParams)
}

func extractArguments(params json.RawMessage) map[string]any {
	var p struct {
		Arguments map[string]any `json:"arguments"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.Arguments == nil {
		return map[string]any{}
	}
	return p.Arguments
}

func (r *Router) handleResourceRead(ctx context.Context, id json.RawMessage, params json.RawMessage) {
	uri, err := fieldString(params, "uri")
	if err != nil || uri == "" {
		r.replyError(id, mcperr.InvalidParams("missing \"uri\" in resources/read params"))
		return
	}

	var alias, original string
	r.regMu.RLock()
	entry, ok := r.resourceRegistry[uri]
	r.regMu.RUnlock()
	if ok {
		alias, original = entry.Alias, entry.Original
	} else {
		alias, original, ok = decodeResourceURI(uri)
		if !ok {
			r.replyError(id, mcperr.InvalidParams("unknown resource uri: "+uri))
			return
		}
	}

	session, ok := r.sessionByID[alias]
	if !ok {
		r.replyError(id, mcperr.InvalidParams("unknown upstream alias: "+alias))
		return
	}

	forwardParams, err := setFieldString(params, "uri", original)
	if err != nil {
		r.replyError(id, mcperr.InvalidParams("failed to rewrite request for upstream"))
		return
	}

	r.forward(ctx, id, session, "resources/read", forwardParams)
}

// forward sends method/params to session and relays the reply (result
// or the upstream's own error) back to the client verbatim.
func (r *Router) forward(ctx context.Context, id json.RawMessage, session *upstream.Session, method string, params json.RawMessage) {
	resp, err := session.Request(ctx, method, params, r.responseTimeout)
	if err != nil {
		if mcpErr, ok := err.(*mcperr.Error); ok {
			r.replyError(id, mcpErr)
			return
		}
		r.replyError(id, mcperr.UpstreamUnavailable(session.Alias()))
		return
	}
	if resp.Error != nil {
		raw, encErr := wire.EncodeError(id, resp.Error.Code, resp.Error.Message, resp.Error.Data)
		if encErr != nil {
			r.logger.Error("failed to re-encode upstream error", "error", encErr)
			return
		}
		r.writeClient(raw)
		return
	}
	r.replyResult(id, json.RawMessage(resp.Result))
}

func fieldString(raw json.RawMessage, field string) (string, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	v, ok := generic[field]
	if !ok {
		return "", fmt.Errorf("router: field %q absent", field)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	return s, nil
}

func setFieldString(raw json.RawMessage, field, value string) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
	}
	cloned := make(map[string]json.RawMessage, len(generic)+1)
	for k, v := range generic {
		cloned[k] = v
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	cloned[field] = encoded
	return json.Marshal(cloned)
}
