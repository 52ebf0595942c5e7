// Package authgate implements the proxy's shared-secret auth check on
// client-originated requests.
package authgate

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/aviary-mcp/proxy/internal/mcperr"
)

// Gate validates a presented bearer token against a configured secret.
// A Gate with no secret passes every request.
type Gate struct {
	secret string
}

// New constructs a Gate. An empty secret disables the check entirely.
func New(secret string) *Gate {
	return &Gate{secret: secret}
}

// Enabled reports whether a secret is configured.
func (g *Gate) Enabled() bool { return g != nil && g.secret != "" }

type proxyAuthParams struct {
	Proxy struct {
		AuthToken string `json:"authToken"`
	} `json:"proxy"`
}

// Check validates params against the configured secret and, on
// success, returns params with the token stripped so it is never
// forwarded downstream. If the gate is disabled, params pass through
// unmodified.
func (g *Gate) Check(params json.RawMessage) (json.RawMessage, *mcperr.Error) {
	if !g.Enabled() {
		return params, nil
	}

	var p proxyAuthParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}

	presented := p.Proxy.AuthToken
	if subtle.ConstantTimeCompare([]byte(presented), []byte(g.secret)) != 1 {
		return nil, mcperr.Unauthorized()
	}

	return stripAuthToken(params)
}

// ExtractToken reads params.proxy.authToken without modifying or
// validating anything, for components (the rate limiter) that key on
// the presented token regardless of whether it turns out to be valid.
func ExtractToken(params json.RawMessage) string {
	var p proxyAuthParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	return p.Proxy.AuthToken
}

// stripAuthToken removes params.proxy.authToken while leaving every
// other field (including other params.proxy.* keys) untouched.
func stripAuthToken(params json.RawMessage) (json.RawMessage, *mcperr.Error) {
	if len(params) == 0 {
		return params, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(params, &generic); err != nil {
		// Not a JSON object; nothing to strip, pass through as-is.
		return params, nil
	}

	rawProxy, ok := generic["proxy"]
	if !ok {
		return params, nil
	}

	var proxyFields map[string]json.RawMessage
	if err := json.Unmarshal(rawProxy, &proxyFields); err != nil {
		return params, nil
	}
	delete(proxyFields, "authToken")

	if len(proxyFields) == 0 {
		delete(generic, "proxy")
	} else {
		reencoded, err := json.Marshal(proxyFields)
		if err != nil {
			return params, nil
		}
		generic["proxy"] = reencoded
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return params, nil
	}
	return out, nil
}
