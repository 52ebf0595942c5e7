package router

import "encoding/json"

// aggregateCapabilities folds every session's memoized initialize result
// into the single capability set the proxy advertises to the client.
// logging.setLevel is always advertised since the proxy itself
// implements it, independent of any upstream.
func aggregateCapabilities(initResults []json.RawMessage) map[string]any {
	hasTools, hasResources, hasPrompts := false, false, false

	for _, raw := range initResults {
		var result struct {
			Capabilities map[string]json.RawMessage `json:"capabilities"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			continue
		}
		if _, ok := result.Capabilities["tools"]; ok {
			hasTools = true
		}
		if _, ok := result.Capabilities["resources"]; ok {
			hasResources = true
		}
		if _, ok := result.Capabilities["prompts"]; ok {
			hasPrompts = true
		}
	}

	caps := map[string]any{
		"logging": map[string]any{"setLevel": true},
	}
	if hasTools {
		caps["tools"] = map[string]any{"list": true, "call": true}
	}
	if hasResources {
		caps["resources"] = map[string]any{
			"list":      true,
			"read":      true,
			"templates": map[string]any{"list": true},
		}
	}
	if hasPrompts {
		caps["prompts"] = map[string]any{"list": true, "get": true}
	}
	return caps
}
