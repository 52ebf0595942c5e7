package router

import "encoding/json"

// withProxyMetadata returns a copy of descriptor with metadata.proxy set
// to fields, without mutating the upstream-owned value backing descriptor.
func withProxyMetadata(descriptor json.RawMessage, fields map[string]string) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if len(descriptor) > 0 {
		if err := json.Unmarshal(descriptor, &generic); err != nil {
			return nil, err
		}
	}
	if generic == nil {
		generic = map[string]json.RawMessage{}
	} else {
		cloned := make(map[string]json.RawMessage, len(generic))
		for k, v := range generic {
			cloned[k] = v
		}
		generic = cloned
	}

	proxyFields := make(map[string]string, len(fields))
	for k, v := range fields {
		proxyFields[k] = v
	}
	proxyRaw, err := json.Marshal(proxyFields)
	if err != nil {
		return nil, err
	}

	var metadata map[string]json.RawMessage
	if raw, ok := generic["metadata"]; ok {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			metadata = map[string]json.RawMessage{}
		}
	} else {
		metadata = map[string]json.RawMessage{}
	}
	metadata["proxy"] = proxyRaw

	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	generic["metadata"] = metadataRaw

	return json.Marshal(generic)
}

// injectParamsProxyField returns a copy of params with params.proxy[key]
// set to value, without mutating the original raw message.
func injectParamsProxyField(params json.RawMessage, key, value string) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &generic); err != nil {
			generic = map[string]json.RawMessage{}
		}
	} else {
		generic = map[string]json.RawMessage{}
	}
	cloned := make(map[string]json.RawMessage, len(generic)+1)
	for k, v := range generic {
		cloned[k] = v
	}

	var proxy map[string]string
	if raw, ok := cloned["proxy"]; ok {
		_ = json.Unmarshal(raw, &proxy)
	}
	if proxy == nil {
		proxy = map[string]string{}
	}
	proxy[key] = value

	proxyRaw, err := json.Marshal(proxy)
	if err != nil {
		return nil, err
	}
	cloned["proxy"] = proxyRaw

	return json.Marshal(cloned)
}

// withID returns a copy of a decoded JSON object with its "id" field
// replaced, used when relaying a reverse request to the client under a
// synthetic id or relaying the client's reply back under the upstream's
// original id.
func withID(raw json.RawMessage, id json.RawMessage) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	cloned := make(map[string]json.RawMessage, len(generic))
	for k, v := range generic {
		cloned[k] = v
	}
	cloned["id"] = id
	return json.Marshal(cloned)
}
