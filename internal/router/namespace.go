package router

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// separator divides a synthetic tool/prompt name from its upstream
// alias; ServerConfig.ID validation rejects aliases containing it.
const separator = "__"

// resourcePrefix precedes the base64url token in a synthetic resource URI.
const resourcePrefix = "proxy://resource/"

var b64 = base64.RawURLEncoding

// encodeName builds the client-visible synthetic name for a tool or
// prompt originally named original on upstream alias.
func encodeName(alias, original string) string {
	return alias + separator + original
}

// decodeName splits a synthetic name on the first separator, the
// fallback path used when the name isn't found in a registry.
func decodeName(name string) (alias, original string, ok bool) {
	idx := strings.Index(name, separator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(separator):], true
}

type resourceToken struct {
	Server string `json:"server"`
	URI    string `json:"uri"`
}

// encodeResourceURI builds the client-visible synthetic URI for a
// resource originally identified by uri on upstream alias.
func encodeResourceURI(alias, uri string) (string, error) {
	raw, err := json.Marshal(resourceToken{Server: alias, URI: uri})
	if err != nil {
		return "", err
	}
	return resourcePrefix + b64.EncodeToString(raw), nil
}

// decodeResourceURI reverses encodeResourceURI.
func decodeResourceURI(synthetic string) (alias, uri string, ok bool) {
	if !strings.HasPrefix(synthetic, resourcePrefix) {
		return "", "", false
	}
	token := strings.TrimPrefix(synthetic, resourcePrefix)
	raw, err := b64.DecodeString(token)
	if err != nil {
		return "", "", false
	}
	var t resourceToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", "", false
	}
	return t.Server, t.URI, true
}

type cursorPayload struct {
	Offset int `json:"offset"`
}

// encodeCursor builds an opaque pagination cursor for offset.
func encodeCursor(offset int) (string, error) {
	raw, err := json.Marshal(cursorPayload{Offset: offset})
	if err != nil {
		return "", err
	}
	return b64.EncodeToString(raw), nil
}

// decodeCursor recovers the offset a cursor encodes. An unparseable
// cursor is not an error; it yields offset 0 so listing starts over.
func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	raw, err := b64.DecodeString(cursor)
	if err != nil {
		return 0
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0
	}
	if p.Offset < 0 {
		return 0
	}
	return p.Offset
}

// paginate slices items starting at the cursor's offset, returning at
// most limit items (all remaining items when limit <= 0) and the next
// cursor, present only when more items remain.
func paginate(items []json.RawMessage, limit int, cursor string) (page []json.RawMessage, nextCursor string) {
	offset := decodeCursor(cursor)
	if offset > len(items) {
		offset = len(items)
	}
	remaining := items[offset:]

	if limit <= 0 || limit >= len(remaining) {
		return remaining, ""
	}

	page = remaining[:limit]
	next, err := encodeCursor(offset + limit)
	if err != nil {
		return page, ""
	}
	return page, next
}
