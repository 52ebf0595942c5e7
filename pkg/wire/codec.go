// Package wire implements the JSON-RPC 2.0 frame codec shared by the
// client-facing and upstream-facing byte streams: header-delimited
// (Content-Length) and newline-delimited framing, auto-detected per peer.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Codec wraps one (reader, writer) pair and remembers which framing the
// peer on the other end of the reader has been observed to use. It has
// no notion of request/response semantics; it only moves opaque JSON
// payloads across a framed byte stream.
type Codec struct {
	name   string
	logger *slog.Logger

	r *bufio.Reader

	w       io.Writer
	writeMu sync.Mutex

	mu         sync.Mutex
	useNewline bool
}

// NewCodec constructs a Codec over r/w. preferNewline seeds the initial
// framing used for writes before any read has happened; a read that
// observes the peer's actual framing updates it (see Read).
func NewCodec(r io.Reader, w io.Writer, name string, preferNewline bool, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{
		name:       name,
		logger:     logger,
		r:          bufio.NewReaderSize(r, 64*1024),
		w:          w,
		useNewline: preferNewline,
	}
}

// Name returns the codec's human-readable label, used only for logs.
func (c *Codec) Name() string { return c.name }

// UsesNewline reports the framing currently in effect for writes.
func (c *Codec) UsesNewline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useNewline
}

// Read returns the next frame's raw JSON payload. io.EOF (wrapped) is
// returned at end of stream, including mid-header or mid-payload EOF;
// callers treat any io.EOF as "no message" and stop reading.
func (c *Codec) Read() ([]byte, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		if trimmed[0] == '{' || trimmed[0] == '[' {
			c.mu.Lock()
			c.useNewline = true
			c.mu.Unlock()
			return trimmed, nil
		}

		return c.readHeaderFramed(trimmed)
	}
}

// readHeaderFramed parses HTTP-style headers starting with firstLine,
// terminated by a blank line, then reads exactly Content-Length bytes.
func (c *Codec) readHeaderFramed(firstLine []byte) ([]byte, error) {
	contentLength := -1
	line := firstLine
	for {
		if len(bytes.TrimSpace(line)) == 0 {
			break
		}
		name, value, ok := parseHeaderLine(line)
		if !ok {
			c.logger.Warn("malformed header line, skipping", "codec", c.name, "line", string(line))
		} else if strings.EqualFold(name, "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				c.logger.Warn("malformed Content-Length header, skipping", "codec", c.name, "value", value)
			} else {
				contentLength = n
			}
		}

		next, err := c.readLine()
		if err != nil {
			return nil, err
		}
		line = next
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("wire: %s: header block missing Content-Length", c.name)
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("wire: %s: reading frame body: %w", c.name, io.EOF)
	}

	c.mu.Lock()
	c.useNewline = false
	c.mu.Unlock()
	return payload, nil
}

func parseHeaderLine(line []byte) (name, value string, ok bool) {
	s := string(line)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// readLine reads a single line without its trailing terminator. It
// normalizes both "\n" and "\r\n" endings.
func (c *Codec) readLine() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if len(line) == 0 && err != nil {
		return nil, fmt.Errorf("wire: %s: %w", c.name, io.EOF)
	}
	line = bytes.TrimRight(line, "\r\n")
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("wire: %s: %w", c.name, io.EOF)
	}
	return line, nil
}

// Write serializes payload in whichever framing is currently in effect.
// Concurrent writers are serialized so frames never interleave.
func (c *Codec) Write(payload []byte) error {
	c.mu.Lock()
	newline := c.useNewline
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if newline {
		if _, err := c.w.Write(payload); err != nil {
			return fmt.Errorf("wire: %s: write: %w", c.name, err)
		}
		if _, err := c.w.Write([]byte("\n")); err != nil {
			return fmt.Errorf("wire: %s: write: %w", c.name, err)
		}
		return nil
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := c.w.Write([]byte(header)); err != nil {
		return fmt.Errorf("wire: %s: write header: %w", c.name, err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("wire: %s: write body: %w", c.name, err)
	}
	return nil
}
