package wire

import (
	"bytes"
	"strconv"
	"strings"
	"testing"
)

func TestCodecReadNewlineFraming(t *testing.T) {
	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n")
	c := NewCodec(in, &bytes.Buffer{}, "test", false, nil)

	payload, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Contains(payload, []byte(`"method":"ping"`)) {
		t.Fatalf("unexpected payload: %s", payload)
	}
	if !c.UsesNewline() {
		t.Error("expected autodetection to switch to newline framing")
	}
}

func TestCodecReadContentLengthFraming(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	frame := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	c := NewCodec(strings.NewReader(frame), &bytes.Buffer{}, "test", false, nil)

	payload, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(payload) != body {
		t.Fatalf("got %q want %q", payload, body)
	}
	if c.UsesNewline() {
		t.Error("expected framing to remain header-delimited")
	}
}

func TestCodecReadSkipsBlankLinesAndMalformedHeader(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	frame := "\n\nX-Bogus\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	c := NewCodec(strings.NewReader(frame), &bytes.Buffer{}, "test", false, nil)

	payload, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(payload) != body {
		t.Fatalf("got %q want %q", payload, body)
	}
}

func TestCodecReadEOFMidPayload(t *testing.T) {
	frame := "Content-Length: 100\r\n\r\n{incomplete"
	c := NewCodec(strings.NewReader(frame), &bytes.Buffer{}, "test", false, nil)

	if _, err := c.Read(); err == nil {
		t.Fatal("expected error on truncated payload")
	}
}

func TestCodecWriteUsesPreferredFramingBeforeAnyRead(t *testing.T) {
	var out bytes.Buffer
	c := NewCodec(strings.NewReader(""), &out, "test", false, nil)

	if err := c.Write([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Content-Length: 7\r\n\r\n") {
		t.Fatalf("expected header-framed write, got %q", out.String())
	}
}

func TestCodecWriteAfterNewlineAutodetect(t *testing.T) {
	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"method\":\"x\"}\n")
	var out bytes.Buffer
	c := NewCodec(in, &out, "test", false, nil)

	if _, err := c.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := c.Write([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != "{\"b\":2}\n" {
		t.Fatalf("unexpected write: %q", out.String())
	}
}

func TestCodecRoundTripSequence(t *testing.T) {
	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"a"}`,
		`{"jsonrpc":"2.0","id":2,"method":"b"}`,
	}
	var in bytes.Buffer
	for _, f := range frames {
		in.WriteString(f + "\n")
	}
	c := NewCodec(&in, &bytes.Buffer{}, "test", false, nil)

	for _, want := range frames {
		got, err := c.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
	if _, err := c.Read(); err == nil {
		t.Fatal("expected EOF after all frames consumed")
	}
}
