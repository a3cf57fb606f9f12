package rpc

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestServeStdioNewlineDelimited(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"prompts/list"}` + "\n")
	var out bytes.Buffer

	if err := s.ServeStdio(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses (notification is silent), got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], `"id":1`) || !strings.Contains(lines[1], `"id":2`) {
		t.Errorf("responses out of order: %q", out.String())
	}
}

func TestServeStdioShortFirstMessage(t *testing.T) {
	s := newTestServer(t)
	// Shorter than the Content-Length header the sniffer peeks for.
	in := strings.NewReader("{\"a\":1}\n")
	var out bytes.Buffer

	if err := s.ServeStdio(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.Contains(out.String(), "-32600") {
		t.Fatalf("expected invalid request response, got %q", out.String())
	}
}

func TestServeStdioContentLength(t *testing.T) {
	s := newTestServer(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	in := strings.NewReader(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body))
	var out bytes.Buffer

	if err := s.ServeStdio(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Content-Length: ") {
		t.Fatalf("response should be Content-Length framed: %q", out.String())
	}
	if !strings.Contains(out.String(), `"tools"`) {
		t.Errorf("response missing tools payload: %q", out.String())
	}
}

func TestServeStdioParseErrorStillResponds(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader("{bad json}\n")
	var out bytes.Buffer

	if err := s.ServeStdio(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.Contains(out.String(), "-32700") {
		t.Fatalf("expected parse error response, got %q", out.String())
	}
}

func TestReadFrameRejectsMissingLength(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader("Content-Length: oops\r\n\r\n{}")
	var out bytes.Buffer
	if err := s.ServeStdio(context.Background(), in, &out); err == nil {
		t.Fatal("expected error for malformed Content-Length")
	}
}
