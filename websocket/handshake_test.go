package websocket

import (
	"errors"
	"strings"
	"testing"
)

func TestComputeAcceptKeyRFCExample(t *testing.T) {
	// RFC 6455 Section 1.3's worked example.
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("computeAcceptKey() = %q, want %q", got, want)
	}
}

func TestParseUpgradeRequestIncomplete(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n")
	_, status, err := parseUpgradeRequest(buf)
	if status != handshakeIncomplete || err != nil {
		t.Fatalf("parseUpgradeRequest() = %v, %v, want incomplete/nil", status, err)
	}
}

func TestParseUpgradeRequestValid(t *testing.T) {
	buf := []byte("GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Protocol: chat, superchat\r\n" +
		"\r\n" +
		"trailing garbage that must not be consumed")

	req, status, err := parseUpgradeRequest(buf)
	if status != handshakeReady || err != nil {
		t.Fatalf("parseUpgradeRequest() = %v, %v", status, err)
	}
	if req.path != "/chat" || req.host != "example.com" {
		t.Fatalf("req = %+v", req)
	}
	if len(req.subprotocols) != 2 || req.subprotocols[0] != "chat" || req.subprotocols[1] != "superchat" {
		t.Fatalf("subprotocols = %v", req.subprotocols)
	}
	if req.consumed >= len(buf) {
		t.Fatalf("consumed %d bytes, should have stopped before trailing garbage (%d total)", req.consumed, len(buf))
	}
}

func TestParseUpgradeRequestRejections(t *testing.T) {
	base := map[string]string{
		"Host":                   "example.com",
		"Upgrade":                "websocket",
		"Connection":             "Upgrade",
		"Sec-WebSocket-Key":      "dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version":  "13",
	}

	build := func(method string, overrides map[string]string) []byte {
		headers := make(map[string]string, len(base))
		for k, v := range base {
			headers[k] = v
		}
		for k, v := range overrides {
			if v == "" {
				delete(headers, k)
				continue
			}
			headers[k] = v
		}
		var b strings.Builder
		b.WriteString(method + " / HTTP/1.1\r\n")
		for k, v := range headers {
			b.WriteString(k + ": " + v + "\r\n")
		}
		b.WriteString("\r\n")
		return []byte(b.String())
	}

	cases := []struct {
		name      string
		method    string
		overrides map[string]string
		wantErr   error
	}{
		{"wrong method", "POST", nil, ErrInvalidMethod},
		{"missing upgrade", "GET", map[string]string{"Upgrade": ""}, ErrMissingUpgrade},
		{"wrong upgrade value", "GET", map[string]string{"Upgrade": "h2c"}, ErrMissingUpgrade},
		{"missing connection", "GET", map[string]string{"Connection": ""}, ErrMissingConnection},
		{"missing key", "GET", map[string]string{"Sec-WebSocket-Key": ""}, ErrMissingSecKey},
		{"wrong version", "GET", map[string]string{"Sec-WebSocket-Version": "8"}, ErrInvalidVersion},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, status, err := parseUpgradeRequest(build(tc.method, tc.overrides))
			if status != handshakeRejected || !errors.Is(err, tc.wantErr) {
				t.Fatalf("parseUpgradeRequest() = %v, %v, want rejected/%v", status, err, tc.wantErr)
			}
		})
	}
}

func TestBuildAndParseUpgradeResponseRoundTrip(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	req := &upgradeRequest{key: key}
	wire := buildUpgradeResponse(req, "chat")

	resp, status, err := parseUpgradeResponse(wire, key)
	if status != handshakeReady || err != nil {
		t.Fatalf("parseUpgradeResponse() = %v, %v", status, err)
	}
	if resp.statusCode != 101 {
		t.Fatalf("statusCode = %d, want 101", resp.statusCode)
	}
	if resp.subprotocol != "chat" {
		t.Fatalf("subprotocol = %q, want chat", resp.subprotocol)
	}
}

func TestParseUpgradeResponseAcceptMismatch(t *testing.T) {
	req := &upgradeRequest{key: "dGhlIHNhbXBsZSBub25jZQ=="}
	wire := buildUpgradeResponse(req, "")

	_, status, err := parseUpgradeResponse(wire, "a different key entirely")
	if status != handshakeRejected || !errors.Is(err, ErrAcceptMismatch) {
		t.Fatalf("parseUpgradeResponse() = %v, %v, want ErrAcceptMismatch", status, err)
	}
}

func TestNegotiateSubprotocol(t *testing.T) {
	got := negotiateSubprotocol([]string{"superchat", "chat"}, []string{"chat", "echo"})
	if got != "chat" {
		t.Fatalf("negotiateSubprotocol() = %q, want chat", got)
	}
	if got := negotiateSubprotocol([]string{"x"}, []string{"y"}); got != "" {
		t.Fatalf("negotiateSubprotocol() = %q, want empty", got)
	}
}

func TestHeaderContainsToken(t *testing.T) {
	if !headerContainsToken("Upgrade, HTTP/2.0", "upgrade") {
		t.Fatal("expected token match, case-insensitive")
	}
	if headerContainsToken("keep-alive", "upgrade") {
		t.Fatal("expected no match")
	}
}

func TestCheckSameOrigin(t *testing.T) {
	if !checkSameOrigin("example.com", "", false) {
		t.Fatal("no Origin header should be accepted")
	}
	if !checkSameOrigin("example.com", "http://example.com", false) {
		t.Fatal("matching origin should be accepted")
	}
	if checkSameOrigin("example.com", "http://evil.com", false) {
		t.Fatal("mismatched origin should be rejected")
	}
}
