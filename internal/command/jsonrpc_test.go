package command

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
)

type rpcHarness struct {
	f    *RPCFacade
	sent []string
}

func newRPCHarness() *rpcHarness {
	h := &rpcHarness{f: NewRPCFacade(testLog())}
	h.f.Send = func(user, line string) { h.sent = append(h.sent, line) }
	h.f.RegisterMethod("echo", func(user string, params json.RawMessage) (any, *RPCError) {
		return map[string]string{"user": user}, nil
	})
	return h
}

func (h *rpcHarness) lastResponse(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	if len(h.sent) == 0 {
		t.Fatal("no response sent")
	}
	line := h.sent[len(h.sent)-1]
	payload := strings.TrimPrefix(line, "!#JSONRPC ")
	var resp map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("bad response %q: %v", line, err)
	}
	return resp
}

func (h *rpcHarness) lastErrorCode(t *testing.T) int {
	t.Helper()
	resp := h.lastResponse(t)
	var e RPCError
	if err := json.Unmarshal(resp["error"], &e); err != nil {
		t.Fatalf("no error member: %v", resp)
	}
	return e.Code
}

func TestRPCCallAndResult(t *testing.T) {
	h := newRPCHarness()
	h.f.HandleLine("Toto", `!#JSONRPC {"jsonrpc":"2.0","method":"echo","id":1}`)
	resp := h.lastResponse(t)
	if string(resp["id"]) != "1" {
		t.Errorf("id = %s", resp["id"])
	}
	if !strings.Contains(string(resp["result"]), "Toto") {
		t.Errorf("result = %s", resp["result"])
	}
}

func TestRPCNotificationGetsNoResponse(t *testing.T) {
	h := newRPCHarness()
	h.f.HandleLine("Toto", `!#JSONRPC {"jsonrpc":"2.0","method":"echo"}`)
	if len(h.sent) != 0 {
		t.Errorf("notification must not be answered: %v", h.sent)
	}
	// not even for errors raised by the method lookup
	h.f.HandleLine("Toto", `!#JSONRPC {"jsonrpc":"2.0","method":"nosuch"}`)
	if len(h.sent) != 0 {
		t.Errorf("failing notification must stay silent: %v", h.sent)
	}
}

func TestRPCErrorCodes(t *testing.T) {
	h := newRPCHarness()
	cases := []struct {
		payload string
		code    int
	}{
		{`not json`, RPCParseError},
		{`{"jsonrpc":"2.0","method":"echo","id":1,"extra":true}`, RPCInvalidRequest},
		{`{"jsonrpc":"1.0","method":"echo","id":1}`, RPCInvalidRequest},
		{`{"jsonrpc":"2.0","id":1}`, RPCInvalidRequest},
		{`{"jsonrpc":"2.0","method":"echo","params":5,"id":1}`, RPCInvalidRequest},
		{`{"jsonrpc":"2.0","method":"echo","id":[1]}`, RPCInvalidRequest},
		{`{"jsonrpc":"2.0","method":"nosuch","id":1}`, RPCMethodNotFound},
	}
	for _, c := range cases {
		h.sent = nil
		h.f.HandleLine("Toto", "!#JSONRPC "+c.payload)
		if got := h.lastErrorCode(t); got != c.code {
			t.Errorf("payload %q: code %d, want %d", c.payload, got, c.code)
		}
	}
}

func TestRPCForbiddenAndRateLimit(t *testing.T) {
	h := newRPCHarness()
	h.f.Allowed = func(user, method string) bool { return false }
	h.f.HandleLine("Toto", `!#JSONRPC {"jsonrpc":"2.0","method":"echo","id":1}`)
	if got := h.lastErrorCode(t); got != RPCForbidden {
		t.Errorf("code %d, want forbidden", got)
	}

	h.sent = nil
	h.f.Allowed = nil
	h.f.RateOK = func(user string) bool { return false }
	h.f.HandleLine("Toto", `!#JSONRPC {"jsonrpc":"2.0","method":"echo","id":1}`)
	if got := h.lastErrorCode(t); got != RPCRateLimit {
		t.Errorf("code %d, want rate limit", got)
	}
	resp := h.lastResponse(t)
	if string(resp["id"]) != "1" {
		t.Errorf("rate-limit reply must echo the request id: %s", resp["id"])
	}

	// a rate-limited notification gets no reply at all
	h.sent = nil
	h.f.HandleLine("Toto", `!#JSONRPC {"jsonrpc":"2.0","method":"echo"}`)
	if len(h.sent) != 0 {
		t.Errorf("notification answered under rate limit: %v", h.sent)
	}
}

func TestRPCChunkReassembly(t *testing.T) {
	h := newRPCHarness()
	h.f.HandleLine("Toto", `!#JSONRPC(1/3) {"jsonrpc":"2.0",`)
	h.f.HandleLine("Toto", `!#JSONRPC(2/3) "method":"echo",`)
	if len(h.sent) != 0 {
		t.Fatal("no response before the final chunk")
	}
	h.f.HandleLine("Toto", `!#JSONRPC(3/3) "id":7}`)
	resp := h.lastResponse(t)
	if string(resp["id"]) != "7" {
		t.Errorf("reassembled call failed: %v", resp)
	}
}

func TestRPCChunkOutOfOrderDropsSilently(t *testing.T) {
	h := newRPCHarness()
	h.f.HandleLine("Toto", `!#JSONRPC(1/3) {"jsonrpc":"2.0",`)
	h.f.HandleLine("Toto", `!#JSONRPC(3/3) "id":7}`)
	if len(h.sent) != 0 {
		t.Error("out-of-order chunk must be dropped without a response")
	}
	// the buffer is gone: the real final chunk no longer completes anything
	h.f.HandleLine("Toto", `!#JSONRPC(2/3) "method":"echo",`)
	h.f.HandleLine("Toto", `!#JSONRPC(3/3) "id":7}`)
	if len(h.sent) != 0 {
		t.Error("dropped buffer must not resurrect")
	}
}

func TestRPCChunkedResponse(t *testing.T) {
	h := newRPCHarness()
	h.f.MaxLineLen = 60
	h.f.RegisterMethod("big", func(user string, params json.RawMessage) (any, *RPCError) {
		return strings.Repeat("x", 200), nil
	})
	h.f.HandleLine("Toto", `!#JSONRPC {"jsonrpc":"2.0","method":"big","id":1}`)
	if len(h.sent) < 2 {
		t.Fatalf("expected a chunked response, got %v", h.sent)
	}
	var joined strings.Builder
	for i, line := range h.sent {
		prefix := line[:strings.IndexByte(line, ')')+1]
		if !strings.HasPrefix(line, "!#JSONRPC(") || !strings.HasSuffix(prefix, "/"+strconv.Itoa(len(h.sent))+")") {
			t.Fatalf("chunk %d malformed: %q", i, line)
		}
		joined.WriteString(strings.TrimPrefix(line, prefix+" "))
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal([]byte(joined.String()), &resp); err != nil {
		t.Fatalf("reassembled response invalid: %v", err)
	}
}

func TestIsRPCRequest(t *testing.T) {
	if !IsRPCRequest("!#JSONRPC {}") || IsRPCRequest("!status") {
		t.Error("prefix detection broken")
	}
}
