package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// JSON-RPC 2.0 error codes, plus the application-level codes relayed
// clients rely on.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603

	RPCRateLimit = -1
	RPCForbidden = -2
	RPCUnknown   = -3
)

const rpcPrefix = "!#JSONRPC"

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements error.
func (e *RPCError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

// RPCMethod implements one API method. params is the raw params member
// (nil when absent).
type RPCMethod func(user string, params json.RawMessage) (any, *RPCError)

type chunkState struct {
	next  int
	total int
	parts []string
}

// RPCFacade reassembles chunked JSON-RPC requests arriving over private
// chat, dispatches them and chunks the replies back.
type RPCFacade struct {
	log     *logrus.Logger
	methods map[string]RPCMethod

	// Allowed returns false to reject the call with Forbidden.
	Allowed func(user, method string) bool
	// RateOK is the one-shot RPC flood check; false answers RateLimit.
	RateOK func(user string) bool
	// Send delivers one private-message line to user.
	Send func(user, line string)

	// MaxLineLen bounds each outbound chunk including the prefix.
	MaxLineLen int

	pending map[string]*chunkState
}

// NewRPCFacade creates a facade with no registered methods.
func NewRPCFacade(log *logrus.Logger) *RPCFacade {
	return &RPCFacade{
		log:        log,
		methods:    make(map[string]RPCMethod),
		MaxLineLen: 900,
		pending:    make(map[string]*chunkState),
	}
}

// RegisterMethod binds a method name.
func (f *RPCFacade) RegisterMethod(name string, m RPCMethod) { f.methods[name] = m }

// IsRequest reports whether a private message line belongs to the facade.
func IsRPCRequest(line string) bool { return strings.HasPrefix(line, rpcPrefix) }

// HandleLine processes one "!#JSONRPC[(k/n)] <payload>" private message.
// Out-of-order or inconsistent chunks drop the pending buffer silently.
func (f *RPCFacade) HandleLine(user, line string) {
	rest := strings.TrimPrefix(line, rpcPrefix)
	payload := rest
	k, n := 0, 0
	if strings.HasPrefix(rest, "(") {
		end := strings.IndexByte(rest, ')')
		if end < 0 || strings.IndexByte(rest[1:end], '/') < 0 {
			delete(f.pending, user)
			return
		}
		if _, err := fmt.Sscanf(rest[1:end], "%d/%d", &k, &n); err != nil || k < 1 || n < 1 || k > n {
			delete(f.pending, user)
			return
		}
		payload = rest[end+1:]
	}
	payload = strings.TrimPrefix(payload, " ")

	if n > 1 || k == 1 && n == 1 {
		st := f.pending[user]
		if k == 1 {
			st = &chunkState{next: 2, total: n}
			f.pending[user] = st
		} else {
			if st == nil || k != st.next || n != st.total {
				delete(f.pending, user)
				return
			}
			st.next++
		}
		st.parts = append(st.parts, payload)
		if k < n {
			return
		}
		payload = strings.Join(st.parts, "")
		delete(f.pending, user)
	}

	f.dispatch(user, payload)
}

// nullID is the response id when the request id could not be determined.
var nullID = json.RawMessage("null")

type rpcRequest struct {
	JSONRPC *string         `json:"jsonrpc"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

func (f *RPCFacade) dispatch(user, payload string) {
	if f.RateOK != nil && !f.RateOK(user) {
		// Only answer when the caller could correlate the response:
		// notifications and garbage are dropped without a reply.
		if id, ok := requestID(payload); ok {
			f.reply(user, nil, id, &RPCError{Code: RPCRateLimit, Message: "Rate limit exceeded"})
		}
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		f.reply(user, nil, nullID, &RPCError{Code: RPCParseError, Message: "Parse error"})
		return
	}
	for k := range raw {
		switch k {
		case "jsonrpc", "method", "params", "id":
		default:
			f.reply(user, nil, nullID, &RPCError{Code: RPCInvalidRequest, Message: "Invalid request"})
			return
		}
	}
	var req rpcRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		f.reply(user, nil, nullID, &RPCError{Code: RPCParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC == nil || *req.JSONRPC != "2.0" || req.Method == nil || *req.Method == "" {
		f.reply(user, nil, req.ID, &RPCError{Code: RPCInvalidRequest, Message: "Invalid request"})
		return
	}
	if len(req.Params) > 0 {
		switch req.Params[0] {
		case '[', '{':
		default:
			f.reply(user, nil, req.ID, &RPCError{Code: RPCInvalidRequest, Message: "Invalid request"})
			return
		}
	}
	if len(req.ID) > 0 && !scalarID(req.ID) {
		f.reply(user, nil, nullID, &RPCError{Code: RPCInvalidRequest, Message: "Invalid request"})
		return
	}

	method, ok := f.methods[*req.Method]
	if !ok {
		f.reply(user, nil, req.ID, &RPCError{Code: RPCMethodNotFound, Message: "Method not found"})
		return
	}
	if f.Allowed != nil && !f.Allowed(user, *req.Method) {
		f.reply(user, nil, req.ID, &RPCError{Code: RPCForbidden, Message: "Forbidden"})
		return
	}

	result, rpcErr := method(user, req.Params)
	f.reply(user, result, req.ID, rpcErr)
}

// requestID best-effort extracts a scalar id from a not-yet-validated
// payload, for error replies emitted before full request validation.
func requestID(payload string) (json.RawMessage, bool) {
	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || len(raw.ID) == 0 || !scalarID(raw.ID) {
		return nil, false
	}
	return raw.ID, true
}

// scalarID accepts strings, numbers and null; arrays and objects are not
// valid id values.
func scalarID(id json.RawMessage) bool {
	switch id[0] {
	case '[', '{':
		return false
	}
	return json.Valid(id)
}

// reply serializes and sends a response, split into chunks where needed.
// A request without an id is a notification: no response at all.
func (f *RPCFacade) reply(user string, result any, id json.RawMessage, rpcErr *RPCError) {
	if len(id) == 0 {
		return
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	data, err := json.Marshal(resp)
	if err != nil {
		f.log.WithError(err).Error("jsonrpc response marshal failed")
		return
	}
	f.sendChunked(user, string(data))
}

func (f *RPCFacade) sendChunked(user, payload string) {
	if f.Send == nil {
		return
	}
	budget := f.MaxLineLen - len(rpcPrefix) - len("(999/999) ")
	if budget < 1 {
		budget = 1
	}
	if len(payload) <= budget {
		f.Send(user, rpcPrefix+" "+payload)
		return
	}
	var parts []string
	for len(payload) > 0 {
		n := min(budget, len(payload))
		parts = append(parts, payload[:n])
		payload = payload[n:]
	}
	for i, p := range parts {
		f.Send(user, fmt.Sprintf("%s(%d/%d) %s", rpcPrefix, i+1, len(parts), p))
	}
}
