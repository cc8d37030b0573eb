package wsclient

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// mcpEnvelope sniffs the JSON-RPC method/id out of a "mcp" message for
// logging purposes only. The payload itself is forwarded to the Engine
// untouched (spec.md §4.5: "mcp: passed through as an opaque tool-protocol
// message") — this engine does not dispatch tools, it just wants a readable
// log line when one goes by.
type mcpEnvelope struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      mcp.RequestId `json:"id,omitempty"`
	Method  string        `json:"method,omitempty"`
}

// sniffMcpMethod best-effort decodes the JSON-RPC method name carried inside
// a type:"mcp" message, for a log line. An empty string means the payload
// carried no top-level method (e.g. a result or error response) or did not
// decode.
func sniffMcpMethod(payload []byte) string {
	var env mcpEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Method
}
