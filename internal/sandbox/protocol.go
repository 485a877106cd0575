// NDJSON protocol shared by the child-process backend and the REPL server.
// One JSON object per line; requests flow over stdin, responses over stdout,
// logs over stderr. At most one request is in flight per session, so
// responses are matched FIFO to requests.

package sandbox

// Protocol actions.
const (
	ActionExecute  = "execute"
	ActionGetVar   = "get_var"
	ActionListVars = "list_vars"
	ActionPing     = "ping"
	ActionShutdown = "shutdown"
)

// Command is one request line sent to the REPL server.
type Command struct {
	Action string `json:"action"`
	Code   string `json:"code,omitempty"` // For "execute".
	Name   string `json:"name,omitempty"` // For "get_var".
}

// Response is one reply line from the REPL server.
// The populated fields depend on the action; Status is set only on the
// unsolicited startup message.
type Response struct {
	Success   bool              `json:"success"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Value     any               `json:"value,omitempty"`
	Message   string            `json:"message,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`

	// Startup handshake fields.
	Status      string `json:"status,omitempty"` // "ready"
	ContextInfo string `json:"context_info,omitempty"`
}

// StatusReady is the Status value announcing a ready session.
const StatusReady = "ready"
