// ABOUTME: Wire message types exchanged between controller and agents.
// ABOUTME: Every frame on the wire is exactly one of these, tagged by Type.

package protocol

// Type tags a wire message. Unknown types are a protocol error for that
// single message only, never for the connection.
type Type string

const (
	TypeRegistration    Type = "registration"
	TypeCommand         Type = "command"
	TypeCommandResult   Type = "command_result"
	TypeCommandRequest  Type = "command_request"
	TypeCommandResponse Type = "command_response"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeChat            Type = "chat"
)

// knownTypes is consulted during decode; a frame whose type is not listed
// here is rejected.
var knownTypes = map[Type]bool{
	TypeRegistration:    true,
	TypeCommand:         true,
	TypeCommandResult:   true,
	TypeCommandRequest:  true,
	TypeCommandResponse: true,
	TypePing:            true,
	TypePong:            true,
	TypeChat:            true,
}

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	// StatusNoResponse is synthesized locally by the dispatcher when a target
	// never answers within the wait window. It is never sent on the wire.
	StatusNoResponse = "no_response"
)

// Message is the single frame unit. Which fields are populated depends on
// Type; unused fields are omitted from the encoded JSON.
type Message struct {
	Type Type `json:"type"`

	// registration
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
	AuthToken  string      `json:"auth_token,omitempty"`

	// command / command_result / command_request / command_response
	CommandID string  `json:"command_id,omitempty"`
	Command   string  `json:"command,omitempty"`
	Result    *Result `json:"result,omitempty"`

	// ping / pong / chat
	Timestamp float64 `json:"timestamp,omitempty"`

	// chat
	Text   string `json:"message,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// Result carries the outcome of one command execution. A non-zero exit code
// is still StatusSuccess: the command ran to completion, it just failed.
// StatusError means the command never completed (spawn failure or timeout).
type Result struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SystemInfo is the immutable snapshot an agent sends at registration.
type SystemInfo struct {
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	RuntimeVersion  string `json:"runtime_version"`
	ClientID        string `json:"client_id"`
	IPAddress       string `json:"ip_address"`
}

// NewCommand builds a controller-to-agent command frame.
func NewCommand(commandID, command string) *Message {
	return &Message{Type: TypeCommand, CommandID: commandID, Command: command}
}

// NewCommandResult builds the agent's reply to a command frame.
func NewCommandResult(commandID string, result *Result) *Message {
	return &Message{Type: TypeCommandResult, CommandID: commandID, Result: result}
}

// NewCommandRequest builds an agent-to-controller execution request.
func NewCommandRequest(commandID, command string) *Message {
	return &Message{Type: TypeCommandRequest, CommandID: commandID, Command: command}
}

// NewCommandResponse builds the controller's reply to a command_request.
func NewCommandResponse(commandID string, result *Result) *Message {
	return &Message{Type: TypeCommandResponse, CommandID: commandID, Result: result}
}

// NewRegistration builds the frame an agent sends immediately after connect.
func NewRegistration(info *SystemInfo, authToken string) *Message {
	return &Message{Type: TypeRegistration, SystemInfo: info, AuthToken: authToken}
}

// NewPing builds a liveness probe carrying the given Unix-seconds timestamp.
func NewPing(ts float64) *Message {
	return &Message{Type: TypePing, Timestamp: ts}
}

// NewPong builds the reply to a ping, echoing the sender's clock convention.
func NewPong(ts float64) *Message {
	return &Message{Type: TypePong, Timestamp: ts}
}

// NewChat builds a chat frame.
func NewChat(text, sender string, ts float64) *Message {
	return &Message{Type: TypeChat, Text: text, Sender: sender, Timestamp: ts}
}
