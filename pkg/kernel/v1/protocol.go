// Package v1 defines the wire protocol spoken on the /kernel WebSocket
// endpoint: command frames from clients, response frames and broadcast
// events from the kernel.
package v1

import (
	"encoding/json"
	"fmt"
)

// Command types (client -> server).
const (
	CmdAuthLogin    = "auth.login"
	CmdAuthRegister = "auth.register"
	CmdAuthValidate = "auth.validate"

	CmdProcessSpawn   = "process.spawn"
	CmdProcessSignal  = "process.signal"
	CmdProcessList    = "process.list"
	CmdProcessInfo    = "process.info"
	CmdProcessApprove = "process.approve"
	CmdProcessReject  = "process.reject"

	CmdAgentPause    = "agent.pause"
	CmdAgentResume   = "agent.resume"
	CmdAgentContinue = "agent.continue"

	CmdFSRead  = "fs.read"
	CmdFSWrite = "fs.write"
	CmdFSLs    = "fs.ls"
	CmdFSStat  = "fs.stat"
	CmdFSMkdir = "fs.mkdir"
	CmdFSRm    = "fs.rm"

	CmdTTYOpen   = "tty.open"
	CmdTTYInput  = "tty.input"
	CmdTTYResize = "tty.resize"
	CmdTTYClose  = "tty.close"

	CmdVNCInfo = "vnc.info"
	CmdVNCExec = "vnc.exec"

	CmdCronList    = "cron.list"
	CmdCronCreate  = "cron.create"
	CmdCronDelete  = "cron.delete"
	CmdCronEnable  = "cron.enable"
	CmdCronDisable = "cron.disable"

	CmdTriggerList   = "trigger.list"
	CmdTriggerCreate = "trigger.create"
	CmdTriggerDelete = "trigger.delete"

	CmdPluginList      = "plugin.registry.list"
	CmdPluginInstall   = "plugin.registry.install"
	CmdPluginUninstall = "plugin.registry.uninstall"
	CmdPluginEnable    = "plugin.registry.enable"
	CmdPluginDisable   = "plugin.registry.disable"

	CmdMCPConnect    = "mcp.server.connect"
	CmdMCPDisconnect = "mcp.server.disconnect"
	CmdMCPList       = "mcp.server.list"

	CmdKernelStatus = "kernel.status"
)

// Response types (server -> client, correlated by id).
const (
	ResponseOK    = "response.ok"
	ResponseError = "response.error"
)

// Event types broadcast to all connected clients.
const (
	EventKernelReady   = "kernel.ready"
	EventKernelMetrics = "kernel.metrics"

	EventProcessSpawned     = "process.spawned"
	EventProcessStateChange = "process.stateChange"
	EventProcessExit        = "process.exit"
	EventProcessReaped      = "process.reaped"

	EventAgentThought     = "agent.thought"
	EventAgentAction      = "agent.action"
	EventAgentObservation = "agent.observation"
	EventAgentPhaseChange = "agent.phaseChange"
	EventAgentProgress    = "agent.progress"
	EventAgentFileCreated = "agent.file_created"
	EventAgentBrowsing    = "agent.browsing"

	EventIPCDelivered = "ipc.delivered"
	EventIPCMessage   = "ipc.message"

	EventContainerCreated = "container.created"
	EventContainerStarted = "container.started"
	EventContainerStopped = "container.stopped"
	EventContainerRemoved = "container.removed"

	EventFSChanged = "fs.changed"

	EventTTYOutput = "tty.output"
	EventTTYOpened = "tty.opened"
	EventTTYClosed = "tty.closed"

	EventPluginLoaded = "plugin.loaded"
	EventPluginError  = "plugin.error"

	EventMCPToolsDiscovered    = "mcp.tools.discovered"
	EventMCPServerConnected    = "mcp.server.connected"
	EventMCPServerDisconnected = "mcp.server.disconnected"

	EventOpenClawSkillImported = "openclaw.skill.imported"
	EventOpenClawBatchImported = "openclaw.batch.imported"
)

// Error codes carried in response.error frames.
const (
	ErrUnauthorized       = "unauthorized"
	ErrForbidden          = "forbidden"
	ErrNotFound           = "not_found"
	ErrConflict           = "conflict"
	ErrInvalidArgument    = "invalid_argument"
	ErrSandboxUnavailable = "sandbox_unavailable"
	ErrToolError          = "tool_error"
	ErrTimeout            = "timeout"
	ErrNetworkError       = "network_error"
	ErrUnknownCommand     = "unknown_command"
	ErrInternal           = "internal"
)

// Frame is a raw command frame as received from a client. The payload fields
// sit flat beside type and id, so the raw bytes are retained for per-command
// decoding.
type Frame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the complete frame bytes so Decode can later unmarshal
// the payload into a command-specific struct.
func (f *Frame) UnmarshalJSON(data []byte) error {
	type alias struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Token string `json:"token,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	f.Type = a.Type
	f.ID = a.ID
	f.Token = a.Token
	f.raw = append(f.raw[:0], data...)
	return nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.raw) == 0 {
		return fmt.Errorf("empty frame")
	}
	return json.Unmarshal(f.raw, v)
}

// Raw returns the original frame bytes.
func (f *Frame) Raw() json.RawMessage {
	return f.raw
}

// OKFrame is the server response for a successfully handled command.
type OKFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data any    `json:"data,omitempty"`
}

// ErrorFrame is the server response for a failed command.
type ErrorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// OK builds a response.ok frame.
func OK(id string, data any) *OKFrame {
	return &OKFrame{Type: ResponseOK, ID: id, Data: data}
}

// Error builds a response.error frame.
func Error(id, code, message string) *ErrorFrame {
	return &ErrorFrame{Type: ResponseError, ID: id, Error: code, Message: message}
}

// EventFrame flattens an event payload beside its type so clients receive
// {"type": "...", "<field>": ...} frames.
func EventFrame(eventType string, payload map[string]any) ([]byte, error) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["type"] = eventType
	return json.Marshal(out)
}
