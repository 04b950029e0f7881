// Package relay lets a remote agent invoke the daemon's tool surface
// without any inbound port on the developer machine. The daemon dials
// out to a relay process over websocket; the relay accepts agent HTTP
// calls and forwards them down the socket.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/oaklabs/oakd/internal/mcp"
)

// DeploymentID derives a stable identifier for a project root, used to
// key the daemon's relay registration.
func DeploymentID(projectRoot string) string {
	sum := sha256.Sum256([]byte(projectRoot))
	return hex.EncodeToString(sum[:8])
}

// Message types. Every frame on the wire is a Message discriminated by
// Type; unknown types are dropped silently.
const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeToolCall     = "tool_call"
	TypeToolResult   = "tool_result"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeError        = "error"
)

// Message is the single frame shape, symmetric on both sides. Fields
// are populated per Type.
type Message struct {
	Type string `json:"type"`

	// register / registered
	DeploymentID string         `json:"deployment_id,omitempty"`
	Tools        []mcp.ToolInfo `json:"tools,omitempty"`

	// tool_call
	CallID    string          `json:"call_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`

	// tool_result / error
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Validate rejects frames that name a known type but are missing the
// fields that type requires.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeRegister:
		if m.DeploymentID == "" {
			return fmt.Errorf("register without deployment_id")
		}
	case TypeToolCall:
		if m.CallID == "" || m.ToolName == "" {
			return fmt.Errorf("tool_call without call_id or tool_name")
		}
	case TypeToolResult:
		if m.CallID == "" {
			return fmt.Errorf("tool_result without call_id")
		}
	case TypeRegistered, TypeHeartbeat, TypeHeartbeatAck, TypeError:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
