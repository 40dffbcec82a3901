// Package packet defines the wire envelopes exchanged between clients,
// the relay, and application plugin connections. The relay never
// interprets a command's action or options; it only routes the envelope
// and correlates responses by sender ID.
package packet

// Envelope type constants. One envelope struct covers every message on
// the wire; Type selects which fields are meaningful.
const (
	TypeRegister             = "register"
	TypeRegistrationResponse = "registration_response"
	TypeCommandPacket        = "command_packet"
	TypeCommandResponse      = "command_packet_response"
	TypePacketResponse       = "packet_response"
)

// Response status values.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Command is the opaque work description forwarded to an application.
type Command struct {
	Action  string         `json:"action"`
	Options map[string]any `json:"options,omitempty"`
}

// Response is the result packet produced by an application (or
// synthesized by the relay for routing/timeout/disconnect failures).
type Response struct {
	SenderID       string         `json:"senderId"`
	Status         string         `json:"status"`
	Response       map[string]any `json:"response,omitempty"`
	Message        string         `json:"message,omitempty"`
	ActiveDocument string         `json:"activeDocument,omitempty"`
}

// OK reports whether the packet carries a success status.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// Failure builds a relay-synthesized failure packet for the given
// request. Used for the three relay-level errors (not connected,
// timeout, disconnected); application failures arrive pre-built.
func Failure(senderID, message string) Response {
	return Response{
		SenderID: senderID,
		Status:   StatusFailure,
		Message:  message,
	}
}

// Envelope is the framing for every WebSocket message.
type Envelope struct {
	Type string `json:"type"`

	// register / command_packet (client → relay)
	Application string `json:"application,omitempty"`

	// command_packet (relay → application): correlation token
	SenderID string `json:"senderId,omitempty"`

	Command *Command `json:"command,omitempty"`

	// command_packet_response / packet_response
	Packet *Response `json:"packet,omitempty"`

	// registration_response
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}
