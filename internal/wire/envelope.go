package wire

// CurrentSchemaVersion is the schema version this build emits.
// MaxSupportedSchemaVersion is the highest version this build can
// decode; a frame claiming a higher version is rejected with a
// *DecodeError whose Reason is ReasonUnsupportedVersion per spec §4.1.
const (
	CurrentSchemaVersion     uint16 = 1
	MaxSupportedSchemaVersion uint16 = 1
)

// Kind tags which payload variant an Envelope carries.
type Kind string

const (
	KindHandshakeRequest  Kind = "handshake_request"
	KindHandshakeResponse Kind = "handshake_response"
	KindHeartbeat         Kind = "heartbeat"
	KindCommandRequest    Kind = "command_request"
	KindCommandResponse   Kind = "command_response"
	KindEvent             Kind = "event"
	KindError             Kind = "error"
)

// Envelope is the wire-level unit (spec §3). MessageID is unique per
// connection (used for idempotency of retries); TraceID propagates
// verbatim across the causally-linked chain of messages the core
// emits in response to an inbound one.
//
// Unknown carries any top-level fields this build did not recognize
// at decode time, keyed by field name. Re-encoding an Envelope
// forwards them unchanged — the core never mutates fields it does
// not understand.
type Envelope struct {
	SchemaVersion uint16
	MessageID     string
	TraceID       string
	Kind          Kind
	Payload       rawMessage
	Signature     []byte // optional; verification is a pluggable policy hook at ingress (spec §9)

	Unknown map[string]rawMessage
}

// HandshakeRequest is the first frame a connecting instance must
// send. Capabilities declares what command_name values this
// instance can service; it is authoritative over the BotDefinition's
// advisory declared_capabilities (spec §3 Instance).
type HandshakeRequest struct {
	SchemaVersion uint16   `cbor:"schema_version"`
	BotID         string   `cbor:"bot_id"`
	InstanceID    string   `cbor:"instance_id"`
	AuthToken     string   `cbor:"auth_token"`
	Capabilities  []string `cbor:"capabilities"`
}

// HandshakeStatus is the outcome reported in a HandshakeResponse.
type HandshakeStatus string

const (
	HandshakeSuccess    HandshakeStatus = "SUCCESS"
	HandshakeAuthFailed HandshakeStatus = "AUTH_FAILED"
)

// HandshakeResponse is the first frame the core sends on a
// connection. IssuedAPIKey is populated only when the handshake
// consumed a one-time token (spec §6); all other successful
// responses omit it.
type HandshakeResponse struct {
	Status            HandshakeStatus `cbor:"status"`
	HeartbeatInterval int64           `cbor:"heartbeat_interval,omitempty"`
	IssuedAPIKey      string          `cbor:"issued_api_key,omitempty"`
	Reason            string          `cbor:"reason,omitempty"`
}

// Heartbeat is the liveness signal an Active instance must send more
// often than 3x its heartbeat_interval.
type Heartbeat struct {
	SentAt int64 `cbor:"sent_at"` // unix seconds, instance-supplied, advisory only
}

// CommandRequest targets a single instance, correlated by CommandID.
// Arguments is an opaque blob (the admin API passes the JSON request body
// through unchanged), carried as a CBOR byte string.
type CommandRequest struct {
	CommandID   string `cbor:"command_id"`
	CommandName string `cbor:"command_name"`
	Arguments   []byte `cbor:"arguments,omitempty"`
}

// CommandStatus is the outcome an instance reports for a command.
type CommandStatus string

const (
	CommandSuccess         CommandStatus = "SUCCESS"
	CommandExecutionError  CommandStatus = "EXECUTION_ERROR"
	CommandInvalidArgument CommandStatus = "INVALID_ARGUMENTS"
)

// CommandResponse correlates back to a CommandRequest by CommandID.
// Result is an opaque blob carried as a CBOR byte string.
type CommandResponse struct {
	CommandID string        `cbor:"command_id"`
	Status    CommandStatus `cbor:"status"`
	Result    []byte        `cbor:"result,omitempty"`
	Error     string        `cbor:"error,omitempty"`
}

// Event is an unsolicited notification sent by an instance.
type Event struct {
	Name    string     `cbor:"name"`
	Payload rawMessage `cbor:"payload,omitempty"`
}

// ErrorPayload is carried in an Envelope of Kind KindError.
type ErrorPayload struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}
