// Package ipc carries the AuraDrive service contract over a Unix socket.
//
// The protocol is designed for:
//   - Request/response calls correlated by request ID
//   - One-way callback frames pushed from the service
//   - JSON or CBOR payloads selected per frame
//   - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x41555244 // "AURD"

	// Descriptor names the interface exchanged in the handshake.
	Descriptor = "dev.aurakai.auraframefx.ipc.IAuraDriveService"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Service operations (0x01xx). The low byte follows the order of the
	// service interface.
	MsgGetServiceVersion    MessageType = 0x0100
	MsgRegisterCallback     MessageType = 0x0101
	MsgUnregisterCallback   MessageType = 0x0102
	MsgExecuteCommand       MessageType = 0x0103
	MsgToggleModule         MessageType = 0x0104
	MsgGetOracleDriveStatus MessageType = 0x0105
	MsgGetDetailedStatus    MessageType = 0x0106
	MsgGetDiagnosticsLog    MessageType = 0x0107
	MsgGetSystemInfo        MessageType = 0x0108
	MsgUpdateConfiguration  MessageType = 0x0109
	MsgSubscribeEvents      MessageType = 0x010A
	MsgUnsubscribeEvents    MessageType = 0x010B
	MsgImportFile           MessageType = 0x010C
	MsgExportFile           MessageType = 0x010D
	MsgVerifyFile           MessageType = 0x010E

	// One-way callback push (0x02xx)
	MsgCallback MessageType = 0x0200
)

var messageNames = map[MessageType]string{
	MsgPing:                 "ping",
	MsgPong:                 "pong",
	MsgHandshake:            "handshake",
	MsgHandshakeAck:         "handshake_ack",
	MsgError:                "error",
	MsgGetServiceVersion:    "get_service_version",
	MsgRegisterCallback:     "register_callback",
	MsgUnregisterCallback:   "unregister_callback",
	MsgExecuteCommand:       "execute_command",
	MsgToggleModule:         "toggle_module",
	MsgGetOracleDriveStatus: "get_oracle_drive_status",
	MsgGetDetailedStatus:    "get_detailed_internal_status",
	MsgGetDiagnosticsLog:    "get_internal_diagnostics_log",
	MsgGetSystemInfo:        "get_system_info",
	MsgUpdateConfiguration:  "update_configuration",
	MsgSubscribeEvents:      "subscribe_to_events",
	MsgUnsubscribeEvents:    "unsubscribe_from_events",
	MsgImportFile:           "import_file",
	MsgExportFile:           "export_file",
	MsgVerifyFile:           "verify_file_integrity",
	MsgCallback:             "callback",
}

func (t MessageType) String() string {
	if n, ok := messageNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Mutating reports whether t changes service state and therefore needs
// read-write permission.
func (t MessageType) Mutating() bool {
	switch t {
	case MsgExecuteCommand, MsgToggleModule, MsgUpdateConfiguration,
		MsgImportFile, MsgExportFile:
		return true
	}
	return false
}

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

func (p PermissionLevel) String() string {
	switch p {
	case PermReadOnly:
		return "read-only"
	case PermReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("perm(%d)", uint8(p))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// MaxPayload bounds a single frame.
const MaxPayload = 64 * 1024 * 1024

// Header flags
const (
	FlagJSON  uint8 = 0x04
	FlagCBOR  uint8 = 0x20
	FlagReply uint8 = 0x40
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type, codec flag and payload.
func NewMessage(msgType MessageType, requestID uint32, flags uint8, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     flags,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// IsReply reports whether m answers a request.
func (m *Message) IsReply() bool {
	return m.Header.Flags&FlagReply != 0
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes header and payload in one call so concurrent writers
// holding the connection lock never interleave partial frames.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Header.Magic)
	buf[4] = m.Header.Version
	buf[5] = m.Header.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(m.Header.Type))
	binary.BigEndian.PutUint32(buf[8:12], m.Header.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	Descriptor      string `json:"descriptor" cbor:"descriptor"`
	ClientName      string `json:"client_name" cbor:"client_name"`
	ClientVersion   string `json:"client_version" cbor:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version" cbor:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	Descriptor      string          `json:"descriptor" cbor:"descriptor"`
	ServerVersion   string          `json:"server_version" cbor:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version" cbor:"protocol_version"`
	ClientID        string          `json:"client_id" cbor:"client_id"`
	Permission      PermissionLevel `json:"permission" cbor:"permission"`
}

// ErrorResponse is sent when a request cannot be processed at all.
// Business failures are carried in the reply's Reason instead.
type ErrorResponse struct {
	Code    int    `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// Error codes
const (
	ErrCodeUnknown          = 1
	ErrCodeInvalidRequest   = 2
	ErrCodeRateLimited      = 3
	ErrCodeHandshake        = 4
	ErrCodeInternal         = 5
	ErrCodeNotImplemented   = 6
	ErrCodeServiceClosed    = 7
	ErrCodeTooManyConnected = 8
)

// Reasons attached to empty or false replies.
const (
	ReasonNotFound          = "not_found"
	ReasonAccessDenied      = "access_denied"
	ReasonIOFailure         = "io_failure"
	ReasonIntegrityMismatch = "integrity_mismatch"
	ReasonInvalid           = "invalid"
	ReasonStorage           = "storage"
	ReasonNotRegistered     = "not_registered"
	ReasonUnavailable       = "unavailable"
)

// Empty is the payload of requests without arguments.
type Empty struct{}

// StringReply carries a string result and, on failure, a reason.
type StringReply struct {
	Value  string `json:"value" cbor:"value"`
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// BoolReply carries a bool result and, on failure, a reason.
type BoolReply struct {
	Value  bool   `json:"value" cbor:"value"`
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// VoidReply acknowledges a void call. OK is false when the call had no
// effect, e.g. subscribing without a registered callback.
type VoidReply struct {
	OK     bool   `json:"ok" cbor:"ok"`
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// ExecuteCommandRequest runs a named command.
type ExecuteCommandRequest struct {
	Name   string         `json:"name" cbor:"name"`
	Params map[string]any `json:"params,omitempty" cbor:"params,omitempty"`
}

// ToggleModuleRequest enables or disables a module package.
type ToggleModuleRequest struct {
	Package string `json:"package" cbor:"package"`
	Enable  bool   `json:"enable" cbor:"enable"`
}

// UpdateConfigurationRequest applies runtime configuration keys.
type UpdateConfigurationRequest struct {
	Config map[string]any `json:"config" cbor:"config"`
}

// MaskRequest subscribes or unsubscribes event categories.
type MaskRequest struct {
	Mask uint32 `json:"mask" cbor:"mask"`
}

// ImportFileRequest imports the content addressed by Locator.
type ImportFileRequest struct {
	Locator string `json:"locator" cbor:"locator"`
}

// ExportFileRequest writes a stored file to Destination.
type ExportFileRequest struct {
	FileID      string `json:"file_id" cbor:"file_id"`
	Destination string `json:"destination" cbor:"destination"`
}

// VerifyFileRequest re-verifies a stored file.
type VerifyFileRequest struct {
	FileID string `json:"file_id" cbor:"file_id"`
}

// Callback method names carried in CallbackFrame.Method.
const (
	MethodConnected          = "on_connected"
	MethodDisconnected       = "on_disconnected"
	MethodStatusUpdate       = "on_status_update"
	MethodError              = "on_error"
	MethodDataReceived       = "on_data_received"
	MethodEvent              = "on_event"
	MethodModuleStateChanged = "on_module_state_changed"
	MethodSystemEvent        = "on_system_event"
	MethodServiceEvent       = "on_service_event"
)

// CallbackFrame is the payload of MsgCallback. Only the fields of Method
// are set.
type CallbackFrame struct {
	Method   string `json:"method" cbor:"method"`
	Code     int    `json:"code,omitempty" cbor:"code,omitempty"`
	Type     int    `json:"type,omitempty" cbor:"type,omitempty"`
	Reason   string `json:"reason,omitempty" cbor:"reason,omitempty"`
	Status   string `json:"status,omitempty" cbor:"status,omitempty"`
	Message  string `json:"message,omitempty" cbor:"message,omitempty"`
	DataType string `json:"data_type,omitempty" cbor:"data_type,omitempty"`
	Data     []byte `json:"data,omitempty" cbor:"data,omitempty"`
	Package  string `json:"package,omitempty" cbor:"package,omitempty"`
	Enabled  bool   `json:"enabled,omitempty" cbor:"enabled,omitempty"`
}
