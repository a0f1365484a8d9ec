// Package wire implements the length-prefixed event framing shared by the
// Unix-domain IPC channel and the TCP mesh. One Frame is one indivisible
// unit on the wire: a fixed header followed by exactly header.Length bytes
// of body.
package wire

import "errors"

// ProtocolVersion is the framing version this build speaks. A peer
// advertising a higher version is incompatible and must be dropped.
const ProtocolVersion = 1

// MaxPacketSize bounds a single frame's body, in bytes.
const MaxPacketSize = 64 * 1024

// HeaderSize is the fixed, on-the-wire size of a Frame header:
// version(1) + type(2) + code(2) + length(4) + selection(2) + timestamp(8).
const HeaderSize = 1 + 2 + 2 + 4 + 2 + 8

// Type is the event's category.
type Type uint16

const (
	TypeHostCheck    Type = 1
	TypeServiceCheck Type = 2
	TypeNotification Type = 3
	TypeCtrl         Type = 4
	TypeGeneric      Type = 5
)

// Control event codes, meaningful when Type == TypeCtrl.
type Code uint16

const (
	CodeNone     Code = 0
	CtrlActive   Code = 1
	CtrlInactive Code = 2
	CtrlPaths    Code = 3
	CtrlResume   Code = 4
	CtrlGeneric  Code = 5

	// MagicNoNet marks an event that must never be forwarded to the
	// mesh (router rule 4 in spec §4.5): purely local bookkeeping.
	MagicNoNet Code = 0xffff
)

// Frame is one event: header plus body.
type Frame struct {
	Version   uint8
	Type      Type
	Code      Code
	Selection uint16
	Timestamp uint64
	Body      []byte
}

// Length is the wire length of Body, as carried in the header.
func (f Frame) Length() uint32 {
	return uint32(len(f.Body))
}

// Errors returned by Encode/Decode, per spec §4.1.
var (
	// ErrOversizedBody is returned when a frame's body is too large: at or
	// over MaxPacketSize.
	ErrOversizedBody = errors.New("wire: frame too large, body at or over max packet size")

	// ErrUnsupportedProtocol is returned when a header advertises a
	// protocol version newer than this build understands.
	ErrUnsupportedProtocol = errors.New("wire: unsupported protocol version")
)
