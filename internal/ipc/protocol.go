// Package ipc implements the control socket: a unix stream socket
// carrying length-prefixed CBOR messages. Lease file descriptors are
// transferred out-of-band with SCM_RIGHTS.
package ipc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageType discriminates control messages.
type MessageType string

const (
	TypeStatus       MessageType = "status"
	TypeOutputs      MessageType = "outputs"
	TypeRescan       MessageType = "rescan"
	TypeLeaseRequest MessageType = "lease-request"
	TypeLeaseRelease MessageType = "lease-release"

	TypeOK         MessageType = "ok"
	TypeError      MessageType = "error"
	TypeLeaseGrant MessageType = "lease-grant"
)

// Message is the wire envelope. Payload is a nested CBOR document
// whose shape depends on Type.
type Message struct {
	Type    MessageType `cbor:"type"`
	Payload []byte      `cbor:"payload,omitempty"`
}

// StatusReply describes the daemon's device state.
type StatusReply struct {
	DevicePath   string `cbor:"device_path"`
	Atomic       bool   `cbor:"atomic"`
	Outputs      int    `cbor:"outputs"`
	LeaseOutputs int    `cbor:"lease_outputs"`
	ActiveLeases int    `cbor:"active_leases"`
}

// OutputInfo describes one logical output.
type OutputInfo struct {
	Name       string `cbor:"name"`
	Enabled    bool   `cbor:"enabled"`
	Width      uint16 `cbor:"width"`
	Height     uint16 `cbor:"height"`
	RefreshMHz uint32 `cbor:"refresh_mhz"`
	NonDesktop bool   `cbor:"non_desktop"`
	Leased     bool   `cbor:"leased"`
}

// OutputsReply lists all outputs, desktop and lease-eligible.
type OutputsReply struct {
	Outputs []OutputInfo `cbor:"outputs"`
}

// LeaseRequest asks for an exclusive lease over the named non-desktop
// connectors.
type LeaseRequest struct {
	Connectors []string `cbor:"connectors"`
}

// LeaseGrant is the reply to a granted lease; the lease fd follows
// out-of-band.
type LeaseGrant struct {
	LesseeID uint32 `cbor:"lessee_id"`
}

// LeaseRelease revokes a previously granted lease.
type LeaseRelease struct {
	LesseeID uint32 `cbor:"lessee_id"`
}

// ErrorReply carries a request failure.
type ErrorReply struct {
	Message string `cbor:"message"`
}

// NewMessage builds an envelope with an encoded payload.
func NewMessage(typ MessageType, payload interface{}) (*Message, error) {
	msg := &Message{Type: typ}
	if payload != nil {
		data, err := cbor.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// NewErrorMessage builds an error reply.
func NewErrorMessage(format string, args ...interface{}) *Message {
	msg, _ := NewMessage(TypeError, &ErrorReply{Message: fmt.Sprintf(format, args...)})
	return msg
}

// DecodePayload decodes the envelope's payload into out.
func DecodePayload(msg *Message, out interface{}) error {
	if err := cbor.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}

// ReplyError extracts the error text from an error reply, or a
// placeholder if the payload is mangled.
func ReplyError(msg *Message) error {
	var reply ErrorReply
	if err := DecodePayload(msg, &reply); err != nil {
		return fmt.Errorf("request failed")
	}
	return fmt.Errorf("%s", reply.Message)
}
