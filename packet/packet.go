// Package packet contains the wire format of mvtun frames, the ciphers that seal frame payloads,
// and the handler that combines the two.
package packet

import (
	"errors"
	"fmt"
)

// Opcode identifies the semantic type of a frame.
type Opcode byte

const (
	OpcodeData Opcode = iota + 1
	OpcodeEchoRequest
	OpcodeEchoReply
	OpcodeRouteAdvertise
	OpcodeRouteAck
	OpcodeDisconnect
)

// IsValid returns whether op is a known opcode.
func (op Opcode) IsValid() bool {
	return op >= OpcodeData && op <= OpcodeDisconnect
}

// String returns the name of the opcode.
func (op Opcode) String() string {
	switch op {
	case OpcodeData:
		return "Data"
	case OpcodeEchoRequest:
		return "EchoRequest"
	case OpcodeEchoReply:
		return "EchoReply"
	case OpcodeRouteAdvertise:
		return "RouteAdvertise"
	case OpcodeRouteAck:
		return "RouteAck"
	case OpcodeDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(op))
	}
}

const (
	// Magic is the first byte of every frame.
	Magic = 0x6D

	// Version is the protocol version carried in the second byte of every frame.
	Version = 1

	// HeaderSize is the size of the plaintext frame header.
	//
	//	magic (1) + version (1) + opcode (1) + nonce (1) + payload length (2)
	HeaderSize = 6

	// TagSize is the size of the integrity tag.
	TagSize = 4
)

// Used to calculate max packet size from MTU.
const (
	IPv4HeaderLength = 20
	IPv6HeaderLength = 40
	UDPHeaderLength  = 8
)

// MaxPacketSizeFromMTU returns the maximum UDP payload size for the given path MTU.
func MaxPacketSizeFromMTU(mtu int, is4 bool) int {
	if is4 {
		return mtu - IPv4HeaderLength - UDPHeaderLength
	}
	return mtu - IPv6HeaderLength - UDPHeaderLength
}

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrBadMagic         = errors.New("bad magic or version")
	ErrUnknownOpcode    = errors.New("unknown opcode")
	ErrLengthMismatch   = errors.New("length mismatch")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrIntegrityFailure = errors.New("integrity check failed")
)

// FrameError describes why a frame was rejected.
type FrameError struct {
	Err     error
	Message string
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func (e *FrameError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Message
}
