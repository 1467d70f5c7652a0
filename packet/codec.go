package packet

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// Frame is a decoded frame. Body is the sealed payload, which aliases the decoded buffer.
type Frame struct {
	Opcode Opcode
	Nonce  byte
	Length int
	Header []byte
	Body   []byte
}

// Codec frames sealed payloads and parses frames.
// It never decrypts; the sealed size rules come from the cipher it was created with.
//
// Codec is safe for concurrent use.
type Codec struct {
	sealedSize     func(int) int
	maxPayloadSize int
}

// NewCodec returns a codec for frames sealed by c that fit in maxPacketSize bytes.
func NewCodec(c Cipher, maxPacketSize int) (*Codec, error) {
	maxPayloadSize := min(c.MaxPayloadSize(maxPacketSize-HeaderSize), math.MaxUint16)
	if maxPayloadSize <= 0 {
		return nil, fmt.Errorf("max packet size %d leaves no room for payload", maxPacketSize)
	}
	return &Codec{
		sealedSize:     c.SealedSize,
		maxPayloadSize: maxPayloadSize,
	}, nil
}

// MaxPayloadSize returns the maximum plaintext payload length of a single frame.
func (c *Codec) MaxPayloadSize() int {
	return c.maxPayloadSize
}

// FrameSize returns the size of a frame carrying a payload of the given length.
func (c *Codec) FrameSize(payloadLength int) int {
	return HeaderSize + c.sealedSize(payloadLength)
}

// AppendHeader appends a frame header to b and returns the extended buffer.
func (c *Codec) AppendHeader(b []byte, op Opcode, nonce byte, payloadLength int) ([]byte, error) {
	if payloadLength < 0 {
		return b, &FrameError{ErrLengthMismatch, fmt.Sprintf("negative payload length %d", payloadLength)}
	}
	if payloadLength > c.maxPayloadSize {
		return b, &FrameError{ErrPayloadTooLarge, fmt.Sprintf("payload length %d exceeds %d", payloadLength, c.maxPayloadSize)}
	}
	if !op.IsValid() {
		return b, &FrameError{ErrUnknownOpcode, op.String()}
	}
	b, header := extend(b, HeaderSize)
	header[0] = Magic
	header[1] = Version
	header[2] = byte(op)
	header[3] = nonce
	binary.BigEndian.PutUint16(header[4:], uint16(payloadLength))
	return b, nil
}

// Encode appends a complete frame to b. sealed must be the cipher output for a payload of payloadLength bytes.
func (c *Codec) Encode(b []byte, op Opcode, nonce byte, payloadLength int, sealed []byte) ([]byte, error) {
	if payloadLength < 0 {
		return b, &FrameError{ErrLengthMismatch, fmt.Sprintf("negative payload length %d", payloadLength)}
	}
	if payloadLength <= c.maxPayloadSize && len(sealed) != c.sealedSize(payloadLength) {
		return b, &FrameError{ErrLengthMismatch, fmt.Sprintf("sealed length %d, expected %d", len(sealed), c.sealedSize(payloadLength))}
	}
	b, err := c.AppendHeader(b, op, nonce, payloadLength)
	if err != nil {
		return b, err
	}
	return append(b, sealed...), nil
}

// Decode parses a frame without copying.
func (c *Codec) Decode(frame []byte) (Frame, error) {
	if len(frame) < HeaderSize {
		return Frame{}, &FrameError{ErrFrameTooShort, fmt.Sprintf("frame length %d", len(frame))}
	}
	if frame[0] != Magic || frame[1] != Version {
		return Frame{}, &FrameError{ErrBadMagic, fmt.Sprintf("got %#02x %#02x", frame[0], frame[1])}
	}

	op := Opcode(frame[2])
	if !op.IsValid() {
		return Frame{}, &FrameError{ErrUnknownOpcode, op.String()}
	}

	length := int(binary.BigEndian.Uint16(frame[4:HeaderSize]))
	if length > c.maxPayloadSize {
		return Frame{}, &FrameError{ErrPayloadTooLarge, fmt.Sprintf("declared length %d exceeds %d", length, c.maxPayloadSize)}
	}

	body := frame[HeaderSize:]
	if expected := c.sealedSize(length); len(body) != expected {
		return Frame{}, &FrameError{ErrLengthMismatch, fmt.Sprintf("declared length %d needs %d bytes, got %d", length, expected, len(body))}
	}

	return Frame{
		Opcode: op,
		Nonce:  frame[3],
		Length: length,
		Header: frame[:HeaderSize],
		Body:   body,
	}, nil
}

// extend grows b by n bytes and returns the grown slice and its new tail.
// It only allocates when b lacks the capacity.
func extend(b []byte, n int) (head, tail []byte) {
	head = slices.Grow(b, n)[:len(b)+n]
	return head, head[len(b):]
}
