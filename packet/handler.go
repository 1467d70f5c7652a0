package packet

import (
	"fmt"
	"math/rand/v2"
)

// Handler seals payloads into frames and opens frames into payloads.
//
// Handler is safe for concurrent use.
type Handler struct {
	codec  *Codec
	cipher Cipher
}

// NewHandler returns a handler for the given cipher kind and passphrase,
// producing frames no larger than maxPacketSize.
func NewHandler(kind CipherKind, passphrase string, maxPacketSize int) (*Handler, error) {
	c, err := NewCipher(kind, passphrase)
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(c, maxPacketSize)
	if err != nil {
		return nil, err
	}
	return &Handler{codec: codec, cipher: c}, nil
}

// Codec returns the handler's codec.
func (h *Handler) Codec() *Codec {
	return h.codec
}

// Cipher returns the handler's cipher.
func (h *Handler) Cipher() Cipher {
	return h.cipher
}

// MaxPayloadSize returns the maximum payload length accepted by Seal.
func (h *Handler) MaxPayloadSize() int {
	return h.codec.maxPayloadSize
}

// Seal appends a frame carrying payload to dst and returns the extended buffer.
func (h *Handler) Seal(dst []byte, op Opcode, payload []byte) ([]byte, error) {
	b, err := h.codec.AppendHeader(dst, op, byte(rand.Uint32()), len(payload))
	if err != nil {
		return dst, err
	}
	b, err = h.cipher.Seal(b, b[len(dst):], payload)
	if err != nil {
		return dst, err
	}
	return b, nil
}

// Open decodes frame, appends the opened payload to dst, and returns the opcode and the payload.
// The returned error is a [*FrameError] when the frame is rejected.
func (h *Handler) Open(dst, frame []byte) (Opcode, []byte, error) {
	f, err := h.codec.Decode(frame)
	if err != nil {
		return 0, nil, err
	}

	b, err := h.cipher.Open(dst, f.Header, f.Body)
	if err != nil {
		return 0, nil, &FrameError{err, f.Opcode.String()}
	}

	payload := b[len(dst):]
	if len(payload) != f.Length {
		return 0, nil, &FrameError{ErrLengthMismatch, fmt.Sprintf("declared length %d, opened %d", f.Length, len(payload))}
	}
	return f.Opcode, payload, nil
}
