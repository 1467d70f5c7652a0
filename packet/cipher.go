package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"golang.org/x/crypto/hkdf"
)

// CipherKind selects how frame payloads are sealed.
type CipherKind string

const (
	CipherKindPlain  CipherKind = "plain"
	CipherKindAES128 CipherKind = "aes-128"
	CipherKindAES256 CipherKind = "aes-256"
)

// MinPassphraseLength is the minimum length of a passphrase for encrypted cipher kinds.
const MinPassphraseLength = 8

var (
	ErrUnknownCipherKind  = errors.New("unknown cipher kind")
	ErrPassphraseTooShort = fmt.Errorf("passphrase must be at least %d bytes", MinPassphraseLength)
)

// KeySize returns the derived key size of the cipher kind, or 0 for plain.
func (k CipherKind) KeySize() int {
	switch k {
	case CipherKindAES128:
		return 16
	case CipherKindAES256:
		return 32
	default:
		return 0
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (k CipherKind) MarshalText() ([]byte, error) {
	return []byte(k), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *CipherKind) UnmarshalText(text []byte) error {
	switch kind := CipherKind(text); kind {
	case "", CipherKindPlain:
		*k = CipherKindPlain
	case CipherKindAES128, CipherKindAES256:
		*k = kind
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCipherKind, text)
	}
	return nil
}

// Cipher seals and opens frame payloads.
//
// The header of the frame is passed as additional data and bound into the integrity tag.
// Implementations are immutable and safe for concurrent use.
type Cipher interface {
	// Kind returns the cipher kind.
	Kind() CipherKind

	// SealedSize returns the size of the sealed output for a plaintext of n bytes.
	SealedSize(n int) int

	// MaxPayloadSize returns the largest plaintext whose sealed output fits in size bytes.
	MaxPayloadSize(size int) int

	// Seal appends the sealed plaintext to dst and returns the extended buffer.
	Seal(dst, header, plaintext []byte) ([]byte, error)

	// Open appends the opened plaintext to dst and returns the extended buffer.
	// Any failure is reported as [ErrIntegrityFailure].
	Open(dst, header, sealed []byte) ([]byte, error)
}

// NewCipher returns a cipher of the given kind with its key derived from passphrase.
func NewCipher(kind CipherKind, passphrase string) (Cipher, error) {
	switch kind {
	case "", CipherKindPlain:
		return plainCipher{}, nil
	case CipherKindAES128, CipherKindAES256:
		if len(passphrase) < MinPassphraseLength {
			return nil, ErrPassphraseTooShort
		}
		key, err := DeriveKey(passphrase, kind.KeySize())
		if err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return &cbcCipher{kind: kind, block: block}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipherKind, kind)
	}
}

var (
	keyDerivationSalt = []byte("mvtun-go key derivation salt")
	keyDerivationInfo = []byte("mvtun-go frame payload key")
)

// DeriveKey derives a key of size bytes from passphrase using HKDF-SHA256.
// The result depends only on the passphrase and size.
func DeriveKey(passphrase string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), keyDerivationSalt, keyDerivationInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(header, plaintext []byte) uint32 {
	return crc32.Update(crc32.Update(0, castagnoliTable, header), castagnoliTable, plaintext)
}

type plainCipher struct{}

func (plainCipher) Kind() CipherKind {
	return CipherKindPlain
}

func (plainCipher) SealedSize(n int) int {
	return n + TagSize
}

func (plainCipher) MaxPayloadSize(size int) int {
	return size - TagSize
}

func (plainCipher) Seal(dst, header, plaintext []byte) ([]byte, error) {
	sum := checksum(header, plaintext)
	dst = append(dst, plaintext...)
	return binary.BigEndian.AppendUint32(dst, sum), nil
}

func (plainCipher) Open(dst, header, sealed []byte) ([]byte, error) {
	if len(sealed) < TagSize {
		return dst, ErrIntegrityFailure
	}
	plaintext := sealed[:len(sealed)-TagSize]
	if checksum(header, plaintext) != binary.BigEndian.Uint32(sealed[len(plaintext):]) {
		return dst, ErrIntegrityFailure
	}
	return append(dst, plaintext...), nil
}

// cbcCipher seals payloads as IV || AES-CBC(PKCS#7(plaintext || tag)).
type cbcCipher struct {
	kind  CipherKind
	block cipher.Block
}

func (c *cbcCipher) Kind() CipherKind {
	return c.kind
}

func paddedSize(n int) int {
	return (n+TagSize)/aes.BlockSize*aes.BlockSize + aes.BlockSize
}

func (c *cbcCipher) SealedSize(n int) int {
	return aes.BlockSize + paddedSize(n)
}

func (c *cbcCipher) MaxPayloadSize(size int) int {
	blocks := (size - aes.BlockSize) / aes.BlockSize
	if blocks <= 0 {
		return 0
	}
	return blocks*aes.BlockSize - TagSize - 1
}

func (c *cbcCipher) Seal(dst, header, plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	padded := paddedSize(n)
	sum := checksum(header, plaintext)

	head, tail := extend(dst, aes.BlockSize+padded)
	iv, body := tail[:aes.BlockSize], tail[aes.BlockSize:]
	if _, err := rand.Read(iv); err != nil {
		return dst, err
	}

	copy(body, plaintext)
	binary.BigEndian.PutUint32(body[n:], sum)
	padLen := byte(padded - n - TagSize)
	for i := n + TagSize; i < padded; i++ {
		body[i] = padLen
	}

	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(body, body)
	return head, nil
}

func (c *cbcCipher) Open(dst, header, sealed []byte) ([]byte, error) {
	if len(sealed) < 2*aes.BlockSize || len(sealed)%aes.BlockSize != 0 {
		return dst, ErrIntegrityFailure
	}
	iv, ciphertext := sealed[:aes.BlockSize], sealed[aes.BlockSize:]

	head, body := extend(dst, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(body, ciphertext)

	padLen := int(body[len(body)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(body)-TagSize {
		return dst, ErrIntegrityFailure
	}
	for _, b := range body[len(body)-padLen:] {
		if int(b) != padLen {
			return dst, ErrIntegrityFailure
		}
	}

	n := len(body) - padLen - TagSize
	if checksum(header, body[:n]) != binary.BigEndian.Uint32(body[n:]) {
		return dst, ErrIntegrityFailure
	}
	return head[:len(dst)+n], nil
}
