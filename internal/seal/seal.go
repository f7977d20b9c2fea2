// Package seal implements the authenticated symmetric token format used for
// every encrypted layer: a version byte, a big-endian issue timestamp, a
// random IV, AES-128-CBC ciphertext and an HMAC-SHA256 over all of it,
// rendered as URL-safe base64. The format is byte-compatible with Fernet.
package seal

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// KeySize is the required key length: 16 bytes of signing key followed by
// 16 bytes of encryption key.
const KeySize = 32

const (
	version      byte = 0x80
	headerSize        = 1 + 8 + aes.BlockSize
	macSize           = sha256.Size
	minTokenSize      = headerSize + aes.BlockSize + macSize

	// maxClockSkew bounds how far in the future a token's timestamp may be
	// when a TTL is enforced.
	maxClockSkew = 60 * time.Second
)

var (
	// ErrKeySize is returned when a key is not exactly KeySize bytes.
	ErrKeySize = errors.New("seal: key must be 32 bytes")

	// ErrInvalidToken is returned for every open failure, whether the
	// token is badly encoded, tampered with, expired or sealed under a
	// different key.
	ErrInvalidToken = errors.New("seal: invalid token")
)

// Sealer seals and opens tokens with an injectable clock and randomness
// source. The zero value uses time.Now and crypto/rand.
type Sealer struct {
	Now  func() time.Time
	Rand io.Reader
}

var std Sealer

// Seal encrypts plaintext under key using the package's default Sealer.
func Seal(key, plaintext []byte) ([]byte, error) {
	return std.Seal(key, plaintext)
}

// Open authenticates and decrypts token under key, ignoring its age.
func Open(key, token []byte) ([]byte, error) {
	return std.Open(key, token)
}

// OpenWithTTL is Open but also rejects tokens older than ttl.
func OpenWithTTL(key, token []byte, ttl time.Duration) ([]byte, error) {
	return std.OpenWithTTL(key, token, ttl)
}

func (s Sealer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sealer) rand() io.Reader {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.Reader
}

// Seal encrypts plaintext under key and returns the encoded token.
func (s Sealer) Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	signingKey, encryptionKey := key[:16], key[16:]

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("seal: create cipher: %w", err)
	}

	padded := pad(plaintext)
	raw := make([]byte, headerSize+len(padded), headerSize+len(padded)+macSize)
	raw[0] = version
	binary.BigEndian.PutUint64(raw[1:9], uint64(s.now().Unix()))
	iv := raw[9:headerSize]
	if _, err := io.ReadFull(s.rand(), iv); err != nil {
		return nil, fmt.Errorf("seal: generate iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(raw[headerSize:], padded)
	clear(padded)

	raw = append(raw, sign(signingKey, raw)...)

	token := make([]byte, base64.URLEncoding.EncodedLen(len(raw)))
	base64.URLEncoding.Encode(token, raw)
	return token, nil
}

// Open authenticates and decrypts token under key.
func (s Sealer) Open(key, token []byte) ([]byte, error) {
	return s.open(key, token, 0)
}

// OpenWithTTL authenticates and decrypts token, rejecting it if it was
// issued more than ttl ago or implausibly far in the future.
func (s Sealer) OpenWithTTL(key, token []byte, ttl time.Duration) ([]byte, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("seal: ttl must be positive, got %s", ttl)
	}
	return s.open(key, token, ttl)
}

func (s Sealer) open(key, token []byte, ttl time.Duration) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	signingKey, encryptionKey := key[:16], key[16:]

	raw := make([]byte, base64.URLEncoding.DecodedLen(len(token)))
	n, err := base64.URLEncoding.Decode(raw, bytes.TrimSpace(token))
	if err != nil {
		return nil, ErrInvalidToken
	}
	raw = raw[:n]

	if len(raw) < minTokenSize || raw[0] != version || (len(raw)-headerSize-macSize)%aes.BlockSize != 0 {
		return nil, ErrInvalidToken
	}

	if ttl > 0 {
		issued := time.Unix(int64(binary.BigEndian.Uint64(raw[1:9])), 0)
		now := s.now()
		if issued.Add(ttl).Before(now) || now.Add(maxClockSkew).Before(issued) {
			return nil, ErrInvalidToken
		}
	}

	body, mac := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	if !hmac.Equal(mac, sign(signingKey, body)) {
		return nil, ErrInvalidToken
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("seal: create cipher: %w", err)
	}

	plaintext := make([]byte, len(body)-headerSize)
	cipher.NewCBCDecrypter(block, body[9:headerSize]).CryptBlocks(plaintext, body[headerSize:])

	out, ok := unpad(plaintext)
	if !ok {
		clear(plaintext)
		return nil, ErrInvalidToken
	}
	return out, nil
}

func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// pad applies PKCS#7 padding to a fresh copy of data.
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
