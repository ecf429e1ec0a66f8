// Package vault seals short secrets at rest with AES-256-GCM.
//
// Sealed values are JSON documents carrying the nonce, ciphertext, and
// authentication tag as independent base64 fields. Callers store them as
// opaque strings.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	keyHexLength = 64
	nonceSize    = 12
	tagSize      = 16
)

var (
	// ErrInvalidArgument reports unusable caller input such as an empty plaintext or a malformed key.
	ErrInvalidArgument = errors.New("vault: invalid argument")
	// ErrMalformedPayload reports a sealed value that cannot be split into nonce, ciphertext, and tag.
	ErrMalformedPayload = errors.New("vault: malformed payload")
	// ErrAuthenticationFailure reports a tag mismatch: tampered data, a wrong key, or a wrong nonce.
	ErrAuthenticationFailure = errors.New("vault: authentication failure")
)

type payload struct {
	Nonce      string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"authTag"`
}

// Encrypt seals plaintext with the 32-byte key given as 64 hex characters.
// Every call draws a fresh random nonce.
func Encrypt(plaintext string, keyHex string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: plaintext must not be empty", ErrInvalidArgument)
	}
	aead, err := newAEAD(keyHex)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce generation failed: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - tagSize

	encoded, err := json.Marshal(payload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
	})
	if err != nil {
		return "", fmt.Errorf("vault: encode payload: %w", err)
	}
	return string(encoded), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(sealed string, keyHex string) (string, error) {
	aead, err := newAEAD(keyHex)
	if err != nil {
		return "", err
	}

	nonce, ciphertext, tag, err := parsePayload(sealed)
	if err != nil {
		return "", err
	}

	combined := make([]byte, 0, len(ciphertext)+len(tag))
	combined = append(combined, ciphertext...)
	combined = append(combined, tag...)

	plaintext, err := aead.Open(nil, nonce, combined, nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	return string(plaintext), nil
}

// ValidateKey reports whether keyHex is usable as a master key.
func ValidateKey(keyHex string) error {
	_, err := decodeKey(keyHex)
	return err
}

func newAEAD(keyHex string) (cipher.AEAD, error) {
	key, err := decodeKey(keyHex)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return cipher.NewGCM(block)
}

func decodeKey(keyHex string) ([]byte, error) {
	if len(keyHex) != keyHexLength {
		return nil, fmt.Errorf("%w: key must be %d hex characters, got %d", ErrInvalidArgument, keyHexLength, len(keyHex))
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not hex encoded", ErrInvalidArgument)
	}
	return key, nil
}

func parsePayload(sealed string) (nonce, ciphertext, tag []byte, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(sealed), &fields); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if nonce, err = decodeField(fields, "iv"); err != nil {
		return nil, nil, nil, err
	}
	if ciphertext, err = decodeField(fields, "ciphertext"); err != nil {
		return nil, nil, nil, err
	}
	if tag, err = decodeField(fields, "authTag"); err != nil {
		return nil, nil, nil, err
	}

	if len(nonce) != nonceSize {
		return nil, nil, nil, fmt.Errorf("%w: nonce must be %d bytes", ErrMalformedPayload, nonceSize)
	}
	if len(tag) != tagSize {
		return nil, nil, nil, fmt.Errorf("%w: tag must be %d bytes", ErrMalformedPayload, tagSize)
	}
	return nonce, ciphertext, tag, nil
}

// decodeField requires name to be present as a JSON string holding base64.
func decodeField(fields map[string]json.RawMessage, name string) ([]byte, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, name)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: %s is not a string", ErrMalformedPayload, name)
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64", ErrMalformedPayload, name)
	}
	return decoded, nil
}
