package connections

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var errDecrypt = errors.New("credentials: decryption failed")

// Cipher seals and opens credential maps with NaCl secretbox. The sealed
// blob is nonce || ciphertext.
type Cipher struct {
	key [32]byte
}

// NewCipher builds a cipher from a hex-encoded 32-byte key. When hexKey is
// empty the key is derived from fallbackSecret so small deployments work out
// of the box; set a dedicated key in production.
func NewCipher(hexKey, fallbackSecret string) (*Cipher, error) {
	c := &Cipher{}
	if hexKey == "" {
		c.key = sha256.Sum256([]byte("credential-key:" + fallbackSecret))
		return c, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credential key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(raw))
	}
	copy(c.key[:], raw)
	return c, nil
}

// Seal encrypts a credential map. A nil map seals to nil.
func (c *Cipher) Seal(creds map[string]string) ([]byte, error) {
	if creds == nil {
		return nil, nil
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &c.key), nil
}

// Open decrypts a sealed blob. A nil or empty blob opens to an empty map.
func (c *Cipher) Open(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return map[string]string{}, nil
	}
	if len(blob) < 25 {
		return nil, errDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	plain, ok := secretbox.Open(nil, blob[24:], &nonce, &c.key)
	if !ok {
		return nil, errDecrypt
	}
	var creds map[string]string
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, errDecrypt
	}
	return creds, nil
}
