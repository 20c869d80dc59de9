// Package crypto seals exchange credentials at rest. Sealed values look
// like ENC[v2]:base64(nonce|ciphertext) and are opened with the key of the
// version they name, so keys can rotate without re-sealing every file at
// once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	// KeySize is the AES-256 key length.
	KeySize   = 32
	nonceSize = 12
	prefix    = "ENC[v"
)

var (
	ErrInvalidKey     = errors.New("crypto: key must be 32 bytes")
	ErrInvalidSealed  = errors.New("crypto: malformed sealed value")
	ErrUnknownVersion = errors.New("crypto: no key for version")
	ErrOpenFailed     = errors.New("crypto: authentication failed")
)

// Keyring holds every key version that may still appear in sealed values.
// New values are sealed with the current version.
type Keyring struct {
	keys    map[int]cipher.AEAD
	current int
}

// NewKeyring builds a keyring. current must be one of the versions in keys.
func NewKeyring(current int, keys map[int][]byte) (*Keyring, error) {
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownVersion, current)
	}
	kr := &Keyring{keys: make(map[int]cipher.AEAD, len(keys)), current: current}
	for v, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("%w (version %d)", ErrInvalidKey, v)
		}
		block, err := aes.NewCipher(k)
		if err != nil {
			return nil, fmt.Errorf("crypto: cipher v%d: %w", v, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: gcm v%d: %w", v, err)
		}
		kr.keys[v] = gcm
	}
	return kr, nil
}

// ParseKeys reads "1:base64key,2:base64key" into a version map and returns
// the highest version as current.
func ParseKeys(raw string) (map[int][]byte, int, error) {
	keys := make(map[int][]byte)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ver, enc, ok := strings.Cut(part, ":")
		if !ok {
			return nil, 0, fmt.Errorf("crypto: key entry %q: want version:base64", part)
		}
		v, err := strconv.Atoi(ver)
		if err != nil || v < 1 {
			return nil, 0, fmt.Errorf("crypto: key entry %q: bad version", part)
		}
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, 0, fmt.Errorf("crypto: key v%d: %w", v, err)
		}
		keys[v] = raw
	}
	if len(keys) == 0 {
		return nil, 0, errors.New("crypto: no keys")
	}
	versions := make([]int, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return keys, versions[len(versions)-1], nil
}

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool { return strings.HasPrefix(s, prefix) }

// Version extracts the key version of a sealed value, or 0.
func Version(s string) int {
	v, _, err := split(s)
	if err != nil {
		return 0
	}
	return v
}

func split(s string) (int, string, error) {
	if !IsSealed(s) {
		return 0, "", ErrInvalidSealed
	}
	head, body, ok := strings.Cut(s[len(prefix):], "]:")
	if !ok {
		return 0, "", ErrInvalidSealed
	}
	v, err := strconv.Atoi(head)
	if err != nil || v < 1 {
		return 0, "", ErrInvalidSealed
	}
	return v, body, nil
}

// Seal encrypts plaintext with the current key.
func (k *Keyring) Seal(plaintext string) (string, error) {
	gcm := k.keys[k.current]
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	data := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", prefix, k.current, base64.StdEncoding.EncodeToString(data)), nil
}

// Open decrypts a sealed value. Values without the prefix are returned as
// they are.
func (k *Keyring) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	v, body, err := split(value)
	if err != nil {
		return "", err
	}
	gcm, ok := k.keys[v]
	if !ok {
		return "", fmt.Errorf("%w %d", ErrUnknownVersion, v)
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil || len(data) < nonceSize {
		return "", ErrInvalidSealed
	}
	plain, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// Reseal opens value and seals it again under the current version. Values
// already on the current version are returned unchanged.
func (k *Keyring) Reseal(value string) (string, error) {
	if IsSealed(value) && Version(value) == k.current {
		return value, nil
	}
	plain, err := k.Open(value)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}

// Current is the version new values are sealed with.
func (k *Keyring) Current() int { return k.current }

// GenerateKey returns a random base64 key suitable for SECRETS_KEYS.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
