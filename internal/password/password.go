// Package password hashes and verifies operator credentials with argon2id.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned for strings that are not PHC-formatted argon2id hashes.
var ErrInvalidHash = errors.New("invalid password hash")

// Params are the argon2id cost parameters encoded into every hash.
type Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultParams is used by Hash.
var DefaultParams = Params{Memory: 64 * 1024, Time: 3, Threads: 2, KeyLen: 32, SaltLen: 16}

// Hash returns an argon2id hash of password using DefaultParams.
func Hash(password string) (string, error) {
	return HashWithParams(password, DefaultParams)
}

// HashWithParams returns "$argon2id$v=19$m=…,t=…,p=…$salt$key".
func HashWithParams(password string, p Params) (string, error) {
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 || p.KeyLen == 0 || p.SaltLen <= 0 {
		return "", fmt.Errorf("argon2 params must be positive")
	}
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches the encoded hash.
func Verify(password, hash string) (bool, error) {
	p, salt, expected, err := decode(hash)
	if err != nil {
		return false, err
	}
	actual := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

func decode(hash string) (Params, []byte, []byte, error) {
	parts := strings.Split(strings.TrimSpace(hash), "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}

	version, ok := cutInt(parts[2], "v=")
	if !ok || version != argon2.Version {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var p Params
	fields := strings.Split(parts[3], ",")
	if len(fields) != 3 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	mem, okM := cutInt(fields[0], "m=")
	timeCost, okT := cutInt(fields[1], "t=")
	threads, okP := cutInt(fields[2], "p=")
	if !okM || !okT || !okP || mem <= 0 || timeCost <= 0 || threads <= 0 || threads > 255 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	p.Memory, p.Time, p.Threads = uint32(mem), uint32(timeCost), uint8(threads)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	p.SaltLen, p.KeyLen = len(salt), uint32(len(key))
	return p, salt, key, nil
}

func cutInt(value, prefix string) (int64, bool) {
	raw, found := strings.CutPrefix(value, prefix)
	if !found {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n > 1<<32-1 {
		return 0, false
	}
	return n, true
}
