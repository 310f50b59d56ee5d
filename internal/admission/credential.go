// Package admission implements the HTTP admission layer of spec §4.9 (C9):
// constant-time credential verification, per-remote-address rate limiting,
// correlation ID assignment, and webhook signature verification.
package admission

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params tunes the memory-hard KDF used to hash credentials at rest
// (spec §4.9: "memory-hard KDF with random salt per credential").
type argon2Params struct {
	Time       uint32
	Memory     uint32
	Threads    uint8
	KeyLength  uint32
	SaltLength uint32
}

var defaultArgon2Params = argon2Params{
	Time:       1,
	Memory:     64 * 1024,
	Threads:    4,
	KeyLength:  32,
	SaltLength: 16,
}

// HashCredential encodes a plaintext credential as a self-describing
// argon2id digest; the plaintext is never retained.
func HashCredential(plaintext string) (string, error) {
	p := defaultArgon2Params
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Threads, p.KeyLength)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		p.Time, p.Memory, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyCredential reports whether plaintext matches encoded, comparing the
// computed digest in constant time (P10) so response latency never leaks
// how much of the credential was correct.
func VerifyCredential(plaintext, encoded string) (bool, error) {
	parsed, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(plaintext), parsed.salt, parsed.params.Time, parsed.params.Memory, parsed.params.Threads, uint32(len(parsed.hash)))
	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

type decodedArgon2 struct {
	params argon2Params
	salt   []byte
	hash   []byte
}

func decodeArgon2(encoded string) (decodedArgon2, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return decodedArgon2{}, fmt.Errorf("invalid credential digest format")
	}
	t, err := parseUint32(parts[1])
	if err != nil {
		return decodedArgon2{}, fmt.Errorf("invalid time parameter: %w", err)
	}
	m, err := parseUint32(parts[2])
	if err != nil {
		return decodedArgon2{}, fmt.Errorf("invalid memory parameter: %w", err)
	}
	threads, err := parseUint32(parts[3])
	if err != nil || threads == 0 || threads > 255 {
		return decodedArgon2{}, fmt.Errorf("invalid threads parameter")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return decodedArgon2{}, fmt.Errorf("decode salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return decodedArgon2{}, fmt.Errorf("decode hash: %w", err)
	}
	return decodedArgon2{
		params: argon2Params{Time: t, Memory: m, Threads: uint8(threads), KeyLength: uint32(len(hash)), SaltLength: uint32(len(salt))},
		salt:   salt,
		hash:   hash,
	}, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
