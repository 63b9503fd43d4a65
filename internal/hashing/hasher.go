package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"otp-auth-service/internal/config"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const (
	algorithm   = "argon2id"
	hashVersion = 1
	otpContext  = "otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Hasher struct {
	params         Argon2Params
	peppers        map[int]string
	currentVersion int
	mu             sync.RWMutex
}

type HashResult struct {
	Hash          string
	Salt          string
	PepperVersion int
	Params        Argon2Params
}

func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	if _, ok := cfg.Peppers[cfg.CurrentPepper]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPepper, cfg.CurrentPepper)
	}

	peppers := make(map[int]string, len(cfg.Peppers))
	for v, p := range cfg.Peppers {
		peppers[v] = p
	}

	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Argon2MemoryCost),
			Iterations:  uint32(cfg.Argon2TimeCost),
			Parallelism: uint8(cfg.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		peppers:        peppers,
		currentVersion: cfg.CurrentPepper,
	}, nil
}

// RotatePepper makes version the pepper for new hashes. Older versions stay
// available for verification.
func (h *Hasher) RotatePepper(version int, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peppers[version] = value
	h.currentVersion = version
}

// HashOTP returns the encoded argon2id hash of a code.
func (h *Hasher) HashOTP(otp string) (string, error) {
	result, err := h.hashWithPepper(otp, otpContext)
	if err != nil {
		return "", err
	}
	return result.Encode(), nil
}

// VerifyOTP checks otp against an encoded hash produced by HashOTP.
func (h *Hasher) VerifyOTP(otp, encoded string) (bool, error) {
	result, err := ParseHashResult(encoded)
	if err != nil {
		return false, err
	}
	return h.verifyWithPepper(otp, result, otpContext)
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	h.mu.RLock()
	version := h.currentVersion
	pepper := h.peppers[version]
	params := h.params
	h.mu.RUnlock()

	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(data+pepper+context),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawStdEncoding.EncodeToString(hash),
		Salt:          base64.RawStdEncoding.EncodeToString(salt),
		PepperVersion: version,
		Params:        params,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, result *HashResult, context string) (bool, error) {
	h.mu.RLock()
	pepper, ok := h.peppers[result.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, result.PepperVersion)
	}

	salt, err := base64.RawStdEncoding.DecodeString(result.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(result.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+context),
		salt,
		result.Params.Iterations,
		result.Params.Memory,
		result.Params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// Encode renders the result as
// argon2id$v=1$pv=<pepper>$m=<mem>,t=<iter>,p=<par>$<salt>$<hash>.
func (r *HashResult) Encode() string {
	return fmt.Sprintf("%s$v=%d$pv=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithm, hashVersion, r.PepperVersion,
		r.Params.Memory, r.Params.Iterations, r.Params.Parallelism,
		r.Salt, r.Hash)
}

func ParseHashResult(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != algorithm {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return nil, ErrInvalidHash
	}
	if version != hashVersion {
		return nil, ErrIncompatibleVersion
	}

	pv, ok := strings.CutPrefix(parts[2], "pv=")
	if !ok {
		return nil, ErrInvalidHash
	}
	pepperVersion, err := strconv.Atoi(pv)
	if err != nil {
		return nil, ErrInvalidHash
	}

	var params Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return nil, ErrInvalidHash
	}
	if params.Iterations == 0 || params.Parallelism == 0 {
		return nil, ErrInvalidHash
	}

	return &HashResult{
		Hash:          parts[5],
		Salt:          parts[4],
		PepperVersion: pepperVersion,
		Params:        params,
	}, nil
}
