package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"otp-auth-service/internal/hashing"
)

const (
	codeMin = 100000
	codeMax = 999999
)

// Clock abstracts the current time so expiry can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Generator produces codes, hashes them, and answers expiry questions.
type Generator struct {
	hasher *hashing.Hasher
	clock  Clock
}

func NewGenerator(hasher *hashing.Hasher, clock Clock) *Generator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Generator{hasher: hasher, clock: clock}
}

// GenerateCode returns a uniformly distributed code in [100000, 999999].
func (g *Generator) GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

func (g *Generator) HashCode(code string) (string, error) {
	return g.hasher.HashOTP(code)
}

// VerifyCode reports whether candidate matches hash. Malformed hashes never match.
func (g *Generator) VerifyCode(candidate, hash string) bool {
	ok, err := g.hasher.VerifyOTP(candidate, hash)
	return err == nil && ok
}

func (g *Generator) ExpirationTimestamp(now time.Time, minutes int) time.Time {
	return now.Add(time.Duration(minutes) * time.Minute)
}

func (g *Generator) IsExpired(expiresAt time.Time) bool {
	return g.clock.Now().After(expiresAt)
}

func (g *Generator) Now() time.Time {
	return g.clock.Now()
}
