package hashing

import (
	"strings"
	"testing"

	"otp-auth-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           map[int]string{1: "pepper-one"},
		CurrentPepper:     1,
	})
	require.NoError(t, err)
	return h
}

func TestHashOTPRoundTrip(t *testing.T) {
	h := testHasher(t)

	encoded, err := h.HashOTP("482913")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "argon2id$v=1$pv=1$m=1024,t=1,p=1$"))
	assert.NotContains(t, encoded, "482913")

	ok, err := h.VerifyOTP("482913", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("482914", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashOTPIsSalted(t *testing.T) {
	h := testHasher(t)

	a, err := h.HashOTP("111111")
	require.NoError(t, err)
	b, err := h.HashOTP("111111")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRotatePepperKeepsOldHashesVerifiable(t *testing.T) {
	h := testHasher(t)

	old, err := h.HashOTP("654321")
	require.NoError(t, err)

	h.RotatePepper(2, "pepper-two")
	fresh, err := h.HashOTP("654321")
	require.NoError(t, err)
	assert.Contains(t, fresh, "$pv=2$")

	for _, encoded := range []string{old, fresh} {
		ok, err := h.VerifyOTP("654321", encoded)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestVerifyUnknownPepper(t *testing.T) {
	h := testHasher(t)
	encoded, err := h.HashOTP("123456")
	require.NoError(t, err)

	other, err := NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           map[int]string{7: "x"},
		CurrentPepper:     7,
	})
	require.NoError(t, err)

	_, err = other.VerifyOTP("123456", encoded)
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestParseHashResultRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"",
		"bcrypt$2a$10$abc",
		"argon2id$v=2$pv=1$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"argon2id$v=1$1$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"argon2id$v=1$pv=1$m=1,t=0,p=1$c2FsdA$aGFzaA",
	} {
		_, err := ParseHashResult(in)
		assert.Error(t, err, in)
	}
}

func TestNewHasherRequiresCurrentPepper(t *testing.T) {
	_, err := NewHasher(config.HashingConfig{Peppers: map[int]string{}, CurrentPepper: 1})
	assert.ErrorIs(t, err, ErrUnknownPepper)
}
