package util

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

// NormalizePhone trims the number and drops every whitespace rune.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

// IsValidPhone is a loose E.164 shape check on an already normalized number.
func IsValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

func IsValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// HashPhone returns a stable sha256 digest used as the phone's log and index key.
func HashPhone(phone string) string {
	sum := sha256.Sum256([]byte(NormalizePhone(phone)))
	return hex.EncodeToString(sum[:])
}

// TruncateInput cuts s to at most max bytes without splitting a rune.
func TruncateInput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
