package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrExpired           = errors.New("code expired")
	ErrAttemptsExhausted = errors.New("maximum verification attempts exceeded")
	ErrInvalidCode       = errors.New("invalid code")
	ErrDeliveryFailed    = errors.New("failed to deliver code")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInternal          = errors.New("internal error")
)

// InvalidCodeError reports a wrong code together with the attempts left.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	if e.Remaining <= 0 {
		return "invalid code, no attempts remaining: request a new code"
	}
	return fmt.Sprintf("invalid code, %d attempts remaining", e.Remaining)
}

func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrInvalidCode
}
