package model

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned by stores when an id-scoped operation targets
// a record that does not exist.
var (
	ErrRecordNotFound = errors.New("otp record not found")
	// ErrRecordConsumed is returned by Consume when the record is already used.
	ErrRecordConsumed = errors.New("otp record already consumed")
)

// -------------------- OTP RECORD --------------------
type OTPRecord struct {
	ID        string    `json:"id" db:"id"`
	SubjectID string    `json:"subject_id" db:"subject_id"`
	Phone     string    `json:"phone" db:"phone"`
	CodeHash  string    `json:"-" db:"code_hash"` // never the plaintext code
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Attempts  int       `json:"attempts" db:"attempts"`
	Used      bool      `json:"used" db:"used"`
	IPAddress string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string    `json:"user_agent,omitempty" db:"user_agent"`
}

// -------------------- SUBJECT --------------------
type Subject struct {
	ID        string `json:"id" db:"id"`
	Phone     string `json:"phone" db:"phone"`
	Status    string `json:"status" db:"status"`
	Role      string `json:"role,omitempty" db:"role"`
	Email     string `json:"email,omitempty" db:"email"`
	FirstName string `json:"first_name,omitempty" db:"first_name"`
	LastName  string `json:"last_name,omitempty" db:"last_name"`
	Password  string `json:"-" db:"password"`
}

const SubjectStatusActive = "active"

func (s *Subject) IsActive() bool {
	return s.Status == SubjectStatusActive
}

// Sanitized returns a copy without secret material.
func (s *Subject) Sanitized() *Subject {
	c := *s
	c.Password = ""
	return &c
}

// -------------------- SESSIONS & TOKENS --------------------
type Session struct {
	ID        string    `json:"id" db:"id"`
	TokenHash string    `json:"-" db:"token_hash"`
	SubjectID string    `json:"subject_id" db:"subject_id"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	IPAddress string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string    `json:"user_agent,omitempty" db:"user_agent"`
	Origin    string    `json:"origin,omitempty" db:"origin"`
}

// SessionMeta is request provenance recorded on a new session.
type SessionMeta struct {
	IPAddress string
	UserAgent string
	Origin    string
}

type TokenPair struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    time.Duration `json:"-"`
}

// AccessClaims is what a verified access token tells about its bearer.
type AccessClaims struct {
	SubjectID string
	Role      string
	SessionID string
	ExpiresAt time.Time
}

// -------------------- REPOSITORY INTERFACES --------------------

// OTPStore persists OTP records keyed by phone or record id.
type OTPStore interface {
	Create(ctx context.Context, record *OTPRecord) (string, error)
	InvalidateAllForPhone(ctx context.Context, phone string) error
	// LatestUnusedByPhone returns (nil, nil) when the phone has no unused record.
	LatestUnusedByPhone(ctx context.Context, phone string) (*OTPRecord, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	// Consume marks an unused record used and gives back the attempt the
	// accepting verify reserved. It fails with ErrRecordConsumed when another
	// caller got there first.
	Consume(ctx context.Context, id string) error
	// MarkUsed invalidates a record unconditionally and is idempotent.
	MarkUsed(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

// AtomicIssuer is implemented by stores that can invalidate a phone's
// previous records and create a new one as a single unit.
type AtomicIssuer interface {
	Issue(ctx context.Context, record *OTPRecord) (string, error)
}

// IdentityStore is a read-only view over the existing user directory.
// Lookups return (nil, nil) when no subject matches.
type IdentityStore interface {
	FindSubjectByPhone(ctx context.Context, phone string) (*Subject, error)
	FindSubjectByID(ctx context.Context, id string) (*Subject, error)
}

// SessionStore persists refresh sessions for the session token strategy.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	// GetSession returns (nil, nil) for unknown or expired sessions.
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// -------------------- COLLABORATORS --------------------

// DeliveryGateway sends a message to a phone and reports whether the carrier accepted it.
type DeliveryGateway interface {
	Send(ctx context.Context, phone, message string) (bool, error)
}

// TokenIssuer mints credentials for a verified subject and validates them later.
type TokenIssuer interface {
	IssueSession(ctx context.Context, subject *Subject, meta SessionMeta) (*TokenPair, error)
	VerifyAccess(ctx context.Context, token string) (*AccessClaims, error)
}
