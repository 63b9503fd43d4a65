package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/events"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/otp"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

const maxUserAgentLength = 255

// Deps are the collaborators of OTPService. Events may be nil.
type Deps struct {
	Store     model.OTPStore
	Identity  model.IdentityStore
	Gateway   model.DeliveryGateway
	Tokens    model.TokenIssuer
	Events    events.Publisher
	Generator *otp.Generator
	Config    config.OTPConfig
	// MessageTemplate takes the code (%s) and the expiry in minutes (%d).
	MessageTemplate string
	Logger          *zap.Logger
}

type RequestOTPInput struct {
	Phone     string
	IPAddress string
	UserAgent string
}

type RequestOTPResult struct {
	Message   string
	ExpiresAt time.Time
}

type VerifyOTPInput struct {
	Phone     string
	Code      string
	IPAddress string
	UserAgent string
	Origin    string
}

type VerifyOTPResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// OTPService drives the request and verify flows over an OTPStore.
type OTPService struct {
	store     model.OTPStore
	identity  model.IdentityStore
	gateway   model.DeliveryGateway
	tokens    model.TokenIssuer
	events    events.Publisher
	generator *otp.Generator
	cfg       config.OTPConfig
	template  string
	logger    *zap.Logger
}

func NewOTPService(d Deps) (*OTPService, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("otp store is required")
	case d.Identity == nil:
		return nil, errors.New("identity store is required")
	case d.Gateway == nil:
		return nil, errors.New("delivery gateway is required")
	case d.Tokens == nil:
		return nil, errors.New("token issuer is required")
	case d.Generator == nil:
		return nil, errors.New("code generator is required")
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = util.Get()
	}
	if d.Config.MaxAttempts <= 0 {
		d.Config.MaxAttempts = 3
	}
	if d.Config.ExpiryMinutes <= 0 {
		d.Config.ExpiryMinutes = 5
	}
	if d.MessageTemplate == "" {
		d.MessageTemplate = "Your verification code is: %s\n\nThis code expires in %d minutes."
	}
	return &OTPService{
		store:     d.Store,
		identity:  d.Identity,
		gateway:   d.Gateway,
		tokens:    d.Tokens,
		events:    d.Events,
		generator: d.Generator,
		cfg:       d.Config,
		template:  d.MessageTemplate,
		logger:    d.Logger,
	}, nil
}

// RequestOTP issues a fresh code for an eligible subject and sends it by SMS.
// Any code previously issued to the phone stops being accepted.
func (s *OTPService) RequestOTP(ctx context.Context, in RequestOTPInput) (*RequestOTPResult, error) {
	startTime := time.Now()

	phone := util.NormalizePhone(in.Phone)
	if !util.IsValidPhone(phone) {
		return nil, fmt.Errorf("%w: invalid phone number format", ErrInvalidInput)
	}
	phoneHash := util.HashPhone(phone)

	subject, err := s.identity.FindSubjectByPhone(ctx, phone)
	if err != nil {
		return nil, s.internal("subject lookup failed", err, util.String("phone_hash", phoneHash))
	}
	if err := s.checkEligible(subject); err != nil {
		s.logger.Info("OTP requested for ineligible phone",
			util.String("phone_hash", phoneHash),
			util.ErrorField(err))
		return nil, err
	}

	code, err := s.generator.GenerateCode()
	if err != nil {
		return nil, s.internal("code generation failed", err)
	}
	codeHash, err := s.generator.HashCode(code)
	if err != nil {
		return nil, s.internal("code hashing failed", err)
	}

	now := s.generator.Now()
	record := &model.OTPRecord{
		SubjectID: subject.ID,
		Phone:     phone,
		CodeHash:  codeHash,
		CreatedAt: now,
		ExpiresAt: s.generator.ExpirationTimestamp(now, s.cfg.ExpiryMinutes),
		IPAddress: in.IPAddress,
		UserAgent: util.TruncateInput(strings.TrimSpace(in.UserAgent), maxUserAgentLength),
	}

	recordID, err := s.issue(ctx, record)
	if err != nil {
		return nil, s.internal("otp issue failed", err, util.String("phone_hash", phoneHash))
	}

	event := events.Event{
		Phone:     phone,
		PhoneHash: phoneHash,
		SubjectID: subject.ID,
		RecordID:  recordID,
		IPAddress: in.IPAddress,
		UserAgent: record.UserAgent,
	}

	delivered, sendErr := s.gateway.Send(ctx, phone, fmt.Sprintf(s.template, code, s.cfg.ExpiryMinutes))
	if sendErr != nil || !delivered {
		s.logger.Warn("OTP delivery failed",
			util.String("phone_hash", phoneHash),
			util.String("record_id", recordID),
			util.ErrorField(sendErr))
		if s.cfg.InvalidateOnDeliveryFailure {
			if err := s.store.MarkUsed(ctx, recordID); err != nil {
				s.logger.Warn("Failed to invalidate undelivered code",
					util.String("record_id", recordID),
					util.ErrorField(err))
			}
		}
		event.Type = events.OTPDeliveryFailed
		if sendErr != nil {
			event.Reason = sendErr.Error()
		}
		s.events.Publish(ctx, event)
		return nil, fmt.Errorf("%w: please try again", ErrDeliveryFailed)
	}

	event.Type = events.OTPRequested
	s.events.Publish(ctx, event)

	s.logger.Info("OTP issued",
		util.String("phone_hash", phoneHash),
		util.String("record_id", recordID),
		util.String("subject_id", subject.ID),
		util.Duration("duration", time.Since(startTime)))

	return &RequestOTPResult{
		Message:   "Verification code sent",
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// VerifyOTP checks code against the newest unused record for the phone and
// on success consumes it and issues tokens.
func (s *OTPService) VerifyOTP(ctx context.Context, in VerifyOTPInput) (*VerifyOTPResult, error) {
	phone := util.NormalizePhone(in.Phone)
	code := strings.TrimSpace(in.Code)
	if !util.IsValidPhone(phone) {
		return nil, fmt.Errorf("%w: invalid phone number format", ErrInvalidInput)
	}
	if !util.IsValidCode(code) {
		return nil, fmt.Errorf("%w: code must be 6 digits", ErrInvalidInput)
	}
	phoneHash := util.HashPhone(phone)

	record, err := s.store.LatestUnusedByPhone(ctx, phone)
	if err != nil {
		return nil, s.internal("otp lookup failed", err, util.String("phone_hash", phoneHash))
	}
	if record == nil {
		return nil, fmt.Errorf("%w: no active code for this phone number", ErrNotFound)
	}

	event := events.Event{
		Phone:     phone,
		PhoneHash: phoneHash,
		SubjectID: record.SubjectID,
		RecordID:  record.ID,
		IPAddress: in.IPAddress,
		UserAgent: util.TruncateInput(strings.TrimSpace(in.UserAgent), maxUserAgentLength),
	}

	if s.generator.IsExpired(record.ExpiresAt) {
		event.Type, event.Reason = events.OTPVerifyFailed, "expired"
		s.events.Publish(ctx, event)
		return nil, fmt.Errorf("%w: request a new code", ErrExpired)
	}
	if record.Attempts >= s.cfg.MaxAttempts {
		event.Type, event.Reason = events.OTPExhausted, "attempts_exhausted"
		s.events.Publish(ctx, event)
		return nil, fmt.Errorf("%w: request a new code", ErrAttemptsExhausted)
	}

	// Each comparison holds one attempt slot; a match gives its slot back.
	attempts, err := s.store.IncrementAttempts(ctx, record.ID)
	if errors.Is(err, model.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no active code for this phone number", ErrNotFound)
	}
	if err != nil {
		return nil, s.internal("attempt increment failed", err, util.String("record_id", record.ID))
	}
	if attempts > s.cfg.MaxAttempts {
		event.Type, event.Reason = events.OTPExhausted, "attempts_exhausted"
		s.events.Publish(ctx, event)
		return nil, fmt.Errorf("%w: request a new code", ErrAttemptsExhausted)
	}

	if !s.generator.VerifyCode(code, record.CodeHash) {
		remaining := max(s.cfg.MaxAttempts-attempts, 0)

		event.Type, event.Reason, event.Remaining = events.OTPVerifyFailed, "invalid_code", remaining
		if remaining == 0 {
			event.Type = events.OTPExhausted
		}
		s.events.Publish(ctx, event)

		s.logger.Info("OTP verification failed",
			util.String("phone_hash", phoneHash),
			util.String("record_id", record.ID),
			util.Int("attempts", attempts))
		return nil, &InvalidCodeError{Remaining: remaining}
	}

	if err := s.store.Consume(ctx, record.ID); err != nil {
		if errors.Is(err, model.ErrRecordConsumed) || errors.Is(err, model.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no active code for this phone number", ErrNotFound)
		}
		return nil, s.internal("otp consume failed", err, util.String("record_id", record.ID))
	}

	subject, err := s.identity.FindSubjectByID(ctx, record.SubjectID)
	if err != nil {
		return nil, s.internal("subject lookup failed", err, util.String("subject_id", record.SubjectID))
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: account no longer exists", ErrNotFound)
	}
	if !s.authorized(subject) {
		return nil, fmt.Errorf("%w: account is not allowed to sign in", ErrForbidden)
	}

	pair, err := s.tokens.IssueSession(ctx, subject, model.SessionMeta{
		IPAddress: in.IPAddress,
		UserAgent: event.UserAgent,
		Origin:    in.Origin,
	})
	if err != nil {
		return nil, s.internal("token issue failed", err, util.String("subject_id", subject.ID))
	}

	if removed, err := s.store.CleanupExpired(ctx, s.generator.Now()); err != nil {
		s.logger.Warn("Expired OTP cleanup failed", util.ErrorField(err))
	} else if removed > 0 {
		s.logger.Debug("Expired OTPs removed", util.Int64("removed", removed))
	}

	event.Type = events.OTPVerified
	s.events.Publish(ctx, event)

	s.logger.Info("OTP verified",
		util.String("phone_hash", phoneHash),
		util.String("record_id", record.ID),
		util.String("subject_id", subject.ID))

	return &VerifyOTPResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}, nil
}

// GetProfile resolves an access token to the subject it was issued for.
func (s *OTPService) GetProfile(ctx context.Context, accessToken string) (*model.Subject, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrUnauthorized)
	}

	claims, err := s.tokens.VerifyAccess(ctx, accessToken)
	if errors.Is(err, token.ErrInvalidToken) {
		return nil, fmt.Errorf("%w: invalid or expired access token", ErrUnauthorized)
	}
	if err != nil {
		return nil, s.internal("access token verification failed", err)
	}

	subject, err := s.identity.FindSubjectByID(ctx, claims.SubjectID)
	if err != nil {
		return nil, s.internal("subject lookup failed", err, util.String("subject_id", claims.SubjectID))
	}
	if subject == nil {
		return nil, fmt.Errorf("%w: account no longer exists", ErrNotFound)
	}
	return subject.Sanitized(), nil
}

func (s *OTPService) issue(ctx context.Context, record *model.OTPRecord) (string, error) {
	if issuer, ok := s.store.(model.AtomicIssuer); ok {
		return issuer.Issue(ctx, record)
	}
	if err := s.store.InvalidateAllForPhone(ctx, record.Phone); err != nil {
		return "", err
	}
	return s.store.Create(ctx, record)
}

func (s *OTPService) checkEligible(subject *model.Subject) error {
	if subject != nil && s.authorized(subject) {
		return nil
	}
	if s.cfg.CollapseLookupErrors {
		return fmt.Errorf("%w: no eligible account for this phone number", ErrNotFound)
	}
	if subject == nil {
		return fmt.Errorf("%w: no account for this phone number", ErrNotFound)
	}
	return fmt.Errorf("%w: account is not allowed to sign in", ErrForbidden)
}

func (s *OTPService) authorized(subject *model.Subject) bool {
	if !subject.IsActive() || subject.Role == "" {
		return false
	}
	return len(s.cfg.AllowedRoles) == 0 || slices.Contains(s.cfg.AllowedRoles, subject.Role)
}

func (s *OTPService) internal(op string, err error, fields ...zap.Field) error {
	util.CaptureError(op, err, fields...)
	return fmt.Errorf("%w: %s", ErrInternal, op)
}
