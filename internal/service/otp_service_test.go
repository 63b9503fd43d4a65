package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/events"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/otp"
	"otp-auth-service/internal/repository/memory"
	rediscache "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

const testPhone = "+33612345678"

var codeInMessage = regexp.MustCompile(`\d{6}`)

func init() {
	util.SetLogger(zap.NewNop())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu       sync.Mutex
	messages []string
	fail     bool
	err      error
}

func (g *fakeGateway) Send(ctx context.Context, phone, message string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, message)
	if g.err != nil {
		return false, g.err
	}
	return !g.fail, nil
}

func (g *fakeGateway) lastCode(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.messages)
	code := codeInMessage.FindString(g.messages[len(g.messages)-1])
	require.NotEmpty(t, code)
	return code
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc      *OTPService
	store    model.OTPStore
	identity *memory.IdentityStore
	sessions *memory.SessionStore
	gateway  *fakeGateway
	clock    *testClock
	events   *recordingPublisher
}

func newHarness(t *testing.T, store model.OTPStore, mutate func(*config.OTPConfig)) *harness {
	t.Helper()
	h, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           map[int]string{1: "test-pepper"},
		CurrentPepper:     1,
	})
	require.NoError(t, err)

	clock := &testClock{now: time.Now().UTC()}
	identity := memory.NewIdentityStore(
		&model.Subject{ID: "u-1", Phone: testPhone, Status: model.SubjectStatusActive, Role: "member", Email: "a@example.com", Password: "secret"},
		&model.Subject{ID: "u-2", Phone: "+15550000002", Status: "disabled", Role: "member"},
		&model.Subject{ID: "u-3", Phone: "+15550000003", Status: model.SubjectStatusActive, Role: ""},
		&model.Subject{ID: "u-4", Phone: "+15550000004", Status: model.SubjectStatusActive, Role: "admin"},
	)
	sessions := memory.NewSessionStore()
	gateway := &fakeGateway{}
	pub := &recordingPublisher{}

	cfg := config.OTPConfig{ExpiryMinutes: 5, MaxAttempts: 3}
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := NewOTPService(Deps{
		Store:    store,
		Identity: identity,
		Gateway:  gateway,
		Tokens: token.NewSessionIssuer(config.TokenConfig{
			Secret:          "service-test-secret",
			Issuer:          "otp-auth-service",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		}, sessions),
		Events:    pub,
		Generator: otp.NewGenerator(h, clock),
		Config:    cfg,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	return &harness{svc: svc, store: store, identity: identity, sessions: sessions, gateway: gateway, clock: clock, events: pub}
}

func (h *harness) request(t *testing.T, phone string) string {
	t.Helper()
	res, err := h.svc.RequestOTP(context.Background(), RequestOTPInput{Phone: phone, IPAddress: "10.0.0.1", UserAgent: "test-agent"})
	require.NoError(t, err)
	require.NotNil(t, res)
	return h.gateway.lastCode(t)
}

func (h *harness) verify(phone, code string) (*VerifyOTPResult, error) {
	return h.svc.VerifyOTP(context.Background(), VerifyOTPInput{Phone: phone, Code: code, IPAddress: "10.0.0.1", UserAgent: "test-agent"})
}

func wrongCode(code string) string {
	if code == "123456" {
		return "654321"
	}
	return "123456"
}

func TestRequestOTP_Issues(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)

	res, err := h.svc.RequestOTP(context.Background(), RequestOTPInput{Phone: " +33 6 12 34 56 78 ", IPAddress: "10.0.0.1", UserAgent: "<b>agent</b>"})
	require.NoError(t, err)
	code := h.gateway.lastCode(t)
	assert.NotContains(t, res.Message, code)
	assert.Contains(t, h.gateway.messages[0], "expires in 5 minutes")

	rec, err := h.store.LatestUnusedByPhone(context.Background(), testPhone)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "u-1", rec.SubjectID)
	assert.NotEqual(t, code, rec.CodeHash)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, "10.0.0.1", rec.IPAddress)
	assert.Equal(t, "<b>agent</b>", rec.UserAgent)
	assert.WithinDuration(t, h.clock.Now().Add(5*time.Minute), rec.ExpiresAt, time.Second)
	assert.Equal(t, []events.Type{events.OTPRequested}, h.events.types())
}

func TestRequestOTP_InvalidPhone(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	for _, phone := range []string{"", "abc", "+0123", "12345678901234567"} {
		_, err := h.svc.RequestOTP(context.Background(), RequestOTPInput{Phone: phone})
		assert.ErrorIs(t, err, ErrInvalidInput, phone)
	}
	assert.Empty(t, h.gateway.messages)
}

func TestRequestOTP_Eligibility(t *testing.T) {
	mem := memory.NewOTPStore()
	h := newHarness(t, mem, nil)
	ctx := context.Background()

	_, err := h.svc.RequestOTP(ctx, RequestOTPInput{Phone: "+15559999999"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.RequestOTP(ctx, RequestOTPInput{Phone: "+15550000002"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.RequestOTP(ctx, RequestOTPInput{Phone: "+15550000003"})
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Empty(t, h.gateway.messages)
	assert.Zero(t, mem.Len())
}

func TestRequestOTP_AllowedRoles(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), func(c *config.OTPConfig) { c.AllowedRoles = []string{"admin"} })

	_, err := h.svc.RequestOTP(context.Background(), RequestOTPInput{Phone: testPhone})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.RequestOTP(context.Background(), RequestOTPInput{Phone: "+15550000004"})
	assert.NoError(t, err)
}

func TestRequestOTP_CollapsedLookupErrors(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), func(c *config.OTPConfig) { c.CollapseLookupErrors = true })
	ctx := context.Background()

	_, unknown := h.svc.RequestOTP(ctx, RequestOTPInput{Phone: "+15559999999"})
	_, inactive := h.svc.RequestOTP(ctx, RequestOTPInput{Phone: "+15550000002"})
	assert.ErrorIs(t, unknown, ErrNotFound)
	assert.ErrorIs(t, inactive, ErrNotFound)
	assert.Equal(t, unknown.Error(), inactive.Error())
}

func TestRequestOTP_DeliveryFailureKeepsCode(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	h.gateway.fail = true

	_, err := h.svc.RequestOTP(context.Background(), RequestOTPInput{Phone: testPhone})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	code := h.gateway.lastCode(t)

	res, err := h.verify(testPhone, code)
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, []events.Type{events.OTPDeliveryFailed, events.OTPVerified}, h.events.types())
}

func TestRequestOTP_DeliveryFailureInvalidates(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), func(c *config.OTPConfig) { c.InvalidateOnDeliveryFailure = true })
	h.gateway.err = errors.New("carrier rejected")

	_, err := h.svc.RequestOTP(context.Background(), RequestOTPInput{Phone: testPhone})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	code := h.gateway.lastCode(t)

	_, err = h.verify(testPhone, code)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Scenarios A and B.
func TestVerifyOTP_CorrectCode(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	code := h.request(t, testPhone)

	res, err := h.verify(testPhone, " "+code+" ")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Len(t, res.RefreshToken, 64)
	assert.Equal(t, 15*time.Minute, res.ExpiresIn)

	latest, err := h.store.LatestUnusedByPhone(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Nil(t, latest)

	// A consumed code cannot be replayed.
	_, err = h.verify(testPhone, code)
	assert.ErrorIs(t, err, ErrNotFound)

	profile, err := h.svc.GetProfile(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u-1", profile.ID)
	assert.Equal(t, "a@example.com", profile.Email)
	assert.Empty(t, profile.Password)
}

// Scenario C.
func TestVerifyOTP_AttemptsExhausted(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	code := h.request(t, testPhone)
	bad := wrongCode(code)

	for _, want := range []int{2, 1, 0} {
		_, err := h.verify(testPhone, bad)
		require.ErrorIs(t, err, ErrInvalidCode)
		var ice *InvalidCodeError
		require.ErrorAs(t, err, &ice)
		assert.Equal(t, want, ice.Remaining)
	}

	_, err := h.verify(testPhone, code)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Contains(t, h.events.types(), events.OTPExhausted)
}

// Scenario D.
func TestVerifyOTP_Expired(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	code := h.request(t, testPhone)

	h.clock.Advance(5*time.Minute + time.Second)
	_, err := h.verify(testPhone, code)
	assert.ErrorIs(t, err, ErrExpired)
}

// Scenario E.
func TestVerifyOTP_UnknownPhone(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	_, err := h.verify("+15559999999", "123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Scenario F.
func TestVerifyOTP_OnlyNewestCodeAccepted(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	first := h.request(t, testPhone)
	h.clock.Advance(time.Second)
	second := h.request(t, testPhone)
	if first == second {
		t.Skip("both codes collided")
	}

	_, err := h.verify(testPhone, first)
	assert.ErrorIs(t, err, ErrInvalidCode)

	res, err := h.verify(testPhone, second)
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
}

func TestVerifyOTP_InvalidInput(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	for _, tc := range []struct{ phone, code string }{
		{"bad", "123456"},
		{testPhone, "12345"},
		{testPhone, "12345a"},
		{testPhone, ""},
	} {
		_, err := h.verify(tc.phone, tc.code)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestVerifyOTP_SubjectDisabledAfterRequest(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	code := h.request(t, testPhone)
	h.identity.Put(&model.Subject{ID: "u-1", Phone: testPhone, Status: "disabled", Role: "member"})

	_, err := h.verify(testPhone, code)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestVerifyOTP_ConcurrentWrongCodes(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), func(c *config.OTPConfig) { c.MaxAttempts = 50 })
	code := h.request(t, testPhone)
	bad := wrongCode(code)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.verify(testPhone, bad)
			assert.ErrorIs(t, err, ErrInvalidCode)
		}()
	}
	wg.Wait()

	rec, err := h.store.LatestUnusedByPhone(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Equal(t, n, rec.Attempts)
}

func TestGetProfile_Unauthorized(t *testing.T) {
	h := newHarness(t, memory.NewOTPStore(), nil)
	ctx := context.Background()

	_, err := h.svc.GetProfile(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.GetProfile(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)

	code := h.request(t, testPhone)
	res, err := h.verify(testPhone, code)
	require.NoError(t, err)
	claims, err := h.svc.tokens.VerifyAccess(ctx, res.AccessToken)
	require.NoError(t, err)

	h.sessions.Revoke(claims.SessionID)
	_, err = h.svc.GetProfile(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

type failingStore struct{ model.OTPStore }

func (failingStore) LatestUnusedByPhone(ctx context.Context, phone string) (*model.OTPRecord, error) {
	return nil, errors.New("connection refused")
}

func TestVerifyOTP_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t, failingStore{memory.NewOTPStore()}, nil)
	_, err := h.verify(testPhone, "123456")
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotContains(t, err.Error(), "connection refused")
}

type cleanupFailingStore struct{ model.OTPStore }

func (cleanupFailingStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, errors.New("cleanup timed out")
}

func TestVerifyOTP_CleanupFailureStillSucceeds(t *testing.T) {
	h := newHarness(t, cleanupFailingStore{memory.NewOTPStore()}, nil)
	code := h.request(t, testPhone)

	res, err := h.verify(testPhone, code)
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, []events.Type{events.OTPRequested, events.OTPVerified}, h.events.types())
}

// barrierStore holds every LatestUnusedByPhone caller until all of them have
// read, so they all act on the same snapshot of the record.
type barrierStore struct {
	model.OTPStore
	arrived sync.WaitGroup
}

func newBarrierStore(inner model.OTPStore, callers int) *barrierStore {
	b := &barrierStore{OTPStore: inner}
	b.arrived.Add(callers)
	return b
}

func (b *barrierStore) LatestUnusedByPhone(ctx context.Context, phone string) (*model.OTPRecord, error) {
	rec, err := b.OTPStore.LatestUnusedByPhone(ctx, phone)
	b.arrived.Done()
	b.arrived.Wait()
	return rec, err
}

type verifyOutcome struct {
	ok, invalid, exhausted, notFound int
}

func runParallelVerifies(t *testing.T, h *harness, codes []string) verifyOutcome {
	t.Helper()
	var mu sync.Mutex
	var out verifyOutcome
	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, err := h.verify(testPhone, code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out.ok++
			case errors.Is(err, ErrInvalidCode):
				out.invalid++
			case errors.Is(err, ErrAttemptsExhausted):
				out.exhausted++
			case errors.Is(err, ErrNotFound):
				out.notFound++
			default:
				t.Errorf("unexpected verify error: %v", err)
			}
		}(code)
	}
	wg.Wait()
	return out
}

func TestVerifyOTP_ConcurrentCorrectCodeConsumedOnce(t *testing.T) {
	stores := map[string]func(t *testing.T) model.OTPStore{
		"memory": func(t *testing.T) model.OTPStore { return memory.NewOTPStore() },
		"redis":  func(t *testing.T) model.OTPStore { return newRedisStore(t) },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			const callers = 3
			store := newBarrierStore(mk(t), callers)
			h := newHarness(t, store, nil)
			code := h.request(t, testPhone)

			out := runParallelVerifies(t, h, []string{code, code, code})
			assert.Equal(t, 1, out.ok)
			assert.Equal(t, callers-1, out.notFound)
			assert.Equal(t, 1, h.sessions.Len())
		})
	}
}

func TestVerifyOTP_ParallelGuessesRespectAttemptCap(t *testing.T) {
	t.Run("all wrong", func(t *testing.T) {
		store := newBarrierStore(memory.NewOTPStore(), 6)
		h := newHarness(t, store, nil)
		code := h.request(t, testPhone)
		bad := wrongCode(code)

		out := runParallelVerifies(t, h, []string{bad, bad, bad, bad, bad, bad})
		assert.Equal(t, 3, out.invalid)
		assert.Equal(t, 3, out.exhausted)
		assert.Zero(t, out.ok)
	})

	t.Run("one right among wrong", func(t *testing.T) {
		store := newBarrierStore(memory.NewOTPStore(), 6)
		h := newHarness(t, store, nil)
		code := h.request(t, testPhone)
		bad := wrongCode(code)

		out := runParallelVerifies(t, h, []string{bad, bad, code, bad, bad, bad})
		assert.LessOrEqual(t, out.invalid, 3)
		assert.LessOrEqual(t, out.ok, 1)
		assert.GreaterOrEqual(t, out.exhausted, 2)
		assert.Equal(t, 6, out.ok+out.invalid+out.exhausted+out.notFound)
	})
}

func TestNewOTPServiceRequiresDeps(t *testing.T) {
	_, err := NewOTPService(Deps{})
	assert.Error(t, err)
}

func newRedisStore(t *testing.T) *rediscache.OTPCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rediscache.NewOTPCache(client.WrapRedisClient(rdb, "svc:"), time.Hour)
}

func TestOTPService_RedisStore(t *testing.T) {
	t.Run("correct code", func(t *testing.T) {
		h := newHarness(t, newRedisStore(t), nil)
		code := h.request(t, testPhone)
		res, err := h.verify(testPhone, code)
		require.NoError(t, err)
		assert.NotEmpty(t, res.AccessToken)

		_, err = h.verify(testPhone, code)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t, newRedisStore(t), nil)
		code := h.request(t, testPhone)
		for i := 0; i < 3; i++ {
			_, err := h.verify(testPhone, wrongCode(code))
			require.ErrorIs(t, err, ErrInvalidCode)
		}
		_, err := h.verify(testPhone, code)
		assert.ErrorIs(t, err, ErrAttemptsExhausted)
	})

	t.Run("newest wins", func(t *testing.T) {
		h := newHarness(t, newRedisStore(t), nil)
		first := h.request(t, testPhone)
		h.clock.Advance(time.Second)
		second := h.request(t, testPhone)
		if first == second {
			t.Skip("both codes collided")
		}
		_, err := h.verify(testPhone, first)
		assert.ErrorIs(t, err, ErrInvalidCode)
		_, err = h.verify(testPhone, second)
		assert.NoError(t, err)
	})
}

func TestInvalidCodeErrorMessage(t *testing.T) {
	assert.Equal(t, "invalid code, 2 attempts remaining", (&InvalidCodeError{Remaining: 2}).Error())
	assert.Contains(t, (&InvalidCodeError{}).Error(), "no attempts remaining")
	assert.True(t, errors.Is(&InvalidCodeError{Remaining: 1}, ErrInvalidCode))
	assert.False(t, errors.Is(&InvalidCodeError{}, ErrExpired))
}
