package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"otp-auth-service/internal/model"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/util"
)

const maxBodyBytes = 1 << 14

// OTPService is the part of service.OTPService the HTTP layer drives.
type OTPService interface {
	RequestOTP(ctx context.Context, in service.RequestOTPInput) (*service.RequestOTPResult, error)
	VerifyOTP(ctx context.Context, in service.VerifyOTPInput) (*service.VerifyOTPResult, error)
	GetProfile(ctx context.Context, accessToken string) (*model.Subject, error)
}

// OTPHandler handles HTTP requests for the OTP flows
type OTPHandler struct {
	otpService OTPService
	validate   *validator.Validate
	limiter    RateLimiter
	version    string
	logger     *zap.Logger
}

// NewOTPHandler creates a new OTP handler. limiter may be nil.
func NewOTPHandler(otpService OTPService, limiter RateLimiter, version string, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		limiter:    limiter,
		version:    version,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success           bool   `json:"success"`
	Data              any    `json:"data,omitempty"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message,omitempty"`
	AccessToken       string `json:"access_token,omitempty"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	Expires           int64  `json:"expires,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
}

type RequestOTPRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

type VerifyOTPRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
	Code  string `json:"code" validate:"required,max=16"`
}

// successResponse creates a successful response
func successResponse(data any, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)
		r.Get("/me", h.GetProfile)

		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(RateLimitMiddleware(h.limiter, h.logger))
			}
			r.Post("/request", h.RequestOTP)
			r.Post("/verify", h.VerifyOTP)
		})
	})
}

// RequestOTP handles POST /otp/request
func (h *OTPHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req RequestOTPRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.otpService.RequestOTP(r.Context(), service.RequestOTPInput{
		Phone:     req.Phone,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to send verification code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{Success: true, Message: res.Message})
	h.logger.Debug("OTP requested via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestOTP"),
	)
}

// VerifyOTP handles POST /otp/verify
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req VerifyOTPRequest
	if err := h.decode(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	res, err := h.otpService.VerifyOTP(r.Context(), service.VerifyOTPInput{
		Phone:     req.Phone,
		Code:      req.Code,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Origin:    r.Header.Get("Origin"),
	})
	if err != nil {
		h.respondWithServiceError(w, err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{
		Success:      true,
		Message:      "Verification successful",
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Expires:      res.ExpiresIn.Milliseconds(),
	})
	h.logger.Debug("OTP verified via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyOTP"),
	)
}

// GetProfile handles GET /otp/me
func (h *OTPHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := bearerToken(r)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, service.ErrUnauthorized, "Missing bearer token")
		return
	}

	subject, err := h.otpService.GetProfile(r.Context(), accessToken)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to load profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(subject, ""))
}

// HealthCheck handles GET /otp/health
func (h *OTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "otp-auth-service",
		"version": h.version,
		"endpoints": []string{
			"POST /api/v1/otp/request",
			"POST /api/v1/otp/verify",
			"GET /api/v1/otp/me",
			"GET /api/v1/otp/health",
		},
	})
}

// Helper Methods

func (h *OTPHandler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.New("malformed JSON body")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.New(strings.ToLower(verrs[0].Field()) + " failed " + verrs[0].Tag() + " validation")
		}
		return err
	}
	return nil
}

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *OTPHandler) respondWithServiceError(w http.ResponseWriter, err error, message string) {
	statusCode := getStatusCode(err)
	if statusCode == http.StatusInternalServerError {
		h.respondWithError(w, statusCode, service.ErrInternal, "An unexpected error occurred")
		return
	}

	resp := errorResponse(err, message)
	var ice *service.InvalidCodeError
	if errors.As(err, &ice) {
		remaining := ice.Remaining
		resp.RemainingAttempts = &remaining
	}
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, resp)
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrExpired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrAttemptsExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrInvalidCode), errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// clientIP is the address resolved by middleware.RealIP, without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
