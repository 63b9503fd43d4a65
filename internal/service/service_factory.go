package service

import (
	"sync"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps       Deps
	logger     *zap.Logger
	once       sync.Once
	otpService *OTPService
	err        error
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Deps, logger *zap.Logger) *ServiceFactory {
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &ServiceFactory{
		deps:   deps,
		logger: logger,
	}
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() (*OTPService, error) {
	f.once.Do(func() {
		f.otpService, f.err = NewOTPService(f.deps)
		if f.err != nil {
			f.logger.Error("Failed to build OTP service", zap.Error(f.err))
		}
	})
	return f.otpService, f.err
}
