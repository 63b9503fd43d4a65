package delivery

import (
	"context"

	"go.uber.org/zap"

	"otp-auth-service/internal/util"
)

// LogGateway writes messages to the log instead of sending them. It exists
// for local development; config validation rejects it in production.
type LogGateway struct{}

func NewLogGateway() *LogGateway {
	return &LogGateway{}
}

func (LogGateway) Send(ctx context.Context, phone, message string) (bool, error) {
	util.Info("SMS (log gateway)",
		zap.String("phone", phone),
		zap.String("message", message))
	return true, nil
}
