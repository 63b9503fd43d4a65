package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// MessageAPI is the slice of the Twilio REST API used to send SMS.
type MessageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioGateway sends codes through Twilio Programmable Messaging.
type TwilioGateway struct {
	api  MessageAPI
	from string
}

func NewTwilioGateway(cfg config.SMSConfig) (*TwilioGateway, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, errors.New("twilio gateway requires account sid, auth token and from number")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewTwilioGatewayWithAPI(client.Api, cfg.FromNumber), nil
}

func NewTwilioGatewayWithAPI(api MessageAPI, from string) *TwilioGateway {
	return &TwilioGateway{api: api, from: from}
}

// Send reports false without an error when Twilio accepts the request but
// marks the message failed or undelivered.
func (g *TwilioGateway) Send(ctx context.Context, phone, message string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(phone)
	params.SetFrom(g.from)
	params.SetBody(message)

	resp, err := g.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			util.Warn("Twilio rejected SMS",
				zap.String("phone_hash", util.HashPhone(phone)),
				zap.Int("code", restErr.Code),
				zap.Int("status", restErr.Status))
			return false, fmt.Errorf("twilio error %d: %s", restErr.Code, restErr.Message)
		}
		return false, fmt.Errorf("failed to send sms via twilio: %w", err)
	}

	if resp != nil && resp.Status != nil {
		switch *resp.Status {
		case "failed", "undelivered", "canceled":
			util.Warn("Twilio reported SMS not sent",
				zap.String("phone_hash", util.HashPhone(phone)),
				zap.String("status", *resp.Status))
			return false, nil
		}
	}

	util.Debug("SMS accepted by Twilio", zap.String("phone_hash", util.HashPhone(phone)))
	return true, nil
}
