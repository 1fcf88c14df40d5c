package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/twilioapi"
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// TwilioService sends SMS and voice reminders through Twilio.
type TwilioService struct {
	client twilioapi.Sender
}

var _ Transport = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService over a real client or a MockClient.
func NewTwilioService(client twilioapi.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates a phone number and returns it in
// E.164 form. It drops non-numeric characters and requires at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Send implements Transport for the sms and voice channels. Twilio confirms
// delivery later through the status callback, so Confirmed is always false.
func (s *TwilioService) Send(ctx context.Context, channel models.ChannelType, address, content string) (SendResult, error) {
	to, err := s.ValidateAndCanonicalizeRecipient(address)
	if err != nil {
		return SendResult{}, transportError(channel, err)
	}

	var sid string
	switch channel {
	case models.ChannelSMS:
		sid, err = s.client.SendSMS(ctx, to, content)
	case models.ChannelVoice:
		sid, err = s.client.PlaceCall(ctx, to, twilioapi.SayTwiML(content))
	default:
		return SendResult{}, transportError(channel, fmt.Errorf("twilio does not handle channel %q", channel))
	}
	if err != nil {
		slog.Error("TwilioService.Send failed", "channel", channel, "to", to, "error", err)
		return SendResult{}, transportError(channel, err)
	}
	slog.Info("TwilioService.Send accepted", "channel", channel, "to", to, "sid", sid)
	return SendResult{ProviderRef: sid}, nil
}

// ReceiptFromStatus maps a Twilio MessageStatus or CallStatus callback value to a
// receipt status. ok is false for statuses that carry no delivery information.
func ReceiptFromStatus(status string) (models.MessageStatus, bool) {
	switch status {
	case "delivered", "completed":
		return models.MessageStatusDelivered, true
	case "read":
		return models.MessageStatusRead, true
	case "undelivered", "failed", "busy", "no-answer", "canceled":
		return models.MessageStatusFailed, true
	case "sent":
		return models.MessageStatusSent, true
	default:
		return "", false
	}
}
