// Package twilioapi wraps the Twilio REST API for SMS and voice reminders.
package twilioapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is implemented by the real client and MockClient.
type Sender interface {
	// SendSMS sends a text message and returns the message SID.
	SendSMS(ctx context.Context, to, body string) (string, error)
	// PlaceCall starts a call that plays twiml and returns the call SID.
	PlaceCall(ctx context.Context, to, twiml string) (string, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	// StatusCallbackURL receives message and call status updates when set.
	StatusCallbackURL string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number in E.164 form.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithStatusCallbackURL sets the public URL Twilio posts status updates to.
func WithStatusCallbackURL(url string) Option {
	return func(o *Opts) { o.StatusCallbackURL = url }
}

// Client wraps the Twilio REST client.
type Client struct {
	client         *twilio.RestClient
	from           string
	statusCallback string
}

var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"StatusCallback_set", cfg.StatusCallbackURL != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:         client,
		from:           cfg.From,
		statusCallback: cfg.StatusCallbackURL,
	}, nil
}

// SendSMS sends an SMS using the Twilio API.
func (c *Client) SendSMS(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send sms to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio SMS sent", "to", to, "sid", sid)
	return sid, nil
}

// PlaceCall starts an outbound voice call that plays twiml.
func (c *Client) PlaceCall(ctx context.Context, to, twiml string) (string, error) {
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetTwiml(twiml)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		slog.Error("Twilio PlaceCall failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to call %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio call placed", "to", to, "sid", sid)
	return sid, nil
}

// SayTwiML renders text as a TwiML document that reads it aloud.
func SayTwiML(text string) string {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Say>`)
	if err := xml.EscapeText(&buf, []byte(text)); err != nil {
		// EscapeText only fails on writer errors; bytes.Buffer does not return any.
		return ""
	}
	buf.WriteString(`</Say></Response>`)
	return buf.String()
}

// ValidateSignature checks the X-Twilio-Signature of a webhook request.
// url is the full public URL Twilio posted to; params are the POST form values.
func ValidateSignature(authToken, url string, params map[string]string, signature string) bool {
	validator := twilioclient.NewRequestValidator(authToken)
	return validator.Validate(url, params, signature)
}

// MockClient records sends for tests.
type MockClient struct {
	mu       sync.Mutex
	SMS      []SentMessage
	Calls    []SentMessage
	Err      error
	sequence int
}

// SentMessage is a recorded SMS or call.
type SentMessage struct {
	SID  string
	To   string
	Body string
}

var _ Sender = (*MockClient)(nil)

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.sequence++
	sid := fmt.Sprintf("SM%032d", m.sequence)
	m.SMS = append(m.SMS, SentMessage{SID: sid, To: to, Body: body})
	return sid, nil
}

func (m *MockClient) PlaceCall(ctx context.Context, to, twiml string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.sequence++
	sid := fmt.Sprintf("CA%032d", m.sequence)
	m.Calls = append(m.Calls, SentMessage{SID: sid, To: to, Body: twiml})
	return sid, nil
}
