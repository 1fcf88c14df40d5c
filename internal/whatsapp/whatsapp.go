// Package whatsapp wraps the Whatsmeow client used for the app reminder channel.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/remindpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender is an interface for sending WhatsApp messages (for production and testing).
// SendMessage returns the WhatsApp message ID, which later receipts refer to.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client is a connected whatsmeow session.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store and connects. A store without a paired
// device runs the login flow first, printing a QR or numeric code.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	slog.Debug("whatsapp.NewClient: options set", "qrPath", cfg.QRPath, "numericCode", cfg.NumericCode)

	ctx := context.Background()
	device, err := openDevice(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		err = login(ctx, waClient, cfg)
	} else {
		err = waClient.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "jid", waClient.Store.ID)
	return &Client{waClient: waClient}, nil
}

// openDevice returns the first device of the whatsmeow session database.
func openDevice(ctx context.Context, dsn string) (*wastore.Device, error) {
	driver := store.DetectDSNType(dsn)
	if missingForeignKeys(dsn) {
		slog.Warn("whatsapp.openDevice: SQLite DSN lacks foreign keys, which whatsmeow expects",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("whatsapp.openDevice: failed to open session store", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	return device, nil
}

// login pairs a new device. It returns once the QR channel closes, which
// happens on success, timeout or error.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: device not paired, starting login")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open login channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return err
	}

	out, closeOut, err := loginOutput(cfg.QRPath)
	if err != nil {
		return err
	}
	defer closeOut()

	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.login: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

func loginOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create QR file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// SendMessage sends a WhatsApp text message to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	user := JIDUser(to)
	if user == "" {
		return "", fmt.Errorf("recipient %q has no digits", to)
	}
	slog.Debug("Client.SendMessage: sending", "to", user, "bodyLength", len(body))
	jid := types.NewJID(user, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Client.SendMessage: send failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Client.SendMessage: sent", "to", to, "messageID", resp.ID)
	return string(resp.ID), nil
}

// missingForeignKeys reports whether dsn is a SQLite DSN without a foreign_keys setting.
func missingForeignKeys(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "foreign_keys")
}

// JIDUser converts a stored app address into the user part of a WhatsApp JID.
// Leading "+", spaces and dashes are dropped; "whatsapp:" prefixes are accepted.
func JIDUser(address string) string {
	address = strings.TrimPrefix(strings.TrimSpace(address), "whatsapp:")
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GetClient returns the underlying whatsmeow client, nil for a zero Client.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient records sent messages instead of contacting WhatsApp (for tests).
type MockClient struct {
	mu       sync.Mutex
	Sent     []SentMessage
	Err      error
	sequence int
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	ID   string
	To   string
	Body string
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.sequence++
	id := fmt.Sprintf("3EB0%016X", m.sequence)
	m.Sent = append(m.Sent, SentMessage{ID: id, To: to, Body: body})
	return id, nil
}
