// Package messaging provides the delivery transports reminders are sent through
// and the plumbing that feeds asynchronous receipts and replies back to the tracker.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// Constants shared by the transports
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by transports that have been stopped.
var ErrServiceStopped = errors.New("messaging service stopped")

// SendResult describes an accepted send.
type SendResult struct {
	// ProviderRef is the provider's message or call identifier, used to match later receipts.
	ProviderRef string
	// Confirmed is true when the provider already confirmed delivery synchronously.
	Confirmed bool
}

// Transport delivers reminder content over one or more channel types.
// Every returned error wraps models.ErrTransportFailure.
type Transport interface {
	Send(ctx context.Context, channel models.ChannelType, address, content string) (SendResult, error)
}

// EventSource is implemented by transports that report delivery receipts and
// patient replies asynchronously.
type EventSource interface {
	// Receipts returns a channel of receipt events (delivered, read).
	Receipts() <-chan models.Receipt
	// Responses returns a channel of incoming patient replies.
	Responses() <-chan models.Response
}

// Inbound consumes receipts and replies. The engagement tracker implements it.
type Inbound interface {
	HandleReceipt(ctx context.Context, r models.Receipt) error
	HandleResponse(ctx context.Context, r models.Response) error
}

// transportError wraps err so that errors.Is(err, models.ErrTransportFailure) holds.
func transportError(channel models.ChannelType, err error) error {
	if errors.Is(err, models.ErrTransportFailure) {
		return err
	}
	return &sendError{channel: channel, err: err}
}

type sendError struct {
	channel models.ChannelType
	err     error
}

func (e *sendError) Error() string {
	return string(e.channel) + ": " + e.err.Error()
}

func (e *sendError) Unwrap() []error {
	return []error{models.ErrTransportFailure, e.err}
}
