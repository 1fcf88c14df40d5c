package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// SentReminder is a send recorded by MockTransport.
type SentReminder struct {
	Channel models.ChannelType
	Address string
	Content string
	Ref     string
}

// MockTransport records sends for tests. Failures and delays are configured per channel.
type MockTransport struct {
	mu       sync.Mutex
	Sent     []SentReminder
	Calls    int
	Fail     map[models.ChannelType]error
	Delay    map[models.ChannelType]time.Duration
	Confirm  bool
	sequence int
}

var _ Transport = (*MockTransport)(nil)

// NewMockTransport creates a MockTransport that accepts every send.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Fail:  make(map[models.ChannelType]error),
		Delay: make(map[models.ChannelType]time.Duration),
	}
}

// FailChannel makes every send over channel fail with a generic error.
func (m *MockTransport) FailChannel(channel models.ChannelType) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail[channel] = errors.New("simulated outage")
	return m
}

// DelayChannel makes sends over channel block for d or until the context ends.
func (m *MockTransport) DelayChannel(channel models.ChannelType, d time.Duration) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Delay[channel] = d
	return m
}

func (m *MockTransport) Send(ctx context.Context, channel models.ChannelType, address, content string) (SendResult, error) {
	m.mu.Lock()
	m.Calls++
	delay := m.Delay[channel]
	failErr := m.Fail[channel]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return SendResult{}, transportError(channel, ctx.Err())
		}
	}
	if failErr != nil {
		return SendResult{}, transportError(channel, failErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence++
	ref := fmt.Sprintf("mock-%d", m.sequence)
	m.Sent = append(m.Sent, SentReminder{Channel: channel, Address: address, Content: content, Ref: ref})
	return SendResult{ProviderRef: ref, Confirmed: m.Confirm}, nil
}

// SentCount returns the number of accepted sends.
func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
