package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService delivers app-channel reminders through WhatsApp and reports
// delivery receipts and replies from the Whatsmeow event stream.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // set when the sender is a live client
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

var (
	_ Transport   = (*WhatsAppService)(nil)
	_ EventSource = (*WhatsAppService)(nil)
)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// Start registers the Whatsmeow event handler. It is a no-op for mock senders.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService.Start: event handler registered", "handlerID", s.handlerID)
	return nil
}

// Stop removes the event handler and closes the receipt and response channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handlerID != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Send implements Transport for the app channel.
func (s *WhatsAppService) Send(ctx context.Context, channel models.ChannelType, address, content string) (SendResult, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return SendResult{}, transportError(channel, ErrServiceStopped)
	}

	id, err := s.client.SendMessage(ctx, address, content)
	if err != nil {
		slog.Error("WhatsAppService.Send failed", "to", address, "error", err)
		return SendResult{}, transportError(channel, err)
	}
	slog.Info("WhatsAppService.Send accepted", "to", address, "messageID", id)
	return SendResult{ProviderRef: id}, nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	default:
		slog.Debug("WhatsAppService ignoring event", "type", getEventType(v))
	}
}

// handleIncomingMessage forwards text replies from patients.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	s.emitResponse(models.Response{
		MessageID: string(evt.Info.ID),
		From:      "+" + evt.Info.Sender.User,
		Body:      text,
		Time:      evt.Info.Timestamp.Unix(),
	})
}

// handleMessageReceipt converts delivery and read receipts, one per message ID.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		slog.Debug("WhatsAppService ignoring receipt type", "type", evt.Type)
		return
	}
	to := "+" + evt.MessageSource.Chat.User
	for _, id := range evt.MessageIDs {
		s.emitReceipt(models.Receipt{
			ProviderRef: string(id),
			To:          to,
			Status:      status,
			Time:        evt.Timestamp.Unix(),
		})
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
		slog.Debug("WhatsAppService receipt forwarded", "ref", r.ProviderRef, "status", r.Status)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "ref", r.ProviderRef, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) emitResponse(r models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- r:
		slog.Debug("WhatsAppService reply forwarded", "from", r.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", r.From, "timeout", DefaultChannelTimeout)
	}
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
