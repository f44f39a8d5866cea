package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/finteca/cobraflow/internal/models"
	"github.com/finteca/cobraflow/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
// The numberID send parameter is ignored: a Whatsmeow session is bound to a
// single registered number.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	inbound  chan models.InboundMessage
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient strips formatting and validates the number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start begins background event handling.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		slog.Debug("WhatsAppService starting event handler")
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.inbound)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendText sends a plain text message.
func (s *WhatsAppService) SendText(ctx context.Context, numberID, phone, body string) (string, error) {
	slog.Debug("WhatsAppService SendText invoked", "to", phone, "body_length", len(body))
	to, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return "", err
	}
	id, err := s.client.SendText(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", to)
		return "", err
	}
	return id, nil
}

// SendButtons sends an interactive message with reply buttons.
func (s *WhatsAppService) SendButtons(ctx context.Context, numberID, phone, body string, buttons []models.ButtonOption) (string, error) {
	slog.Debug("WhatsAppService SendButtons invoked", "to", phone, "buttons", len(buttons))
	to, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return "", err
	}
	id, err := s.client.SendButtons(ctx, to, body, buttons)
	if err != nil {
		slog.Error("WhatsAppService SendButtons error", "error", err, "to", to)
		return "", err
	}
	return id, nil
}

// SendList sends an interactive list message.
func (s *WhatsAppService) SendList(ctx context.Context, numberID, phone, body string, options []models.MenuOption) (string, error) {
	slog.Debug("WhatsAppService SendList invoked", "to", phone, "options", len(options))
	to, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return "", err
	}
	id, err := s.client.SendList(ctx, to, body, options)
	if err != nil {
		slog.Error("WhatsAppService SendList error", "error", err, "to", to)
		return "", err
	}
	return id, nil
}

// SendTemplate is unsupported on the Whatsmeow transport: template nodes fall
// back to plain text rendering, so the body is sent as a text message.
func (s *WhatsAppService) SendTemplate(ctx context.Context, numberID, phone, templateSID string, variables map[string]string) (string, error) {
	slog.Warn("WhatsAppService SendTemplate not supported, sending rendered body as text", "templateSID", templateSID)
	body := variables["body"]
	if body == "" {
		body = templateSID
	}
	return s.SendText(ctx, numberID, phone, body)
}

// Inbound returns the channel of incoming user messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// handleEvents processes WhatsApp events and feeds them into the inbound channel
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	slog.Debug("WhatsAppService handleEvents starting")

	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Ignore other event types
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	// Keep handler running until context is cancelled
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage extracts the user's reply from an incoming event.
// Button and list replies carry the selected option id; plain text carries
// the message body.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var messageText string
	switch {
	case evt.Message.ButtonsResponseMessage != nil && evt.Message.ButtonsResponseMessage.SelectedButtonID != nil:
		messageText = *evt.Message.ButtonsResponseMessage.SelectedButtonID
	case evt.Message.ListResponseMessage != nil &&
		evt.Message.ListResponseMessage.SingleSelectReply != nil &&
		evt.Message.ListResponseMessage.SingleSelectReply.SelectedRowID != nil:
		messageText = *evt.Message.ListResponseMessage.SingleSelectReply.SelectedRowID
	case evt.Message.Conversation != nil:
		messageText = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		messageText = *evt.Message.ExtendedTextMessage.Text
	default:
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	fromNumber := evt.Info.Sender.User
	if !strings.HasPrefix(fromNumber, "+") {
		fromNumber = "+" + fromNumber
	}

	msg := models.InboundMessage{
		From: fromNumber,
		Body: messageText,
		Time: evt.Info.Timestamp.Unix(),
	}

	slog.Debug("WhatsAppService processing incoming message", "from", msg.From, "body_length", len(msg.Body))

	// Send to inbound channel (non-blocking)
	select {
	case s.inbound <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}
