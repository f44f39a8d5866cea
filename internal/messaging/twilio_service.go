package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/finteca/cobraflow/internal/models"
	"github.com/finteca/cobraflow/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Interactive buttons
// and lists are not available through the Twilio Go SDK, so those sends
// degrade to numbered plain text. Inbound messages arrive via webhook.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	inbound chan models.InboundMessage
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService wrapping the given Sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number, removing all non-numeric characters.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if recipient != canonical {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio (inbound arrives via webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbound)
	}()

	return nil
}

// SendText sends a plain message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, numberID, phone, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		slog.Error("TwilioService SendText validation error", "error", err, "to", phone)
		return "", err
	}
	return s.client.SendMessage(ctx, "+"+to, body)
}

// SendButtons degrades to a numbered plain text message.
func (s *TwilioService) SendButtons(ctx context.Context, numberID, phone, body string, buttons []models.ButtonOption) (string, error) {
	var b strings.Builder
	b.WriteString(body)
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Text)
	}
	return s.SendText(ctx, numberID, phone, b.String())
}

// SendList degrades to a numbered plain text message.
func (s *TwilioService) SendList(ctx context.Context, numberID, phone, body string, options []models.MenuOption) (string, error) {
	var b strings.Builder
	b.WriteString(body)
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Label)
	}
	return s.SendText(ctx, numberID, phone, b.String())
}

// SendTemplate sends a pre-approved Twilio content template.
func (s *TwilioService) SendTemplate(ctx context.Context, numberID, phone, templateSID string, variables map[string]string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return "", err
	}
	return s.client.SendTemplate(ctx, "+"+to, templateSID, variables)
}

// Inbound returns the channel of incoming user messages.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// WebhookHandler handles inbound Twilio webhook requests. It parses incoming
// messages and emits them into the Inbound() channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", from, "body_length", len(body))

	s.safeEmit(models.InboundMessage{
		From: from,
		Body: body,
		Time: time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// safeEmit safely pushes a message into the inbound channel.
func (s *TwilioService) safeEmit(msg models.InboundMessage) {
	if s.isStopped() {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.From)
	}
}
