// Package messaging defines the pluggable message delivery abstraction used
// by the conversation engine, with WhatsApp (Whatsmeow) and Twilio backends.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/finteca/cobraflow/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by send methods after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// Send methods return the transport message id. The numberID parameter
// selects the business number the message goes out on; backends bound to a
// single number ignore it.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// phone number. Each backend implements its own validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, numberID, phone, body string) (string, error)

	// SendButtons sends an interactive message with reply buttons.
	SendButtons(ctx context.Context, numberID, phone, body string, buttons []models.ButtonOption) (string, error)

	// SendList sends an interactive list message.
	SendList(ctx context.Context, numberID, phone, body string, options []models.MenuOption) (string, error)

	// SendTemplate sends a pre-approved message template.
	SendTemplate(ctx context.Context, numberID, phone, templateSID string, variables map[string]string) (string, error)

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of incoming user messages.
	Inbound() <-chan models.InboundMessage
}

// canonicalizePhone strips non-digit characters and validates the result.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
