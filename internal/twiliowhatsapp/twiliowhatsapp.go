// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in Cobraflow.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the outbound surface of the Twilio wrapper.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, contentSID string, variables map[string]string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a Twilio WhatsApp client. Options missing from the
// argument list fall back to TWILIO_* environment variables.
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
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendMessage sends a plain WhatsApp message and returns the Twilio message SID.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsAddr(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return sidOf(resp), nil
}

// SendTemplate sends a pre-approved content template identified by its
// content SID, with the given substitution variables.
func (c *Client) SendTemplate(ctx context.Context, to, contentSID string, variables map[string]string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsAddr(to))
	params.SetFrom(c.fromWhats)
	params.SetContentSid(contentSID)
	if len(variables) > 0 {
		raw, err := json.Marshal(variables)
		if err != nil {
			return "", fmt.Errorf("failed to encode template variables: %w", err)
		}
		params.SetContentVariables(string(raw))
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendTemplate failed", "to", to, "contentSID", contentSID, "error", err)
		return "", fmt.Errorf("failed to send template %s to %s: %w", contentSID, to, err)
	}

	slog.Debug("Twilio template sent", "to", to, "contentSID", contentSID)
	return sidOf(resp), nil
}

func whatsAddr(to string) string {
	if strings.HasPrefix(to, "whatsapp:") {
		return to
	}
	return "whatsapp:" + to
}

func sidOf(resp *twilioApi.ApiV2010Message) string {
	if resp == nil || resp.Sid == nil {
		return ""
	}
	return *resp.Sid
}

// MockClient records sends for tests.
type MockClient struct {
	SentMessages     []SentMessage
	TemplateMessages []SentTemplate
}

// SentMessage is a recorded plain message send.
type SentMessage struct {
	To   string
	Body string
}

// SentTemplate is a recorded content template send.
type SentTemplate struct {
	To         string
	ContentSID string
	Variables  map[string]string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages:     []SentMessage{},
		TemplateMessages: []SentTemplate{},
	}
}

func (m *MockClient) SendMessage(ctx context.Context, to, body string) (string, error) {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("mock-sid-%d", len(m.SentMessages)), nil
}

func (m *MockClient) SendTemplate(ctx context.Context, to, contentSID string, variables map[string]string) (string, error) {
	m.TemplateMessages = append(m.TemplateMessages, SentTemplate{To: to, ContentSID: contentSID, Variables: variables})
	return fmt.Sprintf("mock-tpl-%d", len(m.TemplateMessages)), nil
}
