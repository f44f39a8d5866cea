package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/finteca/cobraflow/internal/models"
	"github.com/google/uuid"
)

// InputProcessor is the conversation engine surface the listener drives.
type InputProcessor interface {
	HasActiveSession(chatID string) bool
	ProcessUserInput(ctx context.Context, chatID, text string) error
}

// ChatLookup resolves and creates chats for inbound phone numbers.
type ChatLookup interface {
	GetByPhone(ctx context.Context, phone string) (*models.ChatRecord, error)
	CreateChat(ctx context.Context, chat models.ChatRecord) error
}

// MessageWriter persists inbound message records.
type MessageWriter interface {
	Create(ctx context.Context, rec models.MessageRecord) (models.MessageRecord, error)
}

// HoursGate reports whether the attention window is open.
type HoursGate interface {
	Open() bool
	Notice() string
}

// Listener consumes inbound messages from a Service, persists them, applies
// the attention-hours gate and hands bot-attended chats to the engine.
// Messages for chats without an active bot session are recorded and left for
// human agents.
type Listener struct {
	svc    Service
	chats  ChatLookup
	msgs   MessageWriter
	engine InputProcessor
	gate   HoursGate
}

// NewListener creates a Listener. gate may be nil to disable the hours check.
func NewListener(svc Service, chats ChatLookup, msgs MessageWriter, engine InputProcessor, gate HoursGate) *Listener {
	return &Listener{svc: svc, chats: chats, msgs: msgs, engine: engine, gate: gate}
}

// Run consumes the service's inbound channel until the context is cancelled
// or the channel closes.
func (l *Listener) Run(ctx context.Context) {
	slog.Info("Listener started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Listener stopping due to context cancellation")
			return
		case msg, ok := <-l.svc.Inbound():
			if !ok {
				slog.Info("Listener stopping, inbound channel closed")
				return
			}
			l.handle(ctx, msg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg models.InboundMessage) {
	phone, err := l.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Error("Listener dropping inbound with invalid sender", "error", err, "from", msg.From)
		return
	}

	chat, err := l.resolveChat(ctx, phone)
	if err != nil {
		slog.Error("Listener failed to resolve chat", "error", err, "phone", phone)
		return
	}

	if _, err := l.msgs.Create(ctx, models.MessageRecord{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		Direction: models.DirectionInbound,
		Kind:      models.MessageKindText,
		Body:      msg.Body,
		Status:    models.MessageStatusReceived,
		CreatedAt: time.Unix(msg.Time, 0),
	}); err != nil {
		slog.Error("Listener failed to persist inbound message", "error", err, "chatID", chat.ID)
	}

	if l.gate != nil && !l.gate.Open() && chat.Status == models.ChatStatusBot {
		slog.Info("Listener outside attention hours, sending notice", "chatID", chat.ID)
		if _, err := l.svc.SendText(ctx, chat.NumberID, chat.Phone, l.gate.Notice()); err != nil {
			slog.Error("Listener failed to send out-of-hours notice", "error", err, "chatID", chat.ID)
		}
		return
	}

	if !l.engine.HasActiveSession(chat.ID) {
		// No bot session: the message belongs to an agent conversation or
		// arrived after the flow ended.
		slog.Debug("Listener message without active session ignored by bot", "chatID", chat.ID, "status", chat.Status)
		return
	}

	if err := l.engine.ProcessUserInput(ctx, chat.ID, strings.TrimSpace(msg.Body)); err != nil {
		slog.Error("Listener engine dispatch failed", "error", err, "chatID", chat.ID)
	}
}

// resolveChat finds the chat for a phone, creating one on first contact.
func (l *Listener) resolveChat(ctx context.Context, phone string) (*models.ChatRecord, error) {
	chat, err := l.chats.GetByPhone(ctx, phone)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, models.ErrChatNotFound) {
		return nil, err
	}

	fresh := models.ChatRecord{
		ID:        uuid.NewString(),
		Phone:     phone,
		Status:    models.ChatStatusBot,
		UpdatedAt: time.Now(),
	}
	if err := l.chats.CreateChat(ctx, fresh); err != nil {
		return nil, err
	}
	slog.Info("Listener created chat for first contact", "chatID", fresh.ID, "phone", phone)
	return &fresh, nil
}
