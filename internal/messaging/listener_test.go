package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/finteca/cobraflow/internal/models"
	"github.com/finteca/cobraflow/internal/store"
)

// mockService implements Service in-memory for listener tests.
type mockService struct {
	inbound chan models.InboundMessage
	texts   []string
}

func newMockService() *mockService {
	return &mockService{inbound: make(chan models.InboundMessage, 10)}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *mockService) SendText(ctx context.Context, numberID, phone, body string) (string, error) {
	m.texts = append(m.texts, body)
	return "mock-id", nil
}

func (m *mockService) SendButtons(ctx context.Context, numberID, phone, body string, buttons []models.ButtonOption) (string, error) {
	return "mock-id", nil
}

func (m *mockService) SendList(ctx context.Context, numberID, phone, body string, options []models.MenuOption) (string, error) {
	return "mock-id", nil
}

func (m *mockService) SendTemplate(ctx context.Context, numberID, phone, templateSID string, variables map[string]string) (string, error) {
	return "mock-id", nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error                     { close(m.inbound); return nil }

func (m *mockService) Inbound() <-chan models.InboundMessage { return m.inbound }

// recordingEngine captures dispatches without running a real flow.
type recordingEngine struct {
	hasSession bool
	inputs     []string
}

func (r *recordingEngine) HasActiveSession(chatID string) bool { return r.hasSession }

func (r *recordingEngine) ProcessUserInput(ctx context.Context, chatID, text string) error {
	r.inputs = append(r.inputs, text)
	return nil
}

// openGate / closedGate stub the attention-hours check.
type stubGate struct{ open bool }

func (g stubGate) Open() bool     { return g.open }
func (g stubGate) Notice() string { return "fuera de horario" }

func runListenerOnce(t *testing.T, l *Listener, svc *mockService, msg models.InboundMessage) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { l.Run(ctx); close(done) }()

	svc.inbound <- msg
	// Give the listener a beat to drain the channel.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListenerDispatchesToActiveSession(t *testing.T) {
	svc := newMockService()
	st := store.NewInMemoryStore()
	eng := &recordingEngine{hasSession: true}
	ctx := context.Background()

	if err := st.CreateChat(ctx, models.ChatRecord{ID: "chat-1", Phone: "573001112233", Status: models.ChatStatusBot}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	l := NewListener(svc, st, st, eng, stubGate{open: true})
	runListenerOnce(t, l, svc, models.InboundMessage{From: "+573001112233", Body: "  hola  ", Time: time.Now().Unix()})

	if len(eng.inputs) != 1 || eng.inputs[0] != "hola" {
		t.Errorf("engine inputs = %v, want one trimmed dispatch", eng.inputs)
	}

	msgs, err := st.ListByChat(ctx, "chat-1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListByChat() = %v, %v; want the inbound record", msgs, err)
	}
	if msgs[0].Direction != models.DirectionInbound || msgs[0].Status != models.MessageStatusReceived {
		t.Errorf("inbound record = %+v", msgs[0])
	}
}

func TestListenerIgnoresChatsWithoutSession(t *testing.T) {
	svc := newMockService()
	st := store.NewInMemoryStore()
	eng := &recordingEngine{hasSession: false}

	if err := st.CreateChat(context.Background(), models.ChatRecord{ID: "chat-1", Phone: "573001112233", Status: models.ChatStatusActive}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	l := NewListener(svc, st, st, eng, stubGate{open: true})
	runListenerOnce(t, l, svc, models.InboundMessage{From: "573001112233", Body: "hola", Time: time.Now().Unix()})

	if len(eng.inputs) != 0 {
		t.Errorf("engine received %v for a chat without a session", eng.inputs)
	}
	// The message is still recorded for the agent conversation.
	msgs, _ := st.ListByChat(context.Background(), "chat-1")
	if len(msgs) != 1 {
		t.Errorf("recorded %d messages, want 1", len(msgs))
	}
}

func TestListenerSendsOutOfHoursNotice(t *testing.T) {
	svc := newMockService()
	st := store.NewInMemoryStore()
	eng := &recordingEngine{hasSession: true}

	if err := st.CreateChat(context.Background(), models.ChatRecord{ID: "chat-1", Phone: "573001112233", Status: models.ChatStatusBot}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	l := NewListener(svc, st, st, eng, stubGate{open: false})
	runListenerOnce(t, l, svc, models.InboundMessage{From: "573001112233", Body: "hola", Time: time.Now().Unix()})

	if len(eng.inputs) != 0 {
		t.Error("engine dispatched outside attention hours")
	}
	if len(svc.texts) != 1 || svc.texts[0] != "fuera de horario" {
		t.Errorf("notice sends = %v, want the gate notice", svc.texts)
	}
}

func TestListenerCreatesChatOnFirstContact(t *testing.T) {
	svc := newMockService()
	st := store.NewInMemoryStore()
	eng := &recordingEngine{hasSession: false}

	l := NewListener(svc, st, st, eng, stubGate{open: true})
	runListenerOnce(t, l, svc, models.InboundMessage{From: "+57 300 111 2233", Body: "hola", Time: time.Now().Unix()})

	chat, err := st.GetByPhone(context.Background(), "573001112233")
	if err != nil {
		t.Fatalf("GetByPhone() error = %v; chat not created on first contact", err)
	}
	if chat.Status != models.ChatStatusBot {
		t.Errorf("first-contact chat status = %s, want BOT", chat.Status)
	}
}

func TestListenerDropsInvalidSender(t *testing.T) {
	svc := newMockService()
	st := store.NewInMemoryStore()
	eng := &recordingEngine{hasSession: true}

	l := NewListener(svc, st, st, eng, stubGate{open: true})
	runListenerOnce(t, l, svc, models.InboundMessage{From: "???", Body: "hola", Time: time.Now().Unix()})

	if len(eng.inputs) != 0 {
		t.Error("invalid sender reached the engine")
	}
}
