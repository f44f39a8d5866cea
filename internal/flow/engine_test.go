package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/finteca/cobraflow/internal/models"
)

// --- fakes ---

type fakeFlows struct {
	flows map[string]*models.FlowDefinition
	nodes map[string]*models.NodeDefinition
}

func (f *fakeFlows) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	fl, ok := f.flows[id]
	if !ok {
		return nil, models.ErrFlowNotFound
	}
	return fl, nil
}

func (f *fakeFlows) GetNode(ctx context.Context, id string) (*models.NodeDefinition, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, models.ErrNodeNotFound
	}
	return n, nil
}

type fakeChats struct {
	chats   map[string]*models.ChatRecord
	patches []models.ChatPatch
}

func (f *fakeChats) Get(ctx context.Context, chatID string) (*models.ChatRecord, error) {
	c, ok := f.chats[chatID]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	return c, nil
}

func (f *fakeChats) Update(ctx context.Context, chatID string, patch models.ChatPatch) error {
	f.patches = append(f.patches, patch)
	c := f.chats[chatID]
	if c == nil {
		return models.ErrChatNotFound
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.AssignedAgentID != nil {
		c.AssignedAgentID = *patch.AssignedAgentID
	}
	if patch.DebtorID != nil {
		c.DebtorID = *patch.DebtorID
	}
	return nil
}

type sentMessage struct {
	kind models.MessageKind
	body string
}

type fakeSender struct {
	sent            []sentMessage
	templateVars    map[string]string
	failInteractive bool
}

func (f *fakeSender) SendText(ctx context.Context, numberID, phone, body string) (string, error) {
	f.sent = append(f.sent, sentMessage{models.MessageKindText, body})
	return "wamid-text", nil
}

func (f *fakeSender) SendButtons(ctx context.Context, numberID, phone, body string, buttons []models.ButtonOption) (string, error) {
	if f.failInteractive {
		return "", errors.New("interactive payload rejected")
	}
	f.sent = append(f.sent, sentMessage{models.MessageKindButtons, body})
	return "wamid-buttons", nil
}

func (f *fakeSender) SendList(ctx context.Context, numberID, phone, body string, options []models.MenuOption) (string, error) {
	if f.failInteractive {
		return "", errors.New("interactive payload rejected")
	}
	f.sent = append(f.sent, sentMessage{models.MessageKindList, body})
	return "wamid-list", nil
}

func (f *fakeSender) SendTemplate(ctx context.Context, numberID, phone, templateSID string, variables map[string]string) (string, error) {
	f.sent = append(f.sent, sentMessage{models.MessageKindTemplate, templateSID})
	f.templateVars = variables
	return "wamid-template", nil
}

type fakeMessages struct {
	records []models.MessageRecord
}

func (f *fakeMessages) Create(ctx context.Context, rec models.MessageRecord) (models.MessageRecord, error) {
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeMessages) UpdateStatus(ctx context.Context, id string, status models.MessageStatus, sendErr string) error {
	return nil
}

type fakeDebtors struct {
	byNumber map[string]*models.Debtor
	err      error
}

func (f *fakeDebtors) FindByDocument(ctx context.Context, documentType, number string) (*models.Debtor, error) {
	return f.FindByDocumentNumber(ctx, number)
}

func (f *fakeDebtors) FindByDocumentNumber(ctx context.Context, number string) (*models.Debtor, error) {
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.byNumber[number]
	if !ok {
		return nil, models.ErrDebtorNotFound
	}
	return d, nil
}

type fakeAgents struct {
	agent     *models.CandidateAgent
	headcount int
}

func (f *fakeAgents) SelectAgent(ctx context.Context, campaignID string) (*models.CandidateAgent, error) {
	return f.agent, nil
}

func (f *fakeAgents) OnShiftHeadcount(ctx context.Context) (int, error) {
	return f.headcount, nil
}

type fakeEvents struct {
	published []models.Event
}

func (f *fakeEvents) Publish(evt models.Event) {
	f.published = append(f.published, evt)
}

type testRig struct {
	engine   *Engine
	flows    *fakeFlows
	chats    *fakeChats
	sender   *fakeSender
	messages *fakeMessages
	debtors  *fakeDebtors
	agents   *fakeAgents
	events   *fakeEvents
}

func newTestRig() *testRig {
	r := &testRig{
		flows: &fakeFlows{
			flows: make(map[string]*models.FlowDefinition),
			nodes: make(map[string]*models.NodeDefinition),
		},
		chats:    &fakeChats{chats: make(map[string]*models.ChatRecord)},
		sender:   &fakeSender{},
		messages: &fakeMessages{},
		debtors:  &fakeDebtors{byNumber: make(map[string]*models.Debtor)},
		agents:   &fakeAgents{},
		events:   &fakeEvents{},
	}
	r.chats.chats["chat-1"] = &models.ChatRecord{
		ID:         "chat-1",
		Phone:      "573001112233",
		NumberID:   "num-1",
		CampaignID: "camp-1",
		Status:     models.ChatStatusBot,
	}
	r.engine = NewEngine(Deps{
		Flows:    r.flows,
		Chats:    r.chats,
		Sender:   r.sender,
		Messages: r.messages,
		Debtors:  r.debtors,
		Agents:   r.agents,
		Events:   r.events,
	})
	return r
}

func (r *testRig) addFlow(startNode string, nodes ...*models.NodeDefinition) {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		n.FlowID = "flow-1"
		r.flows.nodes[n.ID] = n
		ids[i] = n.ID
	}
	r.flows.flows["flow-1"] = &models.FlowDefinition{
		ID:          "flow-1",
		Name:        "cobranza",
		Status:      models.FlowStatusActive,
		StartNodeID: startNode,
		NodeIDs:     ids,
	}
}

// --- tests ---

func TestStartFlowInactiveFlow(t *testing.T) {
	r := newTestRig()
	r.flows.flows["flow-1"] = &models.FlowDefinition{
		ID: "flow-1", Status: models.FlowStatusInactive, StartNodeID: "n1", NodeIDs: []string{"n1"},
	}

	err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1")
	if !errors.Is(err, ErrFlowNotActive) {
		t.Fatalf("StartFlow on inactive flow: err = %v, want ErrFlowNotActive", err)
	}
	if r.engine.HasActiveSession("chat-1") {
		t.Error("session created for inactive flow")
	}
}

func TestStartFlowMessageAutoAdvancesToMenu(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMessage, NextNodeID: "n2",
			Message: &models.MessageConfig{Body: "Hola {{clientName}}"}},
		&models.NodeDefinition{ID: "n2", Type: models.NodeTypeMenu,
			Menu: &models.MenuConfig{Body: "¿Qué deseas hacer?", Options: []models.MenuOption{
				{ID: "o1", Label: "Pagar", NextNodeID: "n3"},
				{ID: "o2", Label: "Asesor", NextNodeID: "n4"},
			}}},
	)

	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	if len(r.sender.sent) != 2 {
		t.Fatalf("sent %d messages, want 2 (greeting + menu)", len(r.sender.sent))
	}
	if r.sender.sent[0].body != "Hola 573001112233" {
		t.Errorf("greeting = %q, want phone-substituted name", r.sender.sent[0].body)
	}
	if r.sender.sent[1].kind != models.MessageKindButtons {
		t.Errorf("menu with 2 options sent as %s, want buttons", r.sender.sent[1].kind)
	}

	sess := r.engine.Sessions().Get("chat-1")
	if sess == nil {
		t.Fatal("no session after StartFlow")
	}
	if sess.CurrentNodeID != "n2" || !sess.WaitingForInput {
		t.Errorf("session parked at %q waiting=%v, want n2 waiting", sess.CurrentNodeID, sess.WaitingForInput)
	}
	if len(r.messages.records) != 2 {
		t.Errorf("persisted %d message records, want 2", len(r.messages.records))
	}
}

func TestMenuResumeByIndexAndLabel(t *testing.T) {
	for _, reply := range []string{"1", "pagar", "Pagar"} {
		t.Run(reply, func(t *testing.T) {
			r := newTestRig()
			r.addFlow("n1",
				&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMenu,
					Menu: &models.MenuConfig{Body: "Opciones", Options: []models.MenuOption{
						{ID: "o1", Label: "Pagar", Value: "pagar", NextNodeID: "n2"},
						{ID: "o2", Label: "Salir", NextNodeID: "n3"},
					}}},
				&models.NodeDefinition{ID: "n2", Type: models.NodeTypeMessage,
					Message: &models.MessageConfig{Body: "Elegiste {{selected_option}}"}},
			)
			if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
				t.Fatalf("StartFlow() error = %v", err)
			}
			if err := r.engine.ProcessUserInput(context.Background(), "chat-1", reply); err != nil {
				t.Fatalf("ProcessUserInput(%q) error = %v", reply, err)
			}

			last := r.sender.sent[len(r.sender.sent)-1]
			if last.body != "Elegiste pagar" {
				t.Errorf("after reply %q last message = %q, want %q", reply, last.body, "Elegiste pagar")
			}
		})
	}
}

func TestMenuStallsOnUnmatchedReply(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMenu,
			Menu: &models.MenuConfig{Body: "Opciones", Options: []models.MenuOption{
				{ID: "o1", Label: "Pagar", NextNodeID: "n2"},
			}}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	before := len(r.sender.sent)
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "zzz"); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}

	sess := r.engine.Sessions().Get("chat-1")
	if sess.CurrentNodeID != "n1" {
		t.Errorf("session moved to %q on unmatched reply, want n1", sess.CurrentNodeID)
	}
	if len(r.sender.sent) != before {
		t.Errorf("unmatched menu reply triggered %d sends", len(r.sender.sent)-before)
	}
}

func TestMenuFallsBackToPlainTextOnSendFailure(t *testing.T) {
	r := newTestRig()
	r.sender.failInteractive = true
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMenu,
			Menu: &models.MenuConfig{Body: "Opciones", Options: []models.MenuOption{
				{ID: "o1", Label: "Pagar", NextNodeID: "n2"},
				{ID: "o2", Label: "Salir", NextNodeID: "n3"},
			}}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	if len(r.sender.sent) != 1 || r.sender.sent[0].kind != models.MessageKindText {
		t.Fatalf("expected one plain-text fallback send, got %v", r.sender.sent)
	}
	if !strings.Contains(r.sender.sent[0].body, "1. Pagar") || !strings.Contains(r.sender.sent[0].body, "2. Salir") {
		t.Errorf("fallback body missing numbered options: %q", r.sender.sent[0].body)
	}
	// One FAILED record for the interactive attempt, one SENT for the fallback.
	var failed, sent int
	for _, rec := range r.messages.records {
		switch rec.Status {
		case models.MessageStatusFailed:
			failed++
		case models.MessageStatusSent:
			sent++
		}
	}
	if failed != 1 || sent != 1 {
		t.Errorf("records failed=%d sent=%d, want 1/1", failed, sent)
	}
}

func TestInputRequiredRejectsEmptyReply(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeInput, NextNodeID: "n2",
			Input: &models.InputConfig{
				Prompt:       "Escribe tu número de cédula",
				VariableName: "cedula",
				Validation:   models.InputValidation{Required: true, ErrorMessage: "Necesito tu cédula."},
			}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "   "); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}

	sess := r.engine.Sessions().Get("chat-1")
	if sess.CurrentNodeID != "n1" {
		t.Errorf("empty required input advanced to %q, want n1", sess.CurrentNodeID)
	}
	last := r.sender.sent[len(r.sender.sent)-1]
	if last.body != "Necesito tu cédula." {
		t.Errorf("validation error = %q, want configured message", last.body)
	}
	if _, ok := sess.Variables["cedula"]; ok {
		t.Error("rejected input still captured cedula variable")
	}
}

func TestInputPatternValidation(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeInput, NextNodeID: "n2",
			Input: &models.InputConfig{
				VariableName: "monto",
				Validation:   models.InputValidation{Pattern: `^[0-9]+$`},
			}},
		&models.NodeDefinition{ID: "n2", Type: models.NodeTypeMessage,
			Message: &models.MessageConfig{Body: "Monto {{monto}}"}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "abc"); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}
	if got := r.engine.Sessions().Get("chat-1").CurrentNodeID; got != "n1" {
		t.Errorf("non-matching input advanced to %q", got)
	}

	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "50000"); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}
	last := r.sender.sent[len(r.sender.sent)-1]
	if last.body != "Monto 50000" {
		t.Errorf("after valid input last message = %q", last.body)
	}
}

func TestInputDocumentCaptureLinksDebtor(t *testing.T) {
	r := newTestRig()
	r.debtors.byNumber["1017223344"] = &models.Debtor{
		ID: "d-1", Name: "Carlos Pérez", DocumentType: "CC", DocumentNumber: "1017223344",
		DebtAmount: 1500000, Company: "Banco Azul",
	}
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeInput, NextNodeID: "n2",
			Input: &models.InputConfig{VariableName: "cedula"}},
		&models.NodeDefinition{ID: "n2", Type: models.NodeTypeMessage,
			Message: &models.MessageConfig{Body: "{{debtor.name}} debe {{debtor.debtAmount}} a {{debtor.company}}"}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "1017223344"); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}

	sess := r.engine.Sessions().Get("chat-1")
	if sess.Variables["debtorFound"] != true {
		t.Error("debtorFound not set after successful lookup")
	}
	if sess.Variables["clientName"] != "Carlos Pérez" {
		t.Errorf("clientName = %v, want debtor name", sess.Variables["clientName"])
	}

	last := r.sender.sent[len(r.sender.sent)-1]
	want := "Carlos Pérez debe 1.500.000 a Banco Azul"
	if last.body != want {
		t.Errorf("enriched message = %q, want %q", last.body, want)
	}

	if r.chats.chats["chat-1"].DebtorID != "d-1" {
		t.Error("chat record not linked to debtor")
	}
	var linked bool
	for _, evt := range r.events.published {
		if evt.Name == models.EventDebtorLinked {
			linked = true
		}
	}
	if !linked {
		t.Error("debtor-linked event not published")
	}
}

func TestInputDocumentNotFoundSetsFlag(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeInput, NextNodeID: "n2",
			Input: &models.InputConfig{VariableName: "documento"}},
		&models.NodeDefinition{ID: "n2", Type: models.NodeTypeMessage,
			Message: &models.MessageConfig{Body: "Encontrado: {{debtorFound}}"}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "999"); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}

	last := r.sender.sent[len(r.sender.sent)-1]
	if last.body != "Encontrado: false" {
		t.Errorf("message = %q, want debtorFound false", last.body)
	}
}

func TestDebtorLookupStripsLeadingZeros(t *testing.T) {
	r := newTestRig()
	r.debtors.byNumber["123"] = &models.Debtor{ID: "d-2", Name: "Lina", DocumentNumber: "123"}
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeInput,
			Input: &models.InputConfig{VariableName: "cedula"}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "000123"); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}

	sess := r.engine.Sessions().Get("chat-1")
	if sess.Variables["debtorFound"] != true {
		t.Error("zero-padded document did not resolve the debtor")
	}
}

func TestConditionRoutesAndFallsBack(t *testing.T) {
	condition := &models.NodeDefinition{ID: "n2", Type: models.NodeTypeCondition,
		Condition: &models.ConditionConfig{
			Rules: []models.ConditionRule{
				{Operator: models.OperatorEquals, Value: "si", TargetNodeID: "n3"},
			},
			DefaultNodeID: "n4",
		}}
	yes := &models.NodeDefinition{ID: "n3", Type: models.NodeTypeMessage,
		Message: &models.MessageConfig{Body: "Perfecto"}}
	other := &models.NodeDefinition{ID: "n4", Type: models.NodeTypeMessage,
		Message: &models.MessageConfig{Body: "Entiendo"}}

	cases := []struct {
		reply string
		want  string
	}{
		{"SI", "Perfecto"},
		{"tal vez", "Entiendo"},
	}
	for _, tc := range cases {
		t.Run(tc.reply, func(t *testing.T) {
			r := newTestRig()
			r.addFlow("n1",
				&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMessage, NextNodeID: "n2",
					Message: &models.MessageConfig{Body: "¿Eres el titular?"}},
				condition, yes, other,
			)
			if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
				t.Fatalf("StartFlow() error = %v", err)
			}
			// The chain parked on the condition node awaiting input.
			if got := r.engine.Sessions().Get("chat-1").CurrentNodeID; got != "n2" {
				t.Fatalf("session parked at %q, want condition node n2", got)
			}
			if err := r.engine.ProcessUserInput(context.Background(), "chat-1", tc.reply); err != nil {
				t.Fatalf("ProcessUserInput() error = %v", err)
			}
			last := r.sender.sent[len(r.sender.sent)-1]
			if last.body != tc.want {
				t.Errorf("reply %q routed to %q, want %q", tc.reply, last.body, tc.want)
			}
		})
	}
}

func TestMessageButtonsParkOnResponseNode(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMessage,
			Message: &models.MessageConfig{
				Body:           "¿Eres {{clientName}}?",
				Buttons:        []models.ButtonOption{{ID: "b1", Text: "Sí"}, {ID: "b2", Text: "No"}},
				ResponseNodeID: "n2",
			}},
		&models.NodeDefinition{ID: "n2", Type: models.NodeTypeMessage, NextNodeID: "n3",
			Message: &models.MessageConfig{
				Body:    "Gracias por confirmar",
				Buttons: []models.ButtonOption{{ID: "b1", Text: "Sí"}, {ID: "b2", Text: "No"}},
			}},
		&models.NodeDefinition{ID: "n3", Type: models.NodeTypeMessage,
			Message: &models.MessageConfig{Body: "Continuemos"}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	sess := r.engine.Sessions().Get("chat-1")
	if sess.CurrentNodeID != "n2" || !sess.WaitingForInput {
		t.Fatalf("buttoned message parked at %q waiting=%v, want n2 waiting", sess.CurrentNodeID, sess.WaitingForInput)
	}

	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "Sí"); err != nil {
		t.Fatalf("ProcessUserInput() error = %v", err)
	}
	if sess.Variables["selected_option"] != "Sí" {
		t.Errorf("selected_option = %v, want Sí", sess.Variables["selected_option"])
	}
}

func TestTransferAssignsAvailableAgent(t *testing.T) {
	r := newTestRig()
	r.agents.agent = &models.CandidateAgent{ID: "a-1", Name: "Laura", CurrentLoad: 2}
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeTransferAgent,
			Transfer: &models.TransferConfig{}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	last := r.sender.sent[len(r.sender.sent)-1]
	if !strings.Contains(last.body, "Laura") {
		t.Errorf("assignment message %q does not name the agent", last.body)
	}
	chat := r.chats.chats["chat-1"]
	if chat.Status != models.ChatStatusActive || chat.AssignedAgentID != "a-1" {
		t.Errorf("chat status=%s agent=%s, want ACTIVE/a-1", chat.Status, chat.AssignedAgentID)
	}
	var loadBumped bool
	for _, p := range r.chats.patches {
		if p.AgentLoadDelta == 1 {
			loadBumped = true
		}
	}
	if !loadBumped {
		t.Error("agent load was not incremented")
	}
	if r.engine.HasActiveSession("chat-1") {
		t.Error("session survived transfer")
	}
	var assigned bool
	for _, evt := range r.events.published {
		if evt.Name == models.EventChatAssigned {
			assigned = true
		}
	}
	if !assigned {
		t.Error("chat-assigned event not published")
	}
}

func TestTransferQueuesWhenAllBusy(t *testing.T) {
	r := newTestRig()
	r.agents.agent = nil
	r.agents.headcount = 3
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeTransferAgent,
			Transfer: &models.TransferConfig{}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	last := r.sender.sent[len(r.sender.sent)-1]
	if last.body != DefaultQueuedMessage {
		t.Errorf("queued message = %q, want DefaultQueuedMessage", last.body)
	}
	if r.chats.chats["chat-1"].Status != models.ChatStatusWaiting {
		t.Errorf("chat status = %s, want WAITING", r.chats.chats["chat-1"].Status)
	}
}

func TestTransferOutOfHoursWhenNobodyOnShift(t *testing.T) {
	r := newTestRig()
	r.agents.agent = nil
	r.agents.headcount = 0
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeTransferAgent,
			Transfer: &models.TransferConfig{}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	last := r.sender.sent[len(r.sender.sent)-1]
	if last.body != DefaultOutOfHours {
		t.Errorf("out-of-hours message = %q, want DefaultOutOfHours", last.body)
	}
	if r.chats.chats["chat-1"].Status != models.ChatStatusWaiting {
		t.Errorf("chat status = %s, want WAITING", r.chats.chats["chat-1"].Status)
	}
	if r.engine.HasActiveSession("chat-1") {
		t.Error("session survived transfer")
	}
}

func TestEndNodeResolvesChat(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMessage, NextNodeID: "n2",
			Message: &models.MessageConfig{Body: "Adiós"}},
		&models.NodeDefinition{ID: "n2", Type: models.NodeTypeEnd,
			End: &models.EndConfig{Message: "Gracias, {{clientName}}."}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	if r.engine.HasActiveSession("chat-1") {
		t.Error("session survived END node")
	}
	if r.chats.chats["chat-1"].Status != models.ChatStatusResolved {
		t.Errorf("chat status = %s, want RESOLVED", r.chats.chats["chat-1"].Status)
	}
	last := r.sender.sent[len(r.sender.sent)-1]
	if last.body != "Gracias, 573001112233." {
		t.Errorf("close message = %q", last.body)
	}
}

func TestAutoAdvanceCycleDetected(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMessage, NextNodeID: "n2",
			Message: &models.MessageConfig{Body: "a"}},
		&models.NodeDefinition{ID: "n2", Type: models.NodeTypeMessage, NextNodeID: "n1",
			Message: &models.MessageConfig{Body: "b"}},
	)
	err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1")
	if !errors.Is(err, ErrFlowCycle) {
		t.Fatalf("StartFlow() on cyclic flow err = %v, want ErrFlowCycle", err)
	}
	if r.engine.HasActiveSession("chat-1") {
		t.Error("session survived failed start")
	}
}

func TestStartFlowInvalidStartNodeLeavesNoSession(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMessage},
	)

	err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1")
	if err == nil {
		t.Fatal("StartFlow() on misconfigured start node returned nil error")
	}
	if r.engine.HasActiveSession("chat-1") {
		t.Error("session exists after configuration error")
	}
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "hola"); err != nil {
		t.Fatalf("ProcessUserInput() after failed start error = %v, want nil", err)
	}
	if len(r.sender.sent) != 0 {
		t.Errorf("failed start produced %d sends", len(r.sender.sent))
	}
}

func TestResumeRejectsCorruptedNodeConfig(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMenu,
			Menu: &models.MenuConfig{Body: "Opciones", Options: []models.MenuOption{
				{ID: "o1", Label: "Pagar", NextNodeID: "n1"},
			}}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	// Simulate a hand-edited row: the parked node loses its config.
	r.flows.nodes["n1"] = &models.NodeDefinition{ID: "n1", Type: models.NodeTypeMenu}
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "1"); err == nil {
		t.Fatal("ProcessUserInput() on corrupted node config returned nil error")
	}
}

func TestTemplateSendCarriesRenderedBody(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMessage,
			Message: &models.MessageConfig{Body: "Hola {{clientName}}", TemplateSID: "HX123"}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	if got := r.sender.templateVars["body"]; got != "Hola 573001112233" {
		t.Errorf("template body variable = %q, want rendered body", got)
	}
	if got := r.sender.templateVars["clientPhone"]; got != "573001112233" {
		t.Errorf("template clientPhone variable = %q", got)
	}
}

func TestProcessUserInputWithoutSessionIsNoOp(t *testing.T) {
	r := newTestRig()
	if err := r.engine.ProcessUserInput(context.Background(), "chat-1", "hola"); err != nil {
		t.Fatalf("ProcessUserInput() without session error = %v, want nil", err)
	}
	if len(r.sender.sent) != 0 {
		t.Errorf("no-op input produced %d sends", len(r.sender.sent))
	}
}

func TestCleanInactiveSessions(t *testing.T) {
	r := newTestRig()
	r.addFlow("n1",
		&models.NodeDefinition{ID: "n1", Type: models.NodeTypeMenu,
			Menu: &models.MenuConfig{Body: "Opciones", Options: []models.MenuOption{
				{ID: "o1", Label: "Pagar", NextNodeID: "n1"},
			}}},
	)
	if err := r.engine.StartFlow(context.Background(), "chat-1", "flow-1"); err != nil {
		t.Fatalf("StartFlow() error = %v", err)
	}

	if removed := r.engine.CleanInactiveSessions(30); removed != 0 {
		t.Errorf("fresh session reaped: removed = %d", removed)
	}

	sess := r.engine.Sessions().Get("chat-1")
	sess.LastActivityAt = sess.LastActivityAt.Add(-time.Hour)
	if removed := r.engine.CleanInactiveSessions(30); removed != 1 {
		t.Errorf("CleanInactiveSessions() removed = %d, want 1", removed)
	}
}
