package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/finteca/cobraflow/internal/models"
)

// Configuration errors surfaced to StartFlow callers.
var (
	// ErrFlowNotActive means the flow is missing or not in active status.
	ErrFlowNotActive = errors.New("flow not active")
	// ErrNoStartNode means the flow has no start node configured.
	ErrNoStartNode = errors.New("flow has no start node")
	// ErrFlowCycle means auto-advance revisited a node within one dispatch.
	ErrFlowCycle = errors.New("flow auto-advance cycle detected")
)

// FlowRepository loads flow and node definitions.
type FlowRepository interface {
	GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error)
	GetNode(ctx context.Context, id string) (*models.NodeDefinition, error)
}

// ChatService reads and patches the external chat record. The engine mirrors
// session snapshots onto it for crash recovery and UI visibility.
type ChatService interface {
	Get(ctx context.Context, chatID string) (*models.ChatRecord, error)
	Update(ctx context.Context, chatID string, patch models.ChatPatch) error
}

// Messenger sends outbound messages. Every method returns the transport
// message id. Failures are recorded, never propagated as flow errors.
type Messenger interface {
	SendText(ctx context.Context, numberID, phone, body string) (string, error)
	SendButtons(ctx context.Context, numberID, phone, body string, buttons []models.ButtonOption) (string, error)
	SendList(ctx context.Context, numberID, phone, body string, options []models.MenuOption) (string, error)
	SendTemplate(ctx context.Context, numberID, phone, templateSID string, variables map[string]string) (string, error)
}

// MessageService persists message records.
type MessageService interface {
	Create(ctx context.Context, rec models.MessageRecord) (models.MessageRecord, error)
	UpdateStatus(ctx context.Context, id string, status models.MessageStatus, sendErr string) error
}

// DebtorService looks up debtors by document.
type DebtorService interface {
	FindByDocument(ctx context.Context, documentType, number string) (*models.Debtor, error)
	FindByDocumentNumber(ctx context.Context, number string) (*models.Debtor, error)
}

// AgentSelector picks an agent for hand-off and reports the on-shift
// headcount used for message wording.
type AgentSelector interface {
	SelectAgent(ctx context.Context, campaignID string) (*models.CandidateAgent, error)
	OnShiftHeadcount(ctx context.Context) (int, error)
}

// EventPublisher emits fire-and-forget events for downstream consumers.
type EventPublisher interface {
	Publish(evt models.Event)
}

// Deps bundles the collaborators the engine is wired with.
type Deps struct {
	Flows    FlowRepository
	Chats    ChatService
	Sender   Messenger
	Messages MessageService
	Debtors  DebtorService
	Agents   AgentSelector
	Events   EventPublisher
}

// Engine orchestrates start/resume requests and drives node dispatch.
type Engine struct {
	deps     Deps
	sessions *SessionStore
}

// NewEngine creates a flow engine with the given collaborators.
func NewEngine(deps Deps) *Engine {
	slog.Debug("Creating flow Engine")
	return &Engine{deps: deps, sessions: NewSessionStore()}
}

// Sessions exposes the session store for lifecycle management (reaper).
func (e *Engine) Sessions() *SessionStore {
	return e.sessions
}

// HasActiveSession reports whether a flow session exists for the chat.
func (e *Engine) HasActiveSession(chatID string) bool {
	return e.sessions.Has(chatID)
}

// CleanInactiveSessions removes sessions idle longer than maxMinutes and
// returns how many were removed.
func (e *Engine) CleanInactiveSessions(maxMinutes int) int {
	return e.sessions.Reap(time.Duration(maxMinutes) * time.Minute)
}

// StartFlow creates a session for the chat and dispatches the flow's start
// node. Configuration problems (inactive flow, missing or invalid start
// node) fail the call and leave no session behind.
func (e *Engine) StartFlow(ctx context.Context, chatID, flowID string) error {
	slog.Debug("Engine StartFlow", "chatID", chatID, "flowID", flowID)

	flowDef, err := e.deps.Flows.GetFlow(ctx, flowID)
	if err != nil || flowDef == nil || flowDef.Status != models.FlowStatusActive {
		slog.Error("Engine StartFlow flow not active", "chatID", chatID, "flowID", flowID, "error", err)
		return ErrFlowNotActive
	}
	if flowDef.StartNodeID == "" {
		slog.Error("Engine StartFlow flow has no start node", "chatID", chatID, "flowID", flowID)
		return ErrNoStartNode
	}

	chat, err := e.deps.Chats.Get(ctx, chatID)
	if err != nil {
		slog.Error("Engine StartFlow chat lookup failed", "chatID", chatID, "error", err)
		return fmt.Errorf("chat lookup failed: %w", err)
	}

	var dispatchErr error
	e.sessions.WithLock(chatID, func() {
		now := time.Now()
		sess := &models.Session{
			ChatID:         chatID,
			FlowID:         flowID,
			CurrentNodeID:  flowDef.StartNodeID,
			Variables:      initialVariables(flowDef, chat),
			CreatedAt:      now,
			LastActivityAt: now,
		}
		e.sessions.Put(sess)

		d := &dispatch{sess: sess, chat: chat}
		dispatchErr = e.runFrom(ctx, d, flowDef.StartNodeID)
		if dispatchErr != nil {
			// A bad start node must not leave a live session behind: later
			// input would resume a flow whose start never succeeded.
			e.sessions.Delete(chatID)
			return
		}
		e.finishDispatch(ctx, d)
	})
	if dispatchErr != nil {
		slog.Error("Engine StartFlow dispatch failed", "chatID", chatID, "flowID", flowID, "error", dispatchErr)
		return dispatchErr
	}
	slog.Info("Engine StartFlow succeeded", "chatID", chatID, "flowID", flowID)
	return nil
}

// ProcessUserInput resumes the chat's session with the user's reply. When no
// session exists the message is dropped as a deliberate no-op: whether the
// conversation should be re-activated from campaign bot settings is an
// upstream listener decision, not the engine's.
func (e *Engine) ProcessUserInput(ctx context.Context, chatID, text string) error {
	slog.Debug("Engine ProcessUserInput", "chatID", chatID, "body_length", len(text))

	var resumeErr error
	e.sessions.WithLock(chatID, func() {
		sess := e.sessions.Get(chatID)
		if sess == nil {
			slog.Debug("Engine ProcessUserInput no session, dropping input", "chatID", chatID)
			return
		}

		chat, err := e.deps.Chats.Get(ctx, chatID)
		if err != nil {
			slog.Error("Engine ProcessUserInput chat lookup failed", "chatID", chatID, "error", err)
			resumeErr = fmt.Errorf("chat lookup failed: %w", err)
			return
		}

		sess.Variables[models.VarUserResponse] = text
		d := &dispatch{sess: sess, chat: chat}
		resumeErr = e.resume(ctx, d, text)
		e.finishDispatch(ctx, d)
	})
	return resumeErr
}

// dispatch carries per-dispatch state through a locked chain.
type dispatch struct {
	sess *models.Session
	chat *models.ChatRecord
	// terminated is set when the session was deleted (END / TRANSFER_AGENT).
	terminated bool
}

// finishDispatch stamps activity and mirrors the snapshot unless the chain
// terminated the session.
func (e *Engine) finishDispatch(ctx context.Context, d *dispatch) {
	if d.terminated || !e.sessions.Has(d.sess.ChatID) {
		return
	}
	d.sess.LastActivityAt = time.Now()
	e.mirrorSnapshot(ctx, d.sess)
}

// mirrorSnapshot persists currentNodeId and variables onto the chat record
// so a process restart can rehydrate best-effort. Failures are logged only.
func (e *Engine) mirrorSnapshot(ctx context.Context, sess *models.Session) {
	raw, err := json.Marshal(sess.Variables)
	if err != nil {
		slog.Error("Engine snapshot marshal failed", "chatID", sess.ChatID, "error", err)
		return
	}
	vars := string(raw)
	status := models.ChatStatusBot
	patch := models.ChatPatch{
		Status:       &status,
		BotFlowID:    &sess.FlowID,
		BotNodeID:    &sess.CurrentNodeID,
		BotVariables: &vars,
	}
	if err := e.deps.Chats.Update(ctx, sess.ChatID, patch); err != nil {
		slog.Error("Engine snapshot mirror failed", "chatID", sess.ChatID, "error", err)
	}
}

// initialVariables builds the starting namespace: flow-declared defaults
// plus the reserved client fields.
func initialVariables(flowDef *models.FlowDefinition, chat *models.ChatRecord) map[string]any {
	vars := make(map[string]any, len(flowDef.Variables)+3)
	for name, def := range flowDef.Variables {
		vars[name] = def
	}
	name := chat.ContactName
	if name == "" {
		name = chat.Phone
	}
	vars["clientName"] = name
	vars["clientPhone"] = chat.Phone
	vars["debtorFound"] = false
	return vars
}
