// Node dispatcher: executes a single node per its type and drives
// auto-advance chains as an explicit trampoline with cycle protection.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/finteca/cobraflow/internal/models"
	"github.com/google/uuid"
)

// Default message texts used when node configs omit them.
const (
	DefaultInputPrompt     = "Por favor escribe la información solicitada:"
	DefaultValidationError = "La respuesta no es válida. Por favor intenta de nuevo."
	DefaultEndMessage      = "Gracias por comunicarte con nosotros. ¡Hasta pronto!"
	DefaultAssignedMessage = "Serás atendido por {{agent.name}} en un momento."
	DefaultOutOfHours      = "En este momento no contamos con asesores en turno. Te contactaremos en nuestro horario de atención."
	DefaultQueuedMessage   = "Todos nuestros asesores están ocupados. Quedaste en cola de espera y te atenderemos tan pronto sea posible."
)

// MaxButtonsBeforeList: menus above this size render as a list message.
const MaxButtonsBeforeList = 3

// runFrom executes nodes starting at nodeID until the chain suspends or
// terminates. The explicit loop plus visited set guards against
// misconfigured flows that cycle through auto-advancing nodes.
func (e *Engine) runFrom(ctx context.Context, d *dispatch, nodeID string) error {
	visited := make(map[string]bool)
	current := nodeID
	for current != "" {
		if visited[current] {
			slog.Error("Flow auto-advance cycle", "chatID", d.sess.ChatID, "nodeID", current)
			return ErrFlowCycle
		}
		visited[current] = true

		node, err := e.deps.Flows.GetNode(ctx, current)
		if err != nil || node == nil {
			slog.Error("Flow node missing", "chatID", d.sess.ChatID, "nodeID", current, "error", err)
			return fmt.Errorf("node %s: %w", current, models.ErrNodeNotFound)
		}
		if err := node.Validate(); err != nil {
			slog.Error("Flow node config invalid", "chatID", d.sess.ChatID, "nodeID", current, "type", node.Type, "error", err)
			return fmt.Errorf("node %s: %w", current, err)
		}

		d.sess.CurrentNodeID = current
		slog.Debug("Dispatching node", "chatID", d.sess.ChatID, "nodeID", current, "type", node.Type)

		next, suspend := "", false
		switch node.Type {
		case models.NodeTypeMessage:
			next, suspend = e.execMessage(ctx, d, node)
		case models.NodeTypeMenu:
			e.execMenu(ctx, d, node)
			suspend = true
		case models.NodeTypeInput:
			e.execInputPrompt(ctx, d, node)
			suspend = true
		case models.NodeTypeCondition:
			// Conditions only evaluate on user input; auto-dispatch parks here.
			suspend = true
		case models.NodeTypeAPICall:
			e.execAPICall(ctx, d, node)
			next = node.NextNodeID
		case models.NodeTypeTransferAgent:
			e.execTransfer(ctx, d, node)
			return nil
		case models.NodeTypeEnd:
			e.execEnd(ctx, d, node)
			return nil
		}

		d.sess.WaitingForInput = suspend
		current = next
	}
	return nil
}

// resume handles a user reply against the session's current node.
func (e *Engine) resume(ctx context.Context, d *dispatch, text string) error {
	node, err := e.deps.Flows.GetNode(ctx, d.sess.CurrentNodeID)
	if err != nil || node == nil {
		slog.Error("Resume node missing", "chatID", d.sess.ChatID, "nodeID", d.sess.CurrentNodeID, "error", err)
		return fmt.Errorf("node %s: %w", d.sess.CurrentNodeID, models.ErrNodeNotFound)
	}
	if err := node.Validate(); err != nil {
		slog.Error("Resume node config invalid", "chatID", d.sess.ChatID, "nodeID", node.ID, "type", node.Type, "error", err)
		return fmt.Errorf("node %s: %w", node.ID, err)
	}

	switch node.Type {
	case models.NodeTypeMessage:
		return e.resumeMessage(ctx, d, node, text)
	case models.NodeTypeMenu:
		return e.resumeMenu(ctx, d, node, text)
	case models.NodeTypeInput:
		return e.resumeInput(ctx, d, node, text)
	case models.NodeTypeCondition:
		return e.resumeCondition(ctx, d, node)
	default:
		// API_CALL, TRANSFER_AGENT and END never wait for input.
		slog.Warn("Resume on non-waiting node, ignoring input", "chatID", d.sess.ChatID, "nodeID", node.ID, "type", node.Type)
		return nil
	}
}

// execMessage sends a MESSAGE node and decides how the chain continues.
// Transport shape: templated content > interactive buttons > plain text.
func (e *Engine) execMessage(ctx context.Context, d *dispatch, node *models.NodeDefinition) (next string, suspend bool) {
	cfg := node.Message
	body := Render(cfg.Body, d.sess.Variables)

	switch {
	case cfg.TemplateSID != "":
		e.deliver(ctx, d, outbound{kind: models.MessageKindTemplate, body: body, templateSID: cfg.TemplateSID})
	case len(cfg.Buttons) > 0:
		e.deliver(ctx, d, outbound{kind: models.MessageKindButtons, body: body, buttons: cfg.Buttons})
	default:
		e.deliver(ctx, d, outbound{kind: models.MessageKindText, body: body})
	}

	if len(cfg.Buttons) > 0 && cfg.ResponseNodeID != "" {
		// Park on the response node and wait for the button reply.
		d.sess.CurrentNodeID = cfg.ResponseNodeID
		return "", true
	}
	if node.NextNodeID != "" {
		return node.NextNodeID, false
	}
	return "", true
}

// resumeMessage matches a reply against the node's buttons. It is only
// reachable when a buttoned message parked the session on another MESSAGE.
func (e *Engine) resumeMessage(ctx context.Context, d *dispatch, node *models.NodeDefinition, text string) error {
	cfg := node.Message
	if cfg == nil || len(cfg.Buttons) == 0 {
		slog.Info("Message node has no buttons to match, stalling", "chatID", d.sess.ChatID, "nodeID", node.ID)
		return nil
	}

	idx, ok := MatchButton(cfg.Buttons, text)
	if !ok {
		slog.Info("Button reply did not match, stalling", "chatID", d.sess.ChatID, "nodeID", node.ID, "reply", text)
		return nil
	}
	selected := cfg.Buttons[idx]
	value := selected.Value
	if value == "" {
		value = selected.Text
	}
	d.sess.Variables["selected_option"] = value
	slog.Debug("Button reply matched", "chatID", d.sess.ChatID, "nodeID", node.ID, "button", selected.ID)

	target := cfg.ResponseNodeID
	if target == "" {
		target = node.NextNodeID
	}
	if target == "" {
		return nil
	}
	return e.runFrom(ctx, d, target)
}

// execMenu sends a MENU node: buttons when small, a list otherwise, with a
// plain numbered-text resend if the interactive send fails. Menus always
// suspend.
func (e *Engine) execMenu(ctx context.Context, d *dispatch, node *models.NodeDefinition) {
	cfg := node.Menu
	body := Render(cfg.Body, d.sess.Variables)

	var sendErr error
	if len(cfg.Options) <= MaxButtonsBeforeList {
		buttons := make([]models.ButtonOption, len(cfg.Options))
		for i, opt := range cfg.Options {
			buttons[i] = models.ButtonOption{ID: opt.ID, Text: opt.Label, Value: opt.Value}
		}
		sendErr = e.deliver(ctx, d, outbound{kind: models.MessageKindButtons, body: body, buttons: buttons})
	} else {
		sendErr = e.deliver(ctx, d, outbound{kind: models.MessageKindList, body: body, options: cfg.Options})
	}

	if sendErr != nil {
		slog.Warn("Interactive menu send failed, resending as plain text", "chatID", d.sess.ChatID, "nodeID", node.ID, "error", sendErr)
		e.deliver(ctx, d, outbound{kind: models.MessageKindText, body: numberedMenu(body, cfg.Options)})
	}
}

// resumeMenu matches a reply to a menu option and advances, or stalls.
func (e *Engine) resumeMenu(ctx context.Context, d *dispatch, node *models.NodeDefinition, text string) error {
	idx, ok := MatchMenuOption(node.Menu.Options, text)
	if !ok {
		slog.Info("Menu reply did not match any option, stalling", "chatID", d.sess.ChatID, "nodeID", node.ID, "reply", text)
		return nil
	}
	opt := node.Menu.Options[idx]
	value := opt.Value
	if value == "" {
		value = opt.Label
	}
	d.sess.Variables["selected_option"] = value
	slog.Debug("Menu reply matched", "chatID", d.sess.ChatID, "nodeID", node.ID, "option", opt.ID)
	if opt.NextNodeID == "" {
		slog.Warn("Matched menu option has no next node", "chatID", d.sess.ChatID, "nodeID", node.ID, "option", opt.ID)
		return nil
	}
	return e.runFrom(ctx, d, opt.NextNodeID)
}

// execInputPrompt sends the INPUT node's prompt and suspends.
func (e *Engine) execInputPrompt(ctx context.Context, d *dispatch, node *models.NodeDefinition) {
	cfg := node.Input
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultInputPrompt
	}
	body := Render(prompt, d.sess.Variables)
	if len(cfg.Buttons) > 0 {
		e.deliver(ctx, d, outbound{kind: models.MessageKindButtons, body: body, buttons: cfg.Buttons})
		return
	}
	e.deliver(ctx, d, outbound{kind: models.MessageKindText, body: body})
}

// resumeInput validates and captures a reply, enriches from the debtor
// portfolio when the variable denotes a document, then advances.
func (e *Engine) resumeInput(ctx context.Context, d *dispatch, node *models.NodeDefinition, text string) error {
	cfg := node.Input

	if cfg.Validation.Required && strings.TrimSpace(text) == "" {
		e.rejectInput(ctx, d, cfg)
		return nil
	}
	if cfg.Validation.Pattern != "" {
		re, err := regexp.Compile(cfg.Validation.Pattern)
		if err != nil {
			slog.Error("Input validation pattern invalid, skipping", "chatID", d.sess.ChatID, "nodeID", node.ID, "pattern", cfg.Validation.Pattern, "error", err)
		} else if !re.MatchString(text) {
			e.rejectInput(ctx, d, cfg)
			return nil
		}
	}

	d.sess.Variables[cfg.VariableName] = text
	slog.Debug("Input captured", "chatID", d.sess.ChatID, "nodeID", node.ID, "variable", cfg.VariableName)

	if cfg.LookupDebtor || isDocumentVariable(cfg.VariableName) {
		e.enrichFromDebtor(ctx, d, cfg.DocumentType, text)
	}

	if node.NextNodeID == "" {
		return nil
	}
	return e.runFrom(ctx, d, node.NextNodeID)
}

// rejectInput re-prompts with the configured or generic error. The node
// stays current; this is expected control flow, not an error.
func (e *Engine) rejectInput(ctx context.Context, d *dispatch, cfg *models.InputConfig) {
	msg := cfg.Validation.ErrorMessage
	if msg == "" {
		msg = DefaultValidationError
	}
	slog.Info("Input rejected by validation, re-prompting", "chatID", d.sess.ChatID, "variable", cfg.VariableName)
	e.deliver(ctx, d, outbound{kind: models.MessageKindText, body: Render(msg, d.sess.Variables)})
}

// resumeCondition evaluates the node's rules in order; the first match wins.
// No match falls back defaultNodeId -> elseNodeId -> nextNodeId, else stalls.
func (e *Engine) resumeCondition(ctx context.Context, d *dispatch, node *models.NodeDefinition) error {
	cfg := node.Condition
	if target, ok := EvaluateRules(cfg.Rules, d.sess.Variables); ok {
		return e.runFrom(ctx, d, target)
	}

	fallback := cfg.DefaultNodeID
	if fallback == "" {
		fallback = cfg.ElseNodeID
	}
	if fallback == "" {
		fallback = node.NextNodeID
	}
	if fallback == "" {
		slog.Info("No condition matched and no fallback configured, stalling", "chatID", d.sess.ChatID, "nodeID", node.ID)
		return nil
	}
	slog.Debug("No condition matched, taking fallback", "chatID", d.sess.ChatID, "nodeID", node.ID, "fallback", fallback)
	return e.runFrom(ctx, d, fallback)
}

// execAPICall performs the debtor lookup keyed off an existing variable.
// The node always auto-advances regardless of lookup outcome.
func (e *Engine) execAPICall(ctx context.Context, d *dispatch, node *models.NodeDefinition) {
	cfg := node.APICall
	value, ok := LookupPath(d.sess.Variables, cfg.VariableName)
	if !ok {
		slog.Warn("API_CALL variable not present, skipping lookup", "chatID", d.sess.ChatID, "nodeID", node.ID, "variable", cfg.VariableName)
		d.sess.Variables["debtorFound"] = false
		return
	}
	e.enrichFromDebtor(ctx, d, cfg.DocumentType, StringifyValue(value))
}

// execEnd sends the close message, resolves the chat and deletes the session.
func (e *Engine) execEnd(ctx context.Context, d *dispatch, node *models.NodeDefinition) {
	msg := DefaultEndMessage
	if node.End != nil && node.End.Message != "" {
		msg = node.End.Message
	}
	e.deliver(ctx, d, outbound{kind: models.MessageKindText, body: Render(msg, d.sess.Variables)})

	status := models.ChatStatusResolved
	empty := ""
	if err := e.deps.Chats.Update(ctx, d.sess.ChatID, models.ChatPatch{Status: &status, BotNodeID: &empty}); err != nil {
		slog.Error("End node chat update failed", "chatID", d.sess.ChatID, "error", err)
	}

	e.sessions.Delete(d.sess.ChatID)
	d.terminated = true
	slog.Info("Flow ended", "chatID", d.sess.ChatID, "flowID", d.sess.FlowID, "nodeID", node.ID)
}

// outbound describes a message to deliver and record.
type outbound struct {
	kind        models.MessageKind
	body        string // already rendered
	buttons     []models.ButtonOption
	options     []models.MenuOption
	templateSID string
}

// deliver sends the message and persists the outcome. Transport failures
// produce a FAILED record and are returned for shape fallback, but they
// never abort the flow.
func (e *Engine) deliver(ctx context.Context, d *dispatch, out outbound) error {
	var sendErr error
	switch out.kind {
	case models.MessageKindTemplate:
		vars := make(map[string]string, len(d.sess.Variables)+1)
		for k, v := range d.sess.Variables {
			vars[k] = FormatValue(v)
		}
		// Transports without template support degrade to this rendered body.
		vars["body"] = out.body
		_, sendErr = e.deps.Sender.SendTemplate(ctx, d.chat.NumberID, d.chat.Phone, out.templateSID, vars)
	case models.MessageKindButtons:
		_, sendErr = e.deps.Sender.SendButtons(ctx, d.chat.NumberID, d.chat.Phone, out.body, out.buttons)
	case models.MessageKindList:
		_, sendErr = e.deps.Sender.SendList(ctx, d.chat.NumberID, d.chat.Phone, out.body, out.options)
	default:
		_, sendErr = e.deps.Sender.SendText(ctx, d.chat.NumberID, d.chat.Phone, out.body)
	}

	rec := models.MessageRecord{
		ID:        uuid.NewString(),
		ChatID:    d.sess.ChatID,
		Direction: models.DirectionOutbound,
		Kind:      out.kind,
		Body:      out.body,
		Status:    models.MessageStatusSent,
		CreatedAt: time.Now(),
	}
	if sendErr != nil {
		rec.Status = models.MessageStatusFailed
		rec.Error = sendErr.Error()
		slog.Error("Outbound send failed", "chatID", d.sess.ChatID, "kind", out.kind, "error", sendErr)
	}
	if _, err := e.deps.Messages.Create(ctx, rec); err != nil {
		slog.Error("Outbound record persist failed", "chatID", d.sess.ChatID, "kind", out.kind, "error", err)
	}
	return sendErr
}

// numberedMenu renders a menu as a plain numbered text list.
func numberedMenu(body string, options []models.MenuOption) string {
	var sb strings.Builder
	sb.WriteString(body)
	for i, opt := range options {
		sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt.Label))
	}
	return sb.String()
}

// isDocumentVariable reports whether a captured variable denotes an identity
// document and should trigger a debtor lookup.
func isDocumentVariable(name string) bool {
	switch strings.ToLower(name) {
	case "document", "documento", "cedula", "cédula", "dni", "nit", "doc":
		return true
	}
	return strings.Contains(strings.ToLower(name), "document")
}
