// Agent hand-off: the TRANSFER_AGENT node. Terminal regardless of outcome.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/finteca/cobraflow/internal/models"
	"github.com/google/uuid"
)

// execTransfer resolves the chat's campaign, asks the selector for an agent
// and composes one of three outcomes: assigned, out-of-hours (nobody on
// shift) or queued (all busy). The session is always deleted afterwards.
func (e *Engine) execTransfer(ctx context.Context, d *dispatch, node *models.NodeDefinition) {
	cfg := node.Transfer
	if cfg == nil {
		cfg = &models.TransferConfig{}
	}
	campaignID := d.chat.CampaignID
	slog.Debug("Transfer starting", "chatID", d.sess.ChatID, "campaignID", campaignID)

	agent, err := e.deps.Agents.SelectAgent(ctx, campaignID)
	if err != nil {
		slog.Error("Agent selection failed, treating as no agent", "chatID", d.sess.ChatID, "error", err)
		agent = nil
	}

	if agent != nil {
		e.assignAgent(ctx, d, cfg, agent)
	} else {
		e.queueChat(ctx, d, cfg)
	}

	e.sessions.Delete(d.sess.ChatID)
	d.terminated = true
	slog.Info("Transfer complete, session deleted", "chatID", d.sess.ChatID, "assigned", agent != nil)
}

// assignAgent greets with the assigned-agent message, marks the chat ACTIVE,
// increments the agent's load and emits the assignment event.
func (e *Engine) assignAgent(ctx context.Context, d *dispatch, cfg *models.TransferConfig, agent *models.CandidateAgent) {
	msg := cfg.AssignedMessage
	if msg == "" {
		msg = DefaultAssignedMessage
	}
	vars := withAgentVars(d.sess.Variables, agent)
	e.deliver(ctx, d, outbound{kind: models.MessageKindText, body: Render(msg, vars)})

	status := models.ChatStatusActive
	patch := models.ChatPatch{
		Status:          &status,
		AssignedAgentID: &agent.ID,
		AgentLoadDelta:  1,
	}
	if err := e.deps.Chats.Update(ctx, d.sess.ChatID, patch); err != nil {
		slog.Error("Transfer chat assignment update failed", "chatID", d.sess.ChatID, "agentID", agent.ID, "error", err)
	}

	e.deps.Events.Publish(models.Event{
		ID:     uuid.NewString(),
		Name:   models.EventChatAssigned,
		ChatID: d.sess.ChatID,
		Payload: map[string]any{
			"agent_id":   agent.ID,
			"agent_name": agent.Name,
		},
		Time: time.Now(),
	})
	slog.Info("Chat assigned to agent", "chatID", d.sess.ChatID, "agentID", agent.ID, "load", agent.CurrentLoad+1)
}

// queueChat marks the chat WAITING. The on-shift headcount decides the
// wording: nobody clocked in reads differently from everyone being busy.
// This is a separate signal from the per-agent availability filter.
func (e *Engine) queueChat(ctx context.Context, d *dispatch, cfg *models.TransferConfig) {
	headcount, err := e.deps.Agents.OnShiftHeadcount(ctx)
	if err != nil {
		slog.Error("On-shift headcount failed, assuming none", "chatID", d.sess.ChatID, "error", err)
		headcount = 0
	}

	msg := cfg.OutOfHoursMessage
	if headcount > 0 {
		msg = cfg.QueuedMessage
		if msg == "" {
			msg = DefaultQueuedMessage
		}
	} else if msg == "" {
		msg = DefaultOutOfHours
	}
	e.deliver(ctx, d, outbound{kind: models.MessageKindText, body: Render(msg, d.sess.Variables)})

	status := models.ChatStatusWaiting
	if err := e.deps.Chats.Update(ctx, d.sess.ChatID, models.ChatPatch{Status: &status}); err != nil {
		slog.Error("Transfer chat queue update failed", "chatID", d.sess.ChatID, "error", err)
	}
	slog.Info("Chat queued for agent", "chatID", d.sess.ChatID, "onShiftHeadcount", headcount)
}

// withAgentVars overlays an "agent" namespace without mutating the session
// variables.
func withAgentVars(vars map[string]any, agent *models.CandidateAgent) map[string]any {
	merged := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		merged[k] = v
	}
	merged["agent"] = map[string]any{
		"id":   agent.ID,
		"name": agent.Name,
	}
	return merged
}
