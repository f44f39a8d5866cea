// Package models defines the core data structures for Cobraflow.
//
// It includes chat, message, debtor and agent types, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ChatStatus represents the lifecycle status of a chat.
type ChatStatus string

const (
	// ChatStatusBot indicates the bot is driving the conversation.
	ChatStatusBot ChatStatus = "BOT"
	// ChatStatusActive indicates a human agent is assigned and active.
	ChatStatusActive ChatStatus = "ACTIVE"
	// ChatStatusWaiting indicates the chat is queued for an agent.
	ChatStatusWaiting ChatStatus = "WAITING"
	// ChatStatusResolved indicates the conversation was closed.
	ChatStatusResolved ChatStatus = "RESOLVED"
)

// MessageDirection indicates whether a message was sent or received by the system.
type MessageDirection string

const (
	// DirectionOutbound is a message sent by the bot or an agent.
	DirectionOutbound MessageDirection = "outbound"
	// DirectionInbound is a message received from the contact.
	DirectionInbound MessageDirection = "inbound"
)

// MessageKind identifies the transport shape used for an outbound message.
type MessageKind string

const (
	// MessageKindText is a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindButtons is an interactive message with reply buttons.
	MessageKindButtons MessageKind = "buttons"
	// MessageKindList is an interactive list message.
	MessageKindList MessageKind = "list"
	// MessageKindTemplate is a pre-approved templated content message.
	MessageKindTemplate MessageKind = "template"
)

// MessageStatus represents the delivery status of a message record.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to the transport.
	MessageStatusSent MessageStatus = "SENT"
	// MessageStatusFailed indicates the transport rejected the message.
	MessageStatusFailed MessageStatus = "FAILED"
	// MessageStatusReceived indicates an inbound message was recorded.
	MessageStatusReceived MessageStatus = "RECEIVED"
)

// AgentState represents an agent's self-reported working state.
type AgentState string

const (
	// AgentStateAvailable means the agent can take new chats.
	AgentStateAvailable AgentState = "available"
	// AgentStateBusy means the agent is at capacity or paused.
	AgentStateBusy AgentState = "busy"
	// AgentStateOffline means the agent is not connected.
	AgentStateOffline AgentState = "offline"
)

// UserStatus represents the administrative status of a user account.
type UserStatus string

const (
	// UserStatusActive is a usable account.
	UserStatusActive UserStatus = "active"
	// UserStatusInactive is a disabled account.
	UserStatusInactive UserStatus = "inactive"
)

// Error variables for better error handling and testability
var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrFlowNotFound   = errors.New("flow not found")
	ErrNodeNotFound   = errors.New("node not found")
	ErrDebtorNotFound = errors.New("debtor not found")
)

// ChatRecord is the externally persisted view of a conversation.
// The flow engine mirrors session snapshots onto it so a process restart
// can rehydrate best-effort.
type ChatRecord struct {
	ID              string     `json:"id"`
	Phone           string     `json:"phone"`
	NumberID        string     `json:"number_id"` // sending WhatsApp number identity
	ContactName     string     `json:"contact_name,omitempty"`
	Status          ChatStatus `json:"status"`
	CampaignID      string     `json:"campaign_id,omitempty"`
	DebtorID        string     `json:"debtor_id,omitempty"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	BotFlowID       string     `json:"bot_flow_id,omitempty"`
	BotNodeID       string     `json:"bot_node_id,omitempty"`
	BotVariables    string     `json:"bot_variables,omitempty"` // JSON snapshot of session variables
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ChatPatch is a partial update applied to a ChatRecord. Nil fields are
// left untouched.
type ChatPatch struct {
	ContactName     *string     `json:"contact_name,omitempty"`
	Status          *ChatStatus `json:"status,omitempty"`
	DebtorID        *string     `json:"debtor_id,omitempty"`
	AssignedAgentID *string     `json:"assigned_agent_id,omitempty"`
	BotFlowID       *string     `json:"bot_flow_id,omitempty"`
	BotNodeID       *string     `json:"bot_node_id,omitempty"`
	BotVariables    *string     `json:"bot_variables,omitempty"`
	LastContactedAt *time.Time  `json:"last_contacted_at,omitempty"`
	// AgentLoadDelta adjusts the assigned agent's open-chat counter.
	AgentLoadDelta int `json:"agent_load_delta,omitempty"`
}

// MessageRecord is a persisted inbound or outbound message.
type MessageRecord struct {
	ID        string           `json:"id"`
	ChatID    string           `json:"chat_id"`
	Direction MessageDirection `json:"direction"`
	Kind      MessageKind      `json:"kind"`
	Body      string           `json:"body"`
	Status    MessageStatus    `json:"status"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Debtor is a read-only view of a debtor sourced from the portfolio records.
type Debtor struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DocumentType   string     `json:"document_type"`
	DocumentNumber string     `json:"document_number"`
	DebtAmount     float64    `json:"debt_amount"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	Company        string     `json:"company,omitempty"`
	Reference      string     `json:"reference,omitempty"`
	Phone          string     `json:"phone,omitempty"`
}

// CandidateAgent is a read-only view of a user considered for chat hand-off.
// OnShiftToday is derived from workday records: a clock-in today with no
// clock-out.
type CandidateAgent struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	IsAgent      bool       `json:"is_agent"`
	Status       UserStatus `json:"status"`
	AgentState   AgentState `json:"agent_state"`
	CurrentLoad  int        `json:"current_load"`
	MaxLoad      int        `json:"max_load"`
	CampaignIDs  []string   `json:"campaign_ids,omitempty"`
	OnShiftToday bool       `json:"on_shift_today"`
}

// AffiliatedWith reports whether the agent belongs to the given campaign.
func (a *CandidateAgent) AffiliatedWith(campaignID string) bool {
	for _, id := range a.CampaignIDs {
		if id == campaignID {
			return true
		}
	}
	return false
}

// AgentWorkday is a clock-in/clock-out record for a single agent.
type AgentWorkday struct {
	AgentID  string     `json:"agent_id"`
	ClockIn  time.Time  `json:"clock_in"`
	ClockOut *time.Time `json:"clock_out,omitempty"`
}

// Event names published on the internal bus.
const (
	// EventDebtorLinked is published when a debtor is linked to a chat.
	EventDebtorLinked = "chat.debtor.linked"
	// EventChatAssigned is published when a chat is assigned to an agent.
	EventChatAssigned = "chat.assigned"
)

// Event is a fire-and-forget notification for downstream consumers.
type Event struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	ChatID  string         `json:"chat_id"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

// InboundMessage is a message received from the transport layer.
type InboundMessage struct {
	From string `json:"from"` // canonical phone number
	Body string `json:"body"`
	Time int64  `json:"time"`
}
