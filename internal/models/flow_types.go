// Package models defines flow and node type definitions to avoid circular imports.
package models

import (
	"errors"
	"time"
)

// FlowStatus represents the publication status of a flow.
type FlowStatus string

const (
	// FlowStatusDraft is an unpublished flow.
	FlowStatusDraft FlowStatus = "draft"
	// FlowStatusActive is a flow that may be started.
	FlowStatusActive FlowStatus = "active"
	// FlowStatusInactive is a retired flow.
	FlowStatusInactive FlowStatus = "inactive"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	// NodeTypeMessage sends a message and optionally waits for a button reply.
	NodeTypeMessage NodeType = "MESSAGE"
	// NodeTypeMenu presents options and always waits for a reply.
	NodeTypeMenu NodeType = "MENU"
	// NodeTypeInput captures a validated user reply into a variable.
	NodeTypeInput NodeType = "INPUT"
	// NodeTypeCondition branches on previously captured variables.
	NodeTypeCondition NodeType = "CONDITION"
	// NodeTypeAPICall performs a debtor lookup keyed off an existing variable.
	NodeTypeAPICall NodeType = "API_CALL"
	// NodeTypeTransferAgent hands the chat off to a human agent.
	NodeTypeTransferAgent NodeType = "TRANSFER_AGENT"
	// NodeTypeEnd closes the conversation.
	NodeTypeEnd NodeType = "END"
)

// ConditionOperator is a comparison applied by a condition rule.
type ConditionOperator string

const (
	// OperatorEquals compares case- and space-normalized strings.
	OperatorEquals ConditionOperator = "equals"
	// OperatorContains is a case-sensitive substring check.
	OperatorContains ConditionOperator = "contains"
	// OperatorContainsIgnoreCase is a case-insensitive substring check.
	OperatorContainsIgnoreCase ConditionOperator = "contains_ignore_case"
	// OperatorGreater coerces both sides to numbers and compares.
	OperatorGreater ConditionOperator = "greater"
	// OperatorLess coerces both sides to numbers and compares.
	OperatorLess ConditionOperator = "less"
)

// VarUserResponse is the reserved variable slot holding the last user reply.
const VarUserResponse = "user_response"

// Validation error variables for flow and node definitions.
var (
	ErrFlowNoStartNode    = errors.New("flow has no start node")
	ErrFlowNoNodes        = errors.New("flow has no nodes")
	ErrInvalidNodeType    = errors.New("invalid node type")
	ErrNodeConfigMismatch = errors.New("node config does not match node type")
	ErrMenuNoOptions      = errors.New("menu node requires at least one option")
	ErrConditionNoRules   = errors.New("condition node requires at least one rule")
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(nt NodeType) bool {
	switch nt {
	case NodeTypeMessage, NodeTypeMenu, NodeTypeInput, NodeTypeCondition,
		NodeTypeAPICall, NodeTypeTransferAgent, NodeTypeEnd:
		return true
	default:
		return false
	}
}

// FlowSettings holds per-flow runtime settings.
type FlowSettings struct {
	MaxInactivityMinutes int    `json:"max_inactivity_minutes,omitempty"`
	FallbackMessage      string `json:"fallback_message,omitempty"`
}

// FlowDefinition is a named graph of nodes defining a scripted conversation.
type FlowDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      FlowStatus        `json:"status"`
	StartNodeID string            `json:"start_node_id"`
	Variables   map[string]string `json:"variables,omitempty"` // declared name -> default
	Settings    FlowSettings      `json:"settings"`
	NodeIDs     []string          `json:"node_ids,omitempty"`
}

// Validate checks the activation invariant: an active flow needs a start
// node and at least one node.
func (f *FlowDefinition) Validate() error {
	if f.Status != FlowStatusActive {
		return nil
	}
	if f.StartNodeID == "" {
		return ErrFlowNoStartNode
	}
	if len(f.NodeIDs) == 0 {
		return ErrFlowNoNodes
	}
	return nil
}

// ButtonOption is a single interactive reply button.
type ButtonOption struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Value string `json:"value,omitempty"`
}

// MenuOption is a selectable entry of a MENU node.
type MenuOption struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Value      string `json:"value,omitempty"`
	NextNodeID string `json:"next_node_id"`
}

// MessageConfig configures a MESSAGE node.
type MessageConfig struct {
	Body           string         `json:"body"`
	TemplateSID    string         `json:"template_sid,omitempty"` // templated content send, if set
	Buttons        []ButtonOption `json:"buttons,omitempty"`
	ResponseNodeID string         `json:"response_node_id,omitempty"` // where a button reply resumes
}

// MenuConfig configures a MENU node.
type MenuConfig struct {
	Body    string       `json:"body"`
	Options []MenuOption `json:"options"`
}

// InputValidation constrains an INPUT node reply.
type InputValidation struct {
	Required     bool   `json:"required,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// InputConfig configures an INPUT node.
type InputConfig struct {
	Prompt       string          `json:"prompt,omitempty"`
	VariableName string          `json:"variable_name"`
	Buttons      []ButtonOption  `json:"buttons,omitempty"`
	Validation   InputValidation `json:"validation,omitempty"`
	LookupDebtor bool            `json:"lookup_debtor,omitempty"` // force debtor lookup regardless of variable name
	DocumentType string          `json:"document_type,omitempty"`
}

// ConditionRule is a single ordered branch rule.
type ConditionRule struct {
	Variable     string            `json:"variable,omitempty"` // defaults to VarUserResponse
	Operator     ConditionOperator `json:"operator"`
	Value        string            `json:"value"`
	TargetNodeID string            `json:"target_node_id"`
}

// ConditionConfig configures a CONDITION node.
type ConditionConfig struct {
	Rules         []ConditionRule `json:"rules"`
	DefaultNodeID string          `json:"default_node_id,omitempty"`
	ElseNodeID    string          `json:"else_node_id,omitempty"`
}

// APICallConfig configures an API_CALL node.
type APICallConfig struct {
	VariableName string `json:"variable_name"` // variable holding the document number
	DocumentType string `json:"document_type,omitempty"`
}

// TransferConfig configures a TRANSFER_AGENT node.
type TransferConfig struct {
	AssignedMessage   string `json:"assigned_message,omitempty"`
	OutOfHoursMessage string `json:"out_of_hours_message,omitempty"`
	QueuedMessage     string `json:"queued_message,omitempty"`
}

// EndConfig configures an END node.
type EndConfig struct {
	Message string `json:"message,omitempty"`
}

// NodeDefinition is a single typed step in a flow. Exactly one config field
// matching Type must be set; Validate enforces this at load time.
type NodeDefinition struct {
	ID         string   `json:"id"`
	FlowID     string   `json:"flow_id"`
	Type       NodeType `json:"type"`
	NextNodeID string   `json:"next_node_id,omitempty"`

	Message   *MessageConfig   `json:"message,omitempty"`
	Menu      *MenuConfig      `json:"menu,omitempty"`
	Input     *InputConfig     `json:"input,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	APICall   *APICallConfig   `json:"api_call,omitempty"`
	Transfer  *TransferConfig  `json:"transfer,omitempty"`
	End       *EndConfig       `json:"end,omitempty"`
}

// Validate checks that the config payload matches the node type.
func (n *NodeDefinition) Validate() error {
	if !IsValidNodeType(n.Type) {
		return ErrInvalidNodeType
	}
	switch n.Type {
	case NodeTypeMessage:
		if n.Message == nil {
			return ErrNodeConfigMismatch
		}
	case NodeTypeMenu:
		if n.Menu == nil {
			return ErrNodeConfigMismatch
		}
		if len(n.Menu.Options) == 0 {
			return ErrMenuNoOptions
		}
	case NodeTypeInput:
		if n.Input == nil || n.Input.VariableName == "" {
			return ErrNodeConfigMismatch
		}
	case NodeTypeCondition:
		if n.Condition == nil {
			return ErrNodeConfigMismatch
		}
		if len(n.Condition.Rules) == 0 {
			return ErrConditionNoRules
		}
	case NodeTypeAPICall:
		if n.APICall == nil || n.APICall.VariableName == "" {
			return ErrNodeConfigMismatch
		}
	case NodeTypeTransferAgent:
		// Transfer config is optional; defaults cover all three messages.
	case NodeTypeEnd:
		// End config is optional; a generic close message is used.
	}
	return nil
}

// Session is the per-chat runtime state of an active flow. It is owned by
// the session store; variables are overwrite-only and never deleted.
type Session struct {
	ChatID          string         `json:"chat_id"`
	FlowID          string         `json:"flow_id"`
	CurrentNodeID   string         `json:"current_node_id"`
	Variables       map[string]any `json:"variables"`
	WaitingForInput bool           `json:"waiting_for_input"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
}
