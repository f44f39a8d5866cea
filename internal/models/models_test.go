package models

import (
	"testing"
	"time"
)

func TestFlowDefinitionValidate(t *testing.T) {
	f := FlowDefinition{ID: "f1", Status: FlowStatusActive}
	if err := f.Validate(); err != ErrFlowNoStartNode {
		t.Errorf("expected ErrFlowNoStartNode, got %v", err)
	}

	f.StartNodeID = "n1"
	if err := f.Validate(); err != ErrFlowNoNodes {
		t.Errorf("expected ErrFlowNoNodes, got %v", err)
	}

	f.NodeIDs = []string{"n1"}
	if err := f.Validate(); err != nil {
		t.Errorf("expected valid flow, got %v", err)
	}

	// Drafts are allowed to be incomplete.
	draft := FlowDefinition{ID: "f2", Status: FlowStatusDraft}
	if err := draft.Validate(); err != nil {
		t.Errorf("draft should validate, got %v", err)
	}
}

func TestNodeDefinitionValidate(t *testing.T) {
	cases := []struct {
		name    string
		node    NodeDefinition
		wantErr error
	}{
		{"invalid type", NodeDefinition{ID: "n1", Type: "BOGUS"}, ErrInvalidNodeType},
		{"message without config", NodeDefinition{ID: "n1", Type: NodeTypeMessage}, ErrNodeConfigMismatch},
		{"menu without options", NodeDefinition{ID: "n1", Type: NodeTypeMenu, Menu: &MenuConfig{}}, ErrMenuNoOptions},
		{"input without variable", NodeDefinition{ID: "n1", Type: NodeTypeInput, Input: &InputConfig{}}, ErrNodeConfigMismatch},
		{"condition without rules", NodeDefinition{ID: "n1", Type: NodeTypeCondition, Condition: &ConditionConfig{}}, ErrConditionNoRules},
		{"api call without variable", NodeDefinition{ID: "n1", Type: NodeTypeAPICall, APICall: &APICallConfig{}}, ErrNodeConfigMismatch},
		{"transfer without config", NodeDefinition{ID: "n1", Type: NodeTypeTransferAgent}, nil},
		{"end without config", NodeDefinition{ID: "n1", Type: NodeTypeEnd}, nil},
		{"valid message", NodeDefinition{ID: "n1", Type: NodeTypeMessage, Message: &MessageConfig{Body: "hola"}}, nil},
	}

	for _, tc := range cases {
		if err := tc.node.Validate(); err != tc.wantErr {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestCandidateAgentAffiliatedWith(t *testing.T) {
	a := CandidateAgent{ID: "a1", CampaignIDs: []string{"c1", "c2"}}
	if !a.AffiliatedWith("c2") {
		t.Error("expected affiliation with c2")
	}
	if a.AffiliatedWith("c3") {
		t.Error("did not expect affiliation with c3")
	}
}

func TestChatPatchZeroValueLeavesFieldsUntouched(t *testing.T) {
	// A zero patch must not carry accidental updates.
	var p ChatPatch
	if p.Status != nil || p.ContactName != nil || p.AgentLoadDelta != 0 {
		t.Error("zero ChatPatch should have no updates")
	}
	now := time.Now()
	p.LastContactedAt = &now
	if p.LastContactedAt == nil {
		t.Error("expected LastContactedAt set")
	}
}
