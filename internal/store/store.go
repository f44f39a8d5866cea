// Package store provides storage backends for Cobraflow.
//
// It includes an in-memory store for tests and small deployments, plus
// SQLite- and PostgreSQL-backed stores for persistent deployments.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finteca/cobraflow/internal/models"
)

// FlowRepository loads flow and node definitions.
type FlowRepository interface {
	GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error)
	GetNode(ctx context.Context, id string) (*models.NodeDefinition, error)
	SaveFlow(ctx context.Context, flow models.FlowDefinition) error
	SaveNode(ctx context.Context, node models.NodeDefinition) error
}

// ChatRepository persists chat records.
type ChatRepository interface {
	Get(ctx context.Context, chatID string) (*models.ChatRecord, error)
	GetByPhone(ctx context.Context, phone string) (*models.ChatRecord, error)
	CreateChat(ctx context.Context, chat models.ChatRecord) error
	Update(ctx context.Context, chatID string, patch models.ChatPatch) error
}

// MessageRepository persists message records.
type MessageRepository interface {
	Create(ctx context.Context, rec models.MessageRecord) (models.MessageRecord, error)
	UpdateStatus(ctx context.Context, id string, status models.MessageStatus, sendErr string) error
	ListByChat(ctx context.Context, chatID string) ([]models.MessageRecord, error)
}

// DebtorRepository looks up debtors by identity document.
type DebtorRepository interface {
	FindByDocument(ctx context.Context, documentType, number string) (*models.Debtor, error)
	FindByDocumentNumber(ctx context.Context, number string) (*models.Debtor, error)
	SaveDebtor(ctx context.Context, debtor models.Debtor) error
}

// AgentDirectory sources candidate agents and shift information.
type AgentDirectory interface {
	AgentsByCampaign(ctx context.Context, campaignID string) ([]models.CandidateAgent, error)
	AgentsByCampaignMembership(ctx context.Context, campaignID string) ([]models.CandidateAgent, error)
	AllAgents(ctx context.Context) ([]models.CandidateAgent, error)
	OnShiftHeadcount(ctx context.Context) (int, error)
}

// Store is the combined persistence surface a backend must implement.
type Store interface {
	FlowRepository
	ChatRepository
	MessageRepository
	DebtorRepository
	AgentDirectory
	Close() error
}

// InMemoryStore is a mutex-guarded in-memory Store, used by tests and as a
// zero-dependency default.
type InMemoryStore struct {
	mu        sync.RWMutex
	flows     map[string]models.FlowDefinition
	nodes     map[string]models.NodeDefinition
	chats     map[string]models.ChatRecord
	messages  []models.MessageRecord
	debtors   map[string]models.Debtor
	agents    map[string]models.CandidateAgent
	wdays     []models.AgentWorkday
	memberOf  map[string][]string // campaignID -> agent ids (membership table)
	loadDelta map[string]int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:     make(map[string]models.FlowDefinition),
		nodes:     make(map[string]models.NodeDefinition),
		chats:     make(map[string]models.ChatRecord),
		debtors:   make(map[string]models.Debtor),
		agents:    make(map[string]models.CandidateAgent),
		memberOf:  make(map[string][]string),
		loadDelta: make(map[string]int),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

var _ Store = (*InMemoryStore)(nil)

// GetFlow returns a flow by id, or models.ErrFlowNotFound.
func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, models.ErrFlowNotFound
	}
	return &f, nil
}

// GetNode returns a node by id, or models.ErrNodeNotFound.
func (s *InMemoryStore) GetNode(ctx context.Context, id string) (*models.NodeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, models.ErrNodeNotFound
	}
	return &n, nil
}

// SaveFlow validates and stores a flow definition.
func (s *InMemoryStore) SaveFlow(ctx context.Context, flow models.FlowDefinition) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow
	return nil
}

// SaveNode validates and stores a node definition.
func (s *InMemoryStore) SaveNode(ctx context.Context, node models.NodeDefinition) error {
	if err := node.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	return nil
}

// Get returns a chat by id, or models.ErrChatNotFound.
func (s *InMemoryStore) Get(ctx context.Context, chatID string) (*models.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, models.ErrChatNotFound
	}
	return &c, nil
}

// GetByPhone returns the chat for a contact phone, or models.ErrChatNotFound.
func (s *InMemoryStore) GetByPhone(ctx context.Context, phone string) (*models.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chats {
		if c.Phone == phone {
			c := c
			return &c, nil
		}
	}
	return nil, models.ErrChatNotFound
}

// CreateChat stores a new chat record.
func (s *InMemoryStore) CreateChat(ctx context.Context, chat models.ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat.UpdatedAt = time.Now()
	s.chats[chat.ID] = chat
	return nil
}

// Update applies a partial patch to a chat record. Load deltas adjust the
// assigned agent's open-chat counter.
func (s *InMemoryStore) Update(ctx context.Context, chatID string, patch models.ChatPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return models.ErrChatNotFound
	}
	applyPatch(&c, patch)
	c.UpdatedAt = time.Now()
	s.chats[chatID] = c

	if patch.AgentLoadDelta != 0 && c.AssignedAgentID != "" {
		if a, ok := s.agents[c.AssignedAgentID]; ok {
			a.CurrentLoad += patch.AgentLoadDelta
			s.agents[c.AssignedAgentID] = a
		}
	}
	return nil
}

func applyPatch(c *models.ChatRecord, patch models.ChatPatch) {
	if patch.ContactName != nil {
		c.ContactName = *patch.ContactName
	}
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.DebtorID != nil {
		c.DebtorID = *patch.DebtorID
	}
	if patch.AssignedAgentID != nil {
		c.AssignedAgentID = *patch.AssignedAgentID
	}
	if patch.BotFlowID != nil {
		c.BotFlowID = *patch.BotFlowID
	}
	if patch.BotNodeID != nil {
		c.BotNodeID = *patch.BotNodeID
	}
	if patch.BotVariables != nil {
		c.BotVariables = *patch.BotVariables
	}
	if patch.LastContactedAt != nil {
		c.LastContactedAt = patch.LastContactedAt
	}
}

// Create persists a message record, assigning CreatedAt when unset.
func (s *InMemoryStore) Create(ctx context.Context, rec models.MessageRecord) (models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, rec)
	return rec, nil
}

// UpdateStatus updates a message record's delivery status.
func (s *InMemoryStore) UpdateStatus(ctx context.Context, id string, status models.MessageStatus, sendErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = status
			s.messages[i].Error = sendErr
			return nil
		}
	}
	return fmt.Errorf("message %s not found", id)
}

// ListByChat returns every message recorded for a chat, oldest first.
func (s *InMemoryStore) ListByChat(ctx context.Context, chatID string) ([]models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MessageRecord
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

// FindByDocument returns the debtor matching type and number exactly.
func (s *InMemoryStore) FindByDocument(ctx context.Context, documentType, number string) (*models.Debtor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.debtors {
		if d.DocumentType == documentType && d.DocumentNumber == number {
			d := d
			return &d, nil
		}
	}
	return nil, models.ErrDebtorNotFound
}

// FindByDocumentNumber returns the debtor matching the number regardless of
// document type.
func (s *InMemoryStore) FindByDocumentNumber(ctx context.Context, number string) (*models.Debtor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.debtors {
		if d.DocumentNumber == number {
			d := d
			return &d, nil
		}
	}
	return nil, models.ErrDebtorNotFound
}

// SaveDebtor stores a debtor record.
func (s *InMemoryStore) SaveDebtor(ctx context.Context, debtor models.Debtor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debtors[debtor.ID] = debtor
	return nil
}

// SaveAgent stores a candidate agent view.
func (s *InMemoryStore) SaveAgent(ctx context.Context, agent models.CandidateAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	return nil
}

// AddCampaignMember registers an agent in a campaign's membership table.
func (s *InMemoryStore) AddCampaignMember(ctx context.Context, campaignID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberOf[campaignID] = append(s.memberOf[campaignID], agentID)
	return nil
}

// AddWorkday records a clock-in/clock-out entry.
func (s *InMemoryStore) AddWorkday(ctx context.Context, wd models.AgentWorkday) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wdays = append(s.wdays, wd)
	return nil
}

// AgentsByCampaign returns agents directly affiliated with the campaign,
// with OnShiftToday derived from workday records.
func (s *InMemoryStore) AgentsByCampaign(ctx context.Context, campaignID string) ([]models.CandidateAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CandidateAgent
	for _, a := range s.agents {
		if a.AffiliatedWith(campaignID) {
			a.OnShiftToday = s.onShiftLocked(a.ID)
			out = append(out, a)
		}
	}
	return out, nil
}

// AgentsByCampaignMembership returns agents from the membership table.
func (s *InMemoryStore) AgentsByCampaignMembership(ctx context.Context, campaignID string) ([]models.CandidateAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CandidateAgent
	for _, id := range s.memberOf[campaignID] {
		if a, ok := s.agents[id]; ok {
			a.OnShiftToday = s.onShiftLocked(a.ID)
			out = append(out, a)
		}
	}
	return out, nil
}

// AllAgents returns every agent system-wide.
func (s *InMemoryStore) AllAgents(ctx context.Context) ([]models.CandidateAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CandidateAgent
	for _, a := range s.agents {
		a.OnShiftToday = s.onShiftLocked(a.ID)
		out = append(out, a)
	}
	return out, nil
}

// OnShiftHeadcount counts agents with an open shift today.
func (s *InMemoryStore) OnShiftHeadcount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, wd := range s.wdays {
		if openShiftToday(wd) {
			seen[wd.AgentID] = true
		}
	}
	return len(seen), nil
}

func (s *InMemoryStore) onShiftLocked(agentID string) bool {
	for _, wd := range s.wdays {
		if wd.AgentID == agentID && openShiftToday(wd) {
			return true
		}
	}
	return false
}

// openShiftToday reports a clock-in today with no clock-out.
func openShiftToday(wd models.AgentWorkday) bool {
	now := time.Now()
	y, m, d := now.Date()
	cy, cm, cd := wd.ClockIn.Date()
	return y == cy && m == cm && d == cd && wd.ClockOut == nil
}

// MarshalVariables serializes a variable namespace for snapshot columns.
func MarshalVariables(vars map[string]any) string {
	raw, err := json.Marshal(vars)
	if err != nil {
		slog.Error("Failed to marshal variables snapshot", "error", err)
		return "{}"
	}
	return string(raw)
}
