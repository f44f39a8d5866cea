// Package store provides storage backends for Cobraflow.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/finteca/cobraflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given options. The DSN
// is a file path; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetFlow loads a flow definition by id.
func (s *SQLiteStore) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, status, start_node_id, variables, settings FROM flows WHERE id = ?`, id)
	return scanFlow(row)
}

// GetNode loads a node definition by id.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*models.NodeDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_id, type, next_node_id, config FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// SaveFlow validates and upserts a flow definition.
func (s *SQLiteStore) SaveFlow(ctx context.Context, flow models.FlowDefinition) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	variables, _ := json.Marshal(flow.Variables)
	settings, _ := json.Marshal(flow.Settings)
	_, err := s.db.ExecContext(ctx, `INSERT INTO flows (id, name, status, start_node_id, variables, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, start_node_id=excluded.start_node_id,
		variables=excluded.variables, settings=excluded.settings, updated_at=CURRENT_TIMESTAMP`,
		flow.ID, flow.Name, flow.Status, nilIfEmpty(flow.StartNodeID), string(variables), string(settings))
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	return nil
}

// SaveNode validates and upserts a node definition.
func (s *SQLiteStore) SaveNode(ctx context.Context, node models.NodeDefinition) error {
	if err := node.Validate(); err != nil {
		return err
	}
	config, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO nodes (id, flow_id, type, next_node_id, config)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET flow_id=excluded.flow_id, type=excluded.type,
		next_node_id=excluded.next_node_id, config=excluded.config`,
		node.ID, node.FlowID, node.Type, nilIfEmpty(node.NextNodeID), string(config))
	if err != nil {
		slog.Error("SQLiteStore SaveNode failed", "error", err, "nodeID", node.ID)
		return fmt.Errorf("failed to save node %s: %w", node.ID, err)
	}
	return nil
}

// Get loads a chat record by id.
func (s *SQLiteStore) Get(ctx context.Context, chatID string) (*models.ChatRecord, error) {
	row := s.db.QueryRowContext(ctx, chatSelect+` WHERE id = ?`, chatID)
	return scanChat(row)
}

// GetByPhone loads the chat record for a contact phone.
func (s *SQLiteStore) GetByPhone(ctx context.Context, phone string) (*models.ChatRecord, error) {
	row := s.db.QueryRowContext(ctx, chatSelect+` WHERE phone = ? ORDER BY updated_at DESC LIMIT 1`, phone)
	return scanChat(row)
}

// CreateChat inserts a new chat record.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat models.ChatRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chats (id, phone, number_id, contact_name, status, campaign_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		chat.ID, chat.Phone, nilIfEmpty(chat.NumberID), nilIfEmpty(chat.ContactName), chat.Status, nilIfEmpty(chat.CampaignID))
	if err != nil {
		slog.Error("SQLiteStore CreateChat failed", "error", err, "chatID", chat.ID)
		return fmt.Errorf("failed to create chat %s: %w", chat.ID, err)
	}
	return nil
}

// Update applies a partial patch to a chat record.
func (s *SQLiteStore) Update(ctx context.Context, chatID string, patch models.ChatPatch) error {
	sets, args := patchClauses(patch, func(int) string { return "?" })
	if len(sets) > 0 {
		args = append(args, chatID)
		query := `UPDATE chats SET ` + strings.Join(sets, ", ") + `, updated_at=CURRENT_TIMESTAMP WHERE id = ?`
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			slog.Error("SQLiteStore Update failed", "error", err, "chatID", chatID)
			return fmt.Errorf("failed to update chat %s: %w", chatID, err)
		}
	}
	if patch.AgentLoadDelta != 0 {
		_, err := s.db.ExecContext(ctx, `UPDATE users SET current_load = current_load + ?
			WHERE id = (SELECT assigned_agent_id FROM chats WHERE id = ?)`, patch.AgentLoadDelta, chatID)
		if err != nil {
			slog.Error("SQLiteStore agent load update failed", "error", err, "chatID", chatID)
			return fmt.Errorf("failed to adjust agent load for chat %s: %w", chatID, err)
		}
	}
	return nil
}

// Create persists a message record.
func (s *SQLiteStore) Create(ctx context.Context, rec models.MessageRecord) (models.MessageRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, chat_id, direction, kind, body, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChatID, rec.Direction, rec.Kind, rec.Body, rec.Status, nilIfEmpty(rec.Error), rec.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore Create message failed", "error", err, "chatID", rec.ChatID)
		return rec, fmt.Errorf("failed to insert message for chat %s: %w", rec.ChatID, err)
	}
	return rec, nil
}

// UpdateStatus updates a message's delivery status and error.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status models.MessageStatus, sendErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, error = ? WHERE id = ?`, status, nilIfEmpty(sendErr), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateStatus failed", "error", err, "messageID", id)
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	return nil
}

// ListByChat returns a chat's messages, oldest first.
func (s *SQLiteStore) ListByChat(ctx context.Context, chatID string) ([]models.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, direction, kind, body, status, error, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// FindByDocument returns the debtor matching type and number exactly.
func (s *SQLiteStore) FindByDocument(ctx context.Context, documentType, number string) (*models.Debtor, error) {
	row := s.db.QueryRowContext(ctx, debtorSelect+` WHERE document_type = ? AND document_number = ?`, documentType, number)
	return scanDebtor(row)
}

// FindByDocumentNumber returns the debtor matching the number regardless of type.
func (s *SQLiteStore) FindByDocumentNumber(ctx context.Context, number string) (*models.Debtor, error) {
	row := s.db.QueryRowContext(ctx, debtorSelect+` WHERE document_number = ?`, number)
	return scanDebtor(row)
}

// SaveDebtor upserts a debtor record.
func (s *SQLiteStore) SaveDebtor(ctx context.Context, debtor models.Debtor) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO debtors (id, name, document_type, document_number, debt_amount, due_date, company, reference, phone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, document_type=excluded.document_type,
		document_number=excluded.document_number, debt_amount=excluded.debt_amount, due_date=excluded.due_date,
		company=excluded.company, reference=excluded.reference, phone=excluded.phone`,
		debtor.ID, nilIfEmpty(debtor.Name), nilIfEmpty(debtor.DocumentType), debtor.DocumentNumber,
		debtor.DebtAmount, debtor.DueDate, nilIfEmpty(debtor.Company), nilIfEmpty(debtor.Reference), nilIfEmpty(debtor.Phone))
	if err != nil {
		slog.Error("SQLiteStore SaveDebtor failed", "error", err, "debtorID", debtor.ID)
		return fmt.Errorf("failed to save debtor %s: %w", debtor.ID, err)
	}
	return nil
}

// sqliteOnShift computes the derived on-shift flag: a clock-in today with no
// clock-out.
const sqliteOnShift = `EXISTS(SELECT 1 FROM workdays w WHERE w.user_id = u.id
	AND date(w.clock_in) = date('now','localtime') AND w.clock_out IS NULL)`

const sqliteAgentSelect = `SELECT u.id, u.name, u.is_agent, u.status, u.agent_state, u.current_load, u.max_load, u.campaign_id, ` + sqliteOnShift + ` FROM users u`

// AgentsByCampaign returns agents directly affiliated with the campaign.
func (s *SQLiteStore) AgentsByCampaign(ctx context.Context, campaignID string) ([]models.CandidateAgent, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAgentSelect+` WHERE u.campaign_id = ?`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// AgentsByCampaignMembership returns agents affiliated through the
// user_campaigns membership table.
func (s *SQLiteStore) AgentsByCampaignMembership(ctx context.Context, campaignID string) ([]models.CandidateAgent, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAgentSelect+`
		JOIN user_campaigns uc ON uc.user_id = u.id WHERE uc.campaign_id = ?`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign membership agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// AllAgents returns every agent system-wide.
func (s *SQLiteStore) AllAgents(ctx context.Context) ([]models.CandidateAgent, error) {
	rows, err := s.db.QueryContext(ctx, sqliteAgentSelect+` WHERE u.is_agent = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// OnShiftHeadcount counts agents with an open shift today.
func (s *SQLiteStore) OnShiftHeadcount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM workdays
		WHERE date(clock_in) = date('now','localtime') AND clock_out IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count on-shift agents: %w", err)
	}
	return count, nil
}

// SaveAgent upserts a user row for an agent.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent models.CandidateAgent) error {
	campaignID := ""
	if len(agent.CampaignIDs) > 0 {
		campaignID = agent.CampaignIDs[0]
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name, is_agent, status, agent_state, current_load, max_load, campaign_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, is_agent=excluded.is_agent, status=excluded.status,
		agent_state=excluded.agent_state, current_load=excluded.current_load, max_load=excluded.max_load,
		campaign_id=excluded.campaign_id`,
		agent.ID, agent.Name, agent.IsAgent, agent.Status, agent.AgentState, agent.CurrentLoad, agent.MaxLoad, nilIfEmpty(campaignID))
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	return nil
}

// AddWorkday records a clock-in/clock-out entry.
func (s *SQLiteStore) AddWorkday(ctx context.Context, wd models.AgentWorkday) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workdays (user_id, clock_in, clock_out) VALUES (?, ?, ?)`,
		wd.AgentID, wd.ClockIn, wd.ClockOut)
	if err != nil {
		return fmt.Errorf("failed to add workday for %s: %w", wd.AgentID, err)
	}
	return nil
}

// AddCampaignMember registers a user in a campaign's membership table.
func (s *SQLiteStore) AddCampaignMember(ctx context.Context, campaignID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO user_campaigns (user_id, campaign_id) VALUES (?, ?)`, agentID, campaignID)
	if err != nil {
		return fmt.Errorf("failed to add campaign member: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)

// chatSelect and debtorSelect are shared column lists for scanning.
const chatSelect = `SELECT id, phone, number_id, contact_name, status, campaign_id, debtor_id, assigned_agent_id,
	bot_flow_id, bot_node_id, bot_variables, last_contacted_at, updated_at FROM chats`

const debtorSelect = `SELECT id, name, document_type, document_number, debt_amount, due_date, company, reference, phone FROM debtors`

// row abstracts sql.Row and sql.Rows for the scan helpers.
type row interface {
	Scan(dest ...any) error
}

func scanFlow(r row) (*models.FlowDefinition, error) {
	var f models.FlowDefinition
	var startNode, variables, settings sql.NullString
	err := r.Scan(&f.ID, &f.Name, &f.Status, &startNode, &variables, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow failed: %w", err)
	}
	f.StartNodeID = nullString(startNode)
	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &f.Variables); err != nil {
			slog.Warn("Flow variables column malformed", "flowID", f.ID, "error", err)
		}
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &f.Settings); err != nil {
			slog.Warn("Flow settings column malformed", "flowID", f.ID, "error", err)
		}
	}
	return &f, nil
}

func scanNode(r row) (*models.NodeDefinition, error) {
	var id, flowID string
	var nodeType models.NodeType
	var nextNode sql.NullString
	var config string
	err := r.Scan(&id, &flowID, &nodeType, &nextNode, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node failed: %w", err)
	}
	var n models.NodeDefinition
	if err := json.Unmarshal([]byte(config), &n); err != nil {
		return nil, fmt.Errorf("node %s config malformed: %w", id, err)
	}
	// Columns are authoritative over the config blob.
	n.ID = id
	n.FlowID = flowID
	n.Type = nodeType
	n.NextNodeID = nullString(nextNode)
	return &n, nil
}

func scanChat(r row) (*models.ChatRecord, error) {
	var c models.ChatRecord
	var numberID, contactName, campaignID, debtorID, agentID, botFlow, botNode, botVars sql.NullString
	var lastContacted sql.NullTime
	err := r.Scan(&c.ID, &c.Phone, &numberID, &contactName, &c.Status, &campaignID, &debtorID, &agentID,
		&botFlow, &botNode, &botVars, &lastContacted, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat failed: %w", err)
	}
	c.NumberID = nullString(numberID)
	c.ContactName = nullString(contactName)
	c.CampaignID = nullString(campaignID)
	c.DebtorID = nullString(debtorID)
	c.AssignedAgentID = nullString(agentID)
	c.BotFlowID = nullString(botFlow)
	c.BotNodeID = nullString(botNode)
	c.BotVariables = nullString(botVars)
	if lastContacted.Valid {
		c.LastContactedAt = &lastContacted.Time
	}
	return &c, nil
}

func scanDebtor(r row) (*models.Debtor, error) {
	var d models.Debtor
	var name, docType, company, reference, phone sql.NullString
	var dueDate sql.NullTime
	err := r.Scan(&d.ID, &name, &docType, &d.DocumentNumber, &d.DebtAmount, &dueDate, &company, &reference, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDebtorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan debtor failed: %w", err)
	}
	d.Name = nullString(name)
	d.DocumentType = nullString(docType)
	d.Company = nullString(company)
	d.Reference = nullString(reference)
	d.Phone = nullString(phone)
	if dueDate.Valid {
		d.DueDate = &dueDate.Time
	}
	return &d, nil
}

func collectMessages(rows *sql.Rows) ([]models.MessageRecord, error) {
	var out []models.MessageRecord
	for rows.Next() {
		var m models.MessageRecord
		var errCol sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Direction, &m.Kind, &m.Body, &m.Status, &errCol, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.Error = nullString(errCol)
		out = append(out, m)
	}
	return out, rows.Err()
}

func collectAgents(rows *sql.Rows) ([]models.CandidateAgent, error) {
	var out []models.CandidateAgent
	for rows.Next() {
		var a models.CandidateAgent
		var campaignID sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.IsAgent, &a.Status, &a.AgentState, &a.CurrentLoad, &a.MaxLoad, &campaignID, &a.OnShiftToday); err != nil {
			return nil, fmt.Errorf("scan agent failed: %w", err)
		}
		if campaignID.Valid && campaignID.String != "" {
			a.CampaignIDs = []string{campaignID.String}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// patchClauses builds SET clauses for a chat patch. next returns the
// placeholder for the i-th argument (dialect-specific).
func patchClauses(patch models.ChatPatch, next func(i int) string) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = %s", col, next(len(args))))
	}
	if patch.ContactName != nil {
		add("contact_name", *patch.ContactName)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.DebtorID != nil {
		add("debtor_id", *patch.DebtorID)
	}
	if patch.AssignedAgentID != nil {
		add("assigned_agent_id", *patch.AssignedAgentID)
	}
	if patch.BotFlowID != nil {
		add("bot_flow_id", *patch.BotFlowID)
	}
	if patch.BotNodeID != nil {
		add("bot_node_id", *patch.BotNodeID)
	}
	if patch.BotVariables != nil {
		add("bot_variables", *patch.BotVariables)
	}
	if patch.LastContactedAt != nil {
		add("last_contacted_at", *patch.LastContactedAt)
	}
	return sets, args
}
