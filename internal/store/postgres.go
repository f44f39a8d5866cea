// Package store provides storage backends for Cobraflow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/finteca/cobraflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetFlow loads a flow definition by id.
func (s *PostgresStore) GetFlow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, status, start_node_id, variables, settings FROM flows WHERE id = $1`, id)
	return scanFlow(row)
}

// GetNode loads a node definition by id.
func (s *PostgresStore) GetNode(ctx context.Context, id string) (*models.NodeDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_id, type, next_node_id, config FROM nodes WHERE id = $1`, id)
	return scanNode(row)
}

// SaveFlow validates and upserts a flow definition.
func (s *PostgresStore) SaveFlow(ctx context.Context, flow models.FlowDefinition) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	variables, _ := json.Marshal(flow.Variables)
	settings, _ := json.Marshal(flow.Settings)
	_, err := s.db.ExecContext(ctx, `INSERT INTO flows (id, name, status, start_node_id, variables, settings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT(id) DO UPDATE SET name=EXCLUDED.name, status=EXCLUDED.status, start_node_id=EXCLUDED.start_node_id,
		variables=EXCLUDED.variables, settings=EXCLUDED.settings, updated_at=NOW()`,
		flow.ID, flow.Name, flow.Status, nilIfEmpty(flow.StartNodeID), string(variables), string(settings))
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	return nil
}

// SaveNode validates and upserts a node definition.
func (s *PostgresStore) SaveNode(ctx context.Context, node models.NodeDefinition) error {
	if err := node.Validate(); err != nil {
		return err
	}
	config, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO nodes (id, flow_id, type, next_node_id, config)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET flow_id=EXCLUDED.flow_id, type=EXCLUDED.type,
		next_node_id=EXCLUDED.next_node_id, config=EXCLUDED.config`,
		node.ID, node.FlowID, node.Type, nilIfEmpty(node.NextNodeID), string(config))
	if err != nil {
		slog.Error("PostgresStore SaveNode failed", "error", err, "nodeID", node.ID)
		return fmt.Errorf("failed to save node %s: %w", node.ID, err)
	}
	return nil
}

// Get loads a chat record by id.
func (s *PostgresStore) Get(ctx context.Context, chatID string) (*models.ChatRecord, error) {
	row := s.db.QueryRowContext(ctx, chatSelect+` WHERE id = $1`, chatID)
	return scanChat(row)
}

// GetByPhone loads the chat record for a contact phone.
func (s *PostgresStore) GetByPhone(ctx context.Context, phone string) (*models.ChatRecord, error) {
	row := s.db.QueryRowContext(ctx, chatSelect+` WHERE phone = $1 ORDER BY updated_at DESC LIMIT 1`, phone)
	return scanChat(row)
}

// CreateChat inserts a new chat record.
func (s *PostgresStore) CreateChat(ctx context.Context, chat models.ChatRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chats (id, phone, number_id, contact_name, status, campaign_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		chat.ID, chat.Phone, nilIfEmpty(chat.NumberID), nilIfEmpty(chat.ContactName), chat.Status, nilIfEmpty(chat.CampaignID))
	if err != nil {
		slog.Error("PostgresStore CreateChat failed", "error", err, "chatID", chat.ID)
		return fmt.Errorf("failed to create chat %s: %w", chat.ID, err)
	}
	return nil
}

// Update applies a partial patch to a chat record.
func (s *PostgresStore) Update(ctx context.Context, chatID string, patch models.ChatPatch) error {
	sets, args := patchClauses(patch, func(i int) string { return fmt.Sprintf("$%d", i) })
	if len(sets) > 0 {
		args = append(args, chatID)
		query := `UPDATE chats SET ` + strings.Join(sets, ", ") + `, updated_at=NOW() WHERE id = ` + fmt.Sprintf("$%d", len(args))
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			slog.Error("PostgresStore Update failed", "error", err, "chatID", chatID)
			return fmt.Errorf("failed to update chat %s: %w", chatID, err)
		}
	}
	if patch.AgentLoadDelta != 0 {
		_, err := s.db.ExecContext(ctx, `UPDATE users SET current_load = current_load + $1
			WHERE id = (SELECT assigned_agent_id FROM chats WHERE id = $2)`, patch.AgentLoadDelta, chatID)
		if err != nil {
			slog.Error("PostgresStore agent load update failed", "error", err, "chatID", chatID)
			return fmt.Errorf("failed to adjust agent load for chat %s: %w", chatID, err)
		}
	}
	return nil
}

// Create persists a message record.
func (s *PostgresStore) Create(ctx context.Context, rec models.MessageRecord) (models.MessageRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, chat_id, direction, kind, body, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ChatID, rec.Direction, rec.Kind, rec.Body, rec.Status, nilIfEmpty(rec.Error), rec.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore Create message failed", "error", err, "chatID", rec.ChatID)
		return rec, fmt.Errorf("failed to insert message for chat %s: %w", rec.ChatID, err)
	}
	return rec, nil
}

// UpdateStatus updates a message's delivery status and error.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.MessageStatus, sendErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = $1, error = $2 WHERE id = $3`, status, nilIfEmpty(sendErr), id)
	if err != nil {
		slog.Error("PostgresStore UpdateStatus failed", "error", err, "messageID", id)
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	return nil
}

// ListByChat returns a chat's messages, oldest first.
func (s *PostgresStore) ListByChat(ctx context.Context, chatID string) ([]models.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, direction, kind, body, status, error, created_at
		FROM messages WHERE chat_id = $1 ORDER BY created_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// FindByDocument returns the debtor matching type and number exactly.
func (s *PostgresStore) FindByDocument(ctx context.Context, documentType, number string) (*models.Debtor, error) {
	row := s.db.QueryRowContext(ctx, debtorSelect+` WHERE document_type = $1 AND document_number = $2`, documentType, number)
	return scanDebtor(row)
}

// FindByDocumentNumber returns the debtor matching the number regardless of type.
func (s *PostgresStore) FindByDocumentNumber(ctx context.Context, number string) (*models.Debtor, error) {
	row := s.db.QueryRowContext(ctx, debtorSelect+` WHERE document_number = $1`, number)
	return scanDebtor(row)
}

// SaveDebtor upserts a debtor record.
func (s *PostgresStore) SaveDebtor(ctx context.Context, debtor models.Debtor) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO debtors (id, name, document_type, document_number, debt_amount, due_date, company, reference, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(id) DO UPDATE SET name=EXCLUDED.name, document_type=EXCLUDED.document_type,
		document_number=EXCLUDED.document_number, debt_amount=EXCLUDED.debt_amount, due_date=EXCLUDED.due_date,
		company=EXCLUDED.company, reference=EXCLUDED.reference, phone=EXCLUDED.phone`,
		debtor.ID, nilIfEmpty(debtor.Name), nilIfEmpty(debtor.DocumentType), debtor.DocumentNumber,
		debtor.DebtAmount, debtor.DueDate, nilIfEmpty(debtor.Company), nilIfEmpty(debtor.Reference), nilIfEmpty(debtor.Phone))
	if err != nil {
		slog.Error("PostgresStore SaveDebtor failed", "error", err, "debtorID", debtor.ID)
		return fmt.Errorf("failed to save debtor %s: %w", debtor.ID, err)
	}
	return nil
}

// postgresOnShift computes the derived on-shift flag.
const postgresOnShift = `EXISTS(SELECT 1 FROM workdays w WHERE w.user_id = u.id
	AND w.clock_in::date = CURRENT_DATE AND w.clock_out IS NULL)`

const postgresAgentSelect = `SELECT u.id, u.name, u.is_agent, u.status, u.agent_state, u.current_load, u.max_load, u.campaign_id, ` + postgresOnShift + ` FROM users u`

// AgentsByCampaign returns agents directly affiliated with the campaign.
func (s *PostgresStore) AgentsByCampaign(ctx context.Context, campaignID string) ([]models.CandidateAgent, error) {
	rows, err := s.db.QueryContext(ctx, postgresAgentSelect+` WHERE u.campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// AgentsByCampaignMembership returns agents affiliated through the
// user_campaigns membership table.
func (s *PostgresStore) AgentsByCampaignMembership(ctx context.Context, campaignID string) ([]models.CandidateAgent, error) {
	rows, err := s.db.QueryContext(ctx, postgresAgentSelect+`
		JOIN user_campaigns uc ON uc.user_id = u.id WHERE uc.campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign membership agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// AllAgents returns every agent system-wide.
func (s *PostgresStore) AllAgents(ctx context.Context) ([]models.CandidateAgent, error) {
	rows, err := s.db.QueryContext(ctx, postgresAgentSelect+` WHERE u.is_agent = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// OnShiftHeadcount counts agents with an open shift today.
func (s *PostgresStore) OnShiftHeadcount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM workdays
		WHERE clock_in::date = CURRENT_DATE AND clock_out IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count on-shift agents: %w", err)
	}
	return count, nil
}

var _ Store = (*PostgresStore)(nil)
