// Package agents implements agent auto-assignment for chat hand-off.
//
// The selector ranks candidate agents sourced from the user directory and
// picks the least-loaded available agent, widening the search from campaign
// affiliates to the whole floor.
package agents

import (
	"context"
	"log/slog"
	"sort"

	"github.com/finteca/cobraflow/internal/models"
)

// Directory provides read-only candidate views sourced from user and
// workday records. OnShiftToday must already be derived (a clock-in today
// with no clock-out).
type Directory interface {
	// AgentsByCampaign returns agents directly affiliated with the campaign.
	AgentsByCampaign(ctx context.Context, campaignID string) ([]models.CandidateAgent, error)
	// AgentsByCampaignMembership returns agents affiliated through the
	// many-to-many campaign membership table.
	AgentsByCampaignMembership(ctx context.Context, campaignID string) ([]models.CandidateAgent, error)
	// AllAgents returns every agent system-wide.
	AllAgents(ctx context.Context) ([]models.CandidateAgent, error)
	// OnShiftHeadcount counts agents with an open shift today, regardless of
	// availability or load.
	OnShiftHeadcount(ctx context.Context) (int, error)
}

// Selector picks agents for hand-off.
type Selector struct {
	dir Directory
}

// NewSelector creates a Selector backed by the given directory.
func NewSelector(dir Directory) *Selector {
	return &Selector{dir: dir}
}

// SelectAgent runs the ordered search: direct campaign affiliates, then
// membership-table affiliates, then any agent. The first tier yielding an
// eligible agent wins; within a tier the least-loaded agent is chosen.
// Returns nil when no agent is eligible.
func (s *Selector) SelectAgent(ctx context.Context, campaignID string) (*models.CandidateAgent, error) {
	if campaignID != "" {
		direct, err := s.dir.AgentsByCampaign(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if agent := pickEligible(direct); agent != nil {
			slog.Debug("Agent selected from direct campaign affiliates", "campaignID", campaignID, "agentID", agent.ID)
			return agent, nil
		}

		members, err := s.dir.AgentsByCampaignMembership(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if agent := pickEligible(members); agent != nil {
			slog.Debug("Agent selected from campaign membership", "campaignID", campaignID, "agentID", agent.ID)
			return agent, nil
		}
	}

	all, err := s.dir.AllAgents(ctx)
	if err != nil {
		return nil, err
	}
	if agent := pickEligible(all); agent != nil {
		slog.Debug("Agent selected system-wide", "agentID", agent.ID)
		return agent, nil
	}

	slog.Info("No eligible agent found", "campaignID", campaignID)
	return nil, nil
}

// OnShiftHeadcount counts clocked-in agents. It is a wording signal for the
// hand-off messages and deliberately ignores availability and load.
func (s *Selector) OnShiftHeadcount(ctx context.Context) (int, error) {
	return s.dir.OnShiftHeadcount(ctx)
}

// pickEligible filters and ranks a candidate slice, returning the
// least-loaded eligible agent or nil.
func pickEligible(candidates []models.CandidateAgent) *models.CandidateAgent {
	eligible := make([]models.CandidateAgent, 0, len(candidates))
	for _, c := range candidates {
		if Eligible(c) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CurrentLoad < eligible[j].CurrentLoad
	})
	return &eligible[0]
}

// Eligible reports whether a candidate can take a new chat right now.
func Eligible(c models.CandidateAgent) bool {
	return c.IsAgent &&
		c.Status == models.UserStatusActive &&
		c.AgentState == models.AgentStateAvailable &&
		c.CurrentLoad < c.MaxLoad &&
		c.OnShiftToday
}
