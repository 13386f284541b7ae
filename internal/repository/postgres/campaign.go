// Package postgres persists campaign plans, live state, and the append-only
// metrics cache. Plans and platform refs are stored as JSON documents; the
// ads platform stays the source of truth for metrics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/ignite/direct-optimizer/internal/platform"
)

// ErrNotFound is returned when a campaign has no stored record.
var ErrNotFound = fmt.Errorf("campaign not found")

// CampaignRepo implements the optimizer and API persistence against
// PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

// EnsureSchema creates the tables when they do not exist yet.
func (r *CampaignRepo) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ppc_campaign_plans (
			campaign_id VARCHAR(64) PRIMARY KEY,
			plan JSONB NOT NULL,
			refs JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ppc_campaign_states (
			campaign_id VARCHAR(64) PRIMARY KEY,
			platform_id BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			state JSONB NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ppc_campaign_metrics (
			id BIGSERIAL PRIMARY KEY,
			campaign_id VARCHAR(64) NOT NULL,
			ts TIMESTAMP WITH TIME ZONE NOT NULL,
			group_id VARCHAR(128),
			creative_id VARCHAR(64),
			impressions BIGINT NOT NULL DEFAULT 0,
			clicks BIGINT NOT NULL DEFAULT 0,
			cost NUMERIC(14,2) NOT NULL DEFAULT 0,
			conversions BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ppc_metrics_campaign_ts
			ON ppc_campaign_metrics (campaign_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SavePlan upserts the plan document and its platform refs.
func (r *CampaignRepo) SavePlan(ctx context.Context, plan domain.CampaignPlan, refs platform.Refs) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal refs: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ppc_campaign_plans (campaign_id, plan, refs, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (campaign_id) DO UPDATE SET plan = $2, refs = $3
	`, plan.ID, planJSON, refsJSON, plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// GetPlan loads a plan and its refs.
func (r *CampaignRepo) GetPlan(ctx context.Context, campaignID string) (domain.CampaignPlan, platform.Refs, error) {
	var planJSON, refsJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT plan, refs FROM ppc_campaign_plans WHERE campaign_id = $1
	`, campaignID).Scan(&planJSON, &refsJSON)
	if err == sql.ErrNoRows {
		return domain.CampaignPlan{}, platform.Refs{}, ErrNotFound
	}
	if err != nil {
		return domain.CampaignPlan{}, platform.Refs{}, fmt.Errorf("get plan: %w", err)
	}

	var plan domain.CampaignPlan
	var refs platform.Refs
	if err := json.Unmarshal(planJSON, &plan); err != nil {
		return domain.CampaignPlan{}, platform.Refs{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := json.Unmarshal(refsJSON, &refs); err != nil {
		return domain.CampaignPlan{}, platform.Refs{}, fmt.Errorf("unmarshal refs: %w", err)
	}
	return plan, refs, nil
}

// SaveState upserts the campaign state snapshot.
func (r *CampaignRepo) SaveState(ctx context.Context, state domain.CampaignState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ppc_campaign_states (campaign_id, platform_id, status, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id) DO UPDATE SET
			platform_id = $2, status = $3, state = $4, updated_at = $5
	`, state.CampaignID, state.PlatformID, state.Status, stateJSON, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// GetState loads one campaign state.
func (r *CampaignRepo) GetState(ctx context.Context, campaignID string) (domain.CampaignState, error) {
	var stateJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT state FROM ppc_campaign_states WHERE campaign_id = $1
	`, campaignID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return domain.CampaignState{}, ErrNotFound
	}
	if err != nil {
		return domain.CampaignState{}, fmt.Errorf("get state: %w", err)
	}

	var state domain.CampaignState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return domain.CampaignState{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, nil
}

// ListActiveStates returns every campaign that is not failed, for loop
// adoption at startup.
func (r *CampaignRepo) ListActiveStates(ctx context.Context) ([]domain.CampaignState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state FROM ppc_campaign_states
		WHERE status != $1
		ORDER BY updated_at DESC
	`, domain.CampaignFailed)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignState
	for rows.Next() {
		var stateJSON []byte
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		var state domain.CampaignState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// AppendMetrics bulk-inserts metric rows. The table is append-only; rows are
// never updated or deleted by the engine.
func (r *CampaignRepo) AppendMetrics(ctx context.Context, campaignID string, metrics []domain.PerformanceMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ppc_campaign_metrics
			(campaign_id, ts, group_id, creative_id, impressions, clicks, cost, conversions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, campaignID, m.Timestamp, m.GroupID, m.CreativeID,
			m.Impressions, m.Clicks, m.Cost, m.Conversions); err != nil {
			return fmt.Errorf("insert metric: %w", err)
		}
	}
	return tx.Commit()
}

// GetMetrics returns a campaign's cached metrics since the given time in
// timestamp order.
func (r *CampaignRepo) GetMetrics(ctx context.Context, campaignID string, since sql.NullTime) ([]domain.PerformanceMetric, error) {
	q := `
		SELECT ts, COALESCE(group_id,''), COALESCE(creative_id,''), impressions, clicks, cost, conversions
		FROM ppc_campaign_metrics
		WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if since.Valid {
		q += ` AND ts >= $2`
		args = append(args, since.Time)
	}
	q += ` ORDER BY ts ASC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.PerformanceMetric
	for rows.Next() {
		var m domain.PerformanceMetric
		if err := rows.Scan(&m.Timestamp, &m.GroupID, &m.CreativeID,
			&m.Impressions, &m.Clicks, &m.Cost, &m.Conversions); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
