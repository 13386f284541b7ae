package optimizer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/ignite/direct-optimizer/internal/platform"
)

// ErrUnknownCampaign is returned when no loop exists for a campaign id.
var ErrUnknownCampaign = fmt.Errorf("unknown campaign")

// Manager owns the loop instances, one per live campaign. Loops for different
// campaigns run independently and in parallel.
type Manager struct {
	cfg    *config.Config
	api    platform.API
	store  Store
	locker Locker

	mu      sync.RWMutex
	loops   map[string]*Loop
	pending map[string]bool // ids reserved by an in-flight Launch
}

// NewManager creates an empty manager.
func NewManager(cfg *config.Config, api platform.API, store Store, locker Locker) *Manager {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Manager{
		cfg:     cfg,
		api:     api,
		store:   store,
		locker:  locker,
		loops:   make(map[string]*Loop),
		pending: make(map[string]bool),
	}
}

// Launch submits a validated plan to the platform and starts its loop. The
// campaign enters Submitted; monitoring begins only after the platform
// confirms the campaign exists.
func (m *Manager) Launch(ctx context.Context, plan domain.CampaignPlan) (domain.CampaignState, error) {
	if err := plan.Validate(); err != nil {
		return domain.CampaignState{}, err
	}

	// Reserve the id before the platform call so two concurrent launches of
	// the same plan cannot both create a campaign.
	m.mu.Lock()
	if _, exists := m.loops[plan.ID]; exists || m.pending[plan.ID] {
		m.mu.Unlock()
		return domain.CampaignState{}, fmt.Errorf("campaign %s already launched", plan.ID)
	}
	m.pending[plan.ID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, plan.ID)
		m.mu.Unlock()
	}()

	refs, err := m.api.CreateCampaign(ctx, plan)
	if err != nil {
		return domain.CampaignState{}, err
	}

	now := time.Now().UTC()
	state := domain.CampaignState{
		CampaignID:      plan.ID,
		PlatformID:      refs.CampaignID,
		Status:          domain.CampaignSubmitted,
		Budget:          plan.Budget,
		ActiveCreatives: activeOnly(plan.Creatives),
		UpdatedAt:       now,
	}

	if err := m.store.SavePlan(ctx, plan, refs); err != nil {
		return domain.CampaignState{}, err
	}
	if err := m.store.SaveState(ctx, state); err != nil {
		return domain.CampaignState{}, err
	}

	loop := NewLoop(m.cfg, plan, refs, state, m.api, m.store, m.locker)

	m.mu.Lock()
	m.loops[plan.ID] = loop
	m.mu.Unlock()

	loop.Start()
	log.Printf("[Manager] Launched campaign %s (platform id %d)", plan.ID, refs.CampaignID)
	return state, nil
}

// Adopt registers a loop for a campaign restored from persistence, without
// re-submitting it to the platform.
func (m *Manager) Adopt(plan domain.CampaignPlan, refs platform.Refs, state domain.CampaignState) {
	loop := NewLoop(m.cfg, plan, refs, state, m.api, m.store, m.locker)

	m.mu.Lock()
	m.loops[plan.ID] = loop
	m.mu.Unlock()

	if !state.Status.IsTerminal() {
		loop.Start()
	}
	log.Printf("[Manager] Adopted campaign %s in state %s", plan.ID, state.Status)
}

// Get returns the loop for a campaign id.
func (m *Manager) Get(campaignID string) (*Loop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loop, ok := m.loops[campaignID]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrUnknownCampaign)
	}
	return loop, nil
}

// States returns a snapshot of every managed campaign.
func (m *Manager) States() []domain.CampaignState {
	m.mu.RLock()
	loops := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.RUnlock()

	out := make([]domain.CampaignState, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.State())
	}
	return out
}

// StopAll halts every loop, waiting for in-flight ticks to finish.
func (m *Manager) StopAll() {
	m.mu.RLock()
	loops := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.RUnlock()

	for _, l := range loops {
		l.Stop()
	}
	log.Printf("[Manager] All loops stopped")
}
