// Package optimizer runs one optimization loop per live campaign: a jittered
// periodic tick that pulls metrics, rotates creatives, reallocates budget, and
// writes the adjustments back to the ads platform. CampaignState is owned by
// its loop and updated by atomic swap at the end of a successful tick.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/direct-optimizer/internal/budget"
	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/creative"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/ignite/direct-optimizer/internal/platform"
	"github.com/ignite/direct-optimizer/internal/semantic"
)

// Store persists loop output. Implemented by the postgres repository; tests
// use an in-memory fake.
type Store interface {
	SavePlan(ctx context.Context, plan domain.CampaignPlan, refs platform.Refs) error
	SaveState(ctx context.Context, state domain.CampaignState) error
	AppendMetrics(ctx context.Context, campaignID string, metrics []domain.PerformanceMetric) error
}

// Locker provides a cross-process tick lock so two engine instances never
// optimize the same campaign at once. NopLocker serves single-instance
// deployments.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// NopLocker always grants the lock.
type NopLocker struct{}

func (NopLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (NopLocker) Unlock(ctx context.Context, key string) error { return nil }

// Loop drives one campaign. All fields behind mu are owned by the loop
// goroutine except through the exported snapshot/control methods.
type Loop struct {
	cfg      config.OptimizerConfig
	scorer   *semantic.Scorer
	grouping config.GroupingConfig
	rotator  *creative.Rotator
	alloc    *budget.Allocator
	api      platform.API
	store    Store
	locker   Locker

	refs platform.Refs

	mu             sync.RWMutex
	plan           domain.CampaignPlan
	state          domain.CampaignState
	pending        []domain.KeywordCandidate
	ticking        bool
	pauseRequested bool
	resumeStatus   domain.CampaignStatus
	running        bool

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewLoop builds a loop around an already-submitted campaign.
func NewLoop(cfg *config.Config, plan domain.CampaignPlan, refs platform.Refs, state domain.CampaignState, api platform.API, store Store, locker Locker) *Loop {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Loop{
		cfg:       cfg.Optimizer,
		scorer:    semantic.NewScorer(cfg.Scoring),
		grouping:  cfg.Grouping,
		rotator:   creative.NewRotator(cfg.Rotation),
		alloc:     budget.NewAllocator(cfg.Budget),
		api:       api,
		store:     store,
		locker:    locker,
		refs:      refs,
		plan:      plan,
		state:     state,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the loop goroutine. Safe to call once.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	log.Printf("[Optimizer] Starting loop for campaign %s (interval %s)", l.state.CampaignID, l.cfg.TickInterval())
	go l.run()
}

// Stop halts the loop. A tick in flight finishes first; stop never interrupts
// a platform write mid-flight.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopCh)
	<-l.doneCh
	log.Printf("[Optimizer] Stopped loop for campaign %s", l.state.CampaignID)
}

// TriggerNow requests an on-demand tick. If a tick is already in flight the
// request is dropped, not queued.
func (l *Loop) TriggerNow() bool {
	l.mu.RLock()
	busy := l.ticking
	l.mu.RUnlock()
	if busy {
		return false
	}
	select {
	case l.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Pause requests a transition to Paused. Applied immediately when the loop is
// idle, otherwise at the end of the in-flight tick.
func (l *Loop) Pause(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Status.IsTerminal() {
		return fmt.Errorf("campaign %s: %w: cannot pause a failed campaign", l.state.CampaignID, domain.ErrInvariantViolation)
	}
	l.rememberResumeStatusLocked()
	if l.ticking {
		l.pauseRequested = true
		return nil
	}
	return l.transitionLocked(ctx, domain.CampaignPaused, "")
}

// rememberResumeStatusLocked records where Resume should return to. A
// campaign paused before platform confirmation goes back to Submitted, not
// straight to Monitoring.
func (l *Loop) rememberResumeStatusLocked() {
	if l.state.Status == domain.CampaignSubmitted {
		l.resumeStatus = domain.CampaignSubmitted
	} else {
		l.resumeStatus = domain.CampaignMonitoring
	}
}

// Resume returns a paused campaign to its pre-pause lifecycle stage and
// triggers a tick.
func (l *Loop) Resume(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status != domain.CampaignPaused {
		status := l.state.Status
		l.mu.Unlock()
		return fmt.Errorf("campaign %s: cannot resume from %s", l.state.CampaignID, status)
	}
	l.pauseRequested = false
	l.state.RetryCount = 0
	l.state.LastError = ""
	target := l.resumeStatus
	if target == "" {
		target = domain.CampaignMonitoring
	}
	err := l.transitionLocked(ctx, target, "")
	l.mu.Unlock()
	if err == nil {
		l.TriggerNow()
	}
	return err
}

// AddCandidates queues fresh keyword candidates for the next tick's
// incremental core refresh.
func (l *Loop) AddCandidates(cands []domain.KeywordCandidate) {
	l.mu.Lock()
	l.pending = append(l.pending, cands...)
	l.mu.Unlock()
}

// State returns a consistent snapshot of the campaign state.
func (l *Loop) State() domain.CampaignState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// Plan returns a snapshot of the current plan.
func (l *Loop) Plan() domain.CampaignPlan {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p := l.plan
	p.Groups = append([]domain.KeywordGroup(nil), l.plan.Groups...)
	p.Creatives = append([]domain.AdCreative(nil), l.plan.Creatives...)
	return p
}

func (l *Loop) run() {
	defer close(l.doneCh)
	for {
		timer := time.NewTimer(l.jitteredInterval())
		select {
		case <-timer.C:
			l.Tick(context.Background())
		case <-l.triggerCh:
			timer.Stop()
			l.Tick(context.Background())
		case <-l.stopCh:
			timer.Stop()
			return
		}

		if st := l.State(); st.Status.IsTerminal() {
			log.Printf("[Optimizer] Campaign %s failed, loop exiting", st.CampaignID)
			return
		}
	}
}

// jitteredInterval spreads ticks so many campaigns never hit the platform in
// lockstep.
func (l *Loop) jitteredInterval() time.Duration {
	base := l.cfg.TickInterval()
	if l.cfg.TickJitterFraction <= 0 {
		return base
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * l.cfg.TickJitterFraction * float64(base))
	return base + jitter
}

// Tick runs one optimization pass with retries. Overlapping calls are
// skipped: at most one tick is in flight per campaign at any instant.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	if l.ticking {
		id := l.state.CampaignID
		l.mu.Unlock()
		log.Printf("[Optimizer] Campaign %s: tick already in flight, skipping", id)
		return
	}
	if l.state.Status == domain.CampaignPaused || l.state.Status.IsTerminal() {
		l.mu.Unlock()
		return
	}
	l.ticking = true
	campaignID := l.state.CampaignID
	l.mu.Unlock()
	defer l.endTick(ctx)

	ok, err := l.locker.TryLock(ctx, "tick:"+campaignID, l.cfg.TickInterval())
	if err != nil {
		log.Printf("[Optimizer] Campaign %s: tick lock error: %v", campaignID, err)
		return
	}
	if !ok {
		log.Printf("[Optimizer] Campaign %s: tick held elsewhere, skipping", campaignID)
		return
	}
	defer l.locker.Unlock(ctx, "tick:"+campaignID)

	var lastErr error
	for attempt := 1; attempt <= l.cfg.RetryLimit; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(l.backoff(attempt)):
			case <-l.stopCh:
				return
			}
		}

		err := l.runOnce(ctx)
		if err == nil {
			l.mu.Lock()
			l.state.RetryCount = 0
			l.state.LastError = ""
			l.mu.Unlock()
			return
		}
		lastErr = err

		if isFatal(err) {
			log.Printf("[Optimizer] Campaign %s: fatal failure: %v", campaignID, err)
			l.mu.Lock()
			l.transitionLocked(ctx, domain.CampaignFailed, err.Error())
			l.mu.Unlock()
			return
		}
		log.Printf("[Optimizer] Campaign %s: tick failure (attempt %d/%d): %v", campaignID, attempt, l.cfg.RetryLimit, err)
	}

	// Retries exhausted. Budget and creatives stay as they were before the
	// tick; only status and counters move.
	l.mu.Lock()
	l.state.RetryCount = l.cfg.RetryLimit
	l.rememberResumeStatusLocked()
	l.transitionLocked(ctx, domain.CampaignPaused, lastErr.Error())
	l.mu.Unlock()
	log.Printf("[Optimizer] Campaign %s: retries exhausted, paused: %v", campaignID, lastErr)
}

// isFatal reports whether an error requires operator intervention: invariant
// violations, bad data, and permanent platform verdicts such as moderation
// rejection. Everything else is transient or ambiguous and worth retrying.
func isFatal(err error) bool {
	if domain.IsTransient(err) {
		return false
	}
	var verr *domain.ValidationError
	var perr *platform.Error
	return errors.Is(err, domain.ErrInvariantViolation) ||
		errors.As(err, &verr) ||
		errors.As(err, &perr)
}

// endTick clears the in-flight flag and applies a pause requested mid-tick.
func (l *Loop) endTick(ctx context.Context) {
	l.mu.Lock()
	l.ticking = false
	if l.pauseRequested && !l.state.Status.IsTerminal() {
		l.pauseRequested = false
		l.transitionLocked(ctx, domain.CampaignPaused, "")
	}
	l.mu.Unlock()
}

func (l *Loop) backoff(attempt int) time.Duration {
	d := l.cfg.RetryBackoff() << (attempt - 2)
	if max := l.cfg.TickInterval(); d > max {
		d = max
	}
	return d
}

// transitionLocked records a status change and persists it. Callers hold mu.
func (l *Loop) transitionLocked(ctx context.Context, status domain.CampaignStatus, lastErr string) error {
	l.state.Status = status
	l.state.LastError = lastErr
	l.state.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveState(ctx, l.state.Clone()); err != nil {
		log.Printf("[Optimizer] Campaign %s: persisting state: %v", l.state.CampaignID, err)
		return err
	}
	return nil
}

// runOnce executes a single tick attempt. All plan and state mutations happen
// on private copies and are swapped in only after every platform write
// succeeded; a failed attempt leaves the prior state untouched.
func (l *Loop) runOnce(ctx context.Context) error {
	l.mu.RLock()
	st := l.state.Clone()
	groups := cloneGroups(l.plan.Groups)
	creatives := append([]domain.AdCreative(nil), l.plan.Creatives...)
	pending := append([]domain.KeywordCandidate(nil), l.pending...)
	l.mu.RUnlock()

	switch st.Status {
	case domain.CampaignSubmitted:
		return l.confirm(ctx, st)
	case domain.CampaignMonitoring, domain.CampaignOptimizing:
		return l.optimize(ctx, st, groups, creatives, pending)
	default:
		return nil
	}
}

// confirm polls the platform for moderation acceptance. Submission success is
// never assumed.
func (l *Loop) confirm(ctx context.Context, st domain.CampaignState) error {
	ok, err := l.api.ConfirmCampaign(ctx, l.refs.CampaignID)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[Optimizer] Campaign %s: awaiting platform confirmation", st.CampaignID)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf("[Optimizer] Campaign %s: confirmed on platform, monitoring", st.CampaignID)
	return l.transitionLocked(ctx, domain.CampaignMonitoring, "")
}

// optimize is the monitoring-state tick body: metrics, core refresh, creative
// rotation, budget reallocation.
func (l *Loop) optimize(ctx context.Context, st domain.CampaignState, groups []domain.KeywordGroup, creatives []domain.AdCreative, pending []domain.KeywordCandidate) error {
	l.setStatus(domain.CampaignOptimizing)
	defer l.setStatus(domain.CampaignMonitoring)

	now := time.Now().UTC()
	metrics, err := l.api.FetchMetrics(ctx, l.refs, now.Add(-l.cfg.MetricsLookback()))
	if err != nil {
		return err
	}
	// The platform does not guarantee arrival order.
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i].Timestamp.Before(metrics[j].Timestamp) })

	if len(metrics) > 0 {
		if err := l.store.AppendMetrics(ctx, st.CampaignID, metrics); err != nil {
			return err
		}
	}

	groups, _, err = l.admitCandidates(ctx, groups, pending)
	if err != nil {
		return err
	}

	stats := creative.Aggregate(metrics)
	updated, decisions := l.rotator.Rotate(now, creatives, stats)
	for _, groupID := range changedGroups(decisions) {
		if err := l.api.SetActiveCreatives(ctx, l.refs, groupID, activeInGroup(updated, groupID)); err != nil {
			return err
		}
	}
	for _, d := range decisions {
		log.Printf("[Optimizer] Campaign %s: %s creative %s in group %s (%s)", st.CampaignID, d.Type, d.CreativeID, d.GroupID, d.Reason)
	}

	alloc, err := l.alloc.Allocate(groups, efficiencySignals(groups, updated, metrics), st.Budget.Total)
	if err != nil {
		return err
	}
	if !allocEqual(alloc, st.Budget) {
		if err := l.api.UpdateBudget(ctx, l.refs, alloc); err != nil {
			return err
		}
		log.Printf("[Optimizer] Campaign %s: budget reallocated across %d groups", st.CampaignID, len(alloc.ByGroup))
	}

	st.Budget = alloc
	st.ActiveCreatives = activeOnly(updated)
	st.LastOptimizedAt = now
	st.TickCount++
	st.Status = domain.CampaignMonitoring
	st.UpdatedAt = now

	// Atomic swap: readers see either the pre-tick or the post-tick state,
	// never a partial write.
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.SaveState(ctx, st.Clone()); err != nil {
		return err
	}
	l.state = st
	l.plan.Groups = groups
	l.plan.Creatives = updated
	l.plan.Budget = alloc
	l.pending = l.pending[len(pending):]
	return nil
}

func (l *Loop) setStatus(status domain.CampaignStatus) {
	l.mu.Lock()
	if !l.state.Status.IsTerminal() && l.state.Status != domain.CampaignPaused {
		l.state.Status = status
	}
	l.mu.Unlock()
}

// admitCandidates scores queued candidates and routes the qualifying ones
// into existing theme groups. This is an incremental refresh, never a core
// rebuild: candidates with no matching group or no room are discarded.
func (l *Loop) admitCandidates(ctx context.Context, groups []domain.KeywordGroup, pending []domain.KeywordCandidate) ([]domain.KeywordGroup, int, error) {
	if len(pending) == 0 {
		return groups, 0, nil
	}

	var valid []domain.KeywordCandidate
	for _, c := range pending {
		if err := c.Validate(); err != nil {
			log.Printf("[Optimizer] Dropping invalid candidate %q: %v", c.Phrase, err)
			continue
		}
		valid = append(valid, c)
	}
	scored, err := l.scorer.ScoreAll(valid)
	if err != nil {
		return nil, 0, err
	}

	known := make(map[string]bool)
	minus := make(map[string]bool)
	for _, g := range groups {
		for _, k := range g.Keywords {
			known[k.Phrase] = true
		}
		for _, m := range g.MinusWords {
			minus[m] = true
		}
	}

	admitted := 0
	for _, c := range scored {
		if c.Priority < l.grouping.MinPriority || known[c.Phrase] {
			continue
		}
		if phraseHitsMinusWord(c.Phrase, minus) {
			log.Printf("[Optimizer] Candidate %q conflicts with a minus-word, skipped", c.Phrase)
			continue
		}
		idx := groupWithRoom(groups, semantic.ThemeKey(c), l.grouping.MaxKeywordsPerGroup)
		if idx < 0 {
			continue
		}
		if err := l.api.AddKeywords(ctx, l.refs, groups[idx].ID, []domain.KeywordCandidate{c}); err != nil {
			return nil, 0, err
		}
		groups[idx].Keywords = append(groups[idx].Keywords, c)
		known[c.Phrase] = true
		admitted++
	}
	if admitted > 0 {
		log.Printf("[Optimizer] Admitted %d of %d new candidates", admitted, len(pending))
	}
	return groups, admitted, nil
}

func phraseHitsMinusWord(phrase string, minus map[string]bool) bool {
	for _, term := range strings.Fields(semantic.Normalize(phrase)) {
		if minus[term] {
			return true
		}
	}
	return false
}

func groupWithRoom(groups []domain.KeywordGroup, theme string, maxPerGroup int) int {
	for i, g := range groups {
		if g.Theme == theme && len(g.Keywords) < maxPerGroup {
			return i
		}
	}
	return -1
}

// efficiencySignals turns recent metrics into per-group conversion efficiency
// normalized to [0,1] against the best group.
func efficiencySignals(groups []domain.KeywordGroup, creatives []domain.AdCreative, metrics []domain.PerformanceMetric) map[string]budget.GroupSignal {
	groupOf := make(map[string]string, len(creatives))
	for _, c := range creatives {
		groupOf[c.ID] = c.GroupID
	}

	cost := make(map[string]float64)
	conv := make(map[string]int)
	for _, m := range metrics {
		gid := m.GroupID
		if gid == "" {
			gid = groupOf[m.CreativeID]
		}
		if gid == "" {
			continue
		}
		cost[gid] += m.Cost
		conv[gid] += m.Conversions
	}

	raw := make(map[string]float64, len(groups))
	best := 0.0
	for _, g := range groups {
		if cost[g.ID] > 0 {
			raw[g.ID] = float64(conv[g.ID]) / cost[g.ID]
		}
		if raw[g.ID] > best {
			best = raw[g.ID]
		}
	}

	signals := make(map[string]budget.GroupSignal, len(groups))
	for _, g := range groups {
		eff := 0.0
		if best > 0 {
			eff = raw[g.ID] / best
		}
		signals[g.ID] = budget.GroupSignal{GroupID: g.ID, Priority: g.AggregatePriority(), Efficiency: eff}
	}
	return signals
}

func changedGroups(decisions []creative.Decision) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range decisions {
		if !seen[d.GroupID] {
			seen[d.GroupID] = true
			out = append(out, d.GroupID)
		}
	}
	sort.Strings(out)
	return out
}

func activeInGroup(creatives []domain.AdCreative, groupID string) []domain.AdCreative {
	var out []domain.AdCreative
	for _, c := range creatives {
		if c.GroupID == groupID && c.Status == domain.CreativeActive {
			out = append(out, c)
		}
	}
	return out
}

func activeOnly(creatives []domain.AdCreative) []domain.AdCreative {
	var out []domain.AdCreative
	for _, c := range creatives {
		if c.Status == domain.CreativeActive {
			out = append(out, c)
		}
	}
	return out
}

func allocEqual(a, b domain.BudgetAllocation) bool {
	if len(a.ByGroup) != len(b.ByGroup) {
		return false
	}
	for k, v := range a.ByGroup {
		if w, ok := b.ByGroup[k]; !ok || v-w > domain.BudgetEpsilon || w-v > domain.BudgetEpsilon {
			return false
		}
	}
	return true
}

func cloneGroups(groups []domain.KeywordGroup) []domain.KeywordGroup {
	out := make([]domain.KeywordGroup, len(groups))
	for i, g := range groups {
		out[i] = g
		out[i].Keywords = append([]domain.KeywordCandidate(nil), g.Keywords...)
		out[i].MinusWords = append([]string(nil), g.MinusWords...)
	}
	return out
}
