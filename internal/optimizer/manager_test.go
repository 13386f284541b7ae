package optimizer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, api *fakeAPI, store *fakeStore) *Manager {
	t.Helper()
	cfg := loopConfig()
	cfg.Optimizer.TickIntervalSeconds = 300
	m := NewManager(cfg, api, store, nil)
	t.Cleanup(m.StopAll)
	return m
}

func TestManagerLaunch(t *testing.T) {
	api := newFakeAPI()
	store := &fakeStore{}
	m := newTestManager(t, api, store)

	state, err := m.Launch(context.Background(), loopPlan())
	require.NoError(t, err)

	assert.Equal(t, "camp-1", state.CampaignID)
	assert.Equal(t, int64(700), state.PlatformID)
	assert.Equal(t, domain.CampaignSubmitted, state.Status)
	assert.Len(t, state.ActiveCreatives, 2)

	require.Len(t, store.plans, 1)
	assert.Equal(t, domain.CampaignSubmitted, store.lastState(t).Status)

	loop, err := m.Get("camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignSubmitted, loop.State().Status)
	assert.Len(t, m.States(), 1)
}

func TestManagerLaunchRejectsDuplicate(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, &fakeStore{})

	_, err := m.Launch(context.Background(), loopPlan())
	require.NoError(t, err)

	_, err = m.Launch(context.Background(), loopPlan())
	require.ErrorContains(t, err, "already launched")
}

func TestManagerLaunchConcurrentDuplicate(t *testing.T) {
	// The id is reserved before the platform call: racing launches of the
	// same plan must yield exactly one campaign and one loop.
	api := newFakeAPI()
	api.createDelay = 50 * time.Millisecond
	m := newTestManager(t, api, &fakeStore{})

	var launched, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Launch(context.Background(), loopPlan()); err != nil {
				atomic.AddInt32(&rejected, 1)
			} else {
				atomic.AddInt32(&launched, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), launched)
	assert.Equal(t, int32(4), rejected)
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.createCalls))
	assert.Len(t, m.States(), 1)
}

func TestManagerLaunchRejectsInvalidPlan(t *testing.T) {
	api := newFakeAPI()
	m := newTestManager(t, api, &fakeStore{})

	plan := loopPlan()
	plan.Creatives[0].GroupID = "missing"
	_, err := m.Launch(context.Background(), plan)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Empty(t, m.States())
}

func TestManagerGetUnknown(t *testing.T) {
	m := newTestManager(t, newFakeAPI(), &fakeStore{})
	_, err := m.Get("nope")
	require.ErrorIs(t, err, ErrUnknownCampaign)
}

func TestManagerAdopt(t *testing.T) {
	api := newFakeAPI()
	store := &fakeStore{}
	m := newTestManager(t, api, store)

	plan := loopPlan()
	m.Adopt(plan, api.refs, loopState(domain.CampaignMonitoring, plan))

	loop, err := m.Get("camp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignMonitoring, loop.State().Status)

	// Terminal campaigns are registered for inspection but never ticked.
	failed := loopPlan()
	failed.ID = "camp-2"
	m.Adopt(failed, api.refs, loopState(domain.CampaignFailed, failed))
	loop, err = m.Get("camp-2")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFailed, loop.State().Status)
}
