package budget

import (
	"errors"
	"math"
	"testing"

	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBudgetConfig() config.BudgetConfig {
	return config.BudgetConfig{
		Currency:      "RUB",
		GroupFloor:    100,
		BlendAlpha:    1.0, // pure priority unless a test sets efficiency
		MaxIterations: 10,
	}
}

func group(id string, priority float64) domain.KeywordGroup {
	return domain.KeywordGroup{
		ID:       id,
		Keywords: []domain.KeywordCandidate{{Phrase: id, Priority: priority}},
	}
}

func TestAllocateProportional(t *testing.T) {
	// Spec scenario: budget=1000, priorities 0.8 and 0.2, floor=100
	// -> {groupA: 800, groupB: 200}.
	a := NewAllocator(testBudgetConfig())
	groups := []domain.KeywordGroup{group("groupA", 80), group("groupB", 20)}

	alloc, err := a.Allocate(groups, nil, 1000)
	require.NoError(t, err)

	assert.InDelta(t, 800, alloc.ByGroup["groupA"], domain.BudgetEpsilon)
	assert.InDelta(t, 200, alloc.ByGroup["groupB"], domain.BudgetEpsilon)
	assert.InDelta(t, 1000, alloc.Sum(), domain.BudgetEpsilon)
}

func TestAllocateFloorClamping(t *testing.T) {
	// A tiny-priority group is lifted to the floor; the remainder is
	// redistributed to the others and the sum stays exact.
	a := NewAllocator(testBudgetConfig())
	groups := []domain.KeywordGroup{group("big", 95), group("mid", 50), group("tiny", 1)}

	alloc, err := a.Allocate(groups, nil, 1000)
	require.NoError(t, err)

	assert.InDelta(t, 1000, alloc.Sum(), domain.BudgetEpsilon)
	for id, amt := range alloc.ByGroup {
		assert.GreaterOrEqual(t, amt, 100.0, "group %s below floor", id)
	}
	assert.InDelta(t, 100, alloc.ByGroup["tiny"], domain.BudgetEpsilon)
	assert.Greater(t, alloc.ByGroup["big"], alloc.ByGroup["mid"])
}

func TestAllocateCapClamping(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.GroupCap = 500
	a := NewAllocator(cfg)
	groups := []domain.KeywordGroup{group("big", 99), group("small", 10)}

	alloc, err := a.Allocate(groups, nil, 1000)
	require.NoError(t, err)

	assert.InDelta(t, 500, alloc.ByGroup["big"], domain.BudgetEpsilon)
	assert.InDelta(t, 500, alloc.ByGroup["small"], domain.BudgetEpsilon)
	assert.InDelta(t, 1000, alloc.Sum(), domain.BudgetEpsilon)
}

func TestAllocateUnsatisfiableBudget(t *testing.T) {
	a := NewAllocator(testBudgetConfig())
	groups := []domain.KeywordGroup{group("a", 50), group("b", 50), group("c", 50)}

	_, err := a.Allocate(groups, nil, 250) // 3 x floor 100 > 250
	assert.True(t, errors.Is(err, domain.ErrUnsatisfiableBudget))
}

func TestAllocateEfficiencyBlend(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.BlendAlpha = 0.5
	a := NewAllocator(cfg)

	// Equal priorities; group B converts, group A does not. B must get more.
	groups := []domain.KeywordGroup{group("a", 50), group("b", 50)}
	signals := map[string]GroupSignal{
		"a": {GroupID: "a", Priority: 50, Efficiency: 0.0},
		"b": {GroupID: "b", Priority: 50, Efficiency: 1.0},
	}

	alloc, err := a.Allocate(groups, signals, 1000)
	require.NoError(t, err)
	assert.Greater(t, alloc.ByGroup["b"], alloc.ByGroup["a"])
	assert.InDelta(t, 1000, alloc.Sum(), domain.BudgetEpsilon)
}

func TestAllocateZeroWeightsSplitEvenly(t *testing.T) {
	a := NewAllocator(testBudgetConfig())
	groups := []domain.KeywordGroup{group("a", 0), group("b", 0)}

	alloc, err := a.Allocate(groups, nil, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 500, alloc.ByGroup["a"], domain.BudgetEpsilon)
	assert.InDelta(t, 500, alloc.ByGroup["b"], domain.BudgetEpsilon)
}

func TestAllocateEmptyGroups(t *testing.T) {
	a := NewAllocator(testBudgetConfig())
	alloc, err := a.Allocate(nil, nil, 1000)
	require.NoError(t, err)
	assert.Empty(t, alloc.ByGroup)
}

func TestAllocateSumInvariantUnderManyShapes(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.GroupCap = 400
	a := NewAllocator(cfg)

	shapes := [][]float64{
		{90, 70, 50, 30, 10},
		{100, 100, 100},
		{1, 1, 1, 1, 1, 1, 1},
		{99, 1},
	}
	for _, priorities := range shapes {
		groups := make([]domain.KeywordGroup, len(priorities))
		for i, p := range priorities {
			groups[i] = group(string(rune('a'+i)), p)
		}
		total := 150.0 * float64(len(groups))

		alloc, err := a.Allocate(groups, nil, total)
		require.NoError(t, err)

		assert.InDelta(t, total, alloc.Sum(), domain.BudgetEpsilon, "priorities %v", priorities)
		for id, amt := range alloc.ByGroup {
			assert.GreaterOrEqual(t, amt, cfg.GroupFloor-domain.BudgetEpsilon, "group %s", id)
			assert.LessOrEqual(t, amt, cfg.GroupCap+domain.BudgetEpsilon, "group %s", id)
		}
	}
}

func TestAllocateDeterministic(t *testing.T) {
	a := NewAllocator(testBudgetConfig())
	groups := []domain.KeywordGroup{group("x", 60), group("y", 30), group("z", 10)}

	first, err := a.Allocate(groups, nil, 1000)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := a.Allocate(groups, nil, 1000)
		require.NoError(t, err)
		if !assert.True(t, math.Abs(first.Sum()-again.Sum()) < domain.BudgetEpsilon) {
			break
		}
		assert.Equal(t, first.ByGroup, again.ByGroup)
	}
}
