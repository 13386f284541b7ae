// Package forecast produces the informational performance estimate attached
// to a campaign plan. The rates are heuristic configuration, not predictions;
// nothing downstream allocates budget from these numbers.
package forecast

import (
	"github.com/ignite/direct-optimizer/internal/config"
	"github.com/ignite/direct-optimizer/internal/domain"
)

// Estimate computes expected daily and monthly performance for the given
// daily budget.
func Estimate(cfg config.ForecastConfig, dailyBudget float64) domain.Forecast {
	clicks := 0.0
	if cfg.AvgCPC > 0 {
		clicks = dailyBudget / cfg.AvgCPC
	}
	conversions := clicks * cfg.ConversionRate

	costPerConversion := 0.0
	if conversions > 0 {
		costPerConversion = dailyBudget / conversions
	}

	return domain.Forecast{
		ExpectedClicksPerDay:      clicks,
		ExpectedConversionsPerDay: conversions,
		ExpectedCPC:               cfg.AvgCPC,
		ExpectedCTR:               cfg.CTR,
		ExpectedConversionRate:    cfg.ConversionRate,
		CostPerConversion:         costPerConversion,
		MonthlyBudget:             dailyBudget * 30,
		MonthlyConversions:        conversions * 30,
	}
}
