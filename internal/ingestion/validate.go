package ingestion

import (
	"fmt"
	"time"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// ValidationConfig tunes the sanity thresholds applied to every batch of
// fetched bars before it is merged into the market-data aggregate.
type ValidationConfig struct {
	// MaxDailyGapDays is the largest gap (in days) between a batch's
	// first timestamp and the prior batch's last timestamp that does not
	// produce a warning.
	MaxDailyGapDays int
	// MaxCloseOpenJumpPct is the largest fractional close/open jump
	// within one bar that does not produce a warning (e.g. 0.5 = 50%).
	MaxCloseOpenJumpPct float64
}

// DefaultValidationConfig mirrors typical crypto daily-bar volatility:
// gaps beyond a day are unusual for a liquid pair, and a 50% intraday
// close/open move is well outside normal range even during a crash.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxDailyGapDays:     1,
		MaxCloseOpenJumpPct: 0.5,
	}
}

// BatchValidationResult reports one batch's outcome: a non-nil Err means
// the whole batch is rejected (errors are batch-fatal); Warnings are
// attached to the ingestion report but never block the merge.
type BatchValidationResult struct {
	Err      error
	Warnings []string
}

// ValidationService enforces ordering, duplication, OHLC/positivity
// (delegated to types.Bar.Validate), currency consistency, and gap/jump
// sanity checks.
type ValidationService struct {
	config ValidationConfig
}

// NewValidationService builds a validator with the given thresholds.
func NewValidationService(config ValidationConfig) *ValidationService {
	return &ValidationService{config: config}
}

// ValidateBatch checks one sub-batch of bars against the prior batch's
// last-seen timestamp (priorTail may be the zero time if this is the
// first batch for the instrument).
func (v *ValidationService) ValidateBatch(instrument types.Instrument, batch []types.Bar, priorTail time.Time) BatchValidationResult {
	if len(batch) == 0 {
		return BatchValidationResult{}
	}

	seen := make(map[time.Time]struct{}, len(batch))
	for i, bar := range batch {
		key := bar.DayKey()
		if _, dup := seen[key]; dup {
			return BatchValidationResult{Err: fmt.Errorf("duplicate timestamp within batch: %s", key)}
		}
		seen[key] = struct{}{}

		if i > 0 && !bar.Timestamp.After(batch[i-1].Timestamp) {
			return BatchValidationResult{Err: fmt.Errorf("batch timestamps not strictly ascending at index %d", i)}
		}

		if err := bar.Validate(instrument); err != nil {
			return BatchValidationResult{Err: err}
		}
	}

	var warnings []string
	if !priorTail.IsZero() {
		gapDays := int(batch[0].Timestamp.Sub(priorTail).Hours() / 24)
		if gapDays > v.config.MaxDailyGapDays {
			warnings = append(warnings, fmt.Sprintf("gap of %d days before %s exceeds threshold of %d",
				gapDays, batch[0].Timestamp.Format("2006-01-02"), v.config.MaxDailyGapDays))
		}
	}

	for _, bar := range batch {
		if bar.Open.Amount.IsZero() {
			continue
		}
		jump := bar.Close.Sub(bar.Open).Abs().Div(bar.Open.Amount)
		if jump.InexactFloat64() > v.config.MaxCloseOpenJumpPct {
			warnings = append(warnings, fmt.Sprintf("close/open jump on %s exceeds %.0f%% threshold",
				bar.Timestamp.Format("2006-01-02"), v.config.MaxCloseOpenJumpPct*100))
		}
	}

	return BatchValidationResult{Warnings: warnings}
}
