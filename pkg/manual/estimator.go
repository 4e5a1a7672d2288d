package manual

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAlpha is the smoothing factor used when none is configured.
const DefaultAlpha = 0.3

const estimatePlaces = 4

var hoursPerDay = decimal.NewFromInt(24)

// Estimator maintains an exponentially weighted daily consumption estimate.
//
// Each consumption is normalised to a per-day sample by dividing it by the
// days elapsed since the previous consumption (or the last top-up for the
// first one), never less than one day. The first sample becomes the estimate
// when none exists; later samples are blended as
// alpha*sample + (1-alpha)*estimate. Results are rounded to four places.
type Estimator struct {
	Alpha decimal.Decimal
}

// NewEstimator returns an estimator with the given smoothing factor. Values
// outside (0, 1] fall back to DefaultAlpha.
func NewEstimator(alpha float64) Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return Estimator{Alpha: decimal.NewFromFloat(alpha)}
}

// Update folds one consumption into the current estimate.
func (e Estimator) Update(current, spent decimal.Decimal, since, at time.Time) decimal.Decimal {
	alpha := e.Alpha
	if !alpha.IsPositive() {
		alpha = decimal.NewFromFloat(DefaultAlpha)
	}

	days := decimal.NewFromInt(1)
	if !since.IsZero() && at.After(since) {
		elapsed := decimal.NewFromFloat(at.Sub(since).Hours()).Div(hoursPerDay)
		if elapsed.GreaterThan(days) {
			days = elapsed
		}
	}
	sample := spent.Div(days)

	if !current.IsPositive() {
		return sample.Round(estimatePlaces)
	}
	one := decimal.NewFromInt(1)
	blended := alpha.Mul(sample).Add(one.Sub(alpha).Mul(current))
	return blended.Round(estimatePlaces)
}
