package pipeline

import (
	"github.com/sells-group/ncm-audit/internal/model"
)

// epsilon absorbs float rounding so a weighted mean that lands on a threshold
// counts as on the boundary.
const epsilon = 1e-9

// Weights are the reconciliation weights for the NCM and CEST confidences.
type Weights struct {
	NCM  float64
	CEST float64
}

// DefaultWeights weighs both codes equally.
func DefaultWeights() Weights {
	return Weights{NCM: 0.5, CEST: 0.5}
}

func (w Weights) normalized() Weights {
	if w.NCM < 0 || w.CEST < 0 || w.NCM+w.CEST <= 0 {
		return DefaultWeights()
	}
	return w
}

// Decision is the final disposition of one product.
type Decision struct {
	Overall       float64
	State         model.ProductState
	LowConfidence bool
}

// Overall is the weighted mean of the two stage confidences.
func Overall(ncm, cest float64, w Weights) float64 {
	w = w.normalized()
	return (w.NCM*ncm + w.CEST*cest) / (w.NCM + w.CEST)
}

// Decide maps the stage confidences to a terminal state. Both thresholds are
// inclusive. Anything below the auto-approve bar goes to review; below the
// review bar it is also flagged low confidence, never rejected outright.
func Decide(ncm, cest float64, w Weights, cfg model.TenantConfig) Decision {
	overall := Overall(ncm, cest, w)
	d := Decision{Overall: overall}
	switch {
	case overall+epsilon >= cfg.AutoApproveThreshold:
		d.State = model.StateCompleted
	case overall+epsilon >= cfg.ReviewThreshold:
		d.State = model.StateNeedsReview
	default:
		d.State = model.StateNeedsReview
		d.LowConfidence = true
	}
	return d
}
