package sysload

import (
	"fmt"

	"github.com/sensocto/sensocto-go/src/types"
)

// Thresholds maps the max pressure of a sample onto a load level. The
// homeostatic tuner rewrites them at runtime; they must stay strictly
// increasing or SetThresholds rejects the update.
type Thresholds struct {
	Elevated float64 `json:"elevated"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

func (t Thresholds) Validate() error {
	if t.Elevated <= 0 || t.Critical > 1 {
		return fmt.Errorf("thresholds must lie in (0,1]")
	}
	if !(t.Elevated < t.High && t.High < t.Critical) {
		return fmt.Errorf("thresholds must be strictly increasing: %.3f/%.3f/%.3f",
			t.Elevated, t.High, t.Critical)
	}
	return nil
}

// Classify returns the load level for a pressure value in [0,1].
func (t Thresholds) Classify(pressure float64) types.LoadLevel {
	switch {
	case pressure >= t.Critical:
		return types.LoadCritical
	case pressure >= t.High:
		return types.LoadHigh
	case pressure >= t.Elevated:
		return types.LoadElevated
	default:
		return types.LoadNormal
	}
}
