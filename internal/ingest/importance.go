package ingest

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ImportanceConfig weights the terms of a fact's importance score:
//
//	clamp01(ConfidenceWeight·confidence
//	      + FrequencyWeight·(1 − e^(−assertions/FrequencyScale))
//	      + RecencyWeight·e^(−ln2·gap/RecencyHalfLife))
//
// gap is the time since the fact was last asserted. The recency term is
// omitted when a fact is created.
type ImportanceConfig struct {
	ConfidenceWeight float64       `yaml:"confidence_weight"`
	FrequencyWeight  float64       `yaml:"frequency_weight"`
	RecencyWeight    float64       `yaml:"recency_weight"`
	FrequencyScale   float64       `yaml:"frequency_scale"`
	RecencyHalfLife  time.Duration `yaml:"recency_half_life"`
}

// DefaultImportanceConfig returns weights 0.5/0.3/0.2, a frequency scale of 3
// assertions and a recency half-life of 24h.
func DefaultImportanceConfig() ImportanceConfig {
	return ImportanceConfig{
		ConfidenceWeight: 0.5,
		FrequencyWeight:  0.3,
		RecencyWeight:    0.2,
		FrequencyScale:   3,
		RecencyHalfLife:  24 * time.Hour,
	}
}

// Validate reports negative weights and non-positive scales.
func (c ImportanceConfig) Validate() error {
	var errs []error
	if c.ConfidenceWeight < 0 || c.FrequencyWeight < 0 || c.RecencyWeight < 0 {
		errs = append(errs, fmt.Errorf("importance weights must be >= 0"))
	}
	if c.FrequencyScale <= 0 {
		errs = append(errs, fmt.Errorf("importance frequency_scale must be > 0, got %v", c.FrequencyScale))
	}
	if c.RecencyHalfLife <= 0 {
		errs = append(errs, fmt.Errorf("importance recency_half_life must be > 0, got %v", c.RecencyHalfLife))
	}
	return errors.Join(errs...)
}

// Score computes the importance of a fact with the given blended confidence
// and assertion count. reasserted selects whether gap contributes a recency
// term.
func (c ImportanceConfig) Score(confidence float64, assertions int, gap time.Duration, reasserted bool) float64 {
	score := c.ConfidenceWeight * confidence
	if c.FrequencyScale > 0 {
		score += c.FrequencyWeight * (1 - math.Exp(-float64(assertions)/c.FrequencyScale))
	}
	if reasserted && c.RecencyHalfLife > 0 {
		gap = max(gap, 0)
		score += c.RecencyWeight * math.Exp(-math.Ln2*gap.Hours()/c.RecencyHalfLife.Hours())
	}
	return clamp01(score)
}

// BlendConfidence mixes a previous and a newly asserted confidence, weighting
// the new one by blend.
func BlendConfidence(prev, next, blend float64) float64 {
	return clamp01(prev*(1-blend) + next*blend)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}
