package types

import "fmt"

// LoadLevel is the ordered system-health classification derived from a
// LoadSample. The numeric order matters: comparisons and the priority
// controller's effective-pressure math rely on it.
type LoadLevel int

const (
	LoadNormal LoadLevel = iota
	LoadElevated
	LoadHigh
	LoadCritical
)

var loadLevelNames = map[LoadLevel]string{
	LoadNormal:   "normal",
	LoadElevated: "elevated",
	LoadHigh:     "high",
	LoadCritical: "critical",
}

func (l LoadLevel) String() string {
	if name, ok := loadLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("load(%d)", int(l))
}

func (l LoadLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// AttentionLevel is the derived demand signal for a source. Ordered from
// none (nobody watching) to high (focused or heavily viewed).
type AttentionLevel int

const (
	AttentionNone AttentionLevel = iota
	AttentionLow
	AttentionMedium
	AttentionHigh
)

var attentionLevelNames = map[AttentionLevel]string{
	AttentionNone:   "none",
	AttentionLow:    "low",
	AttentionMedium: "medium",
	AttentionHigh:   "high",
}

func (l AttentionLevel) String() string {
	if name, ok := attentionLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("attention(%d)", int(l))
}

func (l AttentionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// QualityTier is the delivery fidelity assigned to a connection. Ordered
// ascending by fidelity so that "upgrade" means an increase.
type QualityTier int

const (
	QualityPaused QualityTier = iota
	QualityMinimal
	QualityLow
	QualityMedium
	QualityHigh
)

var qualityTierNames = map[QualityTier]string{
	QualityPaused:  "paused",
	QualityMinimal: "minimal",
	QualityLow:     "low",
	QualityMedium:  "medium",
	QualityHigh:    "high",
}

func (q QualityTier) String() string {
	if name, ok := qualityTierNames[q]; ok {
		return name
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

func (q QualityTier) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// Degraded reports whether the tier delivers below the normal service
// point. Paused, minimal and low all count.
func (q QualityTier) Degraded() bool {
	return q <= QualityLow
}
