package attention

import "fmt"

type BatteryLevel int

const (
	BatteryNormal BatteryLevel = iota
	BatteryLow
	BatteryCritical
)

func (b BatteryLevel) String() string {
	switch b {
	case BatteryLow:
		return "low"
	case BatteryCritical:
		return "critical"
	default:
		return "normal"
	}
}

func (b BatteryLevel) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func ParseBatteryLevel(s string) (BatteryLevel, error) {
	switch s {
	case "normal":
		return BatteryNormal, nil
	case "low":
		return BatteryLow, nil
	case "critical":
		return BatteryCritical, nil
	default:
		return BatteryNormal, fmt.Errorf("unknown battery level %q", s)
	}
}

// BatteryState is the last report for a user. Last write wins; a user in
// critical state stops counting toward attention until a better report
// arrives, without their view records being touched.
type BatteryState struct {
	State         BatteryLevel `json:"state"`
	ReportedLevel float64      `json:"reported_level"`
	Charging      bool         `json:"charging"`
	Source        string       `json:"source"`
	Timestamp     int64        `json:"timestamp"`
}
