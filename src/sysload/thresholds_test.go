package sysload

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sensocto/sensocto-go/src/types"
)

func TestThresholds_Classify(t *testing.T) {
	th := Thresholds{Elevated: 0.6, High: 0.75, Critical: 0.9}
	tests := []struct {
		pressure float64
		want     types.LoadLevel
	}{
		{0, types.LoadNormal},
		{0.59, types.LoadNormal},
		{0.6, types.LoadElevated},
		{0.74, types.LoadElevated},
		{0.75, types.LoadHigh},
		{0.89, types.LoadHigh},
		{0.9, types.LoadCritical},
		{1, types.LoadCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.pressure), "pressure %.2f", tt.pressure)
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{"defaults", Thresholds{Elevated: 0.6, High: 0.75, Critical: 0.9}, false},
		{"equal boundaries", Thresholds{Elevated: 0.6, High: 0.6, Critical: 0.9}, true},
		{"decreasing", Thresholds{Elevated: 0.9, High: 0.75, Critical: 0.6}, true},
		{"zero elevated", Thresholds{Elevated: 0, High: 0.5, Critical: 0.9}, true},
		{"critical above one", Thresholds{Elevated: 0.6, High: 0.75, Critical: 1.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
