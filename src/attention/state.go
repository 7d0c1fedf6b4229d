package attention

import (
	"sort"

	"github.com/sensocto/sensocto-go/src/types"
)

type ChannelCounts struct {
	Viewers  int `json:"viewers"`
	Focused  int `json:"focused"`
	Hovering int `json:"hovering"`
}

type SourceState struct {
	Level    types.AttentionLevel              `json:"level"`
	Channels map[types.ChannelID]ChannelCounts `json:"channels"`
	Pinned   []types.UserID                    `json:"pinned,omitempty"`
}

// State is the tracker's full snapshot, built inside the owner so it is
// internally consistent.
type State struct {
	Sources        map[types.SourceID]SourceState `json:"sources"`
	Battery        map[types.UserID]BatteryState  `json:"battery"`
	BatterySummary map[string]int                 `json:"battery_summary"`
	Excluded       []types.UserID                 `json:"excluded,omitempty"`
}

// buildState runs on the owner goroutine.
func (t *Tracker) buildState() State {
	state := State{
		Sources:        make(map[types.SourceID]SourceState, len(t.records)),
		Battery:        make(map[types.UserID]BatteryState, len(t.battery)),
		BatterySummary: make(map[string]int),
	}
	for source, channels := range t.records {
		ss := SourceState{
			Level:    t.computeLevel(source),
			Channels: make(map[types.ChannelID]ChannelCounts, len(channels)),
		}
		for channel, rec := range channels {
			ss.Channels[channel] = ChannelCounts{
				Viewers:  len(rec.viewers),
				Focused:  len(rec.focused),
				Hovering: len(rec.hovering),
			}
		}
		state.Sources[source] = ss
	}
	for source, pinners := range t.pins {
		ss, ok := state.Sources[source]
		if !ok {
			ss = SourceState{Level: t.computeLevel(source)}
		}
		ss.Pinned = sortedUsers(pinners)
		state.Sources[source] = ss
	}
	for user, bs := range t.battery {
		state.Battery[user] = bs
		state.BatterySummary[bs.State.String()]++
		if bs.State == BatteryCritical {
			state.Excluded = append(state.Excluded, user)
		}
	}
	sort.Slice(state.Excluded, func(i, j int) bool {
		return state.Excluded[i] < state.Excluded[j]
	})
	return state
}

func sortedUsers(set map[types.UserID]struct{}) []types.UserID {
	out := make([]types.UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
