package homeostat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	"github.com/sensocto/sensocto-go/src/pkg/events"
	"github.com/sensocto/sensocto-go/src/sysload"
	"github.com/sensocto/sensocto-go/src/types"
)

type fakeClassifier struct {
	history    []types.LoadSample
	thresholds sysload.Thresholds
	setCalls   int
}

func (f *fakeClassifier) History() []types.LoadSample    { return f.history }
func (f *fakeClassifier) Thresholds() sysload.Thresholds { return f.thresholds }
func (f *fakeClassifier) SetThresholds(t sysload.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	f.thresholds = t
	f.setCalls++
	return nil
}

func samplesAt(pressure float64, n int) []types.LoadSample {
	out := make([]types.LoadSample, n)
	for i := range out {
		out[i] = types.LoadSample{SchedulerUtilization: pressure}
	}
	return out
}

func newTestTuner(t *testing.T, history []types.LoadSample) (*Tuner, *fakeClassifier, context.Context) {
	t.Helper()
	configs.SetCurrentConfig(configs.NewConfig())
	ctx := context.WithValue(context.Background(), instance.Key, &instance.Instance{})
	events.NewDispatcher(ctx)
	tuner := NewTuner(ctx)
	fake := &fakeClassifier{
		history:    history,
		thresholds: sysload.Thresholds{Elevated: 0.6, High: 0.75, Critical: 0.9},
	}
	tuner.SetClassifier(fake)
	return tuner, fake, ctx
}

func TestTuner_RaisesUnderOverload(t *testing.T) {
	tuner, fake, _ := newTestTuner(t, samplesAt(0.95, 30))

	require.True(t, tuner.Tune())
	assert.InDelta(t, 0.02, tuner.Offset(), 1e-9)
	assert.InDelta(t, 0.62, fake.thresholds.Elevated, 1e-9)
	assert.InDelta(t, 0.77, fake.thresholds.High, 1e-9)
	assert.InDelta(t, 0.92, fake.thresholds.Critical, 1e-9)
}

func TestTuner_LowersWhenTooCalm(t *testing.T) {
	tuner, fake, _ := newTestTuner(t, samplesAt(0.1, 30))

	require.True(t, tuner.Tune())
	assert.InDelta(t, -0.02, tuner.Offset(), 1e-9)
	assert.InDelta(t, 0.58, fake.thresholds.Elevated, 1e-9)
	assert.InDelta(t, 0.88, fake.thresholds.Critical, 1e-9)
}

func TestTuner_ConvergedDistributionHoldsStill(t *testing.T) {
	history := samplesAt(0.1, 21)
	history = append(history, samplesAt(0.65, 6)...)
	history = append(history, samplesAt(0.8, 2)...)
	history = append(history, samplesAt(0.95, 1)...)
	tuner, fake, _ := newTestTuner(t, history)

	assert.False(t, tuner.Tune())
	assert.Zero(t, tuner.Offset())
	assert.Zero(t, fake.setCalls)

	report := tuner.LastReport()
	assert.InDelta(t, 0.7, report.Distribution[types.LoadNormal], 1e-9)
	assert.InDelta(t, 0.2, report.Distribution[types.LoadElevated], 1e-9)
}

func TestTuner_OffsetClampedAtMax(t *testing.T) {
	tuner, fake, _ := newTestTuner(t, samplesAt(0.95, 30))

	for i := 0; i < 10; i++ {
		tuner.Tune()
	}
	assert.InDelta(t, 0.1, tuner.Offset(), 1e-9)
	assert.InDelta(t, 1.0, fake.thresholds.Critical, 1e-9)

	calls := fake.setCalls
	assert.False(t, tuner.Tune())
	assert.Equal(t, calls, fake.setCalls)
}

func TestTuner_OffsetClampedAtMin(t *testing.T) {
	tuner, fake, _ := newTestTuner(t, samplesAt(0.1, 30))

	for i := 0; i < 10; i++ {
		tuner.Tune()
	}
	assert.InDelta(t, -0.1, tuner.Offset(), 1e-9)
	assert.InDelta(t, 0.5, fake.thresholds.Elevated, 1e-9)
	assert.NoError(t, fake.thresholds.Validate())

	calls := fake.setCalls
	assert.False(t, tuner.Tune())
	assert.Equal(t, calls, fake.setCalls)
}

func TestTuner_StepBoundedAndMonotonic(t *testing.T) {
	tuner, fake, _ := newTestTuner(t, samplesAt(0.95, 30))

	prev := fake.thresholds
	for i := 0; i < 10; i++ {
		tuner.Tune()
		next := fake.thresholds
		assert.LessOrEqual(t, next.Elevated-prev.Elevated, 0.02+1e-9)
		assert.NoError(t, next.Validate())
		prev = next
	}
}

func TestTuner_WindowTrimsToRecent(t *testing.T) {
	history := append(samplesAt(0.95, 100), samplesAt(0.1, 30)...)
	tuner, _, _ := newTestTuner(t, history)

	require.True(t, tuner.Tune())
	assert.InDelta(t, -0.02, tuner.Offset(), 1e-9)
}

func TestTuner_NeedsClassifierAndHistory(t *testing.T) {
	configs.SetCurrentConfig(configs.NewConfig())
	ctx := context.WithValue(context.Background(), instance.Key, &instance.Instance{})
	events.NewDispatcher(ctx)
	tuner := NewTuner(ctx)

	assert.False(t, tuner.Tune())

	fake := &fakeClassifier{history: samplesAt(0.95, minWindowSamples-1)}
	tuner.SetClassifier(fake)
	assert.False(t, tuner.Tune())
}

func TestTuner_EmitsAdaptation(t *testing.T) {
	tuner, _, ctx := newTestTuner(t, samplesAt(0.95, 30))
	reports := make(chan Report, 1)
	ed := instance.GetInstance(ctx).EventDispatcher.(events.Dispatcher)
	ed.AddEventListener(Adaptation, events.NewEventListener(func(event *events.Event) {
		reports <- event.Object.(Report)
	}))

	require.True(t, tuner.Tune())
	select {
	case r := <-reports:
		assert.InDelta(t, 0.02, r.Offset, 1e-9)
		assert.InDelta(t, 1.0, r.Distribution[types.LoadCritical], 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adaptation event")
	}
}
