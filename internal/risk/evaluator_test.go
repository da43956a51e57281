package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbd888/trustbank/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func ptr[T any](v T) *T { return &v }

func knownProfile() *trust.Profile {
	return &trust.Profile{
		UserID:          "usr_1",
		TrustedNetworks: []string{"10.0.0.1"},
		TrustedDevices:  []string{"dev-A"},
		KnownLocations:  []trust.GeoPoint{{Latitude: 19.07, Longitude: 72.87}},
	}
}

// trustedContext passes every signal against knownProfile.
func trustedContext() *trust.ClientContext {
	return &trust.ClientContext{
		IP:             "10.0.0.1",
		Device:         "dev-A",
		Location:       &trust.GeoPoint{Latitude: 19.10, Longitude: 72.90},
		LoginTime:      ptr(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)),
		TypingSpeed:    ptr(350.0),
		PointerSamples: ptr(40),
		TabSwitches:    ptr(0),
		FrameDrops:     ptr(1),
	}
}

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(nil)
	require.NoError(t, err)
	return e
}

func TestEvaluate_AllTrustedScoresZero(t *testing.T) {
	e := newEvaluator(t)
	a := e.Evaluate(trustedContext(), knownProfile())

	assert.Equal(t, 0, a.Score)
	assert.Empty(t, a.Failed)
	for _, s := range AllSignals {
		assert.True(t, a.Signals[s], "signal %s", s)
	}
}

func TestEvaluate_EmptyContextScoresMax(t *testing.T) {
	e := newEvaluator(t)

	a := e.Evaluate(&trust.ClientContext{}, knownProfile())
	assert.Equal(t, 11, a.Score)
	assert.Equal(t, e.MaxScore(), a.Score)
	assert.Len(t, a.Failed, len(AllSignals))

	assert.Equal(t, 11, e.Evaluate(nil, knownProfile()).Score)
}

func TestEvaluate_NilProfileFailsIdentitySignals(t *testing.T) {
	e := newEvaluator(t)
	a := e.Evaluate(trustedContext(), nil)

	assert.Equal(t, 6, a.Score)
	assert.Equal(t, []Signal{SignalDevice, SignalLocation, SignalNetwork}, a.Failed)
}

func TestEvaluate_Idempotent(t *testing.T) {
	e := newEvaluator(t)
	cc := trustedContext()
	cc.Device = "dev-new"
	p := knownProfile()

	first := e.Evaluate(cc, p)
	second := e.Evaluate(cc, p)
	assert.Equal(t, first, second)
	assert.Equal(t, knownProfile(), p)
}

func TestEvaluate_PerSignal(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cc *trust.ClientContext)
		signal Signal
		fails  bool
	}{
		{"unknown network", func(cc *trust.ClientContext) { cc.IP = "203.0.113.1" }, SignalNetwork, true},
		{"empty network", func(cc *trust.ClientContext) { cc.IP = "" }, SignalNetwork, true},
		{"unknown device", func(cc *trust.ClientContext) { cc.Device = "dev-Z" }, SignalDevice, true},
		{"login at 06:00", func(cc *trust.ClientContext) { cc.LoginTime = ptr(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)) }, SignalLoginHour, false},
		{"login at 22:59", func(cc *trust.ClientContext) { cc.LoginTime = ptr(time.Date(2026, 1, 1, 22, 59, 0, 0, time.UTC)) }, SignalLoginHour, false},
		{"login at 23:00", func(cc *trust.ClientContext) { cc.LoginTime = ptr(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)) }, SignalLoginHour, true},
		{"login at 05:59", func(cc *trust.ClientContext) { cc.LoginTime = ptr(time.Date(2026, 1, 1, 5, 59, 0, 0, time.UTC)) }, SignalLoginHour, true},
		{"missing login time", func(cc *trust.ClientContext) { cc.LoginTime = nil }, SignalLoginHour, true},
		{"location just inside", func(cc *trust.ClientContext) { cc.Location = &trust.GeoPoint{Latitude: 19.56, Longitude: 72.87} }, SignalLocation, false},
		{"location past tolerance", func(cc *trust.ClientContext) { cc.Location = &trust.GeoPoint{Latitude: 19.07, Longitude: 73.40} }, SignalLocation, true},
		{"far location", func(cc *trust.ClientContext) { cc.Location = &trust.GeoPoint{Latitude: 28.61, Longitude: 77.20} }, SignalLocation, true},
		{"missing location", func(cc *trust.ClientContext) { cc.Location = nil }, SignalLocation, true},
		{"typing at threshold", func(cc *trust.ClientContext) { cc.TypingSpeed = ptr(300.0) }, SignalTypingSpeed, false},
		{"slow typing", func(cc *trust.ClientContext) { cc.TypingSpeed = ptr(120.0) }, SignalTypingSpeed, true},
		{"missing typing", func(cc *trust.ClientContext) { cc.TypingSpeed = nil }, SignalTypingSpeed, true},
		{"pointer at threshold", func(cc *trust.ClientContext) { cc.PointerSamples = ptr(10) }, SignalPointerActivity, false},
		{"few pointer samples", func(cc *trust.ClientContext) { cc.PointerSamples = ptr(9) }, SignalPointerActivity, true},
		{"one tab switch", func(cc *trust.ClientContext) { cc.TabSwitches = ptr(1) }, SignalTabSwitches, false},
		{"two tab switches", func(cc *trust.ClientContext) { cc.TabSwitches = ptr(2) }, SignalTabSwitches, true},
		{"negative tab switches", func(cc *trust.ClientContext) { cc.TabSwitches = ptr(-1) }, SignalTabSwitches, true},
		{"five frame drops", func(cc *trust.ClientContext) { cc.FrameDrops = ptr(5) }, SignalFrameDrops, false},
		{"six frame drops", func(cc *trust.ClientContext) { cc.FrameDrops = ptr(6) }, SignalFrameDrops, true},
	}

	e := newEvaluator(t)
	weights := DefaultWeights()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := trustedContext()
			tt.mutate(cc)
			a := e.Evaluate(cc, knownProfile())

			assert.Equal(t, !tt.fails, a.Signals[tt.signal])
			if tt.fails {
				assert.Equal(t, weights[tt.signal], a.Score)
				assert.Equal(t, []Signal{tt.signal}, a.Failed)
			} else {
				assert.Equal(t, 0, a.Score)
			}
		})
	}
}

func TestEvaluate_NightLoginOnNewDevice(t *testing.T) {
	e := newEvaluator(t)
	cc := &trust.ClientContext{
		IP:        "198.51.100.7",
		Device:    "dev-unknown",
		Location:  &trust.GeoPoint{Latitude: 51.5, Longitude: -0.12},
		LoginTime: ptr(time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)),
	}
	a := e.Evaluate(cc, knownProfile())
	assert.Equal(t, e.MaxScore(), a.Score)
}

func TestEvaluate_CustomWeights(t *testing.T) {
	w := DefaultWeights()
	w[SignalFrameDrops] = 0
	w[SignalNetwork] = 5
	e, err := NewEvaluator(w)
	require.NoError(t, err)

	w[SignalNetwork] = 100 // caller's map is not shared

	cc := trustedContext()
	cc.IP = "203.0.113.1"
	cc.FrameDrops = ptr(50)
	a := e.Evaluate(cc, knownProfile())
	assert.Equal(t, 5, a.Score)
	assert.Len(t, a.Failed, 2)
	assert.Equal(t, 13, e.MaxScore())
}

func TestNewEvaluator_RejectsInvalidWeights(t *testing.T) {
	w := DefaultWeights()
	w[SignalDevice] = -1
	_, err := NewEvaluator(w)
	assert.Error(t, err)

	w = DefaultWeights()
	delete(w, SignalLocation)
	_, err = NewEvaluator(w)
	assert.Error(t, err)
}

func TestPolicy_Decide(t *testing.T) {
	p := Policy{Block: 7, StepUp: 4, Value: 1_000_000}
	require.NoError(t, p.Validate())

	tests := []struct {
		name  string
		score int
		value int64
		gated bool
		want  Decision
	}{
		{"low risk small", 3, 100, true, DecisionAllow},
		{"low risk large", 0, 50_000_000, true, DecisionAllow},
		{"medium at value", 4, 1_000_000, true, DecisionAllow},
		{"medium above value", 4, 1_000_001, true, DecisionStepUp},
		{"medium below block", 6, 2_000_000, true, DecisionStepUp},
		{"high small value", 7, 1, true, DecisionBlock},
		{"max score", 11, 1_000_001, true, DecisionBlock},
		{"login medium", 5, 0, false, DecisionStepUp},
		{"login low", 3, 0, false, DecisionAllow},
		{"login high", 9, 0, false, DecisionBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.score, tt.value, tt.gated))
		})
	}
}

func TestPolicy_Level(t *testing.T) {
	p := Policy{Block: 7, StepUp: 4}
	assert.Equal(t, LevelLow, p.Level(0))
	assert.Equal(t, LevelLow, p.Level(3))
	assert.Equal(t, LevelMedium, p.Level(4))
	assert.Equal(t, LevelMedium, p.Level(6))
	assert.Equal(t, LevelHigh, p.Level(7))
}

func TestPolicy_Validate(t *testing.T) {
	assert.Error(t, Policy{Block: 7, StepUp: 0}.Validate())
	assert.Error(t, Policy{Block: 4, StepUp: 4}.Validate())
	assert.Error(t, Policy{Block: 7, StepUp: 4, Value: -1}.Validate())
	assert.NoError(t, Policy{Block: 7, StepUp: 4, Value: 0}.Validate())
}

func TestLoadWeights(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path", func(t *testing.T) {
		w, err := LoadWeights("")
		require.NoError(t, err)
		assert.Equal(t, DefaultWeights(), w)
	})

	t.Run("partial override", func(t *testing.T) {
		path := filepath.Join(dir, "weights.yaml")
		require.NoError(t, os.WriteFile(path, []byte("weights:\n  network: 3\n  frame_drops: 0\n"), 0o600))

		w, err := LoadWeights(path)
		require.NoError(t, err)
		assert.Equal(t, 3, w[SignalNetwork])
		assert.Equal(t, 0, w[SignalFrameDrops])
		assert.Equal(t, 2, w[SignalDevice])
		assert.Equal(t, 11, w.Max())
	})

	t.Run("empty document", func(t *testing.T) {
		w, err := ParseWeights(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultWeights(), w)
	})

	t.Run("unknown signal", func(t *testing.T) {
		_, err := ParseWeights([]byte("weights:\n  mouse_wiggle: 1\n"))
		assert.ErrorContains(t, err, "unknown signal")
	})

	t.Run("unknown top-level key", func(t *testing.T) {
		_, err := ParseWeights([]byte("weight:\n  network: 1\n"))
		assert.Error(t, err)
	})

	t.Run("negative weight", func(t *testing.T) {
		_, err := ParseWeights([]byte("weights:\n  device: -2\n"))
		assert.ErrorContains(t, err, "negative")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadWeights(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestWeights_MarshalYAMLRoundTrip(t *testing.T) {
	w := DefaultWeights()
	w[SignalTypingSpeed] = 4

	out, err := yaml.Marshal(map[string]Weights{"weights": w})
	require.NoError(t, err)

	back, err := ParseWeights(out)
	require.NoError(t, err)
	assert.Equal(t, w, back)
}
