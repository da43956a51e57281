package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/trustbank/internal/risk"
)

var testPolicy = risk.Policy{Block: 7, StepUp: 4, Value: 1_000_000}

const knownProfile = `{
  "profile": {
    "userId": "u1",
    "trustedNetworks": ["10.0.0.1"],
    "trustedDevices": ["dev-A"],
    "knownLocations": [{"latitude": 19.07, "longitude": 72.87}]
  },
  "context": {
    "ip": "%IP%",
    "device": "%DEVICE%",
    "location": {"latitude": 19.07, "longitude": 72.87},
    "loginTime": "2026-06-01T10:00:00Z",
    "typingSpeed": 350,
    "pointerSamples": 20,
    "tabSwitches": 0,
    "frameDrops": 0
  }
}`

func input(ip, device string) *strings.Reader {
	s := strings.ReplaceAll(knownProfile, "%IP%", ip)
	return strings.NewReader(strings.ReplaceAll(s, "%DEVICE%", device))
}

func TestAssess_KnownContextAllows(t *testing.T) {
	res, err := assess(input("10.0.0.1", "dev-A"), risk.DefaultWeights(), testPolicy, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, risk.LevelLow, res.Level)
	assert.Equal(t, risk.DecisionAllow, res.Decision)
	assert.Empty(t, res.Amount)
}

func TestAssess_ValueGate(t *testing.T) {
	// Unknown network and device: medium risk.
	res, err := assess(input("203.0.113.9", "dev-B"), risk.DefaultWeights(), testPolicy, "500")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Score)
	assert.Equal(t, risk.DecisionAllow, res.Decision)
	assert.Equal(t, "500.00", res.Amount)

	res, err = assess(input("203.0.113.9", "dev-B"), risk.DefaultWeights(), testPolicy, "15000")
	require.NoError(t, err)
	assert.Equal(t, risk.DecisionStepUp, res.Decision)

	// A login is never value-gated.
	res, err = assess(input("203.0.113.9", "dev-B"), risk.DefaultWeights(), testPolicy, "")
	require.NoError(t, err)
	assert.Equal(t, risk.DecisionStepUp, res.Decision)
}

func TestAssess_RejectsBadInput(t *testing.T) {
	_, err := assess(strings.NewReader(`{"profile": {}}`), risk.DefaultWeights(), testPolicy, "")
	assert.Error(t, err)

	_, err = assess(strings.NewReader(`{"context": {}, "extra": 1}`), risk.DefaultWeights(), testPolicy, "")
	assert.Error(t, err)

	_, err = assess(input("10.0.0.1", "dev-A"), risk.DefaultWeights(), testPolicy, "-5")
	assert.Error(t, err)
}

func TestPrintWeights(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printWeights(&buf, risk.DefaultWeights()))

	var out struct {
		Weights  map[string]int `yaml:"weights"`
		MaxScore int            `yaml:"max_score"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 11, out.MaxScore)
	assert.Equal(t, 2, out.Weights["network"])
	assert.Len(t, out.Weights, len(risk.AllSignals))
}
