package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/state"
)

func TestClassifyDeadZone(t *testing.T) {
	cases := []struct {
		name         string
		oiPct, pxPct float64
		absOIChange  float64
	}{
		{"small oi move", 1.9, 5, 500},
		{"small price move", 10, 0.5, 500},
		{"small absolute change", 10, 5, 49},
		{"flat", 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Classify(tc.oiPct, tc.pxPct, state.Call, tc.absOIChange)
			assert.Equal(t, LabelNeutral, c.Label)
			assert.Zero(t, c.Impact)
			assert.Zero(t, c.Confidence)
		})
	}
}

func TestClassifyQuadrants(t *testing.T) {
	cases := []struct {
		oiPct, pxPct float64
		callLabel    string
		putLabel     string
		callImpact   float64
	}{
		{5, 2.5, LabelCallLongBuildup, LabelPutLongBuildup, 2.25},
		{5, -2.5, LabelCallShortBuildup, LabelPutShortBuildup, -3},
		{-5, 2.5, LabelCallShortCovering, LabelPutShortCovering, 3.75},
		{-5, -2.5, LabelCallLongUnwinding, LabelPutLongUnwinding, -1.5},
	}
	for _, tc := range cases {
		t.Run(tc.callLabel, func(t *testing.T) {
			call := Classify(tc.oiPct, tc.pxPct, state.Call, 150)
			put := Classify(tc.oiPct, tc.pxPct, state.Put, 150)

			assert.Equal(t, tc.callLabel, call.Label)
			assert.Equal(t, tc.putLabel, put.Label)
			assert.InDelta(t, tc.callImpact, call.Impact, 1e-9)
			assert.InDelta(t, -tc.callImpact, put.Impact, 1e-9)
			assert.Equal(t, call.Confidence, put.Confidence)
		})
	}
}

func TestClassifyStrengthAndConfidence(t *testing.T) {
	c := Classify(5, 2.5, state.Call, 100)
	assert.Equal(t, 2.0, c.Strength)
	assert.InDelta(t, 60, c.Confidence, 1e-9)
	assert.InDelta(t, 2.25, c.Impact, 1e-9)

	c = Classify(-20, 10, state.Call, 500)
	assert.Equal(t, 4.0, c.Strength)
	assert.Equal(t, 100.0, c.Confidence, "confidence is capped")
	assert.InDelta(t, 5, c.Impact, 1e-9)

	c = Classify(2, 1, state.Put, 50)
	assert.Equal(t, 1.0, c.Strength)
	assert.InDelta(t, 30, c.Confidence, 1e-9)
	assert.InDelta(t, -1.5, c.Impact, 1e-9)
}

func TestThresholdsFromConfigOverridesTiers(t *testing.T) {
	th := DefaultThresholds()
	th.OITiers = [4]float64{10, 20, 30, 40}

	c := th.Classify(5, 2.5, state.Call, 500)
	assert.Equal(t, LabelNeutral, c.Label)
}

func TestThresholdsFromConfigScalesAndMultipliers(t *testing.T) {
	th := ThresholdsFrom(config.ClassifierConfig{
		OITiers:           []float64{2, 5, 10, 20},
		PriceTiers:        []float64{1, 2.5, 5, 10},
		MinAbsOIChange:    50,
		ConfidenceOIScale: 100,
		HeavyOIChange:     1000,
		HeavyImpactMult:   3,
		ActiveOIChange:    200,
		ActiveImpactMult:  1.25,
	})

	c := th.Classify(5, 2.5, state.Call, 150)
	assert.InDelta(t, 55, c.Confidence, 1e-9)
	assert.InDelta(t, 1.5, c.Impact, 1e-9, "below the active cutoff")

	c = th.Classify(5, 2.5, state.Call, 200)
	assert.InDelta(t, 60, c.Confidence, 1e-9)
	assert.InDelta(t, 1.875, c.Impact, 1e-9)

	c = th.Classify(5, 2.5, state.Put, 1000)
	assert.Equal(t, 100.0, c.Confidence)
	assert.InDelta(t, -4.5, c.Impact, 1e-9)

	assert.Equal(t, 50.0, ThresholdsFrom(config.ClassifierConfig{}).ConfidenceOIScale, "zero scale keeps the default")
}
