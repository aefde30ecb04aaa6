package signals

import (
	"time"

	"github.com/oi-bucket-tracker/internal/state"
)

type SignalType string

const (
	SignalTypeVerdict    SignalType = "verdict"
	SignalTypeLevelShift SignalType = "level_shift"
	SignalTypePCRTrend   SignalType = "pcr_trend"
	SignalTypePCRExtreme SignalType = "pcr_extreme"
	SignalTypeTradeSetup SignalType = "trade_setup"
)

type Signal struct {
	Index     string         `json:"index"`
	Type      SignalType     `json:"type"`
	Value     float64        `json:"value"`
	BucketTS  time.Time      `json:"bucket_ts"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Metadata  SignalMetadata `json:"metadata"`

	// Type-specific data (only one will be set)
	Verdict *Verdict          `json:"verdict,omitempty"`
	Setup   *state.TradeSetup `json:"setup,omitempty"`
}

type SignalMetadata struct {
	PreviousValue    *float64 `json:"previous_value,omitempty"`
	ThresholdCrossed bool     `json:"threshold_crossed"`
	Confidence       float64  `json:"confidence"` // 0.0 to 1.0
}

func findingSignalType(k FindingKind) SignalType {
	switch k {
	case FindingSupportShift, FindingResistanceShift:
		return SignalTypeLevelShift
	case FindingPCRTrend:
		return SignalTypePCRTrend
	default:
		return SignalTypePCRExtreme
	}
}
