package insight

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are an expert intraday index options trader. Analyse the option chain data and provide ONE high-confidence trade setup. Reply with a single JSON object and nothing else."

const maxPromptLegs = 10

func buildPrompt(mc MarketContext, minConfidence int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Suggest ONE high-confidence trade setup for %s.\n\n", mc.Index)
	b.WriteString("Market Context:\n")
	fmt.Fprintf(&b, "- Bucket: %s\n", mc.BucketTS.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "- Spot LTP: %.2f\n", mc.Spot)
	fmt.Fprintf(&b, "- PCR (OI): %.2f\n", mc.PCR)
	fmt.Fprintf(&b, "- PCR (Volume): %.2f\n", mc.VolumePCR)
	fmt.Fprintf(&b, "- Max Pain: %d\n", mc.MaxPain)
	fmt.Fprintf(&b, "- Support: %s (shift %s)\n", joinInts(mc.Support), mc.SupportShift)
	fmt.Fprintf(&b, "- Resistance: %s (shift %s)\n", joinInts(mc.Resistance), mc.ResistanceShift)
	fmt.Fprintf(&b, "- OI Verdict: %s (confidence factor %.0f%%)\n", mc.Direction, mc.ConfidenceFactor)
	for _, f := range mc.Findings {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	b.WriteString("\nOption Chain Data:\n")
	if len(mc.Chain) == 0 {
		b.WriteString("No option chain data available\n")
	}
	for i, l := range mc.Chain {
		if i == maxPromptLegs {
			break
		}
		fmt.Fprintf(&b, "- %d %s: LTP=%.2f, OI=%d, OI_Change=%d (%.2f%%), IV=%.2f, Delta=%.2f, Pattern=%s\n",
			l.Strike, l.Side, l.LTP, l.OI, l.OIChange, l.OIChangePct, l.IV, l.Delta, l.Label)
	}

	b.WriteString(`
Format your response as JSON:
{
  "bias": "BULLISH/BEARISH/NEUTRAL",
  "strategy": "Brief strategy description",
  "entry_strike": 24000,
  "entry_type": "CE/PE",
  "entry_price": 108.50,
  "stop_loss": 92.00,
  "target": 135.00,
  "confidence": 87,
  "rationale": "Reasoning for the trade setup"
}
`)
	fmt.Fprintf(&b, "\nOnly propose setups with confidence above %d and a risk-reward of at least 1:2.\n", minConfidence)
	return b.String()
}

func joinInts(v []int) string {
	if len(v) == 0 {
		return "n/a"
	}
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
