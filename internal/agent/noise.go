package agent

import "strings"

// Noise-gate reasons.
const (
	NoiseEmpty         = "empty"
	NoiseTooShort      = "too_short"
	NoisePatternMatch  = "pattern_match"
	NoiseLowWeight     = "low_weight"
	NoiseLLMClassified = "llm_classified"
)

// Verdict is the outcome of the noise gate.
type Verdict struct {
	Noise  bool
	Reason string
	Weight float64
}

// NoiseFilter gates low-value inputs before they reach the LLM. Filtered
// messages are still persisted; the loop answers with a canned
// acknowledgment instead of a chat call.
type NoiseFilter struct {
	MinLength   int
	WeightFloor float64
}

func NewNoiseFilter() *NoiseFilter {
	return &NoiseFilter{MinLength: 2, WeightFloor: 0.15}
}

// Filter decides whether a classified message is worth a reasoning run.
func (f *NoiseFilter) Filter(message string, sig Signal) Verdict {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	switch {
	case trimmed == "":
		return Verdict{Noise: true, Reason: NoiseEmpty}
	case len([]rune(trimmed)) <= f.MinLength && !strings.HasSuffix(trimmed, "?"):
		return Verdict{Noise: true, Reason: NoiseTooShort, Weight: sig.Weight}
	case greetingRe.MatchString(lower) || thanksRe.MatchString(lower) || ackRe.MatchString(lower):
		return Verdict{Noise: true, Reason: NoisePatternMatch, Weight: sig.Weight}
	case sig.Weight < f.WeightFloor:
		return Verdict{Noise: true, Reason: NoiseLowWeight, Weight: sig.Weight}
	}
	return Verdict{Noise: false, Weight: sig.Weight}
}

// Ack returns the canned acknowledgment for a noise reason.
func (f *NoiseFilter) Ack(reason, message string) string {
	switch reason {
	case NoiseEmpty:
		return ""
	case NoiseTooShort:
		return "👍"
	case NoisePatternMatch:
		lower := strings.ToLower(strings.TrimSpace(message))
		if thanksRe.MatchString(lower) {
			return "👍"
		}
		return "Got it."
	case NoiseLowWeight, NoiseLLMClassified:
		return "Noted."
	default:
		return "Noted."
	}
}
