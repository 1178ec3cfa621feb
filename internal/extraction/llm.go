package extraction

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const systemPrompt = `You extract vehicle details from a UK garage's customer conversation.
Return ONLY a JSON object with these keys:
  "vehicleRegistration": UK registration such as "AB12 CDE", or null if not stated
  "vehicleMileage": odometer reading in miles as digits only, or null if not stated
  "registrationConfidence": number between 0 and 1
  "mileageConfidence": number between 0 and 1
  "reasoning": one short sentence
Rules:
- If the conversation corrects an earlier value, use the most recent correction.
- Ignore distances in kilometres and mileages that are not the vehicle's odometer.
- Never guess. Use null with confidence 0 when the value is absent.`

// buildUserPrompt lists the regex candidates as hints ahead of the text.
func buildUserPrompt(text string, set CandidateSet) string {
	var b strings.Builder
	b.WriteString("Registration candidates found by pattern matching (in order of appearance):\n")
	if len(set.Registrations) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range set.Registrations {
		fmt.Fprintf(&b, "- %s (context: %q)\n", c.Value, c.Snippet)
	}
	b.WriteString("\nMileage candidates found by pattern matching (in order of appearance):\n")
	if len(set.Mileages) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range set.Mileages {
		fmt.Fprintf(&b, "- %d (context: %q)\n", c.Value, c.Snippet)
	}
	b.WriteString("\nPrefer the most recent correction if the customer or staff changed a value.\n")
	b.WriteString("\nConversation:\n")
	b.WriteString(text)
	return b.String()
}

// llmAnswer is the model's reply after type coercion. Values are not yet
// validated.
type llmAnswer struct {
	Registration           *string
	Mileage                *string
	RegistrationConfidence float64
	MileageConfidence      float64
	Reasoning              string
}

// parseLLMResponse decodes the JSON object embedded in raw. Prose or code
// fences around the object are ignored. ok is false when no object can be
// decoded; fields of the wrong type decode as nil or zero.
func parseLLMResponse(raw string) (llmAnswer, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return llmAnswer{}, false
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return llmAnswer{}, false
	}

	return llmAnswer{
		Registration:           coerceString(fields["vehicleRegistration"]),
		Mileage:                coerceMileage(fields["vehicleMileage"]),
		RegistrationConfidence: coerceConfidence(fields["registrationConfidence"]),
		MileageConfidence:      coerceConfidence(fields["mileageConfidence"]),
		Reasoning:              derefOr(coerceString(fields["reasoning"]), ""),
	}, true
}

func coerceString(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return nil
	}
	return &s
}

// coerceMileage accepts a JSON number or a numeric string, optionally with
// a trailing unit. Range checks happen later.
func coerceMileage(v any) *string {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		s := strconv.FormatFloat(t, 'f', -1, 64)
		return &s
	case string:
		s := strings.TrimSpace(t)
		lower := strings.ToLower(s)
		for _, unit := range []string{"miles", "mile", "mi"} {
			if strings.HasSuffix(lower, unit) {
				s = strings.TrimSpace(s[:len(s)-len(unit)])
				break
			}
		}
		if s == "" || strings.EqualFold(s, "null") {
			return nil
		}
		return &s
	default:
		return nil
	}
}

func coerceConfidence(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	return clamp01(f)
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
