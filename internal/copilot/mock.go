package copilot

import (
	"context"
	"encoding/json"
	"strings"
)

// Mock answers without calling a model. It is used when no API key is
// configured, so the editor stays usable in local runs.
type Mock struct{}

func (Mock) Complete(_ context.Context, prompt Prompt) (string, error) {
	input := strings.TrimSpace(prompt.Input)
	switch {
	case prompt.Mode == "1expand":
		return input + " This is delivered by a dedicated team with clear service levels and regular reporting.", nil
	case prompt.Mode == "1summarise":
		return firstSentence(input), nil
	case strings.HasPrefix(prompt.Mode, "4"):
		return input, nil
	case prompt.Mode == "evidence":
		return "", nil
	case prompt.Mode == "rewrite":
		return input, nil
	case prompt.Mode == "feedback":
		raw, err := json.Marshal([]FeedbackItem{{
			OriginalText: firstSentence(input),
			Feedback:     "Back this claim with a measurable outcome.",
			Reasoning:    "Evaluators score evidence higher than assertion.",
		}})
		return string(raw), err
	case prompt.Mode == "library":
		return "I could not find that in your Tender Library documents yet.", nil
	default:
		return input, nil
	}
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		return text[:i+1]
	}
	return text
}
