package analysis

import (
	_ "embed"
	"fmt"
)

//go:embed system_prompt.md
var systemPrompt string

// SystemPrompt returns the fixed instruction block sent with every analysis.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt renders the text part of the user turn. Missing height or weight
// is reported to the model as "unknown".
func UserPrompt(height, weight, language string) string {
	if height == "" {
		height = "unknown"
	}
	if weight == "" {
		weight = "unknown"
	}
	return fmt.Sprintf("Please analyze these photos.\n\n"+
		"Height: %s cm\nWeight: %s kg\n\n"+
		"First image: Front view (facing camera)\nSecond image: Side profile view\n\n"+
		"IMPORTANT: Write all your analysis and recommendations in %s. The entire response must be in %s.",
		height, weight, language, language)
}
