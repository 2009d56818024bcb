package analysis

import "strings"

// DefaultLanguage is used for unknown or missing language codes.
const DefaultLanguage = "English"

var languages = map[string]string{
	"en": "English",
	"ko": "Korean (한국어)",
	"zh": "Chinese (中文)",
	"de": "German (Deutsch)",
	"es": "Spanish (Español)",
}

// OutputLanguage maps a language code to the display name used in the prompt.
func OutputLanguage(code string) string {
	if name, ok := languages[strings.ToLower(strings.TrimSpace(code))]; ok {
		return name
	}
	return DefaultLanguage
}
