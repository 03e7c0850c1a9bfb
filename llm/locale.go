package llm

import (
	"fmt"
	"sort"
	"strings"
)

// replyLanguages maps supported two-letter codes to the language name
// used in the system prompt.
var replyLanguages = map[string]string{
	"ar": "Arabic",
	"de": "German",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"hi": "Hindi",
	"it": "Italian",
	"ja": "Japanese",
	"ko": "Korean",
	"nl": "Dutch",
	"pt": "Portuguese",
	"ru": "Russian",
	"sv": "Swedish",
	"tr": "Turkish",
	"zh": "Chinese",
}

// languagePrompt builds the reply-language system prompt for code. An
// empty code means no prompt; an unknown code is ErrUnsupportedLocale.
func languagePrompt(code string) (string, error) {
	if code == "" {
		return "", nil
	}
	name, ok := replyLanguages[strings.ToLower(code)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLocale, code)
	}
	return fmt.Sprintf("Always answer in %s, regardless of the language the user writes in.", name), nil
}

// Languages lists the supported reply-language codes, for flag help and
// error hints.
func Languages() []string {
	codes := make([]string, 0, len(replyLanguages))
	for code := range replyLanguages {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
