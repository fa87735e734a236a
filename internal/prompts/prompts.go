package prompts

import "fmt"

// TranslateSystem is the instruction given to chat-style translators.
const TranslateSystem = "You are a translation engine. Reply with the translation only."

// Translate builds the user message asking for text in the named language.
func Translate(languageName, text string) string {
	return fmt.Sprintf("Translate to %s. Only return the translation, no explanations.\n\nText: %s", languageName, text)
}
