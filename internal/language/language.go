// Package language maps language codes to display names for translation prompts.
package language

import (
	"sort"
	"strings"
)

// Language is one catalog entry.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var names = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"kn": "Kannada",
	"ta": "Tamil",
	"te": "Telugu",
	"bn": "Bengali",
	"mr": "Marathi",
	"gu": "Gujarati",
	"or": "Odia",
	"fr": "French",
	"es": "Spanish",
}

// Default languages applied when a join omits them.
const (
	DefaultSource = "en"
	DefaultTarget = "hi"
)

// Name returns the display name for code, or code itself when unknown.
func Name(code string) string {
	if n, ok := names[normalize(code)]; ok {
		return n
	}
	return code
}

// Known reports whether code is in the catalog.
func Known(code string) bool {
	_, ok := names[normalize(code)]
	return ok
}

// All returns the catalog sorted by code.
func All() []Language {
	out := make([]Language, 0, len(names))
	for code, name := range names {
		out = append(out, Language{Code: code, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// normalize folds "hi-IN" and "HI" to "hi".
func normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return code
}
