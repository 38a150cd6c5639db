package models

import (
	"fmt"
	"slices"
	"strings"
)

type LanguageCode string

const (
	LangEnglish    LanguageCode = "en"
	LangFrench     LanguageCode = "fr"
	LangSpanish    LanguageCode = "es"
	LangPortuguese LanguageCode = "pt"
	LangGerman     LanguageCode = "de"
	LangItalian    LanguageCode = "it"
	LangJapanese   LanguageCode = "jp"
)

var languageNames = map[LanguageCode]string{
	LangEnglish:    "English",
	LangFrench:     "French",
	LangSpanish:    "Spanish",
	LangPortuguese: "Portuguese",
	LangGerman:     "German",
	LangItalian:    "Italian",
	LangJapanese:   "Japanese",
}

// SupportedLanguages returns the language table in a stable order.
func SupportedLanguages() []LanguageCode {
	codes := make([]LanguageCode, 0, len(languageNames))
	for code := range languageNames {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

func ParseLanguage(s string) (LanguageCode, error) {
	code := LanguageCode(strings.ToLower(strings.TrimSpace(s)))
	if !code.IsSupported() {
		return "", fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedLanguage, s, SupportedLanguages())
	}
	return code, nil
}

func (c LanguageCode) IsSupported() bool {
	_, ok := languageNames[c]
	return ok
}

// DisplayName is the English name of the language, used in prompts.
func (c LanguageCode) DisplayName() string {
	if name, ok := languageNames[c]; ok {
		return name
	}
	return string(c)
}

func (c LanguageCode) String() string {
	return string(c)
}

type Proficiency string

const (
	ProficiencyBeginner     Proficiency = "beginner"
	ProficiencyIntermediate Proficiency = "intermediate"
	ProficiencyAdvanced     Proficiency = "advanced"
)

func ValidProficiencies() []Proficiency {
	return []Proficiency{ProficiencyBeginner, ProficiencyIntermediate, ProficiencyAdvanced}
}

func ParseProficiency(s string) (Proficiency, error) {
	p := Proficiency(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(ValidProficiencies(), p) {
		return "", fmt.Errorf("%w: %q (valid: %v)", ErrInvalidProficiency, s, ValidProficiencies())
	}
	return p, nil
}

func (p Proficiency) String() string {
	return string(p)
}

// Availability is the readiness of a translation language pair.
type Availability int

const (
	Unavailable Availability = iota
	AvailableAfterDownload
	Available
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case AvailableAfterDownload:
		return "available-after-download"
	default:
		return "unavailable"
	}
}

// Usable reports whether translation may proceed for the pair.
func (a Availability) Usable() bool {
	return a == Available || a == AvailableAfterDownload
}
