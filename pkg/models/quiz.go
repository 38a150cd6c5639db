package models

import (
	"fmt"
	"slices"
	"strings"
)

// imageMIMETypes are the formats the loader recognises and the models accept.
var imageMIMETypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

func IsImageMIMEType(mimeType string) bool {
	return slices.Contains(imageMIMETypes, mimeType)
}

// Image is an owned image payload. It is replaced wholesale on every capture.
type Image struct {
	Data     []byte
	MIMEType string
	Source   string
}

func (i *Image) Validate() error {
	if i == nil || len(i.Data) == 0 {
		return fmt.Errorf("%w: image data is empty", ErrInvalidPayload)
	}
	if !IsImageMIMEType(i.MIMEType) {
		return fmt.Errorf("%w: unsupported image type %q (supported: %s)",
			ErrInvalidPayload, i.MIMEType, strings.Join(imageMIMETypes, ", "))
	}
	return nil
}

// Clone returns a copy that shares no memory with i.
func (i *Image) Clone() *Image {
	if i == nil {
		return nil
	}
	data := make([]byte, len(i.Data))
	copy(data, i.Data)
	return &Image{Data: data, MIMEType: i.MIMEType, Source: i.Source}
}

type Evaluation struct {
	Correct bool   `json:"correct"`
	Reason  string `json:"reason"`
}

type Question struct {
	ID                string      `json:"id"`
	SourceText        string      `json:"source_text"`
	TranslatedText    string      `json:"translated_text,omitempty"`
	TranslationFailed bool        `json:"translation_failed,omitempty"`
	Evaluation        *Evaluation `json:"evaluation,omitempty"`
}

func (q *Question) IsTranslated() bool {
	return q.TranslatedText != ""
}

func (q *Question) IsAnswered() bool {
	return q.Evaluation != nil
}

// DisplayText is the text shown to the learner: the translation when present.
func (q *Question) DisplayText() string {
	if q.TranslatedText != "" {
		return q.TranslatedText
	}
	return q.SourceText
}

type QuestionRange struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

func DefaultQuestionRange() QuestionRange {
	return QuestionRange{Min: 20, Max: 30}
}

func (r QuestionRange) Validate() error {
	if r.Min < 1 || r.Max < r.Min {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidQuestionRange, r.Min, r.Max)
	}
	return nil
}

func (r QuestionRange) String() string {
	if r.Min == r.Max {
		return fmt.Sprintf("%d", r.Min)
	}
	return fmt.Sprintf("%d to %d", r.Min, r.Max)
}
