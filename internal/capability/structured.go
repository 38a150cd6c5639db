package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manash/lingolens/pkg/models"
)

// JSON schemas sent with every structured request. Providers with strict
// structured output (OpenAI) require every property to be listed as required.

var QuestionsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "questions": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "required": ["questions"],
  "additionalProperties": false
}`)

var EvaluationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "correct": {
      "type": "boolean",
      "description": "True if the answer is correct, false otherwise."
    },
    "reason": {
      "type": "string",
      "description": "Explanation of the answer correctness. Help the user understand where they went wrong or could improve their answer. Tell them what the answer should have been if it can be determined."
    }
  },
  "required": ["correct", "reason"],
  "additionalProperties": false
}`)

var TranslationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "translation": {"type": "string"}
  },
  "required": ["translation"],
  "additionalProperties": false
}`)

type questionsPayload struct {
	Questions *[]string `json:"questions"`
}

type evaluationPayload struct {
	Correct *bool   `json:"correct"`
	Reason  *string `json:"reason"`
}

type translationPayload struct {
	Translation *string `json:"translation"`
}

// DecodeQuestions validates a {"questions": [string]} document. Unknown
// fields, a missing list or non-string items are capability errors.
func DecodeQuestions(content string) ([]string, error) {
	var p questionsPayload
	if err := decodeStrict(content, &p); err != nil {
		return nil, err
	}
	if p.Questions == nil {
		return nil, fmt.Errorf("%w: missing required field \"questions\"", models.ErrCapabilityError)
	}
	return *p.Questions, nil
}

// DecodeEvaluation validates a {"correct": bool, "reason": string} document.
// reason may be omitted; correct may not.
func DecodeEvaluation(content string) (models.Evaluation, error) {
	var p evaluationPayload
	if err := decodeStrict(content, &p); err != nil {
		return models.Evaluation{}, err
	}
	if p.Correct == nil {
		return models.Evaluation{}, fmt.Errorf("%w: missing required field \"correct\"", models.ErrCapabilityError)
	}
	ev := models.Evaluation{Correct: *p.Correct}
	if p.Reason != nil {
		ev.Reason = strings.TrimSpace(*p.Reason)
	}
	return ev, nil
}

func DecodeTranslation(content string) (string, error) {
	var p translationPayload
	if err := decodeStrict(content, &p); err != nil {
		return "", err
	}
	if p.Translation == nil {
		return "", fmt.Errorf("%w: missing required field \"translation\"", models.ErrCapabilityError)
	}
	text := strings.TrimSpace(*p.Translation)
	if text == "" {
		return "", fmt.Errorf("%w: empty translation", models.ErrEmptyResult)
	}
	return text, nil
}

func decodeStrict(content string, v any) error {
	content = StripCodeFences(content)
	if content == "" {
		return fmt.Errorf("%w: empty structured response", models.ErrCapabilityError)
	}

	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed structured response: %v", models.ErrCapabilityError, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after structured response", models.ErrCapabilityError)
	}
	return nil
}

// StripCodeFences removes a surrounding markdown ```json fence if present.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// CompactSchema returns the schema without insignificant whitespace.
func CompactSchema(schema json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, schema); err != nil {
		return schema
	}
	return buf.Bytes()
}
